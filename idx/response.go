package idx

import (
	"context"
	"fmt"
	"time"
)

// Message is a server message attached to a response or a form field.
type Message struct {
	// Class is the severity: "ERROR", "WARNING" or "INFO".
	Class string
	Key   string
	Text  string
}

// IsError reports whether the message carries the error class.
func (m Message) IsError() bool { return m.Class == "ERROR" }

// App describes the application the workflow authenticates into.
type App struct {
	ID    string
	Label string
	Name  string
}

// User describes the user identified so far in the workflow.
type User struct {
	ID         string
	Identifier string
}

// Response is an immutable snapshot of one point in an authentication
// workflow: the remediations the caller may take next, the authenticators in
// play and any server messages. A new Response replaces it after every
// proceed.
type Response struct {
	StateHandle string
	Version     string
	ExpiresAt   time.Time
	Intent      string

	Remediations   []*Remediation
	Authenticators []*Authenticator
	Messages       []Message

	App  *App
	User *User

	// successWithInteractionCode is non-nil exactly when the workflow
	// reached its token-issuing terminal state.
	successWithInteractionCode *Remediation

	// cancelForm is the server's transaction-reset form, present on most
	// non-terminal responses.
	cancelForm *Remediation

	client *Client
}

// IsLoginSuccessful reports whether the workflow reached its terminal
// success state. In that state Remediations may be empty; exchanging the
// interaction code is the only remaining action.
func (r *Response) IsLoginSuccessful() bool {
	return r.successWithInteractionCode != nil
}

// Remediation returns the first remediation of the given type, or nil.
func (r *Response) Remediation(t RemediationType) *Remediation {
	for _, rem := range r.Remediations {
		if rem.Type == t {
			return rem
		}
	}
	return nil
}

// RemediationNamed returns the remediation with the given server name, or
// nil. Useful for remediations newer than this client's enumeration.
func (r *Response) RemediationNamed(name string) *Remediation {
	for _, rem := range r.Remediations {
		if rem.Name == name {
			return rem
		}
	}
	return nil
}

// ErrorMessages returns the response messages carrying the error class.
func (r *Response) ErrorMessages() []Message {
	var out []Message
	for _, m := range r.Messages {
		if m.IsError() {
			out = append(out, m)
		}
	}
	return out
}

// CanCancel reports whether the server offered a cancel form.
func (r *Response) CanCancel() bool { return r.cancelForm != nil }

// Cancel abandons the current workflow position and returns the server's
// replacement response, typically the first step of a fresh transaction.
func (r *Response) Cancel(ctx context.Context) (*Response, error) {
	const op = "Response.Cancel"
	if r.IsLoginSuccessful() {
		return nil, fmt.Errorf("%s: %w", op, ErrWorkflowFinished)
	}
	if r.cancelForm == nil {
		return nil, fmt.Errorf("%s: response has no cancel form: %w", op, ErrInvalidParameter)
	}
	resp, err := r.cancelForm.Proceed(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return resp, nil
}

// CanRestart reports whether this response is an error dead end the caller
// can recover from by restarting the transaction: it carries error messages,
// no success option, and the server still offers the cancel form to reset
// with.
func (r *Response) CanRestart() bool {
	return r.cancelForm != nil && !r.IsLoginSuccessful() && len(r.ErrorMessages()) > 0
}

// Restart resets an error dead end back to the beginning of the workflow.
func (r *Response) Restart(ctx context.Context) (*Response, error) {
	const op = "Response.Restart"
	if !r.CanRestart() {
		return nil, fmt.Errorf("%s: %w", op, ErrRestartUnavailable)
	}
	resp, err := r.cancelForm.Proceed(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return resp, nil
}

// SuccessRemediation returns the token-issuing terminal remediation, or nil
// when the workflow has not finished.
func (r *Response) SuccessRemediation() *Remediation {
	return r.successWithInteractionCode
}
