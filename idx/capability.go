package idx

import (
	"context"
	"fmt"
)

// AuthenticatorCapability is an optional behavior attached to an
// Authenticator. The set of implementations is closed; resolution happens
// once, at parse time, and a capability that does not apply is simply
// absent.
type AuthenticatorCapability interface {
	authenticatorCapability()
}

// RemediationCapability is an optional behavior attached to a Remediation.
type RemediationCapability interface {
	remediationCapability()
}

// proceedHook is implemented by capabilities that inject computed values
// into a remediation's payload right before encoding. Hooks run after
// caller-supplied values are merged and never override a field the caller
// explicitly set.
type proceedHook interface {
	willProceed(rv *requestValues) error
}

// Sendable sends the authenticator's challenge out of band (an email or SMS
// code) for the first time.
type Sendable struct {
	rem *Remediation
}

func (*Sendable) authenticatorCapability() {}

// Send submits the send form and returns the next response.
func (s *Sendable) Send(ctx context.Context) (*Response, error) {
	const op = "Sendable.Send"
	resp, err := s.rem.Proceed(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return resp, nil
}

// Resendable re-sends a previously delivered challenge.
type Resendable struct {
	rem *Remediation
}

func (*Resendable) authenticatorCapability() {}

// Resend submits the resend form and returns the next response.
func (s *Resendable) Resend(ctx context.Context) (*Response, error) {
	const op = "Resendable.Resend"
	resp, err := s.rem.Proceed(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return resp, nil
}

// Recoverable starts the account-recovery flow for the authenticator,
// typically a forgotten password.
type Recoverable struct {
	rem *Remediation
}

func (*Recoverable) authenticatorCapability() {}

// Recover submits the recover form and returns the next response.
func (s *Recoverable) Recover(ctx context.Context) (*Response, error) {
	const op = "Recoverable.Recover"
	resp, err := s.rem.Proceed(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return resp, nil
}

// Profile exposes the authenticator's redacted contact profile, such as the
// masked email address or phone number a code was sent to.
type Profile struct {
	Values map[string]string
}

func (*Profile) authenticatorCapability() {}

// Value returns the profile entry for the given key, or "".
func (p *Profile) Value(key string) string { return p.Values[key] }

// PasswordComplexity is the server's password composition policy.
type PasswordComplexity struct {
	MinLength         int
	MinLowerCase      int
	MinUpperCase      int
	MinNumber         int
	MinSymbol         int
	ExcludeUsername   bool
	ExcludeAttributes []string
}

// PasswordAge is the server's password rotation policy.
type PasswordAge struct {
	MinAgeMinutes int
	HistoryCount  int
}

// PasswordSettings exposes the password policy so callers can validate a new
// password client-side before submitting it.
type PasswordSettings struct {
	Complexity   PasswordComplexity
	Age          PasswordAge
	DaysToExpiry int
}

func (*PasswordSettings) authenticatorCapability() {}

// NumberChallenge is the push-verification number challenge: the user must
// pick CorrectAnswer on their device from a short list of numbers.
type NumberChallenge struct {
	CorrectAnswer string
}

func (*NumberChallenge) authenticatorCapability() {}
