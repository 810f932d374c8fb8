package idx

import (
	"errors"
)

var (
	// ErrNilParameter is returned when a required pointer parameter is nil.
	ErrNilParameter = errors.New("nil parameter")

	// ErrInvalidParameter is returned when a caller supplies a value the
	// operation cannot accept, such as a form key the server never declared.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrMissingRequiredParameter is returned by proceed when a required form
	// field has neither a server default nor a caller-supplied value.
	ErrMissingRequiredParameter = errors.New("missing required parameter")

	// ErrParameterImmutable is returned by proceed when a caller supplies a
	// value for an immutable field the server already populated.
	ErrParameterImmutable = errors.New("parameter is immutable")

	// ErrResponseValidation is returned when a server response violates a
	// protocol consistency invariant, such as one authenticator id described
	// with two different types.
	ErrResponseValidation = errors.New("response validation failed")

	// ErrInvalidResponseData is returned when a response body cannot be
	// interpreted as an ION document at all.
	ErrInvalidResponseData = errors.New("invalid response data")

	// ErrInvalidRemediationForm is returned when a form field a capability
	// needs at submit time is absent.
	ErrInvalidRemediationForm = errors.New("invalid remediation form")

	// ErrMissingChallengeData is returned when a capability is asked to
	// proceed before its challenge material (Duo signature, WebAuthn
	// assertion) has been supplied.
	ErrMissingChallengeData = errors.New("missing challenge data")

	// ErrPollingActive is returned by StartPolling when a polling session is
	// already running for the capability.
	ErrPollingActive = errors.New("polling already active")

	// ErrWorkflowFinished is returned when an operation requires an active
	// workflow but the response is terminal (success or dead end).
	ErrWorkflowFinished = errors.New("workflow finished")

	// ErrRestartUnavailable is returned by Restart when the response carries
	// no cancel remediation to restart from.
	ErrRestartUnavailable = errors.New("restart unavailable")
)
