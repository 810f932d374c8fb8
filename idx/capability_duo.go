package idx

import (
	"fmt"
	"sync"
)

// Duo is the Duo Security iframe challenge capability. The server supplies
// the host, signed token and script; the caller runs the Duo web SDK, which
// produces a signature that must ride along on the next proceed.
//
// The signature is late-bound: it is injected into the submitted form even
// when SetSignature is called long after the capability was resolved.
type Duo struct {
	Host        string
	SignedToken string
	Script      string

	mu        sync.Mutex
	signature string
}

func (*Duo) authenticatorCapability() {}

// SetSignature records the signature produced by the Duo web SDK.
func (d *Duo) SetSignature(sig string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signature = sig
}

// Signature returns the recorded signature, "" when none was set yet.
func (d *Duo) Signature() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signature
}

// willProceed injects the signature into the challenge payload.
func (d *Duo) willProceed(rv *requestValues) error {
	const op = "Duo.willProceed"
	sig := d.Signature()
	if sig == "" {
		return fmt.Errorf("%s: no Duo signature was set: %w", op, ErrMissingChallengeData)
	}
	rv.Set("credentials.signatureData", sig)
	return nil
}
