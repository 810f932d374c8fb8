package idx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/authkit/oktaidx/oidc"
	"github.com/cenkalti/backoff/v5"
)

// pollMaxTries bounds transient-transport retry attempts per poll tick,
// including the initial attempt.
const pollMaxTries = 4

// Pollable repeatedly re-submits a poll remediation until the workflow moves
// past the waiting state, typically while an email magic link or push
// approval is pending on another device.
//
// A polling session is started with StartPolling and delivers its outcome to
// the completion callback exactly once: a terminal response, or an error.
// When a poll answer carries a fresh poll remediation for the same
// authenticator type, the session adopts it and keeps going instead of
// terminating.
type Pollable struct {
	client *Client

	// authenticatorType keys the auto-chain rule.
	authenticatorType string

	mu      sync.Mutex
	rem     *Remediation
	refresh time.Duration
	polling bool
	cancel  context.CancelFunc

	// gen identifies the current session. StartPolling and StopPolling both
	// advance it, so a round trip still in flight for a superseded session
	// can recognize that its outcome no longer matters.
	gen uint64
}

func (*Pollable) authenticatorCapability() {}
func (*Pollable) remediationCapability()   {}

// IsPolling reports whether a polling session is running.
func (p *Pollable) IsPolling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polling
}

// RefreshInterval returns the server's current suggested poll interval.
func (p *Pollable) RefreshInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refresh
}

// StartPolling begins a polling session. complete is invoked exactly once,
// with the terminal response or with the error that ended the session; a
// session ended by StopPolling (or ctx cancellation) is abandoned without a
// callback.
func (p *Pollable) StartPolling(ctx context.Context, complete func(*Response, error)) error {
	const op = "Pollable.StartPolling"
	if complete == nil {
		return fmt.Errorf("%s: completion callback is nil: %w", op, ErrNilParameter)
	}

	p.mu.Lock()
	if p.polling {
		p.mu.Unlock()
		return fmt.Errorf("%s: %w", op, ErrPollingActive)
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.gen++
	gen := p.gen
	p.polling = true
	p.cancel = cancel
	p.mu.Unlock()

	go p.loop(pollCtx, gen, complete)
	return nil
}

// StopPolling ends any running session. It is idempotent and safe to call
// when no session was ever started.
func (p *Pollable) StopPolling() {
	p.mu.Lock()
	// invalidate the session identity so a round trip already in flight
	// cannot complete on its behalf
	p.gen++
	cancel := p.cancel
	p.polling = false
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Pollable) loop(ctx context.Context, gen uint64, complete func(*Response, error)) {
	finish := func(resp *Response, err error) {
		p.mu.Lock()
		if p.gen != gen {
			// superseded by StopPolling or a restart while the round trip
			// was in flight; the outcome belongs to nobody
			p.mu.Unlock()
			return
		}
		p.polling = false
		p.cancel = nil
		p.mu.Unlock()
		complete(resp, err)
	}

	for {
		p.mu.Lock()
		if p.gen != gen {
			p.mu.Unlock()
			return
		}
		rem, wait := p.rem, p.refresh
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		resp, err := p.submit(ctx, rem)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				// stopped mid-flight: the session was abandoned, not failed
				return
			}
			finish(nil, err)
			return
		}
		if resp.IsLoginSuccessful() {
			finish(resp, nil)
			return
		}
		if next := p.nextPoll(resp); next != nil {
			// the server may rotate the poll target (a fresh remediation,
			// possibly a new interval) for the same authenticator type
			p.mu.Lock()
			if p.gen != gen {
				p.mu.Unlock()
				return
			}
			p.rem = next.rem
			if next.refresh > 0 {
				p.refresh = next.refresh
			}
			p.mu.Unlock()
			continue
		}
		// the workflow moved on to something that is no longer pollable
		finish(resp, nil)
		return
	}
}

// submit performs one poll round trip, retrying transient transport errors
// with exponential backoff. Structured server errors are never retried.
func (p *Pollable) submit(ctx context.Context, rem *Remediation) (*Response, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond

	operation := func() (*Response, error) {
		resp, err := rem.Proceed(ctx, nil)
		if err != nil {
			var srvErr *oidc.ServerError
			if errors.As(err, &srvErr) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return resp, nil
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(pollMaxTries),
	)
}

// nextPoll finds the poll target the session should chain to in a poll
// answer: a pollable capability on an authenticator of the same type, or a
// bare poll remediation not tied to some other authenticator type.
func (p *Pollable) nextPoll(resp *Response) *Pollable {
	for _, a := range resp.Authenticators {
		if a.Type != p.authenticatorType {
			continue
		}
		if next := a.Pollable(); next != nil {
			return next
		}
	}
	for _, rem := range resp.Remediations {
		if rem.Type != TypeEnrollPoll && rem.Type != TypeChallengePoll {
			continue
		}
		if a := rem.Authenticator(); a != nil && a.Type != p.authenticatorType {
			// a poll for a different factor is a new flow, not a rotation
			// of this one
			continue
		}
		return &Pollable{
			client:            p.client,
			authenticatorType: p.authenticatorType,
			rem:               rem,
			refresh:           rem.RefreshInterval,
		}
	}
	return nil
}
