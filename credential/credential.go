// Package credential manages the live handles around stored OAuth2 tokens: a
// registry guaranteeing at most one handle per token id, a coordinator that
// owns default-credential selection and storage, and a deduplicating refresh
// path.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/authkit/oktaidx/oidc"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNilParameter     = errors.New("nil parameter")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrRemoved          = errors.New("credential has been removed")
)

// Credential is the live, refreshable handle wrapping one stored Token. It is
// bound 1:1 to a token id; the Registry guarantees no duplicate live handles.
type Credential struct {
	id     string
	client *oidc.Client

	mu    sync.Mutex
	token *oidc.Token

	// coordinator is the owning coordinator, nil for detached credentials.
	coordinator *Coordinator

	removed atomic.Bool

	// refreshGroup collapses concurrent Refresh calls into one network
	// operation per token id.
	refreshGroup singleflight.Group
}

// ID returns the credential's stable token id.
func (c *Credential) ID() string { return c.id }

// Token returns a snapshot of the credential's current token.
func (c *Credential) Token() *oidc.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Client returns the OAuth2 client bound to this credential's configuration.
func (c *Credential) Client() *oidc.Client { return c.client }

// Refresh exchanges the credential's refresh token for fresh token content.
// Concurrent callers share one in-flight network operation and receive the
// same resulting token (or the same error).
//
// The refresh itself is not cancelled when the credential is removed
// mid-flight; only the post-completion storage write is skipped. The
// network operation runs on a context detached from the first caller's
// cancellation so late joiners aren't failed by an early caller going away.
func (c *Credential) Refresh(ctx context.Context) (*oidc.Token, error) {
	const op = "Credential.Refresh"

	v, err, _ := c.refreshGroup.Do(c.id, func() (interface{}, error) {
		c.mu.Lock()
		current := c.token
		c.mu.Unlock()

		refreshed, err := c.client.Refresh(context.WithoutCancel(ctx), current)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.token = refreshed
		c.mu.Unlock()

		// bridge the fresh token back into storage unless the credential
		// identity is gone
		if c.coordinator != nil && !c.removed.Load() {
			c.coordinator.tokenRefreshed(c, refreshed)
		}
		return refreshed, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return v.(*oidc.Token), nil
}

// Revoke revokes the credential's token material at the provider. hint is
// passed through to the revocation endpoint ("" picks the refresh token when
// one exists).
func (c *Credential) Revoke(ctx context.Context, hint string) error {
	const op = "Credential.Revoke"
	c.mu.Lock()
	current := c.token
	c.mu.Unlock()
	if err := c.client.Revoke(ctx, current, hint); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RevokeAndRemove revokes the credential's tokens and then removes it from
// its coordinator's storage. Revocation failure leaves the stored credential
// in place.
func (c *Credential) RevokeAndRemove(ctx context.Context) error {
	const op = "Credential.RevokeAndRemove"
	if err := c.Revoke(ctx, ""); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if c.coordinator == nil {
		return nil
	}
	if err := c.coordinator.Remove(ctx, c); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// setToken replaces the credential's in-memory token snapshot.
func (c *Credential) setToken(tok *oidc.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = tok
}

// markRemoved flags the credential so in-flight refreshes skip their storage
// write.
func (c *Credential) markRemoved() {
	c.removed.Store(true)
}

// Removed reports whether the credential has been removed from storage.
func (c *Credential) Removed() bool {
	return c.removed.Load()
}
