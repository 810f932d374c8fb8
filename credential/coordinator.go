package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/authkit/oktaidx/credential/storage"
	"github.com/authkit/oktaidx/oidc"
	"github.com/hashicorp/go-hclog"
)

// Coordinator orchestrates the token store and the credential registry. It
// owns default-credential selection and serializes every mutating operation
// under one lock, so interleavings like "two goroutines both see an empty
// store and both claim the default" can't happen.
type Coordinator struct {
	// mu serializes all public mutating entry points. Every one of them
	// acquires it before touching the store.
	mu sync.Mutex

	store    storage.Store
	registry *Registry

	// defMu guards only the default-credential cache. It is deliberately
	// separate from mu: storage delegate callbacks fire while a store
	// mutation made under mu is unwinding, and invalidation must not
	// re-enter mu.
	defMu         sync.Mutex
	defaultCred   *Credential
	defaultLoaded bool

	observers observers

	// pendMu guards the event buffer. Delegate events that fire while a
	// mutation holds mu are buffered and delivered after mu is released, so
	// observers may safely call back into the coordinator.
	pendMu    sync.Mutex
	buffering bool
	pending   []Event

	logger    hclog.Logger
	reportErr func(error)
}

// NewCoordinator creates a Coordinator over the given store.
//
// Supported options: WithRegistry, WithHTTPClient, WithLogger,
// WithErrorReporter.
func NewCoordinator(store storage.Store, opt ...Option) (*Coordinator, error) {
	const op = "credential.NewCoordinator"
	if store == nil {
		return nil, fmt.Errorf("%s: store is nil: %w", op, ErrNilParameter)
	}
	opts := getOpts(opt...)

	registry := opts.withRegistry
	if registry == nil {
		registry = NewRegistry(WithHTTPClient(opts.withHTTPClient), WithLogger(opts.withLogger))
	}
	c := &Coordinator{
		store:     store,
		registry:  registry,
		logger:    opts.withLogger,
		reportErr: opts.withErrorReporter,
	}
	if c.reportErr == nil {
		c.reportErr = func(err error) {
			c.logger.Warn("best-effort storage operation failed", "error", err)
		}
	}
	store.SetDelegate((*coordinatorDelegate)(c))
	return c, nil
}

// Registry returns the coordinator's credential registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Observe registers fn for storage-level change events and returns a cancel
// func. Events are delivered after the underlying persisted write completed
// and outside the coordinator's critical section, so fn may call back into
// the coordinator.
func (c *Coordinator) Observe(fn func(Event)) (cancel func()) {
	return c.observers.add(fn)
}

// lockAndBuffer acquires the coordinator lock and starts buffering delegate
// events fired by store mutations inside the critical section.
func (c *Coordinator) lockAndBuffer() {
	c.mu.Lock()
	c.pendMu.Lock()
	c.buffering = true
	c.pendMu.Unlock()
}

// unlockAndPublish releases the coordinator lock, then delivers the buffered
// events in order.
func (c *Coordinator) unlockAndPublish() {
	c.pendMu.Lock()
	pending := c.pending
	c.pending = nil
	c.buffering = false
	c.pendMu.Unlock()
	c.mu.Unlock()
	for _, e := range pending {
		c.observers.publish(e)
	}
}

// publishOrBuffer delivers one delegate event, deferring it when a
// coordinator mutation is mid-flight.
func (c *Coordinator) publishOrBuffer(e Event) {
	c.pendMu.Lock()
	if c.buffering {
		c.pending = append(c.pending, e)
		c.pendMu.Unlock()
		return
	}
	c.pendMu.Unlock()
	c.observers.publish(e)
}

// Store persists a new token and returns its live Credential. When the store
// was empty before this add, the new token becomes the default; the check and
// the add happen inside one critical section so a concurrent second Store
// can't also claim the default.
func (c *Coordinator) Store(ctx context.Context, tok *oidc.Token, policy storage.SecurityPolicy, tags map[string]string) (*Credential, error) {
	const op = "Coordinator.Store"
	if tok == nil {
		return nil, fmt.Errorf("%s: token is nil: %w", op, ErrNilParameter)
	}

	c.lockAndBuffer()
	defer c.unlockAndPublish()

	existing, err := c.store.AllIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to list stored tokens: %w", op, err)
	}
	if err := c.store.Add(ctx, tok, policy, tags); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cred, err := c.registry.CredentialFor(tok, c)
	if err != nil {
		// roll the persisted add back so a corrected retry with the same id
		// is not rejected as a duplicate
		if rerr := c.store.Remove(ctx, tok.ID); rerr != nil {
			c.reportErr(fmt.Errorf("unable to roll back stored token %s: %w", tok.ID, rerr))
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(existing) == 0 {
		if err := c.store.SetDefaultID(ctx, tok.ID); err != nil {
			return nil, fmt.Errorf("%s: unable to set first token as default: %w", op, err)
		}
		c.defMu.Lock()
		c.defaultCred = cred
		c.defaultLoaded = true
		c.defMu.Unlock()
	}
	return cred, nil
}

// Default returns the default credential, or nil when none is set. The first
// access after construction (or after a default change) resolves the
// persisted default id from storage, which may invoke prompt for
// presence-protected tokens; subsequent accesses return the cached value.
func (c *Coordinator) Default(ctx context.Context, prompt storage.Prompt) (*Credential, error) {
	const op = "Coordinator.Default"
	c.mu.Lock()
	defer c.mu.Unlock()

	c.defMu.Lock()
	if c.defaultLoaded {
		cred := c.defaultCred
		c.defMu.Unlock()
		return cred, nil
	}
	c.defMu.Unlock()

	id, err := c.store.DefaultID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read default id: %w", op, err)
	}
	var cred *Credential
	if id != "" {
		tok, err := c.store.Get(ctx, id, prompt)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to resolve default token %s: %w", op, id, err)
		}
		cred, err = c.registry.CredentialFor(tok, c)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	c.defMu.Lock()
	c.defaultCred = cred
	c.defaultLoaded = true
	c.defMu.Unlock()
	return cred, nil
}

// SetDefault persists cred as the default credential. A nil cred clears the
// default explicitly; an empty default on a non-empty store is legitimate.
func (c *Coordinator) SetDefault(ctx context.Context, cred *Credential) error {
	const op = "Coordinator.SetDefault"
	c.lockAndBuffer()
	defer c.unlockAndPublish()

	id := ""
	if cred != nil {
		id = cred.ID()
	}
	if err := c.store.SetDefaultID(ctx, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	c.defMu.Lock()
	c.defaultCred = cred
	c.defaultLoaded = true
	c.defMu.Unlock()
	return nil
}

// With returns the live Credential for a stored token id, or nil when no
// token with that id exists.
func (c *Coordinator) With(ctx context.Context, id string, prompt storage.Prompt) (*Credential, error) {
	const op = "Coordinator.With"
	c.mu.Lock()
	defer c.mu.Unlock()

	tok, err := c.store.Get(ctx, id, prompt)
	if errors.Is(err, storage.ErrTokenNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cred, err := c.registry.CredentialFor(tok, c)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return cred, nil
}

// Find returns the live Credentials whose stored metadata matches the
// predicate.
func (c *Coordinator) Find(ctx context.Context, match func(storage.Metadata) bool) ([]*Credential, error) {
	const op = "Coordinator.Find"
	if match == nil {
		return nil, fmt.Errorf("%s: predicate is nil: %w", op, ErrNilParameter)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ids, err := c.store.AllIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to list stored tokens: %w", op, err)
	}
	var found []*Credential
	for _, id := range ids {
		md, err := c.store.Metadata(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if !match(md) {
			continue
		}
		tok, err := c.store.Get(ctx, id, nil)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		cred, err := c.registry.CredentialFor(tok, c)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		found = append(found, cred)
	}
	return found, nil
}

// Remove deletes the credential's token from storage and drops its live
// handle. When the removed credential was the default, the default pointer is
// cleared in the same critical section, never left dangling.
func (c *Coordinator) Remove(ctx context.Context, cred *Credential) error {
	const op = "Coordinator.Remove"
	if cred == nil {
		return fmt.Errorf("%s: credential is nil: %w", op, ErrNilParameter)
	}
	c.lockAndBuffer()
	defer c.unlockAndPublish()

	if err := c.store.Remove(ctx, cred.ID()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	c.registry.remove(cred.ID())

	c.defMu.Lock()
	if c.defaultCred != nil && c.defaultCred.ID() == cred.ID() {
		c.defaultCred = nil
		c.defaultLoaded = true
	}
	c.defMu.Unlock()
	return nil
}

// tokenRefreshed bridges a refresh event back into storage. Persistence here
// is best effort: the in-memory credential already holds the fresh token, and
// blocking the refresh caller on a storage fault would help nobody, so
// failures go to the error reporter instead.
func (c *Coordinator) tokenRefreshed(cred *Credential, tok *oidc.Token) {
	c.lockAndBuffer()
	defer c.unlockAndPublish()
	if cred.Removed() {
		return
	}
	if err := c.store.Replace(context.Background(), cred.ID(), tok); err != nil {
		c.reportErr(fmt.Errorf("unable to persist refreshed token %s: %w", cred.ID(), err))
	}
}

// coordinatorDelegate receives the storage delegate callbacks. It only
// touches the default cache and the observer list, never the coordinator's
// main lock: callbacks are delivered while a store mutation is unwinding.
type coordinatorDelegate Coordinator

func (d *coordinatorDelegate) TokenAdded(id string) {
	c := (*Coordinator)(d)
	c.publishOrBuffer(Event{Type: EventTokenAdded, ID: id})
}

func (d *coordinatorDelegate) TokenRemoved(id string) {
	c := (*Coordinator)(d)
	c.publishOrBuffer(Event{Type: EventTokenRemoved, ID: id})
}

func (d *coordinatorDelegate) TokenReplaced(id string) {
	c := (*Coordinator)(d)
	c.publishOrBuffer(Event{Type: EventTokenReplaced, ID: id})
}

func (d *coordinatorDelegate) DefaultChanged(id string) {
	c := (*Coordinator)(d)
	c.defMu.Lock()
	// invalidate unless the cache already reflects this change
	cachedID := ""
	if c.defaultCred != nil {
		cachedID = c.defaultCred.ID()
	}
	if !c.defaultLoaded || cachedID != id {
		c.defaultLoaded = false
		c.defaultCred = nil
	}
	c.defMu.Unlock()
	c.publishOrBuffer(Event{Type: EventDefaultChanged, ID: id})
}
