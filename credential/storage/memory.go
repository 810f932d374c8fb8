package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/authkit/oktaidx/oidc"
)

// Mem is an in-memory Store. It keeps the same two-table layout as the
// durable backends so the consistency contract can be exercised without a
// filesystem, which makes it the natural store for tests and short-lived
// tools.
type Mem struct {
	mu       sync.RWMutex
	blobs    map[string][]byte
	meta     map[string]Metadata
	defaultI string
	delegate delegateHolder
}

var _ Store = (*Mem)(nil)

// NewMem creates an empty in-memory store.
func NewMem() *Mem {
	return &Mem{
		blobs: make(map[string][]byte),
		meta:  make(map[string]Metadata),
	}
}

// SetDelegate implements Store.
func (s *Mem) SetDelegate(d Delegate) {
	s.delegate.set(d)
}

// Add implements Store.
func (s *Mem) Add(_ context.Context, tok *oidc.Token, policy SecurityPolicy, tags map[string]string) error {
	const op = "Mem.Add"
	if tok == nil {
		return fmt.Errorf("%s: token is nil: %w", op, ErrNilParameter)
	}
	if tok.ID == "" {
		return fmt.Errorf("%s: token has no id: %w", op, ErrInvalidParameter)
	}
	blob, err := tok.EncodeStorage()
	if err != nil {
		return fmt.Errorf("%s: unable to encode token: %w", op, err)
	}

	s.mu.Lock()
	if _, ok := s.blobs[tok.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: id %s: %w", op, tok.ID, ErrDuplicateToken)
	}
	now := time.Now()
	s.blobs[tok.ID] = blob
	s.meta[tok.ID] = Metadata{
		ID:        tok.ID,
		Tags:      tags,
		CreatedAt: now,
		UpdatedAt: now,
		Policy:    policy,
	}
	s.mu.Unlock()

	s.delegate.notify(func(d Delegate) { d.TokenAdded(tok.ID) })
	return nil
}

// Get implements Store.
func (s *Mem) Get(ctx context.Context, id string, prompt Prompt) (*oidc.Token, error) {
	const op = "Mem.Get"
	s.mu.RLock()
	blob, ok := s.blobs[id]
	md, mdOK := s.meta[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: id %s: %w", op, id, ErrTokenNotFound)
	}
	if mdOK && md.Policy.RequireUserPresence {
		if prompt == nil {
			return nil, fmt.Errorf("%s: id %s requires user presence and no prompt was supplied: %w", op, id, ErrAuthenticationFailed)
		}
		if err := prompt(ctx, "unlock token "+id); err != nil {
			return nil, fmt.Errorf("%s: user presence prompt declined: %w", op, ErrAuthenticationFailed)
		}
	}
	tok, err := oidc.DecodeStorageToken(blob)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to decode token %s: %w", op, id, err)
	}
	return tok, nil
}

// Remove implements Store.
func (s *Mem) Remove(_ context.Context, id string) error {
	const op = "Mem.Remove"
	s.mu.Lock()
	if _, ok := s.blobs[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: id %s: %w", op, id, ErrTokenNotFound)
	}
	delete(s.blobs, id)
	delete(s.meta, id)
	clearedDefault := false
	if s.defaultI == id {
		s.defaultI = ""
		clearedDefault = true
	}
	s.mu.Unlock()

	s.delegate.notify(func(d Delegate) {
		d.TokenRemoved(id)
		if clearedDefault {
			d.DefaultChanged("")
		}
	})
	return nil
}

// Replace implements Store.
func (s *Mem) Replace(_ context.Context, id string, tok *oidc.Token) error {
	const op = "Mem.Replace"
	if tok == nil {
		return fmt.Errorf("%s: token is nil: %w", op, ErrNilParameter)
	}
	replacement := *tok
	replacement.ID = id
	blob, err := replacement.EncodeStorage()
	if err != nil {
		return fmt.Errorf("%s: unable to encode token: %w", op, err)
	}

	s.mu.Lock()
	if _, ok := s.blobs[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: id %s: %w", op, id, ErrCannotReplaceToken)
	}
	s.blobs[id] = blob
	if md, ok := s.meta[id]; ok {
		md.UpdatedAt = time.Now()
		s.meta[id] = md
	}
	s.mu.Unlock()

	s.delegate.notify(func(d Delegate) { d.TokenReplaced(id) })
	return nil
}

// AllIDs implements Store. Ids must appear in both tables to be returned.
func (s *Mem) AllIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.blobs))
	for id := range s.blobs {
		if _, ok := s.meta[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Metadata implements Store.
func (s *Mem) Metadata(_ context.Context, id string) (Metadata, error) {
	const op = "Mem.Metadata"
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, blobOK := s.blobs[id]
	md, mdOK := s.meta[id]
	switch {
	case !blobOK && !mdOK:
		return Metadata{}, fmt.Errorf("%s: id %s: %w", op, id, ErrTokenNotFound)
	case blobOK != mdOK:
		return Metadata{}, fmt.Errorf("%s: id %s is orphaned: %w", op, id, ErrMetadataConsistency)
	}
	return md, nil
}

// DefaultID implements Store.
func (s *Mem) DefaultID(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultI, nil
}

// SetDefaultID implements Store.
func (s *Mem) SetDefaultID(_ context.Context, id string) error {
	const op = "Mem.SetDefaultID"
	s.mu.Lock()
	if id != "" {
		if _, ok := s.blobs[id]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("%s: id %s: %w", op, id, ErrTokenNotFound)
		}
	}
	changed := s.defaultI != id
	s.defaultI = id
	s.mu.Unlock()

	if changed {
		s.delegate.notify(func(d Delegate) { d.DefaultChanged(id) })
	}
	return nil
}
