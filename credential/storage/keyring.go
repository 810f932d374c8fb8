package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/authkit/oktaidx/oidc"
	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the keychain service name used when none is
// configured.
const DefaultKeyringService = "com.authkit.oktaidx"

const (
	keyringTokenPrefix = "token."
	keyringMetaPrefix  = "meta."
	keyringIndexKey    = "index"
	keyringDefaultKey  = "default"
)

// Keyring is a Store backed by the operating system keychain via
// zalando/go-keyring. Each token blob and each metadata record is its own
// keychain item; an index item tracks the two id sets since keychains can't
// enumerate. The index is the backend's second table for the consistency
// contract: an id listed for tokens but not metadata is an orphan.
//
// OS keychains prompt for user presence themselves where the platform
// supports it; the Prompt hook is still honored for policies that request
// presence so behavior is uniform across backends.
type Keyring struct {
	service string

	// mu serializes read-modify-write cycles on the index item.
	mu       sync.Mutex
	delegate delegateHolder
}

var _ Store = (*Keyring)(nil)

type keyringIndex struct {
	Tokens   []string `json:"tokens"`
	Metadata []string `json:"metadata"`
}

// NewKeyring creates a keychain-backed store under the given service name
// ("" uses DefaultKeyringService). It fails when no functional keychain
// backend is available.
func NewKeyring(service string) (*Keyring, error) {
	const op = "storage.NewKeyring"
	if service == "" {
		service = DefaultKeyringService
	}
	s := &Keyring{service: service}
	if _, err := s.readIndex(); err != nil {
		return nil, fmt.Errorf("%s: keychain unavailable: %w", op, err)
	}
	return s, nil
}

// SetDelegate implements Store.
func (s *Keyring) SetDelegate(d Delegate) {
	s.delegate.set(d)
}

func (s *Keyring) readIndex() (keyringIndex, error) {
	raw, err := keyring.Get(s.service, keyringIndexKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return keyringIndex{}, nil
	}
	if err != nil {
		return keyringIndex{}, err
	}
	var idx keyringIndex
	if err := json.Unmarshal([]byte(raw), &idx); err != nil {
		return keyringIndex{}, fmt.Errorf("corrupt index item: %w", err)
	}
	return idx, nil
}

func (s *Keyring) writeIndex(idx keyringIndex) error {
	raw, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return keyring.Set(s.service, keyringIndexKey, string(raw))
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Add implements Store.
func (s *Keyring) Add(_ context.Context, tok *oidc.Token, policy SecurityPolicy, tags map[string]string) error {
	const op = "Keyring.Add"
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
	now := time.Now()
	mdRaw, err := json.Marshal(Metadata{
		ID:        tok.ID,
		Tags:      tags,
		CreatedAt: now,
		UpdatedAt: now,
		Policy:    policy,
	})
	if err != nil {
		return fmt.Errorf("%s: unable to encode metadata: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.readIndex()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if contains(idx.Tokens, tok.ID) {
		return fmt.Errorf("%s: id %s: %w", op, tok.ID, ErrDuplicateToken)
	}
	if err := keyring.Set(s.service, keyringTokenPrefix+tok.ID, string(blob)); err != nil {
		return fmt.Errorf("%s: unable to store token: %w", op, err)
	}
	if err := keyring.Set(s.service, keyringMetaPrefix+tok.ID, string(mdRaw)); err != nil {
		return fmt.Errorf("%s: unable to store metadata: %w", op, err)
	}
	idx.Tokens = append(idx.Tokens, tok.ID)
	idx.Metadata = append(idx.Metadata, tok.ID)
	if err := s.writeIndex(idx); err != nil {
		return fmt.Errorf("%s: unable to update index: %w", op, err)
	}

	s.delegate.notify(func(d Delegate) { d.TokenAdded(tok.ID) })
	return nil
}

// Get implements Store.
func (s *Keyring) Get(ctx context.Context, id string, prompt Prompt) (*oidc.Token, error) {
	const op = "Keyring.Get"
	mdRaw, mdErr := keyring.Get(s.service, keyringMetaPrefix+id)
	if mdErr == nil {
		var md Metadata
		if json.Unmarshal([]byte(mdRaw), &md) == nil && md.Policy.RequireUserPresence {
			if prompt == nil {
				return nil, fmt.Errorf("%s: id %s requires user presence and no prompt was supplied: %w", op, id, ErrAuthenticationFailed)
			}
			if err := prompt(ctx, "unlock token "+id); err != nil {
				return nil, fmt.Errorf("%s: user presence prompt declined: %w", op, ErrAuthenticationFailed)
			}
		}
	}
	raw, err := keyring.Get(s.service, keyringTokenPrefix+id)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("%s: id %s: %w", op, id, ErrTokenNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: keychain read failed: %w", op, err)
	}
	tok, err := oidc.DecodeStorageToken([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to decode token %s: %w", op, id, err)
	}
	return tok, nil
}

// Remove implements Store.
func (s *Keyring) Remove(_ context.Context, id string) error {
	const op = "Keyring.Remove"
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.readIndex()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !contains(idx.Tokens, id) {
		return fmt.Errorf("%s: id %s: %w", op, id, ErrTokenNotFound)
	}
	if err := keyring.Delete(s.service, keyringTokenPrefix+id); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%s: unable to delete token: %w", op, err)
	}
	if err := keyring.Delete(s.service, keyringMetaPrefix+id); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%s: unable to delete metadata: %w", op, err)
	}
	idx.Tokens = without(idx.Tokens, id)
	idx.Metadata = without(idx.Metadata, id)
	if err := s.writeIndex(idx); err != nil {
		return fmt.Errorf("%s: unable to update index: %w", op, err)
	}

	clearedDefault := false
	if current, err := keyring.Get(s.service, keyringDefaultKey); err == nil && current == id {
		if err := keyring.Delete(s.service, keyringDefaultKey); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%s: unable to clear default: %w", op, err)
		}
		clearedDefault = true
	}

	s.delegate.notify(func(d Delegate) {
		d.TokenRemoved(id)
		if clearedDefault {
			d.DefaultChanged("")
		}
	})
	return nil
}

// Replace implements Store.
func (s *Keyring) Replace(_ context.Context, id string, tok *oidc.Token) error {
	const op = "Keyring.Replace"
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
	defer s.mu.Unlock()
	idx, err := s.readIndex()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !contains(idx.Tokens, id) {
		return fmt.Errorf("%s: id %s: %w", op, id, ErrCannotReplaceToken)
	}
	if err := keyring.Set(s.service, keyringTokenPrefix+id, string(blob)); err != nil {
		return fmt.Errorf("%s: unable to store token: %w", op, err)
	}
	if mdRaw, err := keyring.Get(s.service, keyringMetaPrefix+id); err == nil {
		var md Metadata
		if json.Unmarshal([]byte(mdRaw), &md) == nil {
			md.UpdatedAt = time.Now()
			if updated, err := json.Marshal(md); err == nil {
				_ = keyring.Set(s.service, keyringMetaPrefix+id, string(updated))
			}
		}
	}

	s.delegate.notify(func(d Delegate) { d.TokenReplaced(id) })
	return nil
}

// AllIDs implements Store. Ids must appear in both index sets to be
// returned.
func (s *Keyring) AllIDs(_ context.Context) ([]string, error) {
	const op = "Keyring.AllIDs"
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.readIndex()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var ids []string
	for _, id := range idx.Tokens {
		if contains(idx.Metadata, id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Metadata implements Store.
func (s *Keyring) Metadata(_ context.Context, id string) (Metadata, error) {
	const op = "Keyring.Metadata"
	s.mu.Lock()
	idx, err := s.readIndex()
	s.mu.Unlock()
	if err != nil {
		return Metadata{}, fmt.Errorf("%s: %w", op, err)
	}
	blobOK, mdOK := contains(idx.Tokens, id), contains(idx.Metadata, id)
	switch {
	case !blobOK && !mdOK:
		return Metadata{}, fmt.Errorf("%s: id %s: %w", op, id, ErrTokenNotFound)
	case blobOK != mdOK:
		return Metadata{}, fmt.Errorf("%s: id %s is orphaned: %w", op, id, ErrMetadataConsistency)
	}
	raw, err := keyring.Get(s.service, keyringMetaPrefix+id)
	if errors.Is(err, keyring.ErrNotFound) {
		return Metadata{}, fmt.Errorf("%s: id %s is orphaned: %w", op, id, ErrMetadataConsistency)
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("%s: keychain read failed: %w", op, err)
	}
	var md Metadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return Metadata{}, fmt.Errorf("%s: unable to decode metadata for %s: %w", op, id, err)
	}
	return md, nil
}

// DefaultID implements Store.
func (s *Keyring) DefaultID(_ context.Context) (string, error) {
	const op = "Keyring.DefaultID"
	id, err := keyring.Get(s.service, keyringDefaultKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%s: keychain read failed: %w", op, err)
	}
	return id, nil
}

// SetDefaultID implements Store.
func (s *Keyring) SetDefaultID(_ context.Context, id string) error {
	const op = "Keyring.SetDefaultID"
	s.mu.Lock()
	idx, err := s.readIndex()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", op, err)
	}
	if id != "" && !contains(idx.Tokens, id) {
		s.mu.Unlock()
		return fmt.Errorf("%s: id %s: %w", op, id, ErrTokenNotFound)
	}
	current, _ := keyring.Get(s.service, keyringDefaultKey)
	changed := current != id
	if id == "" {
		if err := keyring.Delete(s.service, keyringDefaultKey); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			s.mu.Unlock()
			return fmt.Errorf("%s: unable to clear default: %w", op, err)
		}
	} else if err := keyring.Set(s.service, keyringDefaultKey, id); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%s: unable to store default: %w", op, err)
	}
	s.mu.Unlock()

	if changed {
		s.delegate.notify(func(d Delegate) { d.DefaultChanged(id) })
	}
	return nil
}
