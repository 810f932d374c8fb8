package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/authkit/oktaidx/oidc"
	bolt "go.etcd.io/bbolt"
)

const (
	// boltDirPerm is the permission mode for the store's directory.
	boltDirPerm = fs.FileMode(0o700)

	// boltFilePerm is the permission mode for the store's database file.
	boltFilePerm = fs.FileMode(0o600)

	// boltOpenTimeout is the maximum time to wait for the bolt file lock.
	boltOpenTimeout = 5 * time.Second
)

var (
	tokensBucket   = []byte("tokens")
	metadataBucket = []byte("metadata")
	stateBucket    = []byte("state")
	defaultKey     = []byte("default")
)

// Bolt is a file-backed Store on top of a bbolt database. Token blobs and
// metadata live in separate buckets; the persisted default id lives in a
// third. This backend records security policies but can't enforce user
// presence itself, so presence-protected reads are gated on the caller's
// Prompt the same way Mem does it.
type Bolt struct {
	db       *bolt.DB
	delegate delegateHolder
}

var _ Store = (*Bolt)(nil)

// NewBolt opens (creating when needed) the bolt database at path.
func NewBolt(path string) (*Bolt, error) {
	const op = "storage.NewBolt"
	if path == "" {
		return nil, fmt.Errorf("%s: path is empty: %w", op, ErrInvalidParameter)
	}
	if err := os.MkdirAll(filepath.Dir(path), boltDirPerm); err != nil {
		return nil, fmt.Errorf("%s: unable to create state dir: %w", op, err)
	}
	db, err := bolt.Open(path, boltFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("%s: unable to open %s: %w", op, path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{tokensBucket, metadataBucket, stateBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: unable to create buckets: %w", op, err)
	}
	return &Bolt{db: db}, nil
}

// Close releases the underlying database file.
func (s *Bolt) Close() error {
	return s.db.Close()
}

// SetDelegate implements Store.
func (s *Bolt) SetDelegate(d Delegate) {
	s.delegate.set(d)
}

// Add implements Store.
func (s *Bolt) Add(_ context.Context, tok *oidc.Token, policy SecurityPolicy, tags map[string]string) error {
	const op = "Bolt.Add"
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

	err = s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(tokensBucket)
		if tokens.Get([]byte(tok.ID)) != nil {
			return fmt.Errorf("id %s: %w", tok.ID, ErrDuplicateToken)
		}
		if err := tokens.Put([]byte(tok.ID), blob); err != nil {
			return err
		}
		return tx.Bucket(metadataBucket).Put([]byte(tok.ID), mdRaw)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.delegate.notify(func(d Delegate) { d.TokenAdded(tok.ID) })
	return nil
}

// Get implements Store.
func (s *Bolt) Get(ctx context.Context, id string, prompt Prompt) (*oidc.Token, error) {
	const op = "Bolt.Get"
	var blob []byte
	var md Metadata
	var haveMD bool
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(tokensBucket).Get([]byte(id)); raw != nil {
			blob = append([]byte(nil), raw...)
		}
		if raw := tx.Bucket(metadataBucket).Get([]byte(id)); raw != nil {
			haveMD = json.Unmarshal(raw, &md) == nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if blob == nil {
		return nil, fmt.Errorf("%s: id %s: %w", op, id, ErrTokenNotFound)
	}
	if haveMD && md.Policy.RequireUserPresence {
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
func (s *Bolt) Remove(_ context.Context, id string) error {
	const op = "Bolt.Remove"
	clearedDefault := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(tokensBucket)
		if tokens.Get([]byte(id)) == nil {
			return fmt.Errorf("id %s: %w", id, ErrTokenNotFound)
		}
		if err := tokens.Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(metadataBucket).Delete([]byte(id)); err != nil {
			return err
		}
		state := tx.Bucket(stateBucket)
		if string(state.Get(defaultKey)) == id {
			clearedDefault = true
			return state.Delete(defaultKey)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
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
func (s *Bolt) Replace(_ context.Context, id string, tok *oidc.Token) error {
	const op = "Bolt.Replace"
	if tok == nil {
		return fmt.Errorf("%s: token is nil: %w", op, ErrNilParameter)
	}
	replacement := *tok
	replacement.ID = id
	blob, err := replacement.EncodeStorage()
	if err != nil {
		return fmt.Errorf("%s: unable to encode token: %w", op, err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(tokensBucket)
		if tokens.Get([]byte(id)) == nil {
			return fmt.Errorf("id %s: %w", id, ErrCannotReplaceToken)
		}
		if err := tokens.Put([]byte(id), blob); err != nil {
			return err
		}
		meta := tx.Bucket(metadataBucket)
		if raw := meta.Get([]byte(id)); raw != nil {
			var md Metadata
			if err := json.Unmarshal(raw, &md); err == nil {
				md.UpdatedAt = time.Now()
				if updated, err := json.Marshal(md); err == nil {
					return meta.Put([]byte(id), updated)
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.delegate.notify(func(d Delegate) { d.TokenReplaced(id) })
	return nil
}

// AllIDs implements Store. Ids must appear in both buckets to be returned.
func (s *Bolt) AllIDs(_ context.Context) ([]string, error) {
	const op = "Bolt.AllIDs"
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metadataBucket)
		return tx.Bucket(tokensBucket).ForEach(func(k, _ []byte) error {
			if meta.Get(k) != nil {
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ids, nil
}

// Metadata implements Store.
func (s *Bolt) Metadata(_ context.Context, id string) (Metadata, error) {
	const op = "Bolt.Metadata"
	var md Metadata
	var blobOK, mdOK bool
	err := s.db.View(func(tx *bolt.Tx) error {
		blobOK = tx.Bucket(tokensBucket).Get([]byte(id)) != nil
		if raw := tx.Bucket(metadataBucket).Get([]byte(id)); raw != nil {
			if err := json.Unmarshal(raw, &md); err != nil {
				return fmt.Errorf("unable to decode metadata for %s: %w", id, err)
			}
			mdOK = true
		}
		return nil
	})
	if err != nil {
		return Metadata{}, fmt.Errorf("%s: %w", op, err)
	}
	switch {
	case !blobOK && !mdOK:
		return Metadata{}, fmt.Errorf("%s: id %s: %w", op, id, ErrTokenNotFound)
	case blobOK != mdOK:
		return Metadata{}, fmt.Errorf("%s: id %s is orphaned: %w", op, id, ErrMetadataConsistency)
	}
	return md, nil
}

// DefaultID implements Store.
func (s *Bolt) DefaultID(_ context.Context) (string, error) {
	const op = "Bolt.DefaultID"
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		id = string(tx.Bucket(stateBucket).Get(defaultKey))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return id, nil
}

// SetDefaultID implements Store.
func (s *Bolt) SetDefaultID(_ context.Context, id string) error {
	const op = "Bolt.SetDefaultID"
	changed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		if id != "" && tx.Bucket(tokensBucket).Get([]byte(id)) == nil {
			return fmt.Errorf("id %s: %w", id, ErrTokenNotFound)
		}
		state := tx.Bucket(stateBucket)
		changed = string(state.Get(defaultKey)) != id
		if id == "" {
			return state.Delete(defaultKey)
		}
		return state.Put(defaultKey, []byte(id))
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if changed {
		s.delegate.notify(func(d Delegate) { d.DefaultChanged(id) })
	}
	return nil
}
