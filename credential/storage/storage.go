// Package storage defines the token persistence contract shared by the SDK's
// storage backends, plus the backends themselves: an in-memory store, a bbolt
// file store and an OS-keychain store.
//
// A store keeps two tables: token blobs and token metadata. An id is only
// valid when it appears in both; the contract requires AllIDs to filter
// orphans and Metadata to surface them as ErrMetadataConsistency rather than
// silently repairing.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/authkit/oktaidx/oidc"
)

var (
	ErrDuplicateToken       = errors.New("token id already exists")
	ErrTokenNotFound        = errors.New("token not found")
	ErrCannotReplaceToken   = errors.New("cannot replace token")
	ErrMetadataConsistency  = errors.New("token and metadata tables are inconsistent")
	ErrAuthenticationFailed = errors.New("storage authentication failed")
	ErrNilParameter         = errors.New("nil parameter")
	ErrInvalidParameter     = errors.New("invalid parameter")
)

// Accessibility describes when stored token material may be read back.
// Secure-enclave style backends map these onto their per-item protection
// classes; plain backends record them without enforcement.
type Accessibility string

const (
	// AccessibilityAlways allows reads at any time.
	AccessibilityAlways Accessibility = "always"

	// AccessibilityUnlocked allows reads only while the device is unlocked.
	AccessibilityUnlocked Accessibility = "unlocked"

	// AccessibilityUnlockedThisDeviceOnly is AccessibilityUnlocked without
	// backup/escrow of the item.
	AccessibilityUnlockedThisDeviceOnly Accessibility = "unlockedThisDeviceOnly"
)

// SecurityPolicy is the per-token storage policy applied when a token is
// added and honored on every read.
type SecurityPolicy struct {
	Accessibility Accessibility `json:"accessibility,omitempty"`

	// RequireUserPresence makes reads invoke the caller's Prompt before
	// token material is returned.
	RequireUserPresence bool `json:"require_user_presence,omitempty"`

	// AccessGroup optionally shares the item with other clients of the same
	// platform keychain group.
	AccessGroup string `json:"access_group,omitempty"`
}

// Metadata is the persisted record describing a stored token.
type Metadata struct {
	ID        string            `json:"id"`
	Tags      map[string]string `json:"tags,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Policy    SecurityPolicy    `json:"policy"`
}

// Prompt is invoked by a backend when a read requires user presence. Backends
// treat a non-nil error as the user declining, and the read fails with
// ErrAuthenticationFailed. A nil Prompt on a presence-protected item also
// fails the read.
type Prompt func(ctx context.Context, reason string) error

// Delegate receives change notifications from a Store. Every callback is
// delivered after the underlying persisted state has been durably written, so
// observers never see a notification for a write that could still be rolled
// back. defaultID is empty when the default was cleared.
type Delegate interface {
	TokenAdded(id string)
	TokenRemoved(id string)
	TokenReplaced(id string)
	DefaultChanged(defaultID string)
}

// Store is the token persistence contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Add persists a new token under tok.ID. It fails with
	// ErrDuplicateToken when the id already exists.
	Add(ctx context.Context, tok *oidc.Token, policy SecurityPolicy, tags map[string]string) error

	// Get returns the token stored under id, failing with ErrTokenNotFound
	// when absent. When the token's policy requires user presence the
	// backend calls prompt first and fails with ErrAuthenticationFailed if
	// it's declined (or nil).
	Get(ctx context.Context, id string, prompt Prompt) (*oidc.Token, error)

	// Remove deletes the token and its metadata, failing with
	// ErrTokenNotFound when absent.
	Remove(ctx context.Context, id string) error

	// Replace overwrites the token stored under id with tok's content,
	// keeping the id and policy. It fails with ErrCannotReplaceToken when id
	// is absent.
	Replace(ctx context.Context, id string, tok *oidc.Token) error

	// AllIDs returns the ids present in both the token and metadata tables.
	// Orphaned ids (present in only one) are filtered out, not errors.
	AllIDs(ctx context.Context) ([]string, error)

	// Metadata returns the stored metadata for id. An id with a token blob
	// but no metadata (or vice versa) fails with ErrMetadataConsistency.
	Metadata(ctx context.Context, id string) (Metadata, error)

	// DefaultID returns the persisted default token id, or "" when no
	// default is set. An unset default on a non-empty store is legitimate.
	DefaultID(ctx context.Context) (string, error)

	// SetDefaultID persists id as the default ("" clears it) and notifies
	// the delegate after the write completes.
	SetDefaultID(ctx context.Context, id string) error

	// SetDelegate registers the single change observer for the store.
	SetDelegate(d Delegate)
}
