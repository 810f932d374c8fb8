package credential

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/authkit/oktaidx/oidc"
	"github.com/hashicorp/go-hclog"
)

// Registry is the in-memory cache mapping token ids to live Credential
// handles. Lookup-or-create is one critical section under one exclusive
// lock, so two goroutines can never both observe "not found" and both
// create: for any token id there is at most one live Credential.
type Registry struct {
	mu    sync.Mutex
	creds map[string]*Credential

	// httpClient, when set, is injected into every created oidc.Client.
	// Tests use it to point credentials at a recording transport.
	httpClient *http.Client
	logger     hclog.Logger
}

// NewRegistry creates an empty registry.
//
// Supported options: WithHTTPClient, WithLogger.
func NewRegistry(opt ...Option) *Registry {
	opts := getOpts(opt...)
	return &Registry{
		creds:      make(map[string]*Credential),
		httpClient: opts.withHTTPClient,
		logger:     opts.withLogger,
	}
}

// CredentialFor returns the live Credential for tok's id, creating it (and
// its backing OAuth2 client) on first access.
func (r *Registry) CredentialFor(tok *oidc.Token, coordinator *Coordinator) (*Credential, error) {
	const op = "Registry.CredentialFor"
	if tok == nil {
		return nil, fmt.Errorf("%s: token is nil: %w", op, ErrNilParameter)
	}
	if tok.ID == "" {
		return nil, fmt.Errorf("%s: token has no id: %w", op, ErrInvalidParameter)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.creds[tok.ID]; ok {
		return existing, nil
	}

	clientOpts := []oidc.Option{oidc.WithLogger(r.logger)}
	if r.httpClient != nil {
		clientOpts = append(clientOpts, oidc.WithHTTPClient(r.httpClient))
	}
	client, err := oidc.NewClient(tok.Config, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create oauth2 client for token %s: %w", op, tok.ID, err)
	}
	cred := &Credential{
		id:          tok.ID,
		client:      client,
		token:       tok,
		coordinator: coordinator,
	}
	r.creds[tok.ID] = cred
	return cred, nil
}

// HasCredential reports whether a live Credential exists for the token id.
func (r *Registry) HasCredential(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.creds[id]
	return ok
}

// remove drops the live handle for id and releases its client resources.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	cred, ok := r.creds[id]
	delete(r.creds, id)
	r.mu.Unlock()
	if ok {
		cred.markRemoved()
		cred.client.Done()
	}
}

// Len returns the number of live credentials.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.creds)
}
