package oidc

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// DefaultExpirySkew defines the time skew used when checking a Token's
// expiration.
const DefaultExpirySkew = 10 * time.Second

// Token is an immutable value representing one issued set of OAuth2/OIDC
// tokens plus the metadata needed to refresh or revoke them later.
//
// A Token's identity is its ID, not its content: refreshing replaces the
// access token (and possibly more) but produces a Token with the same ID, so
// the refreshed value still resolves to the same logical credential.
type Token struct {
	// ID is a stable identifier for the logical credential this token
	// belongs to. Generated at mint time when the server doesn't supply one.
	ID string

	AccessToken  AccessToken
	RefreshToken RefreshToken
	IDToken      IDToken

	// DeviceSecret is the optional device_secret issued for native SSO.
	DeviceSecret string

	TokenType string
	Scope     string

	IssuedAt  time.Time
	ExpiresAt time.Time

	// Config is a snapshot of the client configuration the token was issued
	// under, kept so a stored token can reconstruct its refresh client.
	Config Config
}

// NewToken converts an oauth2.Token (plus the extra fields Okta returns) into
// a Token. A fresh ID is generated.
func NewToken(c Config, t *oauth2.Token) (*Token, error) {
	const op = "oidc.NewToken"
	if t == nil {
		return nil, fmt.Errorf("%s: oauth2 token is nil: %w", op, ErrNilParameter)
	}
	if t.AccessToken == "" {
		return nil, fmt.Errorf("%s: access_token is empty: %w", op, ErrMissingAccessToken)
	}
	id, err := NewID(WithPrefix("tok"))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate token id: %w", op, err)
	}
	tk := &Token{
		ID:           id,
		AccessToken:  AccessToken(t.AccessToken),
		RefreshToken: RefreshToken(t.RefreshToken),
		TokenType:    t.TokenType,
		IssuedAt:     time.Now(),
		ExpiresAt:    t.Expiry,
		Config:       c,
	}
	if idt, ok := t.Extra("id_token").(string); ok {
		tk.IDToken = IDToken(idt)
	}
	if ds, ok := t.Extra("device_secret").(string); ok {
		tk.DeviceSecret = ds
	}
	if scope, ok := t.Extra("scope").(string); ok {
		tk.Scope = scope
	}
	return tk, nil
}

// Expired will return true if the token is expired. Supports the
// WithExpirySkew option and if none is provided it will use the
// DefaultExpirySkew.
func (t *Token) Expired(opt ...Option) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	opts := getTokenOpts(opt...)
	return t.ExpiresAt.Round(0).Before(time.Now().Add(opts.withExpirySkew))
}

// Valid will return true if the token is not nil, has an access token and is
// not expired.
func (t *Token) Valid(opt ...Option) bool {
	if t == nil {
		return false
	}
	if t.AccessToken == "" {
		return false
	}
	return !t.Expired(opt...)
}

// Merged returns a copy of refreshed with any fields the refresh response
// omitted carried forward from t. Refresh responses are often partial: the
// server may not repeat the refresh_token, id_token or device_secret it
// issued earlier, and dropping them would strand the credential.
//
// The returned Token keeps t's ID: a refresh replaces content, not identity.
func (t *Token) Merged(refreshed *Token) (*Token, error) {
	const op = "Token.Merged"
	if refreshed == nil {
		return nil, fmt.Errorf("%s: refreshed token is nil: %w", op, ErrNilParameter)
	}
	merged := *refreshed
	merged.ID = t.ID
	merged.Config = t.Config
	if merged.RefreshToken == "" {
		merged.RefreshToken = t.RefreshToken
	}
	if merged.IDToken == "" {
		merged.IDToken = t.IDToken
	}
	if merged.DeviceSecret == "" {
		merged.DeviceSecret = t.DeviceSecret
	}
	if merged.Scope == "" {
		merged.Scope = t.Scope
	}
	return &merged, nil
}

// storedToken mirrors Token with plain string fields so storage backends can
// round-trip real token material. Token's own MarshalJSON-able fields redact
// themselves, which is the right behavior everywhere except persistence.
type storedToken struct {
	ID           string    `json:"id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	DeviceSecret string    `json:"device_secret,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`

	Issuer      string   `json:"issuer"`
	ClientID    string   `json:"client_id"`
	Scopes      []string `json:"scopes,omitempty"`
	RedirectURL string   `json:"redirect_url,omitempty"`
}

// EncodeStorage serializes the token, including its secret material, for a
// storage backend. Never log or transmit this encoding.
func (t *Token) EncodeStorage() ([]byte, error) {
	const op = "Token.EncodeStorage"
	if t == nil {
		return nil, fmt.Errorf("%s: token is nil: %w", op, ErrNilParameter)
	}
	s := storedToken{
		ID:           t.ID,
		AccessToken:  string(t.AccessToken),
		RefreshToken: string(t.RefreshToken),
		IDToken:      string(t.IDToken),
		DeviceSecret: t.DeviceSecret,
		TokenType:    t.TokenType,
		Scope:        t.Scope,
		IssuedAt:     t.IssuedAt,
		ExpiresAt:    t.ExpiresAt,
		Issuer:       t.Config.Issuer,
		ClientID:     t.Config.ClientID,
		Scopes:       t.Config.Scopes,
		RedirectURL:  t.Config.RedirectURL,
	}
	raw, err := json.Marshal(&s)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to encode token: %w", op, err)
	}
	return raw, nil
}

// DecodeStorageToken deserializes a token previously produced by
// Token.EncodeStorage.
func DecodeStorageToken(raw []byte) (*Token, error) {
	const op = "oidc.DecodeStorageToken"
	var s storedToken
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%s: unable to decode token: %w", op, err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("%s: stored token has no id: %w", op, ErrInvalidParameter)
	}
	return &Token{
		ID:           s.ID,
		AccessToken:  AccessToken(s.AccessToken),
		RefreshToken: RefreshToken(s.RefreshToken),
		IDToken:      IDToken(s.IDToken),
		DeviceSecret: s.DeviceSecret,
		TokenType:    s.TokenType,
		Scope:        s.Scope,
		IssuedAt:     s.IssuedAt,
		ExpiresAt:    s.ExpiresAt,
		Config: Config{
			Issuer:      s.Issuer,
			ClientID:    s.ClientID,
			Scopes:      s.Scopes,
			RedirectURL: s.RedirectURL,
		},
	}, nil
}

// tokenOptions is the set of available options for Token functions.
type tokenOptions struct {
	withExpirySkew time.Duration
}

// tokenDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func tokenDefaults() tokenOptions {
	return tokenOptions{
		withExpirySkew: DefaultExpirySkew,
	}
}

// getTokenOpts gets the defaults and applies the opt overrides passed in.
func getTokenOpts(opt ...Option) tokenOptions {
	opts := tokenDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
