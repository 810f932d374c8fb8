package oidc

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter    = errors.New("invalid parameter")
	ErrNilParameter        = errors.New("nil parameter")
	ErrInvalidCACert       = errors.New("invalid CA certificate")
	ErrInvalidIssuer       = errors.New("invalid issuer")
	ErrIDGenerationFailed  = errors.New("id generation failed")
	ErrMissingIDToken      = errors.New("id_token is missing")
	ErrIDTokenVerification = errors.New("id_token verification failed")
	ErrMissingAccessToken  = errors.New("access_token is missing")
	ErrTokenExchangeFailed = errors.New("token exchange failed")

	ErrUnsupportedChallengeMethod = errors.New("unsupported PKCE challenge method")
)

// ServerError is a structured OAuth2 error body (RFC 6749 § 5.2) returned by
// the authorization server, surfaced distinctly from transport failures.
type ServerError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`

	// StatusCode is the HTTP status of the response carrying the error body.
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return e.Code
}

// AsServerError decodes raw as a structured OAuth2 error body. It returns nil
// when raw isn't one, so callers can fall back to a generic transport error.
func AsServerError(statusCode int, raw []byte) *ServerError {
	var se ServerError
	if err := json.Unmarshal(raw, &se); err != nil {
		return nil
	}
	if se.Code == "" {
		return nil
	}
	se.StatusCode = statusCode
	return &se
}
