package oidc

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// ChallengeMethod represents PKCE code challenge methods as defined by RFC
// 7636.
type ChallengeMethod string

const (
	// S256 is the "SHA256" PKCE method. It is the only method supported;
	// the "plain" method is deliberately not implemented.
	S256 ChallengeMethod = "S256"
)

// verifierLen is the number of characters in the PKCE code verifier. RFC
// 7636 requires between 43 and 128.
const verifierLen = 43

// CodeVerifier represents an OAuth PKCE code verifier (RFC 7636).
type CodeVerifier struct {
	verifier  string
	method    ChallengeMethod
	challenge string
}

// NewCodeVerifier creates a new CodeVerifier with a random verifier and its
// S256 challenge.
func NewCodeVerifier() (*CodeVerifier, error) {
	const op = "NewCodeVerifier"
	data, err := NewID()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate verifier data: %w", op, err)
	}
	v := &CodeVerifier{
		// the verifier must land in RFC 7636's 43..128 character range
		verifier: base64.RawURLEncoding.EncodeToString([]byte(data))[:verifierLen],
		method:   S256,
	}
	c, err := CreateCodeChallenge(v.method, v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	v.challenge = c
	return v, nil
}

// Verifier returns the verifier string.
func (v *CodeVerifier) Verifier() string { return v.verifier }

// Method returns the challenge method.
func (v *CodeVerifier) Method() ChallengeMethod { return v.method }

// Challenge returns the computed code challenge.
func (v *CodeVerifier) Challenge() string { return v.challenge }

// CreateCodeChallenge computes the code challenge for the given verifier
// using the given method. Only S256 is supported.
func CreateCodeChallenge(m ChallengeMethod, v *CodeVerifier) (string, error) {
	const op = "CreateCodeChallenge"
	if m != S256 {
		return "", fmt.Errorf("%s: %q: %w", op, m, ErrUnsupportedChallengeMethod)
	}
	sum := sha256.Sum256([]byte(v.Verifier()))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}
