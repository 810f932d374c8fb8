package idx

import (
	"context"
	"encoding/base64"
	"fmt"
)

// WebAuthnAuthentication is the assertion capability on a WebAuthn challenge
// remediation. The caller hands Challenge and RelyingPartyID to the
// platform authenticator and submits the resulting assertion through
// Proceed.
//
// The capability holds only a non-owning reference to its remediation; the
// remediation owns the capability.
type WebAuthnAuthentication struct {
	// Challenge is the decoded server challenge.
	Challenge []byte

	// RelyingPartyID is the WebAuthn RP id, derived from the issuer host
	// unless the server sent one explicitly.
	RelyingPartyID string

	// UserVerification is the server's user-verification preference
	// ("required", "preferred", "discouraged"), "" when unspecified.
	UserVerification string

	rem *Remediation
}

func (*WebAuthnAuthentication) remediationCapability() {}

// Proceed submits the platform authenticator's assertion and returns the
// next response.
func (c *WebAuthnAuthentication) Proceed(ctx context.Context, clientData, authenticatorData, signatureData []byte) (*Response, error) {
	const op = "WebAuthnAuthentication.Proceed"
	if len(clientData) == 0 || len(authenticatorData) == 0 || len(signatureData) == 0 {
		return nil, fmt.Errorf("%s: assertion is incomplete: %w", op, ErrMissingChallengeData)
	}
	resp, err := c.rem.Proceed(ctx, map[string]interface{}{
		"credentials": map[string]interface{}{
			"clientData":        base64.StdEncoding.EncodeToString(clientData),
			"authenticatorData": base64.StdEncoding.EncodeToString(authenticatorData),
			"signatureData":     base64.StdEncoding.EncodeToString(signatureData),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return resp, nil
}

// WebAuthnRegistration is the credential-creation capability on a WebAuthn
// enrollment remediation.
type WebAuthnRegistration struct {
	Challenge        []byte
	RelyingPartyID   string
	RelyingPartyName string
	UserVerification string

	// User identity forwarded to the platform credential-creation call.
	UserID          string
	UserName        string
	UserDisplayName string

	rem *Remediation
}

func (*WebAuthnRegistration) remediationCapability() {}

// Proceed submits the newly created credential's attestation and returns the
// next response.
func (c *WebAuthnRegistration) Proceed(ctx context.Context, clientData, attestation []byte) (*Response, error) {
	const op = "WebAuthnRegistration.Proceed"
	if len(clientData) == 0 || len(attestation) == 0 {
		return nil, fmt.Errorf("%s: attestation is incomplete: %w", op, ErrMissingChallengeData)
	}
	resp, err := c.rem.Proceed(ctx, map[string]interface{}{
		"credentials": map[string]interface{}{
			"clientData":  base64.StdEncoding.EncodeToString(clientData),
			"attestation": base64.StdEncoding.EncodeToString(attestation),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return resp, nil
}

// decodeChallenge decodes a base64url WebAuthn challenge, tolerating
// standard encoding and padding variants servers have been seen to emit.
func decodeChallenge(s string) ([]byte, error) {
	const op = "decodeChallenge"
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.StdEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%s: challenge is not base64: %w", op, ErrInvalidResponseData)
}
