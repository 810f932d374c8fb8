package idx

import (
	"context"
	"time"

	"github.com/tidwall/gjson"
)

// RemediationType identifies well-known remediation names. The enumeration
// is open: servers ship new remediations ahead of clients, so unknown names
// map to TypeUnknown and remain fully usable through their Name and Form.
type RemediationType int

const (
	TypeUnknown RemediationType = iota
	TypeIdentify
	TypeIdentifyRecovery
	TypeSelectIdentify
	TypeSelectEnrollProfile
	TypeEnrollProfile
	TypeSelectAuthenticatorAuthenticate
	TypeSelectAuthenticatorEnroll
	TypeSelectAuthenticatorUnlockAccount
	TypeAuthenticatorVerificationData
	TypeAuthenticatorEnrollmentData
	TypeChallengeAuthenticator
	TypeEnrollAuthenticator
	TypeReenrollAuthenticator
	TypeResetAuthenticator
	TypeEnrollPoll
	TypeChallengePoll
	TypeUnlockAccount
	TypeRedirectIDP
	TypeCancel
	TypeSkip
	TypeSuccessWithInteractionCode
)

var remediationTypes = map[string]RemediationType{
	"identify":                             TypeIdentify,
	"identify-recovery":                    TypeIdentifyRecovery,
	"select-identify":                      TypeSelectIdentify,
	"select-enroll-profile":                TypeSelectEnrollProfile,
	"enroll-profile":                       TypeEnrollProfile,
	"select-authenticator-authenticate":    TypeSelectAuthenticatorAuthenticate,
	"select-authenticator-enroll":          TypeSelectAuthenticatorEnroll,
	"select-authenticator-unlock-account":  TypeSelectAuthenticatorUnlockAccount,
	"authenticator-verification-data":      TypeAuthenticatorVerificationData,
	"authenticator-enrollment-data":        TypeAuthenticatorEnrollmentData,
	"challenge-authenticator":              TypeChallengeAuthenticator,
	"enroll-authenticator":                 TypeEnrollAuthenticator,
	"reenroll-authenticator":               TypeReenrollAuthenticator,
	"reset-authenticator":                  TypeResetAuthenticator,
	"enroll-poll":                          TypeEnrollPoll,
	"challenge-poll":                       TypeChallengePoll,
	"unlock-account":                       TypeUnlockAccount,
	"redirect-idp":                         TypeRedirectIDP,
	"cancel":                               TypeCancel,
	"skip":                                 TypeSkip,
	"successWithInteractionCode":           TypeSuccessWithInteractionCode,
}

// RemediationTypeOf maps a server remediation name to its type, degrading to
// TypeUnknown for names this client has never heard of.
func RemediationTypeOf(name string) RemediationType {
	if t, ok := remediationTypes[name]; ok {
		return t
	}
	return TypeUnknown
}

// Remediation is one actionable step of the workflow: a form plus the HTTP
// request that submits it.
type Remediation struct {
	Name    string
	Type    RemediationType
	Method  string
	Href    string
	Accepts string
	Form    *Form

	Capabilities []RemediationCapability

	// RefreshInterval is the server's suggested re-submit interval for
	// pollable remediations.
	RefreshInterval time.Duration

	client *Client

	// relatesTo holds indices into the response-local authenticator arena.
	relatesTo []int
	arena     []*Authenticator

	// raw is the ION fragment this remediation was parsed from, retained
	// for capability resolution.
	raw gjson.Result
}

// RelatedAuthenticators resolves the remediation's authenticator references
// through the response arena.
func (r *Remediation) RelatedAuthenticators() []*Authenticator {
	if len(r.relatesTo) == 0 {
		return nil
	}
	out := make([]*Authenticator, 0, len(r.relatesTo))
	for _, i := range r.relatesTo {
		out = append(out, r.arena[i])
	}
	return out
}

// Authenticator returns the first related authenticator, or nil. Most
// remediations relate to at most one.
func (r *Remediation) Authenticator() *Authenticator {
	if len(r.relatesTo) == 0 {
		return nil
	}
	return r.arena[r.relatesTo[0]]
}

// SocialIDP returns the remediation's social identity provider capability,
// or nil.
func (r *Remediation) SocialIDP() *SocialIDP {
	for _, c := range r.Capabilities {
		if v, ok := c.(*SocialIDP); ok {
			return v
		}
	}
	return nil
}

// WebAuthnAuthentication returns the WebAuthn assertion capability, or nil.
func (r *Remediation) WebAuthnAuthentication() *WebAuthnAuthentication {
	for _, c := range r.Capabilities {
		if v, ok := c.(*WebAuthnAuthentication); ok {
			return v
		}
	}
	return nil
}

// WebAuthnRegistration returns the WebAuthn enrollment capability, or nil.
func (r *Remediation) WebAuthnRegistration() *WebAuthnRegistration {
	for _, c := range r.Capabilities {
		if v, ok := c.(*WebAuthnRegistration); ok {
			return v
		}
	}
	return nil
}

// Proceed reconciles values against the form, runs capability injection
// hooks, submits the remediation and parses the server's answer into the
// next Response. values may be nil when every field was populated through
// SetValue or carries a server default.
func (r *Remediation) Proceed(ctx context.Context, values map[string]interface{}) (*Response, error) {
	return r.client.proceed(ctx, r, values)
}
