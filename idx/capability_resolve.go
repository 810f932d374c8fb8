package idx

import (
	"net/url"

	"github.com/tidwall/gjson"
)

// resolveSocialIDP applies only to redirect-idp remediations and requires
// the idp id, name and type in the raw form.
func resolveSocialIDP(rem *Remediation) *SocialIDP {
	if rem.Type != TypeRedirectIDP {
		return nil
	}
	id := rem.raw.Get("idp.id").String()
	name := rem.raw.Get("idp.name").String()
	idpType := rem.raw.Get("type").String()
	if id == "" || name == "" || idpType == "" {
		return nil
	}
	return &SocialIDP{
		ID:          id,
		Name:        name,
		Service:     ServiceOf(idpType),
		RedirectURL: rem.Href,
	}
}

// webAuthnContextualData returns the named contextual fragment from the
// remediation's related security-key authenticator.
func webAuthnContextualData(rem *Remediation, key string) (gjson.Result, bool) {
	for _, a := range rem.RelatedAuthenticators() {
		if a.Type != "security_key" {
			continue
		}
		if v, ok := firstFragment(a, "contextualData."+key); ok {
			return v, true
		}
	}
	return gjson.Result{}, false
}

// relyingPartyID prefers the server-sent RP id and falls back to the
// client's issuer host.
func relyingPartyID(c *Client, explicit string) string {
	if explicit != "" {
		return explicit
	}
	u, err := url.Parse(c.config.Issuer)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func resolveWebAuthnAuthentication(c *Client, rem *Remediation) *WebAuthnAuthentication {
	if rem.Type != TypeChallengeAuthenticator {
		return nil
	}
	data, ok := webAuthnContextualData(rem, "challengeData")
	if !ok {
		return nil
	}
	challenge, err := decodeChallenge(data.Get("challenge").String())
	if err != nil {
		return nil
	}
	return &WebAuthnAuthentication{
		Challenge:        challenge,
		RelyingPartyID:   relyingPartyID(c, data.Get("rpId").String()),
		UserVerification: data.Get("userVerification").String(),
		rem:              rem,
	}
}

func resolveWebAuthnRegistration(c *Client, rem *Remediation) *WebAuthnRegistration {
	if rem.Type != TypeEnrollAuthenticator {
		return nil
	}
	data, ok := webAuthnContextualData(rem, "activationData")
	if !ok {
		return nil
	}
	challenge, err := decodeChallenge(data.Get("challenge").String())
	if err != nil {
		return nil
	}
	return &WebAuthnRegistration{
		Challenge:        challenge,
		RelyingPartyID:   relyingPartyID(c, data.Get("rp.id").String()),
		RelyingPartyName: data.Get("rp.name").String(),
		UserVerification: data.Get("authenticatorSelection.userVerification").String(),
		UserID:           data.Get("user.id").String(),
		UserName:         data.Get("user.name").String(),
		UserDisplayName:  data.Get("user.displayName").String(),
		rem:              rem,
	}
}
