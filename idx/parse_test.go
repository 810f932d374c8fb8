package idx

import (
	"testing"
	"time"

	"github.com/authkit/oktaidx/oidc"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseTestClient(t *testing.T) *Client {
	t.Helper()
	cfg, err := oidc.NewConfig("https://example.okta.com", "test-client",
		oidc.WithScopes("openid", "profile"),
		oidc.WithRedirectURL("https://example.com/callback"))
	require.NoError(t, err)
	c, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Done)
	return c
}

func TestParseResponse_Basics(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	c := parseTestClient(t)

	resp, err := parseResponse(c, []byte(`{
		"version": "1.0.0",
		"stateHandle": "sh-1",
		"expiresAt": "2026-08-28T12:00:00.000Z",
		"intent": "LOGIN",
		"app": {"type": "object", "value": {"id": "app-1", "label": "My App", "name": "my_app"}},
		"user": {"type": "object", "value": {"id": "user-1", "identifier": "user@example.com"}},
		"remediation": {"type": "array", "value": [
			{
				"name": "identify",
				"method": "POST",
				"href": "https://example.okta.com/idp/idx/identify",
				"accepts": "application/ion+json; okta-version=1.0.0",
				"value": [
					{"name": "identifier", "label": "Username", "required": true},
					{"name": "stateHandle", "required": true, "value": "sh-1", "visible": false, "mutable": false}
				]
			},
			{
				"name": "brand-new-remediation",
				"method": "POST",
				"href": "https://example.okta.com/idp/idx/new",
				"value": []
			}
		]},
		"cancel": {
			"name": "cancel",
			"method": "POST",
			"href": "https://example.okta.com/idp/idx/cancel",
			"value": [{"name": "stateHandle", "required": true, "value": "sh-1", "visible": false, "mutable": false}]
		}
	}`))
	require.NoError(err)

	assert.Equal("sh-1", resp.StateHandle)
	assert.Equal("1.0.0", resp.Version)
	assert.Equal("LOGIN", resp.Intent)
	assert.Equal(time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC), resp.ExpiresAt.UTC())
	require.NotNil(resp.App)
	assert.Equal("My App", resp.App.Label)
	require.NotNil(resp.User)
	assert.Equal("user@example.com", resp.User.Identifier)
	assert.False(resp.IsLoginSuccessful())
	assert.True(resp.CanCancel())
	assert.False(resp.CanRestart())

	identify := resp.Remediation(TypeIdentify)
	require.NotNil(identify)
	assert.Equal("POST", identify.Method)
	require.NotNil(identify.Form.Field("identifier"))
	assert.True(identify.Form.Field("identifier").Required)
	assert.False(identify.Form.Field("stateHandle").Mutable)
	assert.False(identify.Form.Field("stateHandle").Visible)

	// unknown server-sent names degrade to TypeUnknown, never crash
	unknown := resp.RemediationNamed("brand-new-remediation")
	require.NotNil(unknown)
	assert.Equal(TypeUnknown, unknown.Type)
}

func TestParseResponse_AuthenticatorMerge(t *testing.T) {
	t.Parallel()

	t.Run("same-id-same-type-merges-to-one", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := parseTestClient(t)

		resp, err := parseResponse(c, []byte(`{
			"version": "1.0.0",
			"stateHandle": "sh-1",
			"currentAuthenticator": {"type": "object", "value": {
				"id": "aut-1", "type": "email", "key": "okta_email", "displayName": "Email",
				"methods": [{"type": "email"}]
			}},
			"authenticatorEnrollments": {"type": "array", "value": [
				{"id": "aut-1", "type": "email", "displayName": "Email",
				 "profile": {"email": "u***@example.com"}}
			]},
			"remediation": {"type": "array", "value": [
				{
					"name": "challenge-authenticator",
					"method": "POST",
					"href": "https://example.okta.com/idp/idx/challenge/answer",
					"relatesTo": ["$.currentAuthenticator"],
					"value": []
				}
			]}
		}`))
		require.NoError(err)

		require.Len(resp.Authenticators, 1)
		a := resp.Authenticators[0]
		assert.Equal("aut-1", a.ID)
		assert.Equal("email", a.Type)
		// the most specific lifecycle state wins
		assert.Equal(StateAuthenticating, a.State)
		assert.Equal([]string{"email"}, a.Methods)
		// the enrollment's profile merged in
		require.NotNil(a.ProfileData())
		assert.Equal("u***@example.com", a.ProfileData().Value("email"))

		// both relatesTo paths resolve to the same arena slot
		challenge := resp.Remediation(TypeChallengeAuthenticator)
		require.NotNil(challenge)
		assert.Same(a, challenge.Authenticator())
	})
	t.Run("same-id-different-type-is-a-hard-failure", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := parseTestClient(t)

		_, err := parseResponse(c, []byte(`{
			"version": "1.0.0",
			"stateHandle": "sh-1",
			"currentAuthenticator": {"type": "object", "value": {"id": "aut-1", "type": "email"}},
			"authenticatorEnrollments": {"type": "array", "value": [
				{"id": "aut-1", "type": "phone"}
			]}
		}`))
		require.Error(err)
		assert.ErrorIs(err, ErrResponseValidation)
	})
	t.Run("unlinkable-relatesTo-is-dropped-silently", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := parseTestClient(t)

		resp, err := parseResponse(c, []byte(`{
			"version": "1.0.0",
			"stateHandle": "sh-1",
			"remediation": {"type": "array", "value": [
				{
					"name": "challenge-authenticator",
					"method": "POST",
					"href": "https://example.okta.com/idp/idx/challenge/answer",
					"relatesTo": ["$.futureProtocolExtension.value[3]"],
					"value": []
				}
			]}
		}`))
		require.NoError(err)
		rem := resp.Remediation(TypeChallengeAuthenticator)
		require.NotNil(rem)
		assert.Empty(rem.RelatedAuthenticators())
		assert.Nil(rem.Authenticator())
	})
}

func TestParseResponse_Messages(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	c := parseTestClient(t)

	resp, err := parseResponse(c, []byte(`{
		"version": "1.0.0",
		"stateHandle": "sh-1",
		"messages": {"type": "array", "value": [
			{"message": "Authentication failed", "i18n": {"key": "errors.E0000004"}, "class": "ERROR"},
			{"message": "Heads up", "class": "INFO"}
		]},
		"cancel": {
			"name": "cancel",
			"method": "POST",
			"href": "https://example.okta.com/idp/idx/cancel",
			"value": []
		}
	}`))
	require.NoError(err)

	require.Len(resp.Messages, 2)
	assert.Equal("errors.E0000004", resp.Messages[0].Key)
	assert.True(resp.Messages[0].IsError())
	assert.False(resp.Messages[1].IsError())
	require.Len(resp.ErrorMessages(), 1)

	// an error dead end with a cancel form is restartable
	assert.True(resp.CanRestart())
}

func TestParseResponse_NotION(t *testing.T) {
	t.Parallel()
	c := parseTestClient(t)

	_, err := parseResponse(c, []byte(`not json`))
	require.ErrorIs(t, err, ErrInvalidResponseData)

	_, err = parseResponse(c, []byte(`{"hello": "world"}`))
	require.ErrorIs(t, err, ErrInvalidResponseData)
}

func TestCapability_OTP(t *testing.T) {
	t.Parallel()

	t.Run("embedded-qr", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := parseTestClient(t)

		resp, err := parseResponse(c, []byte(`{
			"version": "1.0.0",
			"stateHandle": "sh-1",
			"currentAuthenticator": {"type": "object", "value": {
				"id": "aut-totp", "type": "app", "key": "okta_verify", "displayName": "Okta Verify",
				"methods": [{"type": "totp"}],
				"contextualData": {
					"qrcode": {"method": "embedded", "href": "data:image/png;base64,aGVsbG8=", "type": "image/png"},
					"sharedSecret": "JBSWY3DPEHPK3PXP"
				}
			}}
		}`))
		require.NoError(err)
		require.Len(resp.Authenticators, 1)

		otpCap := resp.Authenticators[0].OTP()
		require.NotNil(otpCap)
		assert.Equal("image/png", otpCap.MimeType)
		img, err := otpCap.Image()
		require.NoError(err)
		assert.Equal("hello", string(img))

		// the shared secret must be usable for code generation
		code, err := totp.GenerateCode(otpCap.SharedSecret, time.Now())
		require.NoError(err)
		assert.Len(code, 6)
	})
	t.Run("non-embedded-qr-is-unsupported", func(t *testing.T) {
		require := require.New(t)
		c := parseTestClient(t)

		resp, err := parseResponse(c, []byte(`{
			"version": "1.0.0",
			"stateHandle": "sh-1",
			"currentAuthenticator": {"type": "object", "value": {
				"id": "aut-totp", "type": "app",
				"methods": [{"type": "totp"}],
				"contextualData": {
					"qrcode": {"method": "external", "href": "https://example.com/qr.png", "type": "image/png"}
				}
			}}
		}`))
		require.NoError(err)
		require.Nil(resp.Authenticators[0].OTP())
	})
}

func TestCapability_NumberChallenge(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	c := parseTestClient(t)

	resp, err := parseResponse(c, []byte(`{
		"version": "1.0.0",
		"stateHandle": "sh-1",
		"currentAuthenticator": {"type": "object", "value": {
			"id": "aut-push", "type": "app", "methods": [{"type": "push"}],
			"contextualData": {"correctAnswer": "42"}
		}}
	}`))
	require.NoError(err)
	nc := resp.Authenticators[0].NumberChallenge()
	require.NotNil(nc)
	require.Equal("42", nc.CorrectAnswer)
}

func TestCapability_PasswordSettings(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	c := parseTestClient(t)

	resp, err := parseResponse(c, []byte(`{
		"version": "1.0.0",
		"stateHandle": "sh-1",
		"currentAuthenticatorEnrollment": {"type": "object", "value": {
			"id": "aut-pwd", "type": "password", "methods": [{"type": "password"}],
			"settings": {
				"complexity": {
					"minLength": 12, "minLowerCase": 1, "minUpperCase": 1,
					"minNumber": 1, "minSymbol": 0,
					"excludeUsername": true,
					"excludeAttributes": ["firstName", "lastName"]
				},
				"age": {"minAgeMinutes": 120, "historyCount": 4},
				"daysToExpiry": 90
			}
		}}
	}`))
	require.NoError(err)

	a := resp.Authenticators[0]
	assert.Equal(StateEnrolling, a.State)
	ps := a.PasswordSettings()
	require.NotNil(ps)
	assert.Equal(12, ps.Complexity.MinLength)
	assert.True(ps.Complexity.ExcludeUsername)
	assert.Equal([]string{"firstName", "lastName"}, ps.Complexity.ExcludeAttributes)
	assert.Equal(4, ps.Age.HistoryCount)
	assert.Equal(90, ps.DaysToExpiry)
}

func TestCapability_SocialIDP(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	c := parseTestClient(t)

	resp, err := parseResponse(c, []byte(`{
		"version": "1.0.0",
		"stateHandle": "sh-1",
		"remediation": {"type": "array", "value": [
			{
				"name": "redirect-idp",
				"type": "FACEBOOK",
				"method": "GET",
				"href": "https://example.okta.com/oauth2/v1/authorize?idp=fb-1",
				"idp": {"id": "fb-1", "name": "Facebook"},
				"value": []
			},
			{
				"name": "redirect-idp",
				"type": "SPACEBOOK",
				"method": "GET",
				"href": "https://example.okta.com/oauth2/v1/authorize?idp=sb-1",
				"idp": {"id": "sb-1", "name": "Spacebook"},
				"value": []
			}
		]}
	}`))
	require.NoError(err)
	require.Len(resp.Remediations, 2)

	fb := resp.Remediations[0].SocialIDP()
	require.NotNil(fb)
	assert.Equal(ServiceFacebook, fb.Service)
	assert.Equal("fb-1", fb.ID)
	assert.Contains(fb.RedirectURL, "idp=fb-1")

	// unknown provider types degrade to ServiceOther
	sb := resp.Remediations[1].SocialIDP()
	require.NotNil(sb)
	assert.Equal(ServiceOther, sb.Service)
}

func TestCapability_WebAuthnRegistration(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	c := parseTestClient(t)

	resp, err := parseResponse(c, []byte(`{
		"version": "1.0.0",
		"stateHandle": "sh-1",
		"currentAuthenticator": {"type": "object", "value": {
			"id": "aut-fido", "type": "security_key", "key": "webauthn",
			"methods": [{"type": "webauthn"}],
			"contextualData": {"activationData": {
				"challenge": "Y2hhbGxlbmdl",
				"rp": {"name": "Example Corp"},
				"user": {"id": "user-1", "name": "user@example.com", "displayName": "User Example"},
				"authenticatorSelection": {"userVerification": "preferred"}
			}}
		}},
		"remediation": {"type": "array", "value": [
			{
				"name": "enroll-authenticator",
				"method": "POST",
				"href": "https://example.okta.com/idp/idx/challenge/answer",
				"relatesTo": ["$.currentAuthenticator"],
				"value": []
			}
		]}
	}`))
	require.NoError(err)

	rem := resp.Remediation(TypeEnrollAuthenticator)
	require.NotNil(rem)
	reg := rem.WebAuthnRegistration()
	require.NotNil(reg)
	assert.Equal([]byte("challenge"), reg.Challenge)
	// RP id falls back to the issuer host when the server sends none
	assert.Equal("example.okta.com", reg.RelyingPartyID)
	assert.Equal("Example Corp", reg.RelyingPartyName)
	assert.Equal("preferred", reg.UserVerification)
	assert.Equal("user@example.com", reg.UserName)
	assert.Nil(rem.WebAuthnAuthentication())
}

func TestCapability_WebAuthnAuthentication(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	c := parseTestClient(t)

	resp, err := parseResponse(c, []byte(`{
		"version": "1.0.0",
		"stateHandle": "sh-1",
		"currentAuthenticator": {"type": "object", "value": {
			"id": "aut-fido", "type": "security_key", "key": "webauthn",
			"methods": [{"type": "webauthn"}],
			"contextualData": {"challengeData": {
				"challenge": "Y2hhbGxlbmdl",
				"userVerification": "required"
			}}
		}},
		"remediation": {"type": "array", "value": [
			{
				"name": "challenge-authenticator",
				"method": "POST",
				"href": "https://example.okta.com/idp/idx/challenge/answer",
				"relatesTo": ["$.currentAuthenticator"],
				"value": []
			}
		]}
	}`))
	require.NoError(err)

	rem := resp.Remediation(TypeChallengeAuthenticator)
	require.NotNil(rem)
	wa := rem.WebAuthnAuthentication()
	require.NotNil(wa)
	assert.Equal([]byte("challenge"), wa.Challenge)
	assert.Equal("required", wa.UserVerification)
	assert.Equal("example.okta.com", wa.RelyingPartyID)
}

func TestCapability_SendResendRecover(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	c := parseTestClient(t)

	resp, err := parseResponse(c, []byte(`{
		"version": "1.0.0",
		"stateHandle": "sh-1",
		"currentAuthenticator": {"type": "object", "value": {
			"id": "aut-email", "type": "email", "methods": [{"type": "email"}],
			"resend": {
				"name": "resend",
				"method": "POST",
				"href": "https://example.okta.com/idp/idx/challenge/resend",
				"value": []
			},
			"recover": {
				"name": "recover",
				"method": "POST",
				"href": "https://example.okta.com/idp/idx/recover",
				"value": []
			}
		}}
	}`))
	require.NoError(err)

	a := resp.Authenticators[0]
	assert.Nil(a.Sendable())
	require.NotNil(a.Resendable())
	require.NotNil(a.Recoverable())
}
