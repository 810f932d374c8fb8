package oidc

import "encoding/json"

// AccessToken is an oauth access_token. Its String and MarshalJSON
// representations are redacted so a token cannot leak through logging or
// serialization; convert to a plain string to read the secret value.
type AccessToken string

// RedactedAccessToken is the redacted representation of an access_token.
const RedactedAccessToken = "[REDACTED: access_token]"

// String implements fmt.Stringer, redacting the token.
func (t AccessToken) String() string {
	return RedactedAccessToken
}

// MarshalJSON implements json.Marshaler, redacting the token.
func (t AccessToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedAccessToken)
}

// RefreshToken is an oauth refresh_token, redacted the same way as
// AccessToken.
type RefreshToken string

// RedactedRefreshToken is the redacted representation of a refresh_token.
const RedactedRefreshToken = "[REDACTED: refresh_token]"

// String implements fmt.Stringer, redacting the token.
func (t RefreshToken) String() string {
	return RedactedRefreshToken
}

// MarshalJSON implements json.Marshaler, redacting the token.
func (t RefreshToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedRefreshToken)
}
