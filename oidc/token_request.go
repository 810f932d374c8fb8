package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// postTokenForm posts an urlencoded grant request directly to the token
// endpoint and decodes the token response. Grants x/oauth2 has no helper for
// (interaction_code) go through here.
func (c *Client) postTokenForm(ctx context.Context, tokenURL string, form url.Values) (*Token, error) {
	const op = "Client.postTokenForm"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create token request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: token request failed: %w", op, err)
	}
	defer resp.Body.Close()

	body := readBody(resp)
	if resp.StatusCode != http.StatusOK {
		if se := AsServerError(resp.StatusCode, body); se != nil {
			return nil, fmt.Errorf("%s: %w", op, se)
		}
		return nil, fmt.Errorf("%s: token endpoint returned status %d: %w", op, resp.StatusCode, ErrTokenExchangeFailed)
	}

	var raw struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		DeviceSecret string `json:"device_secret"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%s: unable to decode token response: %w", op, err)
	}

	oauth2Token := (&oauth2.Token{
		AccessToken:  raw.AccessToken,
		TokenType:    raw.TokenType,
		RefreshToken: raw.RefreshToken,
	}).WithExtra(map[string]interface{}{
		"id_token":      raw.IDToken,
		"device_secret": raw.DeviceSecret,
		"scope":         raw.Scope,
	})
	if raw.ExpiresIn > 0 {
		oauth2Token.Expiry = time.Now().Add(time.Duration(raw.ExpiresIn) * time.Second)
	}
	tok, err := NewToken(c.config, oauth2Token)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create token: %w", op, err)
	}
	return tok, nil
}

// readBody drains a response body, tolerating read errors since the status
// line already tells the caller most of what went wrong.
func readBody(resp *http.Response) []byte {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}
	return body
}
