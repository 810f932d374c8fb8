// Package idx drives Okta Identity Engine (IDX) authentication workflows: it
// starts an interaction, walks the server's remediation steps, and exchanges
// the final interaction code for tokens.
package idx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/authkit/oktaidx/oidc"
	"github.com/hashicorp/go-hclog"
	"github.com/tidwall/gjson"
)

const (
	ionContentType = "application/ion+json; okta-version=1.0.0"

	// maxResponseBody caps how much of an IDX response body is read.
	maxResponseBody = 1 << 20
)

// Client is an IDX workflow client bound to one issuer and OAuth2 client
// configuration.
type Client struct {
	config oidc.Config
	oauth  *oidc.Client
	http   *http.Client
	logger hclog.Logger

	// baseURL is the issuer origin; IDX endpoints live at the org root even
	// when the issuer names a custom authorization server.
	baseURL string
}

// NewClient creates an IDX client from an OAuth2 configuration.
//
// Supported options: WithHTTPClient, WithLogger.
func NewClient(c oidc.Config, opt ...Option) (*Client, error) {
	const op = "idx.NewClient"
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	opts := getClientOpts(opt...)

	httpClient := opts.withHTTPClient
	if httpClient == nil {
		var err error
		httpClient, err = c.HTTPClient()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	oauth, err := oidc.NewClient(c, oidc.WithHTTPClient(httpClient), oidc.WithLogger(opts.withLogger))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	u, err := url.Parse(c.Issuer)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to parse issuer: %w", op, oidc.ErrInvalidIssuer)
	}

	return &Client{
		config:  c,
		oauth:   oauth,
		http:    httpClient,
		logger:  opts.withLogger,
		baseURL: u.Scheme + "://" + u.Host,
	}, nil
}

// Done releases the client's background resources. The client must not be
// used after calling Done.
func (c *Client) Done() {
	if c == nil {
		return
	}
	c.oauth.Done()
}

// Config returns the client's configuration.
func (c *Client) Config() oidc.Config { return c.config }

// OAuthClient returns the underlying OAuth2 client.
func (c *Client) OAuthClient() *oidc.Client { return c.oauth }

// InteractionContext carries the state a caller must hold on to across one
// IDX transaction: the interaction handle identifying it server-side and the
// PKCE verifier needed when exchanging the final interaction code.
type InteractionContext struct {
	InteractionHandle string
	State             string

	pkce *oidc.CodeVerifier
}

// CodeVerifier returns the transaction's PKCE code verifier.
func (ic *InteractionContext) CodeVerifier() string {
	if ic == nil || ic.pkce == nil {
		return ""
	}
	return ic.pkce.Verifier()
}

// Start begins a fresh IDX transaction: it calls the issuer's interact
// endpoint to obtain an interaction handle, then introspects it into the
// first Response of the workflow.
func (c *Client) Start(ctx context.Context) (*InteractionContext, *Response, error) {
	const op = "Client.Start"

	pkce, err := oidc.NewCodeVerifier()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	state, err := oidc.NewID()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	form := url.Values{
		"client_id":             {c.config.ClientID},
		"scope":                 {strings.Join(c.config.Scopes, " ")},
		"redirect_uri":          {c.config.RedirectURL},
		"code_challenge":        {pkce.Challenge()},
		"code_challenge_method": {string(pkce.Method())},
		"state":                 {state},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.Issuer+"/v1/interact", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: interact request failed: %w", op, err)
	}
	body, err := readBody(res)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		if srvErr := oidc.AsServerError(res.StatusCode, body); srvErr != nil {
			return nil, nil, fmt.Errorf("%s: %w", op, srvErr)
		}
		return nil, nil, fmt.Errorf("%s: interact returned status %d: %w", op, res.StatusCode, ErrInvalidResponseData)
	}
	var reply struct {
		InteractionHandle string `json:"interaction_handle"`
	}
	if err := json.Unmarshal(body, &reply); err != nil || reply.InteractionHandle == "" {
		return nil, nil, fmt.Errorf("%s: interact reply has no interaction_handle: %w", op, ErrInvalidResponseData)
	}

	ic := &InteractionContext{
		InteractionHandle: reply.InteractionHandle,
		State:             state,
		pkce:              pkce,
	}
	resp, err := c.introspect(ctx, ic.InteractionHandle)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	return ic, resp, nil
}

// Resume re-introspects an existing transaction, returning its current
// Response. Useful after a process restart or a social-login redirect.
func (c *Client) Resume(ctx context.Context, ic *InteractionContext) (*Response, error) {
	const op = "Client.Resume"
	if ic == nil {
		return nil, fmt.Errorf("%s: interaction context is nil: %w", op, ErrNilParameter)
	}
	resp, err := c.introspect(ctx, ic.InteractionHandle)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return resp, nil
}

// introspect resolves an interaction handle into the workflow's current
// Response.
func (c *Client) introspect(ctx context.Context, handle string) (*Response, error) {
	const op = "Client.introspect"
	payload, err := json.Marshal(map[string]string{"interactionHandle": handle})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return c.postION(ctx, op, c.baseURL+"/idp/idx/introspect", ionContentType, payload)
}

// ExchangeCode redeems the interaction code of a successful workflow for
// tokens.
func (c *Client) ExchangeCode(ctx context.Context, ic *InteractionContext, resp *Response) (*oidc.Token, error) {
	const op = "Client.ExchangeCode"
	switch {
	case ic == nil:
		return nil, fmt.Errorf("%s: interaction context is nil: %w", op, ErrNilParameter)
	case resp == nil:
		return nil, fmt.Errorf("%s: response is nil: %w", op, ErrNilParameter)
	case !resp.IsLoginSuccessful():
		return nil, fmt.Errorf("%s: workflow has not reached its success state: %w", op, ErrInvalidParameter)
	}
	field := resp.SuccessRemediation().Form.Field("interaction_code")
	if field == nil || field.Value == nil {
		return nil, fmt.Errorf("%s: success form carries no interaction_code: %w", op, ErrInvalidRemediationForm)
	}
	code, ok := field.Value.(string)
	if !ok || code == "" {
		return nil, fmt.Errorf("%s: interaction_code is not a string: %w", op, ErrInvalidRemediationForm)
	}
	tok, err := c.oauth.ExchangeInteractionCode(ctx, code, ic.CodeVerifier())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tok, nil
}

// postION issues one IDX POST and parses the answer into a Response.
func (c *Client) postION(ctx context.Context, op, target, contentType string, payload []byte) (*Response, error) {
	return c.requestION(ctx, op, http.MethodPost, target, contentType, payload)
}

// requestION issues one IDX request and parses the answer into a Response.
func (c *Client) requestION(ctx context.Context, op, method, target, contentType string, payload []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", ionContentType)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", op, err)
	}
	body, err := readBody(res)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: %w", op, serverError(res.StatusCode, body))
	}
	resp, err := parseResponse(c, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return resp, nil
}

// serverError maps a non-2xx IDX body to a typed error: structured OAuth2
// and ION error shapes become *oidc.ServerError.
func serverError(statusCode int, body []byte) error {
	if srvErr := oidc.AsServerError(statusCode, body); srvErr != nil {
		return srvErr
	}
	// ION error documents carry their detail in messages.value
	if msgs := parseMessages(gjson.GetBytes(body, "messages")); len(msgs) > 0 {
		return &oidc.ServerError{
			Code:        msgs[0].Key,
			Description: msgs[0].Text,
			StatusCode:  statusCode,
		}
	}
	return &oidc.ServerError{
		Code:       "invalid_response",
		StatusCode: statusCode,
	}
}

func readBody(res *http.Response) ([]byte, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("unable to read response body: %w", err)
	}
	return body, nil
}
