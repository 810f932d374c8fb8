package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/authkit/oktaidx/internal/transport"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"
)

// Client integrates with one OAuth2/OIDC provider on behalf of a single
// client application. It discovers the provider's endpoints once, on first
// use, and supports exchanging interaction codes for tokens, refreshing
// tokens and revoking them.
type Client struct {
	config Config
	logger hclog.Logger

	mu       sync.Mutex
	client   *http.Client
	provider *oidc.Provider

	// backgroundCtx is the context used by the client for background
	// activities like refreshing JWKs key sets.
	backgroundCtx context.Context

	// backgroundCtxCancel is used to cancel any background activities running
	// in spawned go routines.
	backgroundCtxCancel context.CancelFunc
}

// NewClient creates a Client for the provider described by c. No network
// request is made until the first operation needs the provider's discovery
// document.
//
// Supported options: WithHTTPClient, WithLogger.
//
// See Client.Done() which must be called to release client resources.
func NewClient(c Config, opt ...Option) (*Client, error) {
	const op = "oidc.NewClient"
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: client config is invalid: %w", op, err)
	}
	opts := getClientOpts(opt...)

	httpClient := opts.withHTTPClient
	if httpClient == nil {
		var err error
		httpClient, err = c.HTTPClient()
		if err != nil {
			return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:              c,
		logger:              opts.withLogger,
		client:              httpClient,
		backgroundCtx:       ctx,
		backgroundCtxCancel: cancel,
	}, nil
}

// Done with the client's background resources and must be called for every
// Client created.
func (c *Client) Done() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backgroundCtxCancel != nil {
		c.backgroundCtxCancel()
		c.backgroundCtxCancel = nil
	}
}

// Config returns the client's configuration.
func (c *Client) Config() Config { return c.config }

// HTTPClient returns the http client the Client issues requests with.
func (c *Client) HTTPClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// discover resolves (and caches) the provider's discovery document.
func (c *Client) discover(ctx context.Context) (*oidc.Provider, error) {
	const op = "Client.discover"
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.provider != nil {
		return c.provider, nil
	}
	p, err := oidc.NewProvider(transport.ClientContext(ctx, c.client), c.config.Issuer)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to discover provider %s: %w", op, c.config.Issuer, err)
	}
	c.provider = p
	return p, nil
}

// oauth2Config assembles the x/oauth2 config for the discovered endpoints.
func (c *Client) oauth2Config(endpoint oauth2.Endpoint) oauth2.Config {
	return oauth2.Config{
		ClientID:     c.config.ClientID,
		ClientSecret: string(c.config.ClientSecret),
		RedirectURL:  c.config.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       c.config.Scopes,
	}
}

// ExchangeInteractionCode redeems the interaction_code produced by a
// successful IDX workflow for a Token (grant_type=interaction_code).
func (c *Client) ExchangeInteractionCode(ctx context.Context, interactionCode string, codeVerifier string) (*Token, error) {
	const op = "Client.ExchangeInteractionCode"
	if interactionCode == "" {
		return nil, fmt.Errorf("%s: interaction code is empty: %w", op, ErrInvalidParameter)
	}
	p, err := c.discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	form := url.Values{
		"grant_type":       {"interaction_code"},
		"client_id":        {c.config.ClientID},
		"interaction_code": {interactionCode},
	}
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}
	if c.config.ClientSecret != "" {
		form.Set("client_secret", string(c.config.ClientSecret))
	}

	tok, err := c.postTokenForm(ctx, p.Endpoint().TokenURL, form)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tok, nil
}

// Exchange redeems an authorization code for a Token
// (grant_type=authorization_code).
func (c *Client) Exchange(ctx context.Context, authorizationCode string, codeVerifier string) (*Token, error) {
	const op = "Client.Exchange"
	if authorizationCode == "" {
		return nil, fmt.Errorf("%s: authorization code is empty: %w", op, ErrInvalidParameter)
	}
	p, err := c.discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	oauth2Config := c.oauth2Config(p.Endpoint())

	exchangeOpts := []oauth2.AuthCodeOption{}
	if codeVerifier != "" {
		exchangeOpts = append(exchangeOpts, oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	}
	oauth2Token, err := oauth2Config.Exchange(transport.ClientContext(ctx, c.client), authorizationCode, exchangeOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to exchange auth code with provider: %w", op, convertRetrieveError(err))
	}
	tok, err := NewToken(c.config, oauth2Token)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create token: %w", op, err)
	}
	return tok, nil
}

// Refresh requests a fresh access token using t's refresh token
// (grant_type=refresh_token). Fields the provider omits from the refresh
// response (refresh_token, id_token, device_secret) are merged forward from
// t, and the returned Token keeps t's ID.
func (c *Client) Refresh(ctx context.Context, t *Token) (*Token, error) {
	const op = "Client.Refresh"
	if t == nil {
		return nil, fmt.Errorf("%s: token is nil: %w", op, ErrNilParameter)
	}
	if t.RefreshToken == "" {
		return nil, fmt.Errorf("%s: token has no refresh_token: %w", op, ErrInvalidParameter)
	}
	p, err := c.discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	oauth2Config := c.oauth2Config(p.Endpoint())

	src := oauth2Config.TokenSource(transport.ClientContext(ctx, c.client), &oauth2.Token{
		RefreshToken: string(t.RefreshToken),
	})
	oauth2Token, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to refresh token: %w", op, convertRetrieveError(err))
	}
	refreshed, err := NewToken(c.config, oauth2Token)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create refreshed token: %w", op, err)
	}
	merged, err := t.Merged(refreshed)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to merge refreshed token: %w", op, err)
	}
	return merged, nil
}

// Revoke revokes the given token material at the provider's revocation
// endpoint (RFC 7009). hint selects which token to revoke:
// "refresh_token" (default when t has one) or "access_token".
func (c *Client) Revoke(ctx context.Context, t *Token, hint string) error {
	const op = "Client.Revoke"
	if t == nil {
		return fmt.Errorf("%s: token is nil: %w", op, ErrNilParameter)
	}
	p, err := c.discover(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	var claims struct {
		RevocationEndpoint string `json:"revocation_endpoint"`
	}
	if err := p.Claims(&claims); err != nil || claims.RevocationEndpoint == "" {
		return fmt.Errorf("%s: provider has no revocation endpoint: %w", op, ErrInvalidParameter)
	}

	var material string
	switch hint {
	case "access_token":
		material = string(t.AccessToken)
	case "refresh_token", "":
		hint = "refresh_token"
		material = string(t.RefreshToken)
		if material == "" {
			hint = "access_token"
			material = string(t.AccessToken)
		}
	default:
		return fmt.Errorf("%s: unsupported token type hint %q: %w", op, hint, ErrInvalidParameter)
	}
	if material == "" {
		return fmt.Errorf("%s: no token material to revoke: %w", op, ErrInvalidParameter)
	}

	form := url.Values{
		"token":           {material},
		"token_type_hint": {hint},
		"client_id":       {c.config.ClientID},
	}
	if c.config.ClientSecret != "" {
		form.Set("client_secret", string(c.config.ClientSecret))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, claims.RevocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%s: unable to create revoke request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: revoke request failed: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body := readBody(resp)
		if se := AsServerError(resp.StatusCode, body); se != nil {
			return fmt.Errorf("%s: %w", op, se)
		}
		return fmt.Errorf("%s: revoke endpoint returned status %d: %w", op, resp.StatusCode, ErrTokenExchangeFailed)
	}
	return nil
}

// VerifyIDToken verifies the inbound id_token was signed by the provider and
// was issued to this client.
//
// See: https://openid.net/specs/openid-connect-core-1_0.html#IDTokenValidation
func (c *Client) VerifyIDToken(ctx context.Context, t IDToken) error {
	const op = "Client.VerifyIDToken"
	if t == "" {
		return fmt.Errorf("%s: id_token is empty: %w", op, ErrInvalidParameter)
	}
	p, err := c.discover(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	algs := c.config.SupportedSigningAlgs
	if len(algs) == 0 {
		algs = []string{"RS256", "ES256"}
	}
	verifier := p.Verifier(&oidc.Config{
		ClientID:             c.config.ClientID,
		SupportedSigningAlgs: algs,
	})
	if _, err := verifier.Verify(transport.ClientContext(ctx, c.client), string(t)); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrIDTokenVerification, err)
	}
	return nil
}

// convertRetrieveError unwraps an *oauth2.RetrieveError into a *ServerError
// when the provider supplied a structured OAuth2 error body.
func convertRetrieveError(err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		if se := AsServerError(rErr.Response.StatusCode, rErr.Body); se != nil {
			return se
		}
	}
	return err
}

// clientOptions is the set of available options for NewClient.
type clientOptions struct {
	withHTTPClient *http.Client
	withLogger     hclog.Logger
}

// clientDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func clientDefaults() clientOptions {
	return clientOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

// getClientOpts gets the defaults and applies the opt overrides passed in.
func getClientOpts(opt ...Option) clientOptions {
	opts := clientDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithHTTPClient provides an optional http client, which is useful for tests
// that record request/response exchanges.
func WithHTTPClient(client *http.Client) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientOptions); ok {
			o.withHTTPClient = client
		}
	}
}

// WithLogger provides an optional hclog.Logger.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientOptions); ok {
			o.withLogger = l
		}
	}
}
