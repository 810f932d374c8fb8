package oidc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/authkit/oktaidx/internal/strutils"
	sdkhttp "github.com/authkit/oktaidx/internal/transport"
	"github.com/caarlos0/env/v11"
)

// ClientSecret is an oauth client secret.
type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client
// secret.
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret.
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret.
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// Config represents the configuration for an OAuth2/OIDC client application.
// Okta mobile-style clients are usually public clients, so ClientSecret is
// optional.
type Config struct {
	// Issuer is a case-sensitive URL using the https scheme that contains
	// scheme, host, and optionally, port number and path components and no
	// query or fragment components.
	Issuer string `env:"OKTA_ISSUER"`

	// ClientID is the relying party id.
	ClientID string `env:"OKTA_CLIENT_ID"`

	// ClientSecret is the relying party secret. Empty for public clients.
	ClientSecret ClientSecret `env:"OKTA_CLIENT_SECRET"`

	// Scopes is the list of oauth scopes to request.
	Scopes []string `env:"OKTA_SCOPES" envSeparator:" "`

	// RedirectURL is the URL the provider redirects back to after
	// authorization.
	RedirectURL string `env:"OKTA_REDIRECT_URI"`

	// ProviderCA is an optional CA cert PEM to trust when sending requests
	// to the provider.
	ProviderCA string `env:"OKTA_PROVIDER_CA"`

	// SupportedSigningAlgs is an optional list of signing algorithms accepted
	// when verifying id_tokens. Defaults to RS256 and ES256.
	SupportedSigningAlgs []string `env:"-"`
}

// NewConfig composes a new client config.
//
// Supported options: WithScopes, WithRedirectURL, WithClientSecret,
// WithProviderCA.
func NewConfig(issuer string, clientID string, opt ...Option) (Config, error) {
	const op = "oidc.NewConfig"
	opts := getConfigOpts(opt...)
	c := Config{
		Issuer:       issuer,
		ClientID:     clientID,
		ClientSecret: opts.withClientSecret,
		Scopes:       strutils.RemoveDuplicatesStable(opts.withScopes, false),
		RedirectURL:  opts.withRedirectURL,
		ProviderCA:   opts.withProviderCA,
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: invalid client config: %w", op, err)
	}
	return c, nil
}

// NewConfigFromEnv composes a client config from OKTA_* environment
// variables (OKTA_ISSUER, OKTA_CLIENT_ID, OKTA_SCOPES, OKTA_REDIRECT_URI, ...).
func NewConfigFromEnv() (Config, error) {
	const op = "oidc.NewConfigFromEnv"
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("%s: unable to parse environment: %w", op, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: invalid client config: %w", op, err)
	}
	return c, nil
}

// Validate the client configuration. It verifies the issuer is a well-formed
// http(s) URL, but it doesn't verify the issuer is discoverable via an http
// request.
func (c Config) Validate() error {
	const op = "Config.Validate"
	if c.ClientID == "" {
		return fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter)
	}
	if c.Issuer == "" {
		return fmt.Errorf("%s: issuer is empty: %w", op, ErrInvalidParameter)
	}
	u, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("%s: issuer %s is invalid: %w", op, c.Issuer, ErrInvalidIssuer)
	}
	if !strutils.StrListContains([]string{"https", "http"}, u.Scheme) {
		return fmt.Errorf("%s: issuer %s scheme is not http or https: %w", op, c.Issuer, ErrInvalidIssuer)
	}
	return nil
}

// HTTPClient is a helper that creates a new http client for the configured
// provider, trusting ProviderCA when one is set.
func (c Config) HTTPClient() (*http.Client, error) {
	const op = "Config.HTTPClient"
	client, err := sdkhttp.NewClient(c.ProviderCA)
	if err != nil {
		return nil, fmt.Errorf("%s: could not get an http client: %w", op, ErrInvalidCACert)
	}
	return client, nil
}

// configOptions is the set of available options for NewConfig.
type configOptions struct {
	withScopes       []string
	withRedirectURL  string
	withClientSecret ClientSecret
	withProviderCA   string
}

// configDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func configDefaults() configOptions {
	return configOptions{}
}

// getConfigOpts gets the defaults and applies the opt overrides passed in.
func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithScopes provides an optional list of scopes for the client's config.
func WithScopes(scopes ...string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withScopes = scopes
		}
	}
}

// WithRedirectURL provides an optional redirect URL for the client's config.
func WithRedirectURL(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withRedirectURL = u
		}
	}
}

// WithClientSecret provides an optional client secret for confidential
// clients.
func WithClientSecret(s ClientSecret) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withClientSecret = s
		}
	}
}

// WithProviderCA provides an optional CA cert PEM for the client's config.
func WithProviderCA(pem string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withProviderCA = pem
		}
	}
}
