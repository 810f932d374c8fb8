package credential

import (
	"net/http"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type.
type Option func(interface{})

// options is the shared option set for the package's constructors.
type options struct {
	withHTTPClient    *http.Client
	withLogger        hclog.Logger
	withErrorReporter func(error)
	withRegistry      *Registry
}

// defaults is a handy way to get the defaults at runtime and during unit
// tests.
func defaults() options {
	return options{
		withLogger: hclog.NewNullLogger(),
	}
}

// getOpts gets the defaults and applies the opt overrides passed in.
func getOpts(opt ...Option) options {
	opts := defaults()
	for _, o := range opt {
		if o != nil {
			o(&opts)
		}
	}
	return opts
}

// WithHTTPClient provides an optional http client injected into every
// credential's OAuth2 client, which is useful for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withHTTPClient = client
		}
	}
}

// WithLogger provides an optional hclog.Logger.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withLogger = l
		}
	}
}

// WithErrorReporter provides an optional hook invoked with failures from
// best-effort paths (persisting a refreshed token) that are deliberately not
// surfaced to the calling goroutine. When unset, such failures are logged at
// warn level.
func WithErrorReporter(fn func(error)) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withErrorReporter = fn
		}
	}
}

// WithRegistry provides an optional, possibly shared, credential registry
// for a coordinator.
func WithRegistry(r *Registry) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withRegistry = r
		}
	}
}
