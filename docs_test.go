package oktaidx_test

import (
	"context"
	"fmt"

	"github.com/authkit/oktaidx/credential"
	"github.com/authkit/oktaidx/credential/storage"
	"github.com/authkit/oktaidx/idx"
	"github.com/authkit/oktaidx/oidc"
)

func Example_idx() {
	ctx := context.Background()

	cfg, err := oidc.NewConfig(
		"https://your-org.okta.com",
		"your_client_id",
		oidc.WithScopes("openid", "profile", "offline_access"),
		oidc.WithRedirectURL("com.example.app:/callback"),
	)
	if err != nil {
		// handle error
	}

	// Create an IDX workflow client
	c, err := idx.NewClient(cfg)
	if err != nil {
		// handle error
	}
	defer c.Done()

	// Start a transaction; the first response describes what the server
	// wants next
	ic, resp, err := c.Start(ctx)
	if err != nil {
		// handle error
	}

	// Walk remediations until the workflow succeeds. Here: a simple
	// username + password identify step.
	if rem := resp.Remediation(idx.TypeIdentify); rem != nil {
		resp, err = rem.Proceed(ctx, map[string]interface{}{
			"identifier":  "user@example.com",
			"credentials": map[string]interface{}{"passcode": "your_password"},
		})
		if err != nil {
			// handle error
		}
	}

	if !resp.IsLoginSuccessful() {
		// inspect resp.Remediations / resp.ErrorMessages() and keep going
		return
	}

	// Exchange the interaction code for tokens
	tok, err := c.ExchangeCode(ctx, ic, resp)
	if err != nil {
		// handle error
	}

	// Hand the token to a coordinator for persistence and refresh
	coordinator, err := credential.NewCoordinator(storage.NewMem())
	if err != nil {
		// handle error
	}
	cred, err := coordinator.Store(ctx, tok, storage.SecurityPolicy{}, nil)
	if err != nil {
		// handle error
	}
	fmt.Println("stored credential for token", cred.Token().ID)
}
