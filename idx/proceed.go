package idx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// proceed submits one remediation: reconcile the caller's values against the
// form, give every attached capability its injection hook, encode per the
// form's accepts type, POST, and parse the answer into the next Response.
//
// Hooks run after caller values are merged, so capability-computed values
// win over stale server defaults, but a field the caller explicitly set is
// never overridden by a hook.
func (c *Client) proceed(ctx context.Context, rem *Remediation, values map[string]interface{}) (*Response, error) {
	const op = "Client.proceed"
	if rem == nil {
		return nil, fmt.Errorf("%s: remediation is nil: %w", op, ErrNilParameter)
	}
	if rem.Href == "" {
		return nil, fmt.Errorf("%s: remediation %q has no target: %w", op, rem.Name, ErrInvalidRemediationForm)
	}

	rv, err := rem.Form.reconcile(values)
	if err != nil {
		return nil, fmt.Errorf("%s: remediation %q: %w", op, rem.Name, err)
	}
	for _, hook := range rem.hooks() {
		if err := hook.willProceed(rv); err != nil {
			return nil, fmt.Errorf("%s: remediation %q: %w", op, rem.Name, err)
		}
	}

	contentType := rem.Accepts
	if contentType == "" {
		contentType = ionContentType
	}
	payload, err := encodeValues(contentType, rv.values)
	if err != nil {
		return nil, fmt.Errorf("%s: remediation %q: %w", op, rem.Name, err)
	}

	method := rem.Method
	if method == "" {
		method = http.MethodPost
	}
	if method != http.MethodPost {
		return c.requestION(ctx, op, method, rem.Href, contentType, payload)
	}
	return c.postION(ctx, op, rem.Href, contentType, payload)
}

// hooks collects the injection hooks attached to the remediation itself and
// to its related authenticators.
func (r *Remediation) hooks() []proceedHook {
	var out []proceedHook
	for _, capability := range r.Capabilities {
		if h, ok := capability.(proceedHook); ok {
			out = append(out, h)
		}
	}
	for _, a := range r.RelatedAuthenticators() {
		for _, capability := range a.Capabilities {
			if h, ok := capability.(proceedHook); ok {
				out = append(out, h)
			}
		}
	}
	return out
}

// encodeValues serializes the reconciled payload per the remediation's
// declared content type. ION and JSON forms encode as JSON;
// form-urlencoded flattens leaf values.
func encodeValues(contentType string, values map[string]interface{}) ([]byte, error) {
	const op = "encodeValues"
	if contentType == "application/x-www-form-urlencoded" {
		form := url.Values{}
		for k, v := range values {
			form.Set(k, fmt.Sprint(v))
		}
		return []byte(form.Encode()), nil
	}
	payload, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return payload, nil
}
