package idx

import (
	"bytes"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestIDXProvider is an in-process scripted IDX server for testing. Tests
// enqueue raw ION documents per endpoint path; the provider serves each
// exactly once, in order. It also answers the OAuth2 discovery and token
// endpoints so a full workflow, interaction-code exchange included, can run
// against it.
//
// It must not be used outside of tests.
type TestIDXProvider struct {
	t          *testing.T
	httpServer *httptest.Server
	caCert     string

	mu                      sync.Mutex
	interactionHandle       string
	expectedInteractionCode string
	responses               map[string][]string
	errorStatus             map[string]int
	errorBody               map[string]string
	requests                []string
	requestBodies           map[string][]string
	tokenRequests           int
}

// StartTestIDXProvider creates and starts a running TestIDXProvider.
// Deferring provider.Stop() is not required; the server shuts down with the
// test.
func StartTestIDXProvider(t *testing.T) *TestIDXProvider {
	t.Helper()

	s := &TestIDXProvider{
		t:                 t,
		interactionHandle: "test-interaction-handle",
		responses:         map[string][]string{},
		errorStatus:       map[string]int{},
		errorBody:         map[string]string{},
		requestBodies:     map[string][]string{},
	}
	s.httpServer = httptest.NewTLSServer(s)
	t.Cleanup(s.httpServer.Close)

	cert := s.httpServer.Certificate()
	require.NotNil(t, cert)
	var buf bytes.Buffer
	err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	require.NoError(t, err)
	s.caCert = buf.String()
	return s
}

// Addr returns the provider's base URL, which doubles as its issuer.
func (s *TestIDXProvider) Addr() string { return s.httpServer.URL }

// CACert returns the PEM-encoded CA certificate used by the provider's TLS
// listener.
func (s *TestIDXProvider) CACert() string { return s.caCert }

// InteractionHandle returns the handle the interact endpoint grants.
func (s *TestIDXProvider) InteractionHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interactionHandle
}

// SetExpectedInteractionCode configures the interaction code the token
// endpoint accepts.
func (s *TestIDXProvider) SetExpectedInteractionCode(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectedInteractionCode = code
}

// Enqueue schedules one ION document for the given endpoint path. Documents
// are served FIFO, each exactly once.
func (s *TestIDXProvider) Enqueue(path, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[path] = append(s.responses[path], body)
}

// SetError makes the given endpoint path answer every request with the
// scripted status and body until cleared with status 0.
func (s *TestIDXProvider) SetError(path string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.errorStatus, path)
		delete(s.errorBody, path)
		return
	}
	s.errorStatus[path] = status
	s.errorBody[path] = body
}

// Requests returns the endpoint paths hit so far, in order, excluding
// discovery.
func (s *TestIDXProvider) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// RequestBodies returns the raw bodies received so far by one IDX endpoint
// path, in order.
func (s *TestIDXProvider) RequestBodies(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requestBodies[path]...)
}

// TokenRequests returns how many requests the token endpoint has served.
func (s *TestIDXProvider) TokenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRequests
}

// ServeHTTP implements http.Handler.
func (s *TestIDXProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.t.Helper()

	switch req.URL.Path {
	case "/.well-known/openid-configuration":
		w.Header().Set("Content-Type", "application/json")
		reply := map[string]string{
			"issuer":                 s.httpServer.URL,
			"authorization_endpoint": s.httpServer.URL + "/v1/authorize",
			"token_endpoint":         s.httpServer.URL + "/v1/token",
			"jwks_uri":               s.httpServer.URL + "/v1/keys",
		}
		_ = json.NewEncoder(w).Encode(reply)
		return

	case "/v1/interact":
		s.requests = append(s.requests, req.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if status, ok := s.errorStatus[req.URL.Path]; ok {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(s.errorBody[req.URL.Path]))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"interaction_handle": s.interactionHandle,
		})
		return

	case "/v1/token":
		s.requests = append(s.requests, req.URL.Path)
		s.tokenRequests++
		w.Header().Set("Content-Type", "application/json")
		if req.FormValue("grant_type") != "interaction_code" ||
			req.FormValue("interaction_code") != s.expectedInteractionCode {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":             "invalid_grant",
				"error_description": "unexpected interaction code",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "test-access-token",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "test-refresh-token",
			"scope":         "openid profile",
		})
		return
	}

	s.requests = append(s.requests, req.URL.Path)
	if body, err := io.ReadAll(req.Body); err == nil {
		s.requestBodies[req.URL.Path] = append(s.requestBodies[req.URL.Path], string(body))
	}

	if status, ok := s.errorStatus[req.URL.Path]; ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(s.errorBody[req.URL.Path]))
		return
	}

	queue := s.responses[req.URL.Path]
	if len(queue) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	body := queue[0]
	s.responses[req.URL.Path] = queue[1:]
	w.Header().Set("Content-Type", "application/ion+json; okta-version=1.0.0")
	_, _ = w.Write([]byte(body))
}
