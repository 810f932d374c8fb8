package oidc

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// TestAuthServer is a local server implementing the subset of an OAuth2/OIDC
// authorization server this SDK talks to: discovery, token (interaction_code,
// authorization_code, refresh_token grants), revocation and JWKS. It makes
// writing tests much easier.
type TestAuthServer struct {
	httpServer *httptest.Server
	caCert     string

	jwks *jose.JSONWebKeySet

	mu                  sync.Mutex
	clientID            string
	expectedInteraction string
	expectedAuthCode    string
	expectedRefresh     string
	omitRefreshToken    bool
	omitIDToken         bool
	tokenErrorCode      string
	tokenRequests       int
	tokenDelay          time.Duration
	revoked             []string

	ecdsaPublicKey  string
	ecdsaPrivateKey string

	t *testing.T
}

// StartTestAuthServer creates a disposable TestAuthServer.
func StartTestAuthServer(t *testing.T) *TestAuthServer {
	t.Helper()
	require := require.New(t)

	s := &TestAuthServer{
		t:                   t,
		expectedInteraction: "test-interaction-code",
		expectedAuthCode:    "test-auth-code",
		expectedRefresh:     "test-refresh-token",
	}
	s.ecdsaPublicKey, s.ecdsaPrivateKey = TestGenerateKeys(t)
	s.jwks = testJWKS(t, s.ecdsaPublicKey)

	s.httpServer = httptest.NewUnstartedServer(s)
	s.httpServer.Config.ErrorLog = log.New(io.Discard, "", 0)
	s.httpServer.StartTLS()
	t.Cleanup(s.httpServer.Close)

	cert := s.httpServer.Certificate()
	var buf bytes.Buffer
	err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	require.NoError(err)
	s.caCert = buf.String()

	return s
}

// Addr returns the current base URL for the test server.
func (s *TestAuthServer) Addr() string { return s.httpServer.URL }

// CACert returns the pem-encoded CA certificate used by the test server's
// HTTPS listener.
func (s *TestAuthServer) CACert() string { return s.caCert }

// SetClientID configures the client id the server will embed as the audience
// of issued id_tokens.
func (s *TestAuthServer) SetClientID(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientID = clientID
}

// SetExpectedInteractionCode configures the interaction code the token
// endpoint accepts.
func (s *TestAuthServer) SetExpectedInteractionCode(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectedInteraction = code
}

// SetExpectedRefreshToken configures the refresh token the token endpoint
// accepts for refresh_token grants.
func (s *TestAuthServer) SetExpectedRefreshToken(refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectedRefresh = refreshToken
}

// OmitRefreshTokens forces token responses without a refresh_token, the shape
// most providers use for refresh-grant responses.
func (s *TestAuthServer) OmitRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitRefreshToken = true
}

// OmitIDTokens forces token responses without an id_token.
func (s *TestAuthServer) OmitIDTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitIDToken = true
}

// SetTokenError makes the token endpoint fail every grant with the given
// OAuth2 error code until reset with an empty string.
func (s *TestAuthServer) SetTokenError(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenErrorCode = code
}

// SetTokenDelay makes the token endpoint wait before answering, widening the
// window concurrent callers have to pile onto one in-flight grant.
func (s *TestAuthServer) SetTokenDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenDelay = d
}

// TokenRequests returns the number of grant requests the token endpoint has
// served.
func (s *TestAuthServer) TokenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRequests
}

// Revoked returns the token material revoked so far.
func (s *TestAuthServer) Revoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.revoked...)
}

func (s *TestAuthServer) writeJSON(w http.ResponseWriter, out interface{}) {
	enc := json.NewEncoder(w)
	_ = enc.Encode(out)
}

func (s *TestAuthServer) writeTokenError(w http.ResponseWriter, statusCode int, errorCode, errorMessage string) {
	body := struct {
		Code string `json:"error"`
		Desc string `json:"error_description,omitempty"`
	}{
		Code: errorCode,
		Desc: errorMessage,
	}
	w.WriteHeader(statusCode)
	s.writeJSON(w, &body)
}

// ServeHTTP implements the test server's http.Handler.
func (s *TestAuthServer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.t.Helper()
	w.Header().Set("Content-Type", "application/json")

	switch req.URL.Path {
	case "/.well-known/openid-configuration":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		reply := struct {
			Issuer             string `json:"issuer"`
			AuthEndpoint       string `json:"authorization_endpoint"`
			TokenEndpoint      string `json:"token_endpoint"`
			JWKSURI            string `json:"jwks_uri"`
			RevocationEndpoint string `json:"revocation_endpoint"`
		}{
			Issuer:             s.Addr(),
			AuthEndpoint:       s.Addr() + "/v1/authorize",
			TokenEndpoint:      s.Addr() + "/v1/token",
			JWKSURI:            s.Addr() + "/v1/keys",
			RevocationEndpoint: s.Addr() + "/v1/revoke",
		}
		s.writeJSON(w, &reply)

	case "/v1/keys":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.writeJSON(w, s.jwks)

	case "/v1/token":
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.tokenRequests++
		if s.tokenDelay > 0 {
			time.Sleep(s.tokenDelay)
		}
		if s.tokenErrorCode != "" {
			s.writeTokenError(w, http.StatusBadRequest, s.tokenErrorCode, "scripted failure")
			return
		}
		switch req.FormValue("grant_type") {
		case "interaction_code":
			if req.FormValue("interaction_code") != s.expectedInteraction {
				s.writeTokenError(w, http.StatusBadRequest, "invalid_grant", "unexpected interaction code")
				return
			}
		case "authorization_code":
			if req.FormValue("code") != s.expectedAuthCode {
				s.writeTokenError(w, http.StatusUnauthorized, "invalid_grant", "unexpected auth code")
				return
			}
		case "refresh_token":
			if req.FormValue("refresh_token") != s.expectedRefresh {
				s.writeTokenError(w, http.StatusBadRequest, "invalid_grant", "unknown refresh token")
				return
			}
		default:
			s.writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type", "")
			return
		}

		stdClaims := jwt.Claims{
			Subject:   "00u0abcdefGHIJKLMNOP",
			Issuer:    s.Addr(),
			NotBefore: jwt.NewNumericDate(time.Now().Add(-5 * time.Second)),
			Expiry:    jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
			Audience:  jwt.Audience{s.clientID},
		}
		jwtData := TestSignJWT(s.t, s.ecdsaPrivateKey, stdClaims, nil)

		reply := struct {
			AccessToken  string `json:"access_token"`
			TokenType    string `json:"token_type"`
			ExpiresIn    int    `json:"expires_in"`
			RefreshToken string `json:"refresh_token,omitempty"`
			IDToken      string `json:"id_token,omitempty"`
			Scope        string `json:"scope,omitempty"`
		}{
			AccessToken:  jwtData,
			TokenType:    "Bearer",
			ExpiresIn:    300,
			RefreshToken: "refresh-" + s.expectedInteraction,
			IDToken:      jwtData,
			Scope:        "openid profile",
		}
		if s.omitRefreshToken {
			reply.RefreshToken = ""
		}
		if s.omitIDToken {
			reply.IDToken = ""
		}
		s.writeJSON(w, &reply)

	case "/v1/revoke":
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		material := req.FormValue("token")
		if material == "" {
			s.writeTokenError(w, http.StatusBadRequest, "invalid_request", "missing token")
			return
		}
		s.revoked = append(s.revoked, material)
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// TestGenerateKeys will generate a test ECDSA P-256 pub/priv key pair.
func TestGenerateKeys(t *testing.T) (pub, priv string) {
	t.Helper()
	require := require.New(t)
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)

	{
		derBytes, err := x509.MarshalECPrivateKey(privateKey)
		require.NoError(err)
		priv = string(pem.EncodeToMemory(&pem.Block{
			Type:  "EC PRIVATE KEY",
			Bytes: derBytes,
		}))
	}
	{
		derBytes, err := x509.MarshalPKIXPublicKey(privateKey.Public())
		require.NoError(err)
		pub = string(pem.EncodeToMemory(&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: derBytes,
		}))
	}
	return pub, priv
}

// TestSignJWT will bundle the provided claims into a test signed JWT. The
// provided key must be ECDSA.
func TestSignJWT(t *testing.T, ecdsaPrivKeyPEM string, claims jwt.Claims, privateClaims interface{}) string {
	t.Helper()
	require := require.New(t)

	block, _ := pem.Decode([]byte(ecdsaPrivKeyPEM))
	require.NotNil(block)
	key, err := x509.ParseECPrivateKey(block.Bytes)
	require.NoError(err)

	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(err)

	builder := jwt.Signed(sig).Claims(claims)
	if privateClaims != nil {
		builder = builder.Claims(privateClaims)
	}
	raw, err := builder.CompactSerialize()
	require.NoError(err)
	return raw
}

// testJWKS converts a pem-encoded public key into JWKS data suitable for a
// verification endpoint response.
func testJWKS(t *testing.T, pubKey string) *jose.JSONWebKeySet {
	t.Helper()
	require := require.New(t)

	block, _ := pem.Decode([]byte(pubKey))
	require.NotNil(block)

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(err)

	return &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       pub,
				Algorithm: string(jose.ES256),
				Use:       "sig",
			},
		},
	}
}
