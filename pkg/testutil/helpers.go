package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmaportal/pharmaportal-backend/pkg/auth"
	"github.com/pharmaportal/pharmaportal-backend/pkg/config"
)

// TestAuthConfig is the token configuration shared by handler tests
func TestAuthConfig() *config.AuthConfig {
	return &config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-characters-long",
		Audience:  "authenticated",
		Leeway:    time.Second,
	}
}

// BearerToken signs an access token for a portal role. pharmacyID binds
// pharmacy roles to their pharmacy and may be empty for the others.
func BearerToken(t *testing.T, v *auth.Verifier, role, pharmacyID string) string {
	t.Helper()
	token, err := v.Sign(auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-" + role},
		Email:            role + "@pharmaportal.test",
		Role:             "authenticated",
		AppMetadata:      auth.AppMetadata{Role: role, PharmacyID: pharmacyID},
	}, time.Hour)
	require.NoError(t, err)
	return token
}

// NewHTTPRequest creates a new HTTP request for testing handlers
func NewHTTPRequest(method, path string, body interface{}) *http.Request {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, _ := json.Marshal(body)
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req := httptest.NewRequest(method, path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// WithBearer adds an Authorization header to the request
func WithBearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// ExecuteRequest executes an HTTP request and returns the response recorder
func ExecuteRequest(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

// AssertStatus asserts the response status code
func AssertStatus(t *testing.T, rr *httptest.ResponseRecorder, expected int) {
	t.Helper()
	assert.Equal(t, expected, rr.Code, "unexpected status code. Body: %s", rr.Body.String())
}

// AssertBodyContains asserts the response body contains a string
func AssertBodyContains(t *testing.T, rr *httptest.ResponseRecorder, expected string) {
	t.Helper()
	assert.Contains(t, rr.Body.String(), expected)
}

// ParseJSONBody parses the response body into the target
func ParseJSONBody(t *testing.T, rr *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	err := json.Unmarshal(rr.Body.Bytes(), target)
	require.NoError(t, err, "failed to parse response body: %s", rr.Body.String())
}

// Envelope mirrors the API response envelope with a typed payload
type Envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
	Error   *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	} `json:"error"`
}

// DecodeEnvelope parses the response envelope
func DecodeEnvelope[T any](t *testing.T, rr *httptest.ResponseRecorder) Envelope[T] {
	t.Helper()
	var env Envelope[T]
	ParseJSONBody(t, rr, &env)
	return env
}

// PtrString returns a pointer to the string
func PtrString(s string) *string {
	return &s
}

// PtrInt returns a pointer to the int
func PtrInt(i int) *int {
	return &i
}
