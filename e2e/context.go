// Package e2e drives the running service over HTTP with godog scenarios.
//
// The suite needs a deployed instance and the signing key it trusts:
//
//	PRIORAUTH_E2E_BASE_URL=http://localhost:8080 \
//	PRIORAUTH_E2E_SIGNING_KEY=<hs256 key> \
//	go test ./...
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestContext carries shared state across steps within one scenario: the
// HTTP client, the bearer token of the current actor, and the last response.
type TestContext struct {
	baseURL    string
	signingKey []byte
	client     *http.Client

	token           string
	authorizationID string

	lastStatus int
	lastBody   map[string]any
}

// NewTestContext builds a context pointed at a running instance.
func NewTestContext(baseURL string, signingKey []byte) *TestContext {
	return &TestContext{
		baseURL:    baseURL,
		signingKey: signingKey,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

// Reset clears per-scenario state. Registered as a scenario hook.
func (tc *TestContext) Reset() {
	tc.token = ""
	tc.authorizationID = ""
	tc.lastStatus = 0
	tc.lastBody = nil
}

// claims mirrors the token shape the service's auth middleware validates.
type claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// AuthenticateAs mints a token for the given subject and roles, signed with
// the key the instance under test trusts.
func (tc *TestContext) AuthenticateAs(subject string, roles []string) error {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		},
	})
	signed, err := token.SignedString(tc.signingKey)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	tc.token = signed
	return nil
}

// POST sends a JSON body and records the response.
func (tc *TestContext) POST(path string, body any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, tc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return tc.do(req)
}

// GET sends a request and records the response.
func (tc *TestContext) GET(path string) error {
	req, err := http.NewRequest(http.MethodGet, tc.baseURL+path, nil)
	if err != nil {
		return err
	}
	return tc.do(req)
}

func (tc *TestContext) do(req *http.Request) error {
	if tc.token != "" {
		req.Header.Set("Authorization", "Bearer "+tc.token)
	}
	resp, err := tc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	tc.lastStatus = resp.StatusCode
	tc.lastBody = nil
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if len(raw) > 0 {
		// Non-JSON bodies (e.g. /metrics) are fine; field lookups on them fail.
		_ = json.Unmarshal(raw, &tc.lastBody)
	}
	return nil
}

// LastStatus returns the status code of the most recent response.
func (tc *TestContext) LastStatus() int { return tc.lastStatus }

// GetResponseField returns a top-level field from the last JSON response.
func (tc *TestContext) GetResponseField(field string) (any, error) {
	if tc.lastBody == nil {
		return nil, fmt.Errorf("no JSON response recorded")
	}
	value, ok := tc.lastBody[field]
	if !ok {
		return nil, fmt.Errorf("field %q not present in response", field)
	}
	return value, nil
}

// SetAuthorizationID saves the id under test for later steps.
func (tc *TestContext) SetAuthorizationID(authID string) { tc.authorizationID = authID }

// GetAuthorizationID returns the id saved by an earlier step.
func (tc *TestContext) GetAuthorizationID() string { return tc.authorizationID }
