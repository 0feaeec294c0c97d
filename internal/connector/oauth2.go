package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	id "priorauth/pkg/domain"
	dErrors "priorauth/pkg/domain-errors"
)

// refreshLockTTL bounds how long a crashed refresher can block others.
const refreshLockTTL = 10 * time.Second

// OAuth2Config describes an OAuth2 client-credentials payer integration.
type OAuth2Config struct {
	ConnectorID  string
	TokenURL     string
	SubmitURL    string
	StatusURL    string
	ClientID     string
	ClientSecret string
	// AssertionKey signs the client assertion JWT some clearinghouses
	// require alongside the client secret.
	AssertionKey []byte
	TokenTTL     time.Duration
}

// OAuth2Connector talks to payers that authenticate via OAuth2 client
// credentials. Tokens live in the shared TokenCache; refreshes serialize
// on the per-connector refresh lock so concurrent 401s cause one fetch.
type OAuth2Connector struct {
	cfg    OAuth2Config
	client *http.Client
	tokens TokenCache
}

// NewOAuth2Connector builds the connector. The HTTP client may be nil, in
// which case a default with a 15s timeout is used.
func NewOAuth2Connector(cfg OAuth2Config, tokens TokenCache, client *http.Client) *OAuth2Connector {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &OAuth2Connector{cfg: cfg, client: client, tokens: tokens}
}

func (c *OAuth2Connector) ID() string { return c.cfg.ConnectorID }

func (c *OAuth2Connector) ActorIdentity() id.ActorID {
	return id.ActorID("connector:" + c.cfg.ConnectorID)
}

// Authenticate fetches a fresh access token under the refresh lock.
func (c *OAuth2Connector) Authenticate(ctx context.Context) error {
	acquired, err := c.tokens.AcquireRefreshLock(ctx, c.cfg.ConnectorID, refreshLockTTL)
	if err != nil {
		return fmt.Errorf("acquire refresh lock: %w", err)
	}
	if !acquired {
		// Another caller is refreshing; wait for its token to land.
		return c.waitForToken(ctx)
	}
	defer func() { _ = c.tokens.ReleaseRefreshLock(ctx, c.cfg.ConnectorID) }()

	assertion, err := c.clientAssertion()
	if err != nil {
		return err
	}

	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_id":             {c.cfg.ClientID},
		"client_secret":         {c.cfg.ClientSecret},
		"client_assertion_type": {"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"},
		"client_assertion":      {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return dErrors.Newf(dErrors.CodeConnectorRejected, "token endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return dErrors.New(dErrors.CodeConnectorRejected, "token endpoint returned empty token")
	}

	ttl := c.cfg.TokenTTL
	if body.ExpiresIn > 0 {
		ttl = time.Duration(body.ExpiresIn) * time.Second
	}
	return c.tokens.SetToken(ctx, c.cfg.ConnectorID, body.AccessToken, ttl)
}

// clientAssertion builds the signed JWT the token endpoint expects.
func (c *OAuth2Connector) clientAssertion() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    c.cfg.ClientID,
		Subject:   c.cfg.ClientID,
		Audience:  []string{c.cfg.TokenURL},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(2 * time.Minute)),
	})
	signed, err := token.SignedString(c.cfg.AssertionKey)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}

func (c *OAuth2Connector) waitForToken(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(refreshLockTTL)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return dErrors.New(dErrors.CodeConnectorTimeout, "timed out waiting for token refresh")
		case <-ticker.C:
			token, err := c.tokens.GetToken(ctx, c.cfg.ConnectorID)
			if err == nil && token != "" {
				return nil
			}
		}
	}
}

func (c *OAuth2Connector) Submit(ctx context.Context, payload Payload) (*RawResponse, error) {
	return c.post(ctx, c.cfg.SubmitURL, payload)
}

func (c *OAuth2Connector) PollStatus(ctx context.Context, payerRef string) (*RawResponse, error) {
	u := fmt.Sprintf("%s?ref=%s", c.cfg.StatusURL, url.QueryEscape(payerRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	return c.send(ctx, req)
}

func (c *OAuth2Connector) post(ctx context.Context, target string, payload Payload) (*RawResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(ctx, req)
}

func (c *OAuth2Connector) send(ctx context.Context, req *http.Request) (*RawResponse, error) {
	token, err := c.tokens.GetToken(ctx, c.cfg.ConnectorID)
	if err != nil {
		return nil, fmt.Errorf("read token cache: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &RawResponse{StatusCode: resp.StatusCode, Body: body}, nil
}

// ParseResponse maps the payer's JSON decision shape onto the uniform
// status update.
func (c *OAuth2Connector) ParseResponse(raw *RawResponse) (*StatusUpdate, error) {
	var body struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return nil, fmt.Errorf("decode payer response: %w", err)
	}
	decision, err := mapDecision(body.Status)
	if err != nil {
		return nil, err
	}
	return &StatusUpdate{PayerRef: body.Reference, Decision: decision, Reason: body.Reason}, nil
}

func mapDecision(status string) (Decision, error) {
	switch strings.ToLower(status) {
	case "acknowledged", "received":
		return DecisionAcknowledged, nil
	case "approved":
		return DecisionApproved, nil
	case "denied", "rejected":
		return DecisionDenied, nil
	case "pending", "in_review":
		return DecisionPending, nil
	default:
		return "", dErrors.Newf(dErrors.CodeConnectorRejected, "unknown payer status %q", status)
	}
}
