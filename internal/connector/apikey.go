package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	id "priorauth/pkg/domain"
)

// APIKeyConfig describes a payer integration that authenticates with a
// static API key on every request.
type APIKeyConfig struct {
	ConnectorID string
	SubmitURL   string
	StatusURL   string
	APIKey      string
	KeyHeader   string
}

// APIKeyConnector is the simplest payer variant: no token lifecycle,
// the key rides on every request. Authenticate is a no-op so the
// gateway's 401 retry path just replays the request.
type APIKeyConnector struct {
	cfg    APIKeyConfig
	client *http.Client
}

func NewAPIKeyConnector(cfg APIKeyConfig, client *http.Client) *APIKeyConnector {
	if cfg.KeyHeader == "" {
		cfg.KeyHeader = "X-API-Key"
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &APIKeyConnector{cfg: cfg, client: client}
}

func (c *APIKeyConnector) ID() string { return c.cfg.ConnectorID }

func (c *APIKeyConnector) ActorIdentity() id.ActorID {
	return id.ActorID("connector:" + c.cfg.ConnectorID)
}

func (c *APIKeyConnector) Authenticate(context.Context) error { return nil }

func (c *APIKeyConnector) Submit(ctx context.Context, payload Payload) (*RawResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.SubmitURL, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req)
}

func (c *APIKeyConnector) PollStatus(ctx context.Context, payerRef string) (*RawResponse, error) {
	u := fmt.Sprintf("%s?ref=%s", c.cfg.StatusURL, url.QueryEscape(payerRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	return c.send(req)
}

func (c *APIKeyConnector) send(req *http.Request) (*RawResponse, error) {
	req.Header.Set(c.cfg.KeyHeader, c.cfg.APIKey)
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

func (c *APIKeyConnector) ParseResponse(raw *RawResponse) (*StatusUpdate, error) {
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
