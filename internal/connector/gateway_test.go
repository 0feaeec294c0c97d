package connector

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"priorauth/internal/audit"
	id "priorauth/pkg/domain"
	dErrors "priorauth/pkg/domain-errors"
)

// scriptedConnector replays a fixed sequence of responses, one per call.
type scriptedConnector struct {
	id        string
	responses []scriptedResponse
	calls     int
	authCalls int
	authErr   error
}

type scriptedResponse struct {
	resp *RawResponse
	err  error
}

func (s *scriptedConnector) ID() string { return s.id }

func (s *scriptedConnector) ActorIdentity() id.ActorID {
	return id.ActorID("connector:" + s.id)
}

func (s *scriptedConnector) Authenticate(context.Context) error {
	s.authCalls++
	return s.authErr
}

func (s *scriptedConnector) Submit(ctx context.Context, _ Payload) (*RawResponse, error) {
	return s.next(ctx)
}

func (s *scriptedConnector) PollStatus(ctx context.Context, _ string) (*RawResponse, error) {
	return s.next(ctx)
}

func (s *scriptedConnector) next(ctx context.Context) (*RawResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.calls >= len(s.responses) {
		return nil, errors.New("script exhausted")
	}
	r := s.responses[s.calls]
	s.calls++
	return r.resp, r.err
}

func (s *scriptedConnector) ParseResponse(raw *RawResponse) (*StatusUpdate, error) {
	return &StatusUpdate{PayerRef: "REF-1", Decision: DecisionAcknowledged}, nil
}

func ok() scriptedResponse {
	return scriptedResponse{resp: &RawResponse{StatusCode: http.StatusOK, Body: []byte(`{}`)}}
}

func status(code int) scriptedResponse {
	return scriptedResponse{resp: &RawResponse{StatusCode: code}}
}

func transportErr() scriptedResponse {
	return scriptedResponse{err: errors.New("connection reset")}
}

type gatewayFixture struct {
	gateway    *Gateway
	conn       *scriptedConnector
	requests   *InMemoryRequestStore
	auditStore *audit.InMemoryStore
}

func newGatewayFixture(t *testing.T, responses ...scriptedResponse) *gatewayFixture {
	t.Helper()
	conn := &scriptedConnector{id: "acme-health", responses: responses}
	registry := NewRegistry()
	require.NoError(t, registry.Register(conn))

	requests := NewInMemoryRequestStore()
	auditStore := audit.NewInMemoryStore()
	gw := NewGateway(registry, requests, audit.NewRecorder(auditStore),
		WithRetryBudget(3), WithBaseBackoff(time.Millisecond))
	return &gatewayFixture{gateway: gw, conn: conn, requests: requests, auditStore: auditStore}
}

func testPayload() Payload {
	return Payload{
		AuthorizationID:  "PA-2026-000042",
		InsuranceID:      "ins-main",
		CPTCodes:         []string{"99213"},
		ICD10Codes:       []string{"E11.9"},
		TreatmentType:    "outpatient",
		JustificationRef: "phi:v1:authorization/PA-2026-000042/justification",
	}
}

func TestGatewayInvoke(t *testing.T) {
	t.Run("success records one attempt", func(t *testing.T) {
		f := newGatewayFixture(t, ok())

		update, err := f.gateway.Invoke(context.Background(), "acme-health", OpSubmit, testPayload())
		require.NoError(t, err)
		assert.Equal(t, DecisionAcknowledged, update.Decision)

		reqs, err := f.requests.ListByAuthorization(context.Background(), "PA-2026-000042")
		require.NoError(t, err)
		require.Len(t, reqs, 1)
		assert.Equal(t, OutcomeSuccess, reqs[0].Outcome)
		assert.Equal(t, http.StatusOK, reqs[0].ResponseStatus)
		assert.Equal(t, testPayload().Hash(), reqs[0].PayloadHash)
		assert.NotEmpty(t, reqs[0].PayloadHash)
	})

	t.Run("retries transient failures then succeeds", func(t *testing.T) {
		f := newGatewayFixture(t, transportErr(), status(http.StatusBadGateway), ok())

		_, err := f.gateway.Invoke(context.Background(), "acme-health", OpSubmit, testPayload())
		require.NoError(t, err)

		reqs, err := f.requests.ListByAuthorization(context.Background(), "PA-2026-000042")
		require.NoError(t, err)
		require.Len(t, reqs, 3)
		assert.Equal(t, OutcomeTransient, reqs[0].Outcome)
		assert.Equal(t, OutcomeTransient, reqs[1].Outcome)
		assert.Equal(t, OutcomeSuccess, reqs[2].Outcome)
		assert.Equal(t, 0, reqs[0].RetryCount)
		assert.Equal(t, 1, reqs[1].RetryCount)
		assert.Equal(t, 2, reqs[2].RetryCount)
	})

	t.Run("budget exhausted surfaces connector timeout", func(t *testing.T) {
		f := newGatewayFixture(t, transportErr(), transportErr(), transportErr())

		_, err := f.gateway.Invoke(context.Background(), "acme-health", OpSubmit, testPayload())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConnectorTimeout))

		reqs, _ := f.requests.ListByAuthorization(context.Background(), "PA-2026-000042")
		assert.Len(t, reqs, 3)
	})

	t.Run("401 refreshes credentials once without consuming budget", func(t *testing.T) {
		f := newGatewayFixture(t, status(http.StatusUnauthorized), ok())

		_, err := f.gateway.Invoke(context.Background(), "acme-health", OpSubmit, testPayload())
		require.NoError(t, err)
		assert.Equal(t, 1, f.conn.authCalls)

		reqs, _ := f.requests.ListByAuthorization(context.Background(), "PA-2026-000042")
		require.Len(t, reqs, 2)
		assert.Equal(t, OutcomeAuthRetry, reqs[0].Outcome)
		assert.Equal(t, OutcomeSuccess, reqs[1].Outcome)
	})

	t.Run("second 401 is a rejection", func(t *testing.T) {
		f := newGatewayFixture(t, status(http.StatusUnauthorized), status(http.StatusUnauthorized))

		_, err := f.gateway.Invoke(context.Background(), "acme-health", OpSubmit, testPayload())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConnectorRejected))
		assert.Equal(t, 1, f.conn.authCalls)
	})

	t.Run("4xx rejection does not retry", func(t *testing.T) {
		f := newGatewayFixture(t, status(http.StatusUnprocessableEntity), ok())

		_, err := f.gateway.Invoke(context.Background(), "acme-health", OpSubmit, testPayload())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConnectorRejected))
		assert.Equal(t, 1, f.conn.calls)

		reqs, _ := f.requests.ListByAuthorization(context.Background(), "PA-2026-000042")
		require.Len(t, reqs, 1)
		assert.Equal(t, OutcomeRejected, reqs[0].Outcome)
	})

	t.Run("unknown connector", func(t *testing.T) {
		f := newGatewayFixture(t)

		_, err := f.gateway.Invoke(context.Background(), "nope", OpSubmit, testPayload())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	t.Run("cancellation records cancelled attempt", func(t *testing.T) {
		f := newGatewayFixture(t, ok())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := f.gateway.Invoke(ctx, "acme-health", OpSubmit, testPayload())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))

		reqs, listErr := f.requests.ListByAuthorization(context.Background(), "PA-2026-000042")
		require.NoError(t, listErr)
		require.Len(t, reqs, 1)
		assert.Equal(t, OutcomeCancelled, reqs[0].Outcome)
	})

	t.Run("circuit opens after repeated failures", func(t *testing.T) {
		script := make([]scriptedResponse, 0, 6)
		for i := 0; i < 6; i++ {
			script = append(script, transportErr())
		}
		f := newGatewayFixture(t, script...)

		_, err := f.gateway.Invoke(context.Background(), "acme-health", OpSubmit, testPayload())
		require.Error(t, err)
		_, err = f.gateway.Invoke(context.Background(), "acme-health", OpSubmit, testPayload())
		require.Error(t, err)

		// Five consecutive failures tripped the breaker; further calls
		// are rejected before reaching the connector.
		calls := f.conn.calls
		_, err = f.gateway.Invoke(context.Background(), "acme-health", OpSubmit, testPayload())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConnectorRejected))
		assert.Equal(t, calls, f.conn.calls)
	})

	t.Run("every attempt has an audit record", func(t *testing.T) {
		f := newGatewayFixture(t, transportErr(), ok())

		_, err := f.gateway.Invoke(context.Background(), "acme-health", OpSubmit, testPayload())
		require.NoError(t, err)

		reqs, _ := f.requests.ListByAuthorization(context.Background(), "PA-2026-000042")
		require.Len(t, reqs, 2)
		for _, req := range reqs {
			records, err := f.auditStore.List(context.Background(), audit.Filter{
				EntityType: audit.EntityExternalRequest,
				EntityID:   req.ID.String(),
			})
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, id.ActorID("connector:acme-health"), records[0].Actor)
			assert.Equal(t, req.PayloadHash, records[0].After["payload_hash"])
			// The audit snapshot carries the hash, never the payload.
			assert.NotContains(t, records[0].After, "cpt_codes")
			assert.NotContains(t, records[0].After, "justification_ref")
		}
	})

	t.Run("audit write failure aborts the invocation", func(t *testing.T) {
		f := newGatewayFixture(t, ok())
		f.auditStore.FailNext = errors.New("disk full")

		_, err := f.gateway.Invoke(context.Background(), "acme-health", OpSubmit, testPayload())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeAuditWriteFailed))
	})
}

func TestParseResponseMapping(t *testing.T) {
	conn := NewAPIKeyConnector(APIKeyConfig{ConnectorID: "legacy-payer"}, nil)

	cases := []struct {
		body string
		want Decision
	}{
		{`{"reference":"R1","status":"acknowledged"}`, DecisionAcknowledged},
		{`{"reference":"R1","status":"APPROVED"}`, DecisionApproved},
		{`{"reference":"R1","status":"denied","reason":"not medically necessary"}`, DecisionDenied},
		{`{"reference":"R1","status":"in_review"}`, DecisionPending},
	}
	for _, tc := range cases {
		update, err := conn.ParseResponse(&RawResponse{StatusCode: 200, Body: []byte(tc.body)})
		require.NoError(t, err)
		assert.Equal(t, tc.want, update.Decision)
	}

	_, err := conn.ParseResponse(&RawResponse{StatusCode: 200, Body: []byte(`{"status":"mystery"}`)})
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConnectorRejected))
}
