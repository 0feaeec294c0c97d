package connector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"priorauth/internal/audit"
	"priorauth/internal/platform/metrics"
	id "priorauth/pkg/domain"
	dErrors "priorauth/pkg/domain-errors"
	"priorauth/pkg/platform/circuit"
	"priorauth/pkg/requestcontext"
)

const defaultBaseBackoff = 250 * time.Millisecond

// Gateway drives every outbound payer call: retry with exponential backoff
// on transient failures, one token refresh on auth failure, circuit
// breaking per connector, and one ExternalRequest plus one audit record per
// attempt, whether it succeeds, fails, or is cancelled.
type Gateway struct {
	registry *Registry
	requests RequestStore
	recorder *audit.Recorder
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	retryBudget int
	baseBackoff time.Duration

	mu       sync.Mutex
	breakers map[string]*circuit.Breaker
}

// GatewayOption configures the Gateway.
type GatewayOption func(*Gateway)

// WithRetryBudget bounds transient-failure retries per invocation.
func WithRetryBudget(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.retryBudget = n
		}
	}
}

// WithBaseBackoff sets the first retry delay; later retries double it.
func WithBaseBackoff(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.baseBackoff = d
		}
	}
}

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway builds a gateway over a connector registry.
func NewGateway(registry *Registry, requests RequestStore, recorder *audit.Recorder, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		registry:    registry,
		requests:    requests,
		recorder:    recorder,
		logger:      slog.Default(),
		tracer:      otel.Tracer("priorauth/connector"),
		retryBudget: 3,
		baseBackoff: defaultBaseBackoff,
		breakers:    make(map[string]*circuit.Breaker),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Connector exposes a registered connector, e.g. for its actor identity.
func (g *Gateway) Connector(connectorID string) (Connector, bool) {
	return g.registry.Get(connectorID)
}

// Invoke performs one logical operation against a payer connector.
//
// Policy: transient transport errors and 5xx responses are retried with
// exponential backoff up to the budget; a 401 refreshes credentials once
// and retries; any other 4xx surfaces as ConnectorRejected without retry.
// Exhausting the budget surfaces ConnectorTimeout. Cancellation records
// the in-flight attempt with outcome "cancelled" before returning.
func (g *Gateway) Invoke(ctx context.Context, connectorID string, op Operation, payload Payload) (*StatusUpdate, error) {
	conn, ok := g.registry.Get(connectorID)
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "connector %q not registered", connectorID)
	}

	ctx, span := g.tracer.Start(ctx, "connector.invoke",
		trace.WithAttributes(
			attribute.String("connector.id", connectorID),
			attribute.String("connector.operation", string(op)),
		))
	defer span.End()

	breaker := g.breaker(connectorID)
	if breaker.IsOpen() {
		return nil, dErrors.Newf(dErrors.CodeConnectorRejected, "connector %q circuit open", connectorID)
	}

	authRetried := false
	start := time.Now()
	defer func() {
		if g.metrics != nil {
			g.metrics.ConnectorLatency.WithLabelValues(connectorID).Observe(time.Since(start).Seconds())
		}
	}()

	for attempt := 0; attempt < g.retryBudget; attempt++ {
		resp, err := g.call(ctx, conn, op, payload)

		if ctxErr := ctx.Err(); ctxErr != nil {
			// The attempt may or may not have reached the payer; either
			// way the record must not be half-written, so it is completed
			// with a cancelled outcome on a detached context.
			g.recordAttempt(context.WithoutCancel(ctx), conn, op, payload, 0, attempt, OutcomeCancelled)
			return nil, dErrors.Wrap(ctxErr, dErrors.CodeTimeout, "connector call cancelled")
		}

		switch {
		case err != nil || resp.StatusCode >= 500:
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			if recErr := g.recordAttempt(ctx, conn, op, payload, status, attempt, OutcomeTransient); recErr != nil {
				return nil, recErr
			}
			breaker.RecordFailure()
			if err := g.backoff(ctx, attempt); err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "connector call cancelled during backoff")
			}

		case resp.StatusCode == 401 && !authRetried:
			if recErr := g.recordAttempt(ctx, conn, op, payload, resp.StatusCode, attempt, OutcomeAuthRetry); recErr != nil {
				return nil, recErr
			}
			if err := conn.Authenticate(ctx); err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeConnectorRejected, "connector authentication failed")
			}
			authRetried = true
			attempt-- // the refreshed retry does not consume the budget

		case resp.StatusCode >= 400:
			if recErr := g.recordAttempt(ctx, conn, op, payload, resp.StatusCode, attempt, OutcomeRejected); recErr != nil {
				return nil, recErr
			}
			return nil, dErrors.Newf(dErrors.CodeConnectorRejected,
				"connector %q rejected %s with status %d", connectorID, op, resp.StatusCode)

		default:
			if recErr := g.recordAttempt(ctx, conn, op, payload, resp.StatusCode, attempt, OutcomeSuccess); recErr != nil {
				return nil, recErr
			}
			breaker.RecordSuccess()
			update, err := conn.ParseResponse(resp)
			if err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeConnectorRejected, "connector response unparseable")
			}
			return update, nil
		}
	}

	return nil, dErrors.Newf(dErrors.CodeConnectorTimeout,
		"connector %q retry budget exhausted after %d attempts", connectorID, g.retryBudget)
}

func (g *Gateway) call(ctx context.Context, conn Connector, op Operation, payload Payload) (*RawResponse, error) {
	switch op {
	case OpSubmit:
		return conn.Submit(ctx, payload)
	case OpPollStatus:
		return conn.PollStatus(ctx, payload.PayerRef)
	default:
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "unknown connector operation %q", op)
	}
}

// recordAttempt writes the ExternalRequest row and its audit record. The
// request log is part of the compliance surface, so a failed write aborts
// the invocation the same way a failed audit write aborts a transition.
func (g *Gateway) recordAttempt(ctx context.Context, conn Connector, op Operation, payload Payload, status, retry int, outcome Outcome) error {
	req := ExternalRequest{
		ID:              uuid.New(),
		ConnectorID:     conn.ID(),
		AuthorizationID: payload.AuthorizationID,
		Operation:       op,
		PayloadHash:     payload.Hash(),
		ResponseStatus:  status,
		RetryCount:      retry,
		Outcome:         outcome,
		CorrelationID:   correlationFrom(ctx),
		Timestamp:       requestcontext.Now(ctx),
	}
	if err := g.requests.Append(ctx, req); err != nil {
		return dErrors.Wrap(err, dErrors.CodeAuditWriteFailed, "external request record could not be written")
	}
	if _, err := g.recorder.Record(ctx, audit.Entry{
		Actor:      conn.ActorIdentity(),
		EntityType: audit.EntityExternalRequest,
		EntityID:   req.ID.String(),
		Operation:  audit.OpCreate,
		After: audit.Snapshot{
			"connector_id":     req.ConnectorID,
			"authorization_id": req.AuthorizationID.String(),
			"operation":        string(req.Operation),
			"payload_hash":     req.PayloadHash,
			"response_status":  req.ResponseStatus,
			"retry_count":      req.RetryCount,
			"outcome":          string(req.Outcome),
		},
		CorrelationID: req.CorrelationID,
	}); err != nil {
		return err
	}
	if g.metrics != nil {
		g.metrics.ConnectorAttempts.WithLabelValues(req.ConnectorID, string(outcome)).Inc()
	}
	return nil
}

func (g *Gateway) backoff(ctx context.Context, attempt int) error {
	delay := g.baseBackoff << attempt
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) breaker(connectorID string) *circuit.Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[connectorID]
	if !ok {
		b = circuit.New(connectorID, circuit.WithFailureThreshold(5))
		g.breakers[connectorID] = b
	}
	return b
}

func correlationFrom(ctx context.Context) id.CorrelationID {
	if rid := requestcontext.RequestID(ctx); rid != "" {
		if cid, err := id.ParseCorrelationID(rid); err == nil {
			return cid
		}
	}
	return id.NewCorrelationID()
}
