// Package audit captures every mutation on regulated entities as an
// immutable record with redacted before/after snapshots.
//
// The recorder is fail-closed: if the store write fails the caller receives
// AuditWriteFailed and must abort the enclosing transaction. An unaudited
// mutation is worse than a rejected request.
package audit

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"priorauth/internal/platform/metrics"
	dErrors "priorauth/pkg/domain-errors"
	"priorauth/pkg/requestcontext"
)

// Recorder writes audit records synchronously on the caller's transaction.
type Recorder struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// RecorderOption configures the Recorder.
type RecorderOption func(*Recorder)

// WithLogger sets a logger for write-failure reporting.
func WithLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// NewRecorder builds a Recorder over a store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends one audit record for a mutation. Snapshots are deep-copied
// here so later changes to the caller's objects cannot reach the stored
// record. Never fails silently: a store error surfaces as AuditWriteFailed
// and the caller must treat the mutation as aborted.
func (r *Recorder) Record(ctx context.Context, entry Entry) (Record, error) {
	if entry.Actor == "" {
		return Record{}, dErrors.New(dErrors.CodeInvalidInput, "audit entry requires an actor")
	}
	if entry.EntityType == "" || entry.EntityID == "" {
		return Record{}, dErrors.New(dErrors.CodeInvalidInput, "audit entry requires entity type and id")
	}
	if !entry.Operation.IsValid() {
		return Record{}, dErrors.Newf(dErrors.CodeInvalidInput, "unknown audit operation %q", entry.Operation)
	}

	record := Record{
		ID:            uuid.New(),
		Timestamp:     requestcontext.Now(ctx),
		Actor:         entry.Actor,
		EntityType:    entry.EntityType,
		EntityID:      entry.EntityID,
		Operation:     entry.Operation,
		Before:        entry.Before.Clone(),
		After:         entry.After.Clone(),
		CorrelationID: entry.CorrelationID,
	}

	if err := r.store.Append(ctx, &record); err != nil {
		if r.metrics != nil {
			r.metrics.AuditWriteFailures.Inc()
		}
		if r.logger != nil {
			r.logger.ErrorContext(ctx, "CRITICAL: audit write failed",
				"entity_type", entry.EntityType,
				"entity_id", entry.EntityID,
				"operation", entry.Operation,
				"error", err,
			)
		}
		return Record{}, dErrors.Wrap(err, dErrors.CodeAuditWriteFailed, "audit record could not be written")
	}

	if r.metrics != nil {
		r.metrics.AuditWrites.Inc()
	}
	return record, nil
}

// List exposes the read-only query surface, ordered by sequence ascending.
func (r *Recorder) List(ctx context.Context, filter Filter) ([]Record, error) {
	return r.store.List(ctx, filter)
}
