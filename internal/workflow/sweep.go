package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"priorauth/internal/authorization"
	"priorauth/internal/platform/metrics"
	id "priorauth/pkg/domain"
	dErrors "priorauth/pkg/domain-errors"
	"priorauth/pkg/platform/sentinel"
	"priorauth/pkg/requestcontext"
)

// sweepParallelism bounds concurrent expiry transitions; each one still
// takes its own per-authorization lock.
const sweepParallelism = 8

// SweepResult summarizes one expiry sweep run.
type SweepResult struct {
	Candidates int
	Expired    int
	Skipped    int
	Duration   time.Duration
}

// SweepWorker periodically expires authorizations whose SLA window has
// elapsed without a payer decision. Runs are idempotent and re-entrant: a
// candidate that a concurrent writer already moved is skipped, not failed.
type SweepWorker struct {
	service  *Service
	logger   *slog.Logger
	interval time.Duration
	metrics  *metrics.Metrics
}

// SweepOption configures the worker.
type SweepOption func(*SweepWorker)

func WithSweepLogger(logger *slog.Logger) SweepOption {
	return func(w *SweepWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithSweepInterval(interval time.Duration) SweepOption {
	return func(w *SweepWorker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

func WithSweepMetrics(m *metrics.Metrics) SweepOption {
	return func(w *SweepWorker) { w.metrics = m }
}

// NewSweepWorker builds the worker around the service, which supplies the
// locking, transaction, and audit behavior for each expiry.
func NewSweepWorker(service *Service, opts ...SweepOption) *SweepWorker {
	w := &SweepWorker{
		service:  service,
		logger:   slog.Default(),
		interval: time.Hour,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs the sweep loop until the context is cancelled.
func (w *SweepWorker) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			res, err := w.service.RunExpirySweep(ctx)
			duration := time.Since(start)

			if err != nil {
				w.logger.Error("expiry_sweep_failed",
					"error", err,
					"duration_ms", duration.Milliseconds(),
				)
				continue
			}
			res.Duration = duration
			w.logger.Info("expiry_sweep_completed",
				"candidates", res.Candidates,
				"expired", res.Expired,
				"skipped", res.Skipped,
				"duration_ms", duration.Milliseconds(),
			)

		case <-ctx.Done():
			w.logger.Info("expiry sweep worker stopping", "reason", ctx.Err())
			return ctx.Err()
		}
	}
}

// RunExpirySweep finds authorizations past the SLA window and expires each
// one through the normal transition path, as the system actor. A candidate
// already moved by a racer produces a skip: the re-read under the lock sees
// the new state and the machine rejects the stale expiry.
func (s *Service) RunExpirySweep(ctx context.Context) (*SweepResult, error) {
	cutoff := requestcontext.Now(ctx).Add(-s.cfg.SLAWindow)
	candidates, err := s.store.ListExpiryCandidates(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	res := &SweepResult{Candidates: len(candidates)}
	if len(candidates) == 0 {
		return res, nil
	}

	results := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for i, authID := range candidates {
		g.Go(func() error {
			expired, err := s.expireOne(gctx, authID)
			if err != nil {
				return err
			}
			results[i] = expired
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, expired := range results {
		if expired {
			res.Expired++
		} else {
			res.Skipped++
		}
	}
	if s.metrics != nil {
		s.metrics.ExpirySweepExpired.Add(float64(res.Expired))
	}
	return res, nil
}

func (s *Service) expireOne(ctx context.Context, authID id.AuthorizationID) (bool, error) {
	_, err := s.applyTrigger(ctx, authID, authorization.TriggerExpire, id.SystemActor)
	switch {
	case err == nil:
		return true, nil
	case dErrors.HasCode(err, dErrors.CodeInvalidTransition),
		dErrors.HasCode(err, dErrors.CodeGuardFailed),
		errors.Is(err, sentinel.ErrNotFound):
		// Another writer got there first; the candidate list was a hint.
		return false, nil
	default:
		return false, err
	}
}
