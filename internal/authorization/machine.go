// Package authorization holds the prior-authorization model and the status
// state machine that governs it.
//
// Transitions are strictly serialized per authorization by the caller (the
// workflow layer takes the keyed lock and runs the machine inside one store
// transaction). The machine itself validates the edge, evaluates guards,
// applies derived effects, and emits exactly one transition audit record.
package authorization

import (
	"context"
	"time"

	"priorauth/internal/audit"
	"priorauth/internal/platform/metrics"
	id "priorauth/pkg/domain"
	dErrors "priorauth/pkg/domain-errors"
	"priorauth/pkg/requestcontext"
)

// edge is one (from, trigger) pair in the transition table.
type edge struct {
	from    Status
	trigger Trigger
}

// transitionTable is the single source of truth for valid edges.
// Guards are evaluated separately in Machine.guard.
var transitionTable = map[edge]Status{
	{StatusDraft, TriggerSubmit}:        StatusPending,
	{StatusPending, TriggerAcknowledge}: StatusInReview,
	{StatusInReview, TriggerApprove}:    StatusApproved,
	{StatusInReview, TriggerDeny}:       StatusDenied,
	{StatusDenied, TriggerFileAppeal}:   StatusAppealed,
	{StatusAppealed, TriggerApprove}:    StatusApproved,
	{StatusAppealed, TriggerDeny}:       StatusDenied,

	// SLA expiry applies only while a decision is outstanding.
	{StatusPending, TriggerExpire}:  StatusExpired,
	{StatusInReview, TriggerExpire}: StatusExpired,

	// Explicit admin override from any non-terminal state.
	{StatusDraft, TriggerAdminExpire}:    StatusExpired,
	{StatusPending, TriggerAdminExpire}:  StatusExpired,
	{StatusInReview, TriggerAdminExpire}: StatusExpired,
	{StatusAppealed, TriggerAdminExpire}: StatusExpired,
}

// Config carries the policy windows. Defaults live in platform config; the
// machine never hard-codes them.
type Config struct {
	AppealWindow time.Duration
	SLAWindow    time.Duration
}

// Machine enforces the transition table and its derived effects.
type Machine struct {
	recorder *audit.Recorder
	cfg      Config
	metrics  *metrics.Metrics
}

// MachineOption configures the Machine.
type MachineOption func(*Machine)

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) MachineOption {
	return func(machine *Machine) { machine.metrics = m }
}

// NewMachine builds a state machine that logs every successful transition
// through the given recorder.
func NewMachine(recorder *audit.Recorder, cfg Config, opts ...MachineOption) *Machine {
	m := &Machine{recorder: recorder, cfg: cfg}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Transition applies trigger to auth on behalf of actor.
//
// On success it returns an updated copy with status and derived timestamps
// set, having emitted exactly one transition audit record (which shares the
// caller's transaction via context). The input value is never mutated, so
// an audit or store failure after this call can discard the copy and leave
// the prior state intact.
//
// Failure modes: CodeInvalidTransition when (status, trigger) is not in the
// table; CodeGuardFailed naming the unmet precondition; CodeAuditWriteFailed
// when the transition record cannot be written, which aborts the mutation.
func (m *Machine) Transition(ctx context.Context, auth *Authorization, trigger Trigger, actor id.ActorID) (*Authorization, error) {
	if auth == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "authorization is required")
	}
	if actor == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "actor is required")
	}

	next, ok := transitionTable[edge{auth.Status, trigger}]
	if !ok {
		m.countFailure("invalid_transition")
		return nil, dErrors.Newf(dErrors.CodeInvalidTransition,
			"trigger %q is not valid from status %q", trigger, auth.Status)
	}

	now := requestcontext.Now(ctx)
	if err := m.guard(auth, trigger, now); err != nil {
		m.countFailure("guard_failed")
		return nil, err
	}

	before := auth.Snapshot()
	updated := auth.Clone()
	updated.Status = next
	updated.UpdatedAt = now
	m.applyEffects(updated, trigger, now)

	after := updated.Snapshot()
	after["trigger"] = string(trigger)

	_, err := m.recorder.Record(ctx, audit.Entry{
		Actor:         actor,
		EntityType:    audit.EntityAuthorization,
		EntityID:      auth.ID.String(),
		Operation:     audit.OpTransition,
		Before:        before,
		After:         after,
		CorrelationID: correlationFrom(ctx),
	})
	if err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.Transitions.WithLabelValues(string(trigger), string(next)).Inc()
	}
	return updated, nil
}

// guard evaluates the precondition for an edge already known to be valid.
func (m *Machine) guard(auth *Authorization, trigger Trigger, now time.Time) error {
	switch trigger {
	case TriggerSubmit:
		if len(auth.CPTCodes) == 0 {
			return dErrors.New(dErrors.CodeGuardFailed, "at least one CPT procedure code is required")
		}
		if len(auth.ICD10Codes) == 0 {
			return dErrors.New(dErrors.CodeGuardFailed, "at least one ICD-10 diagnosis code is required")
		}
		if auth.InsuranceID.IsNil() {
			return dErrors.New(dErrors.CodeGuardFailed, "insurance reference is required")
		}
	case TriggerFileAppeal:
		if auth.AppealDeadline == nil {
			return dErrors.New(dErrors.CodeGuardFailed, "no appeal deadline recorded for denial")
		}
		if now.After(*auth.AppealDeadline) {
			return dErrors.Newf(dErrors.CodeGuardFailed,
				"appeal window closed at %s", auth.AppealDeadline.UTC().Format(time.RFC3339))
		}
	case TriggerExpire:
		if auth.ExpiryExempt {
			return dErrors.New(dErrors.CodeGuardFailed, "authorization already decided; expiry disabled")
		}
		if auth.SubmittedAt == nil {
			return dErrors.New(dErrors.CodeGuardFailed, "authorization was never submitted")
		}
		if now.Before(auth.SubmittedAt.Add(m.cfg.SLAWindow)) {
			return dErrors.New(dErrors.CodeGuardFailed, "SLA window has not elapsed")
		}
	}
	return nil
}

// applyEffects sets the timestamps and flags dictated by the trigger.
func (m *Machine) applyEffects(auth *Authorization, trigger Trigger, now time.Time) {
	switch trigger {
	case TriggerSubmit:
		t := now
		auth.SubmittedAt = &t
	case TriggerApprove:
		t := now
		auth.DecidedAt = &t
		auth.ExpiryExempt = true
	case TriggerDeny:
		t := now
		auth.DecidedAt = &t
		auth.ExpiryExempt = true
		deadline := now.Add(m.cfg.AppealWindow)
		auth.AppealDeadline = &deadline
	case TriggerFileAppeal:
		t := now
		auth.AppealedAt = &t
	}
}

func (m *Machine) countFailure(kind string) {
	if m.metrics != nil {
		m.metrics.TransitionFailures.WithLabelValues(kind).Inc()
	}
}

func correlationFrom(ctx context.Context) id.CorrelationID {
	if rid := requestcontext.RequestID(ctx); rid != "" {
		if cid, err := id.ParseCorrelationID(rid); err == nil {
			return cid
		}
	}
	return id.NewCorrelationID()
}
