// Package workflow is the orchestration façade over the authorization
// state machine, audit recorder, crypto codec, and payer gateway. Every
// operation takes the per-authorization lock and runs its mutation plus
// audit writes in one storage transaction; notifications go out only after
// the transaction commits.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"priorauth/internal/audit"
	"priorauth/internal/authorization"
	"priorauth/internal/connector"
	"priorauth/internal/crypto"
	"priorauth/internal/notify"
	"priorauth/internal/platform/metrics"
	id "priorauth/pkg/domain"
	dErrors "priorauth/pkg/domain-errors"
	"priorauth/pkg/requestcontext"
)

const defaultRequestTimeout = 30 * time.Second

// Config carries the workflow policy knobs.
type Config struct {
	SLAWindow      time.Duration
	RequestTimeout time.Duration
}

// Service exposes the prior-authorization operations.
type Service struct {
	store    authorization.Store
	machine  *authorization.Machine
	recorder *audit.Recorder
	codec    *crypto.Codec
	gateway  *connector.Gateway
	locks    *authorization.KeyedLocks
	tx       TxRunner
	notifier *notify.Publisher
	logger   *slog.Logger
	metrics  *metrics.Metrics
	cfg      Config
}

// ServiceOption configures the Service.
type ServiceOption func(*Service)

// WithNotifier enables best-effort lifecycle event publishing.
func WithNotifier(p *notify.Publisher) ServiceOption {
	return func(s *Service) { s.notifier = p }
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService wires the workflow façade.
func NewService(store authorization.Store, machine *authorization.Machine, recorder *audit.Recorder,
	codec *crypto.Codec, gateway *connector.Gateway, tx TxRunner, cfg Config, opts ...ServiceOption) *Service {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Service{
		store:    store,
		machine:  machine,
		recorder: recorder,
		codec:    codec,
		gateway:  gateway,
		locks:    authorization.NewKeyedLocks(),
		tx:       tx,
		logger:   slog.Default(),
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInput is the shape of a new draft authorization. Justification is
// the clinical free-text PHI; it is encrypted before anything touches
// storage and only its redaction token appears downstream.
type CreateInput struct {
	ID            id.AuthorizationID
	PatientID     id.PatientID
	InsuranceID   id.InsuranceID
	CPTCodes      []id.CPTCode
	ICD10Codes    []id.ICD10Code
	TreatmentType string
	Justification string
	DocumentIDs   []string
}

// CreateAuthorization persists a new draft.
func (s *Service) CreateAuthorization(ctx context.Context, input CreateInput) (*authorization.Authorization, error) {
	actor := requestcontext.Actor(ctx)
	if actor == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "request has no actor")
	}
	if input.ID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "authorization id is required")
	}
	if input.PatientID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "patient reference is required")
	}
	if input.Justification == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "clinical justification is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	justification, err := s.codec.Encrypt(input.Justification, justificationFieldID(input.ID))
	if err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	auth := &authorization.Authorization{
		ID:            input.ID,
		PatientID:     input.PatientID,
		InsuranceID:   input.InsuranceID,
		CPTCodes:      input.CPTCodes,
		ICD10Codes:    input.ICD10Codes,
		TreatmentType: input.TreatmentType,
		Justification: justification,
		Status:        authorization.StatusDraft,
		DocumentIDs:   input.DocumentIDs,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	unlock := s.locks.Lock(auth.ID)
	defer unlock()

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, auth); err != nil {
			return err
		}
		_, err := s.recorder.Record(ctx, audit.Entry{
			Actor:      actor,
			EntityType: audit.EntityAuthorization,
			EntityID:   auth.ID.String(),
			Operation:  audit.OpCreate,
			After:      auth.Snapshot(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return auth, nil
}

// SubmitAuthorization moves a draft into the pending queue.
func (s *Service) SubmitAuthorization(ctx context.Context, authID id.AuthorizationID) (*authorization.Authorization, error) {
	actor := requestcontext.Actor(ctx)
	if actor == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "request has no actor")
	}
	return s.applyTrigger(ctx, authID, authorization.TriggerSubmit, actor)
}

// SubmitToPayer sends a pending authorization through the named connector
// and, on acknowledgement, advances it to in_review under the connector's
// own actor identity.
func (s *Service) SubmitToPayer(ctx context.Context, authID id.AuthorizationID, connectorID string) (*authorization.Authorization, error) {
	auth, err := s.GetAuthorization(ctx, authID)
	if err != nil {
		return nil, err
	}
	if auth.Status != authorization.StatusPending {
		return nil, dErrors.Newf(dErrors.CodeInvalidTransition,
			"authorization %s is %s, not pending", authID, auth.Status)
	}

	update, err := s.gateway.Invoke(ctx, connectorID, connector.OpSubmit, payloadFor(auth))
	if err != nil {
		return nil, err
	}

	switch update.Decision {
	case connector.DecisionAcknowledged, connector.DecisionPending:
		conn, ok := s.gateway.Connector(connectorID)
		if !ok {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "connector %q not registered", connectorID)
		}
		return s.applyTrigger(ctx, authID, authorization.TriggerAcknowledge, conn.ActorIdentity())
	default:
		return nil, dErrors.Newf(dErrors.CodeConnectorRejected,
			"payer answered submission with decision %q", update.Decision)
	}
}

// ApplyPayerDecision records a payer's decision on an in-review or appealed
// authorization. Pending decisions are a no-op re-read.
func (s *Service) ApplyPayerDecision(ctx context.Context, authID id.AuthorizationID, update connector.StatusUpdate, actor id.ActorID) (*authorization.Authorization, error) {
	if actor == "" {
		actor = requestcontext.Actor(ctx)
	}
	if actor == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "payer decision has no actor")
	}

	var trigger authorization.Trigger
	switch update.Decision {
	case connector.DecisionAcknowledged:
		trigger = authorization.TriggerAcknowledge
	case connector.DecisionApproved:
		trigger = authorization.TriggerApprove
	case connector.DecisionDenied:
		trigger = authorization.TriggerDeny
	case connector.DecisionPending:
		return s.GetAuthorization(ctx, authID)
	default:
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "unknown payer decision %q", update.Decision)
	}
	return s.applyTrigger(ctx, authID, trigger, actor)
}

// FileAppeal contests a denial within the appeal window.
func (s *Service) FileAppeal(ctx context.Context, authID id.AuthorizationID) (*authorization.Authorization, error) {
	actor := requestcontext.Actor(ctx)
	if actor == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "request has no actor")
	}
	return s.applyTrigger(ctx, authID, authorization.TriggerFileAppeal, actor)
}

// GetAuthorization returns the current state of one authorization.
func (s *Service) GetAuthorization(ctx context.Context, authID id.AuthorizationID) (*authorization.Authorization, error) {
	return s.store.Get(ctx, authID)
}

// GetAuditTrail exposes the filtered, sequence-ordered audit query surface.
func (s *Service) GetAuditTrail(ctx context.Context, filter audit.Filter) ([]audit.Record, error) {
	return s.recorder.List(ctx, filter)
}

// DecryptJustification returns the clinical justification plaintext for
// callers whose role permits it. The read, allowed or denied, is audited
// by the codec.
func (s *Service) DecryptJustification(ctx context.Context, authID id.AuthorizationID) (string, error) {
	auth, err := s.store.Get(ctx, authID)
	if err != nil {
		return "", err
	}
	if auth.Justification.IsZero() {
		return "", dErrors.Newf(dErrors.CodeNotFound, "authorization %s has no justification", authID)
	}
	plaintext, err := s.codec.Decrypt(ctx, auth.Justification)
	if err != nil {
		if s.metrics != nil && dErrors.HasCode(err, dErrors.CodeDecryptionDenied) {
			s.metrics.DecryptDenials.Inc()
		}
		return "", err
	}
	return plaintext, nil
}

// applyTrigger is the single write path: timeout, per-authorization lock,
// fresh read inside the transaction, machine transition, optimistic update.
// A racer that lost the lock re-reads the already-updated row and the
// machine rejects its now-stale trigger.
func (s *Service) applyTrigger(ctx context.Context, authID id.AuthorizationID, trigger authorization.Trigger, actor id.ActorID) (*authorization.Authorization, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	unlock := s.locks.Lock(authID)
	defer unlock()

	var (
		updated *authorization.Authorization
		prior   authorization.Status
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		auth, err := s.store.Get(ctx, authID)
		if err != nil {
			return err
		}
		prior = auth.Status

		next, err := s.machine.Transition(ctx, auth, trigger, actor)
		if err != nil {
			return err
		}
		if err := s.store.Update(ctx, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		if ctx.Err() != nil && !dErrors.HasCode(err, dErrors.CodeTimeout) {
			return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "operation timed out; re-read state before retrying")
		}
		return nil, err
	}

	s.logger.InfoContext(ctx, "authorization transition",
		"authorization_id", updated.ID,
		"from", prior,
		"to", updated.Status,
		"trigger", trigger,
	)

	if s.notifier != nil {
		s.notifier.StatusChanged(context.WithoutCancel(ctx), notify.StatusChangedEvent{
			AuthorizationID: updated.ID,
			From:            prior,
			To:              updated.Status,
			Trigger:         trigger,
			Actor:           actor,
			CorrelationID:   correlationFrom(ctx),
			OccurredAt:      updated.UpdatedAt,
		})
	}
	return updated, nil
}

func payloadFor(auth *authorization.Authorization) connector.Payload {
	cpts := make([]string, len(auth.CPTCodes))
	for i, c := range auth.CPTCodes {
		cpts[i] = c.String()
	}
	icds := make([]string, len(auth.ICD10Codes))
	for i, c := range auth.ICD10Codes {
		icds[i] = c.String()
	}
	payload := connector.Payload{
		AuthorizationID: auth.ID,
		PatientID:       auth.PatientID.String(),
		InsuranceID:     auth.InsuranceID.String(),
		CPTCodes:        cpts,
		ICD10Codes:      icds,
		TreatmentType:   auth.TreatmentType,
	}
	if !auth.Justification.IsZero() {
		payload.JustificationRef = auth.Justification.Token()
	}
	return payload
}

func justificationFieldID(authID id.AuthorizationID) string {
	return fmt.Sprintf("authorization/%s/justification", authID)
}

func correlationFrom(ctx context.Context) id.CorrelationID {
	if rid := requestcontext.RequestID(ctx); rid != "" {
		if cid, err := id.ParseCorrelationID(rid); err == nil {
			return cid
		}
	}
	return id.NewCorrelationID()
}
