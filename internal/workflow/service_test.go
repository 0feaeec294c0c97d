package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"priorauth/internal/audit"
	"priorauth/internal/authorization"
	"priorauth/internal/connector"
	"priorauth/internal/crypto"
	id "priorauth/pkg/domain"
	dErrors "priorauth/pkg/domain-errors"
	"priorauth/pkg/requestcontext"
)

// stubConnector answers every call with a fixed decision payload.
type stubConnector struct {
	decision string
}

func (s *stubConnector) ID() string { return "acme-health" }

func (s *stubConnector) ActorIdentity() id.ActorID { return "connector:acme-health" }

func (s *stubConnector) Authenticate(context.Context) error { return nil }

func (s *stubConnector) Submit(context.Context, connector.Payload) (*connector.RawResponse, error) {
	body := fmt.Sprintf(`{"reference":"REF-9","status":%q}`, s.decision)
	return &connector.RawResponse{StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func (s *stubConnector) PollStatus(context.Context, string) (*connector.RawResponse, error) {
	body := fmt.Sprintf(`{"reference":"REF-9","status":%q}`, s.decision)
	return &connector.RawResponse{StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func (s *stubConnector) ParseResponse(raw *connector.RawResponse) (*connector.StatusUpdate, error) {
	var decision connector.Decision
	switch s.decision {
	case "acknowledged":
		decision = connector.DecisionAcknowledged
	case "approved":
		decision = connector.DecisionApproved
	case "denied":
		decision = connector.DecisionDenied
	default:
		decision = connector.DecisionPending
	}
	return &connector.StatusUpdate{PayerRef: "REF-9", Decision: decision}, nil
}

type fixture struct {
	service    *Service
	authStore  *authorization.InMemoryStore
	auditStore *audit.InMemoryStore
	requests   *connector.InMemoryRequestStore
	conn       *stubConnector
	codec      *crypto.Codec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	keyring, err := crypto.LoadKeyring(map[int][]byte{1: testKey(t)}, 1)
	require.NoError(t, err)

	auditStore := audit.NewInMemoryStore()
	recorder := audit.NewRecorder(auditStore)
	codec := crypto.NewCodec(keyring,
		crypto.WithAllowedRoles([]string{"clinician"}),
		crypto.WithReadAuditor(NewPHIReadAuditor(recorder)),
	)

	authStore := authorization.NewInMemoryStore()
	machine := authorization.NewMachine(recorder, authorization.Config{
		AppealWindow: 30 * 24 * time.Hour,
		SLAWindow:    90 * 24 * time.Hour,
	})

	conn := &stubConnector{decision: "acknowledged"}
	registry := connector.NewRegistry()
	require.NoError(t, registry.Register(conn))
	requests := connector.NewInMemoryRequestStore()
	gateway := connector.NewGateway(registry, requests, recorder,
		connector.WithBaseBackoff(time.Millisecond))

	service := NewService(authStore, machine, recorder, codec, gateway,
		PassthroughTxRunner{}, Config{
			SLAWindow:      90 * 24 * time.Hour,
			RequestTimeout: 5 * time.Second,
		})

	return &fixture{
		service:    service,
		authStore:  authStore,
		auditStore: auditStore,
		requests:   requests,
		conn:       conn,
		codec:      codec,
	}
}

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	copy(key, "workflow-test-key-workflow-test!")
	return key
}

var day0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func clinicianCtx(at time.Time) context.Context {
	ctx := requestcontext.WithActor(context.Background(), "dr-osei")
	ctx = requestcontext.WithRoles(ctx, []string{"clinician"})
	return requestcontext.WithTime(ctx, at)
}

const plainJustification = "Patient requires continuous glucose monitoring due to refractory type 2 diabetes."

func createInput() CreateInput {
	return CreateInput{
		ID:            "PA-2026-000042",
		PatientID:     id.PatientID(uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")),
		InsuranceID:   id.InsuranceID(uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")),
		CPTCodes:      []id.CPTCode{"99213"},
		ICD10Codes:    []id.ICD10Code{"E11.9"},
		TreatmentType: "outpatient",
		Justification: plainJustification,
	}
}

func (f *fixture) mustCreate(t *testing.T, ctx context.Context) *authorization.Authorization {
	t.Helper()
	auth, err := f.service.CreateAuthorization(ctx, createInput())
	require.NoError(t, err)
	return auth
}

func TestSubmitThenApprove(t *testing.T) {
	f := newFixture(t)
	ctx := clinicianCtx(day0)

	auth := f.mustCreate(t, ctx)
	assert.Equal(t, authorization.StatusDraft, auth.Status)

	auth, err := f.service.SubmitAuthorization(ctx, auth.ID)
	require.NoError(t, err)
	assert.Equal(t, authorization.StatusPending, auth.Status)

	auth, err = f.service.SubmitToPayer(ctx, auth.ID, "acme-health")
	require.NoError(t, err)
	assert.Equal(t, authorization.StatusInReview, auth.Status)

	auth, err = f.service.ApplyPayerDecision(ctx, auth.ID,
		connector.StatusUpdate{Decision: connector.DecisionApproved}, "connector:acme-health")
	require.NoError(t, err)
	assert.Equal(t, authorization.StatusApproved, auth.Status)
	assert.True(t, auth.ExpiryExempt)

	// Approved is terminal; a late denial is rejected and changes nothing.
	_, err = f.service.ApplyPayerDecision(ctx, auth.ID,
		connector.StatusUpdate{Decision: connector.DecisionDenied}, "connector:acme-health")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidTransition))

	// The audit stream is a valid walk: create, then one transition per
	// status change, gap-free.
	records, err := f.service.GetAuditTrail(ctx, audit.Filter{
		EntityType: audit.EntityAuthorization,
		EntityID:   auth.ID.String(),
	})
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, audit.OpCreate, records[0].Operation)
	wantStatus := []string{"pending", "in_review", "approved"}
	for i, rec := range records[1:] {
		assert.Equal(t, audit.OpTransition, rec.Operation)
		assert.Equal(t, int64(i+2), rec.Seq)
		assert.Equal(t, wantStatus[i], rec.After["status"])
	}
}

func TestPlaintextNeverLeavesTheCodec(t *testing.T) {
	f := newFixture(t)
	ctx := clinicianCtx(day0)

	auth := f.mustCreate(t, ctx)
	_, err := f.service.SubmitAuthorization(ctx, auth.ID)
	require.NoError(t, err)
	_, err = f.service.SubmitToPayer(ctx, auth.ID, "acme-health")
	require.NoError(t, err)

	records, err := f.service.GetAuditTrail(ctx, audit.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, records)
	for _, rec := range records {
		assert.NotContains(t, fmt.Sprintf("%v", rec.Before), plainJustification)
		assert.NotContains(t, fmt.Sprintf("%v", rec.After), plainJustification)
	}

	reqs, err := f.requests.ListByAuthorization(ctx, auth.ID)
	require.NoError(t, err)
	require.NotEmpty(t, reqs)
	for _, req := range reqs {
		assert.NotContains(t, req.PayloadHash, plainJustification)
	}

	// The stored field is a token plus ciphertext, never the words.
	stored, err := f.service.GetAuthorization(ctx, auth.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored.Justification.Token(), "phi:v1:"))
	assert.NotEqual(t, []byte(plainJustification), stored.Justification.Ciphertext)
}

func TestDecryptJustification(t *testing.T) {
	f := newFixture(t)
	ctx := clinicianCtx(day0)
	auth := f.mustCreate(t, ctx)

	t.Run("permitted role reads plaintext and the read is audited", func(t *testing.T) {
		got, err := f.service.DecryptJustification(ctx, auth.ID)
		require.NoError(t, err)
		assert.Equal(t, plainJustification, got)

		reads, err := f.auditStore.List(ctx, audit.Filter{EntityType: audit.EntityPHIField})
		require.NoError(t, err)
		require.NotEmpty(t, reads)
		last := reads[len(reads)-1]
		assert.Equal(t, audit.OpRead, last.Operation)
		assert.Equal(t, "allowed", last.After["decision"])
	})

	t.Run("unpermitted role is denied and the denial is audited", func(t *testing.T) {
		billingCtx := requestcontext.WithActor(context.Background(), "billing-bot")
		billingCtx = requestcontext.WithRoles(billingCtx, []string{"billing"})

		_, err := f.service.DecryptJustification(billingCtx, auth.ID)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeDecryptionDenied))

		reads, err := f.auditStore.List(context.Background(), audit.Filter{
			EntityType: audit.EntityPHIField,
			Actor:      "billing-bot",
		})
		require.NoError(t, err)
		require.Len(t, reads, 1)
		assert.Equal(t, "denied", reads[0].After["decision"])
	})
}

func TestConcurrentTransitionsOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := clinicianCtx(day0)
	auth := f.mustCreate(t, ctx)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.service.SubmitAuthorization(ctx, auth.ID)
		}()
	}
	wg.Wait()

	var successes, invalid int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case dErrors.HasCode(err, dErrors.CodeInvalidTransition):
			invalid++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, invalid)

	got, err := f.service.GetAuthorization(ctx, auth.ID)
	require.NoError(t, err)
	assert.Equal(t, authorization.StatusPending, got.Status)

	// Exactly one transition record despite two requests.
	records, err := f.service.GetAuditTrail(ctx, audit.Filter{
		EntityType: audit.EntityAuthorization,
		EntityID:   auth.ID.String(),
		Operation:  audit.OpTransition,
	})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestExpirySweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := clinicianCtx(day0)

	auth := f.mustCreate(t, ctx)
	_, err := f.service.SubmitAuthorization(ctx, auth.ID)
	require.NoError(t, err)

	lateCtx := clinicianCtx(day0.Add(91 * 24 * time.Hour))

	res, err := f.service.RunExpirySweep(lateCtx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	got, err := f.service.GetAuthorization(ctx, auth.ID)
	require.NoError(t, err)
	assert.Equal(t, authorization.StatusExpired, got.Status)

	// Second sweep over the same window finds nothing to do.
	res, err = f.service.RunExpirySweep(lateCtx)
	require.NoError(t, err)
	assert.Zero(t, res.Expired)

	records, err := f.service.GetAuditTrail(ctx, audit.Filter{
		EntityType: audit.EntityAuthorization,
		EntityID:   auth.ID.String(),
		Operation:  audit.OpTransition,
	})
	require.NoError(t, err)
	var expiries int
	for _, rec := range records {
		if rec.After["status"] == "expired" {
			expiries++
		}
	}
	assert.Equal(t, 1, expiries)
}

func TestExpirySweepSkipsFreshAndDecided(t *testing.T) {
	f := newFixture(t)
	ctx := clinicianCtx(day0)

	auth := f.mustCreate(t, ctx)
	_, err := f.service.SubmitAuthorization(ctx, auth.ID)
	require.NoError(t, err)

	// Only 30 days in: nothing is past SLA.
	res, err := f.service.RunExpirySweep(clinicianCtx(day0.Add(30 * 24 * time.Hour)))
	require.NoError(t, err)
	assert.Zero(t, res.Candidates)
}

func TestAuditFailureRollsBackTransition(t *testing.T) {
	f := newFixture(t)
	ctx := clinicianCtx(day0)
	auth := f.mustCreate(t, ctx)

	f.auditStore.FailNext = errors.New("disk full")

	_, err := f.service.SubmitAuthorization(ctx, auth.ID)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeAuditWriteFailed))

	got, err := f.service.GetAuthorization(ctx, auth.ID)
	require.NoError(t, err)
	assert.Equal(t, authorization.StatusDraft, got.Status)
	assert.Nil(t, got.SubmittedAt)
}

func TestSubmitToPayerRequiresPending(t *testing.T) {
	f := newFixture(t)
	ctx := clinicianCtx(day0)
	auth := f.mustCreate(t, ctx)

	_, err := f.service.SubmitToPayer(ctx, auth.ID, "acme-health")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidTransition))

	// No external request was attempted for a draft.
	reqs, err := f.requests.ListByAuthorization(ctx, auth.ID)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := clinicianCtx(day0)

	t.Run("missing actor", func(t *testing.T) {
		_, err := f.service.CreateAuthorization(requestcontext.WithTime(context.Background(), day0), createInput())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	t.Run("missing justification", func(t *testing.T) {
		input := createInput()
		input.Justification = ""
		_, err := f.service.CreateAuthorization(ctx, input)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("duplicate id", func(t *testing.T) {
		f.mustCreate(t, ctx)
		_, err := f.service.CreateAuthorization(ctx, createInput())
		require.Error(t, err)
	})
}
