//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"priorauth/internal/audit"
	"priorauth/internal/audit/store/postgres"
	id "priorauth/pkg/domain"
	txcontext "priorauth/pkg/platform/tx"
	"priorauth/pkg/testutil/containers"
)

type PostgresAuditSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *postgres.Store
}

func TestPostgresAuditSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresAuditSuite))
}

func (s *PostgresAuditSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = postgres.New(s.postgres.DB)
}

func (s *PostgresAuditSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateAll(context.Background()))
}

func newTestRecord(entityID string, op audit.Operation) *audit.Record {
	return &audit.Record{
		ID:            uuid.New(),
		Timestamp:     time.Now().UTC().Truncate(time.Microsecond),
		Actor:         "dr-osei",
		EntityType:    audit.EntityAuthorization,
		EntityID:      entityID,
		Operation:     op,
		After:         audit.Snapshot{"status": "draft"},
		CorrelationID: id.NewCorrelationID(),
	}
}

func (s *PostgresAuditSuite) TestAppendAssignsGapFreeSequencePerStream() {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := newTestRecord("PA-2026-000001", audit.OpTransition)
		s.Require().NoError(s.store.Append(ctx, rec))
		s.EqualValues(i+1, rec.Seq)
	}

	// A different entity stream starts its own sequence at 1.
	other := newTestRecord("PA-2026-000002", audit.OpCreate)
	s.Require().NoError(s.store.Append(ctx, other))
	s.EqualValues(1, other.Seq)

	records, err := s.store.List(ctx, audit.Filter{
		EntityType: audit.EntityAuthorization,
		EntityID:   "PA-2026-000001",
	})
	s.Require().NoError(err)
	s.Require().Len(records, 3)
	for i, rec := range records {
		s.EqualValues(i+1, rec.Seq)
	}
}

func (s *PostgresAuditSuite) TestAppendRoundTrip() {
	ctx := context.Background()
	rec := newTestRecord("PA-2026-000003", audit.OpCreate)
	rec.Before = nil
	rec.After = audit.Snapshot{
		"status":            "draft",
		"justification_ref": "phi:v1:authorization/PA-2026-000003/justification",
	}
	s.Require().NoError(s.store.Append(ctx, rec))

	records, err := s.store.List(ctx, audit.Filter{EntityID: "PA-2026-000003"})
	s.Require().NoError(err)
	s.Require().Len(records, 1)

	got := records[0]
	s.Equal(rec.ID, got.ID)
	s.Equal(rec.Actor, got.Actor)
	s.Equal(rec.EntityType, got.EntityType)
	s.Equal(rec.Operation, got.Operation)
	s.Equal(rec.CorrelationID, got.CorrelationID)
	s.Nil(got.Before)
	s.Equal("phi:v1:authorization/PA-2026-000003/justification", got.After["justification_ref"])
	s.WithinDuration(rec.Timestamp, got.Timestamp, time.Millisecond)
}

func (s *PostgresAuditSuite) TestListFilters() {
	ctx := context.Background()

	create := newTestRecord("PA-2026-000010", audit.OpCreate)
	s.Require().NoError(s.store.Append(ctx, create))
	transition := newTestRecord("PA-2026-000010", audit.OpTransition)
	s.Require().NoError(s.store.Append(ctx, transition))
	read := newTestRecord("field/justification", audit.OpRead)
	read.EntityType = audit.EntityPHIField
	read.Actor = "billing-bot"
	s.Require().NoError(s.store.Append(ctx, read))

	byOp, err := s.store.List(ctx, audit.Filter{Operation: audit.OpTransition})
	s.Require().NoError(err)
	s.Require().Len(byOp, 1)
	s.Equal(transition.ID, byOp[0].ID)

	byActor, err := s.store.List(ctx, audit.Filter{Actor: "billing-bot"})
	s.Require().NoError(err)
	s.Require().Len(byActor, 1)
	s.Equal(audit.EntityPHIField, byActor[0].EntityType)

	byWindow, err := s.store.List(ctx, audit.Filter{
		From: time.Now().UTC().Add(time.Hour),
	})
	s.Require().NoError(err)
	s.Empty(byWindow)

	all, err := s.store.List(ctx, audit.Filter{})
	s.Require().NoError(err)
	s.Len(all, 3)
}

func (s *PostgresAuditSuite) TestAppendJoinsCallerTransaction() {
	ctx := context.Background()

	tx, err := s.postgres.DB.BeginTx(ctx, nil)
	s.Require().NoError(err)
	txCtx := txcontext.WithTx(ctx, tx)

	rec := newTestRecord("PA-2026-000020", audit.OpCreate)
	s.Require().NoError(s.store.Append(txCtx, rec))
	s.Require().NoError(tx.Rollback())

	// The rolled-back append leaves no trace.
	records, err := s.store.List(ctx, audit.Filter{EntityID: "PA-2026-000020"})
	s.Require().NoError(err)
	s.Empty(records)

	// The stream restarts at 1 because nothing was committed.
	again := newTestRecord("PA-2026-000020", audit.OpCreate)
	s.Require().NoError(s.store.Append(ctx, again))
	s.EqualValues(1, again.Seq)
}
