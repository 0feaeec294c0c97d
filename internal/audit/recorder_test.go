package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "priorauth/pkg/domain"
	dErrors "priorauth/pkg/domain-errors"
	"priorauth/pkg/requestcontext"
)

func testEntry(entityID string, op Operation) Entry {
	return Entry{
		Actor:         id.ActorID("dr-house"),
		EntityType:    EntityAuthorization,
		EntityID:      entityID,
		Operation:     op,
		After:         Snapshot{"status": "pending"},
		CorrelationID: id.NewCorrelationID(),
	}
}

func TestRecorder_AssignsGapFreeSequencePerStream(t *testing.T) {
	store := NewInMemoryStore()
	recorder := NewRecorder(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := recorder.Record(ctx, testEntry("PA-1", OpTransition))
		require.NoError(t, err)
	}
	_, err := recorder.Record(ctx, testEntry("PA-2", OpCreate))
	require.NoError(t, err)

	records, err := recorder.List(ctx, Filter{EntityType: EntityAuthorization, EntityID: "PA-1"})
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, r := range records {
		assert.Equal(t, int64(i+1), r.Seq, "sequence must be gap-free per entity stream")
	}

	records, err = recorder.List(ctx, Filter{EntityType: EntityAuthorization, EntityID: "PA-2"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0].Seq)
}

func TestRecorder_SnapshotsAreDeepCopied(t *testing.T) {
	store := NewInMemoryStore()
	recorder := NewRecorder(store)
	ctx := context.Background()

	after := Snapshot{"status": "pending", "cpt_codes": []string{"99213"}}
	entry := testEntry("PA-1", OpUpdate)
	entry.After = after

	_, err := recorder.Record(ctx, entry)
	require.NoError(t, err)

	// Mutating the caller's snapshot after recording must not leak into
	// the stored record.
	after["status"] = "approved"
	after["cpt_codes"].([]string)[0] = "00000"

	records, err := recorder.List(ctx, Filter{EntityID: "PA-1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "pending", records[0].After["status"])
	assert.Equal(t, []string{"99213"}, records[0].After["cpt_codes"])
}

func TestRecorder_StoreFailureSurfacesAuditWriteFailed(t *testing.T) {
	store := NewInMemoryStore()
	store.FailNext = errors.New("disk full")
	recorder := NewRecorder(store)

	_, err := recorder.Record(context.Background(), testEntry("PA-1", OpTransition))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeAuditWriteFailed))

	records, listErr := recorder.List(context.Background(), Filter{})
	require.NoError(t, listErr)
	assert.Empty(t, records, "failed append must not leave a partial record")
}

func TestRecorder_RejectsMalformedEntries(t *testing.T) {
	recorder := NewRecorder(NewInMemoryStore())
	ctx := context.Background()

	entry := testEntry("PA-1", OpTransition)
	entry.Actor = ""
	_, err := recorder.Record(ctx, entry)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))

	entry = testEntry("", OpTransition)
	_, err = recorder.Record(ctx, entry)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))

	entry = testEntry("PA-1", Operation("upsert"))
	_, err = recorder.Record(ctx, entry)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func TestRecorder_ListFilters(t *testing.T) {
	store := NewInMemoryStore()
	recorder := NewRecorder(store)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, op := range []Operation{OpCreate, OpTransition, OpTransition} {
		ctx := requestcontext.WithTime(context.Background(), base.Add(time.Duration(i)*time.Hour))
		entry := testEntry("PA-1", op)
		if i == 2 {
			entry.Actor = id.SystemActor
		}
		_, err := recorder.Record(ctx, entry)
		require.NoError(t, err)
	}

	records, err := recorder.List(context.Background(), Filter{Operation: OpTransition})
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = recorder.List(context.Background(), Filter{Actor: id.SystemActor})
	require.NoError(t, err)
	assert.Len(t, records, 1)

	records, err = recorder.List(context.Background(), Filter{
		From: base.Add(30 * time.Minute),
		To:   base.Add(90 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(2), records[0].Seq)
}

func TestRecorder_UsesContextTime(t *testing.T) {
	recorder := NewRecorder(NewInMemoryStore())
	fixed := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithTime(context.Background(), fixed)

	record, err := recorder.Record(ctx, testEntry("PA-1", OpCreate))
	require.NoError(t, err)
	assert.Equal(t, fixed, record.Timestamp)
}
