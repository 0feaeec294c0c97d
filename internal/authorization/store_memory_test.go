package authorization

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "priorauth/pkg/domain"
	"priorauth/pkg/platform/sentinel"
)

func TestInMemoryStore_OptimisticVersioning(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	auth := draftAuthorization()
	require.NoError(t, store.Create(ctx, auth))
	assert.ErrorIs(t, store.Create(ctx, draftAuthorization()), sentinel.ErrConflict)

	first, err := store.Get(ctx, auth.ID)
	require.NoError(t, err)
	second, err := store.Get(ctx, auth.ID)
	require.NoError(t, err)

	first.Status = StatusPending
	require.NoError(t, store.Update(ctx, first))

	// The stale copy lost the race and must not overwrite.
	second.Status = StatusExpired
	assert.ErrorIs(t, store.Update(ctx, second), sentinel.ErrConflict)

	current, err := store.Get(ctx, auth.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, current.Status)
}

func TestInMemoryStore_GetReturnsCopy(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	auth := draftAuthorization()
	require.NoError(t, store.Create(ctx, auth))

	got, err := store.Get(ctx, auth.ID)
	require.NoError(t, err)
	got.CPTCodes[0] = "00001"
	got.Status = StatusExpired

	again, err := store.Get(ctx, auth.ID)
	require.NoError(t, err)
	assert.Equal(t, id.CPTCode("99213"), again.CPTCodes[0])
	assert.Equal(t, StatusDraft, again.Status)
}

func TestInMemoryStore_ListExpiryCandidates(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	submitted := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mk := func(authID string, status Status, exempt bool, submittedAt *time.Time) {
		auth := &Authorization{
			ID:           id.AuthorizationID(authID),
			PatientID:    id.PatientID(uuid.New()),
			InsuranceID:  id.InsuranceID(uuid.New()),
			Status:       status,
			ExpiryExempt: exempt,
			SubmittedAt:  submittedAt,
		}
		require.NoError(t, store.Create(ctx, auth))
	}

	late := submitted.AddDate(0, 6, 0)
	mk("PA-OLD-PENDING", StatusPending, false, &submitted)
	mk("PA-OLD-REVIEW", StatusInReview, false, &submitted)
	mk("PA-DECIDED", StatusApproved, true, &submitted)
	mk("PA-FRESH", StatusPending, false, &late)
	mk("PA-DRAFT", StatusDraft, false, nil)

	got, err := store.ListExpiryCandidates(ctx, submitted.AddDate(0, 3, 0))
	require.NoError(t, err)
	assert.ElementsMatch(t, []id.AuthorizationID{"PA-OLD-PENDING", "PA-OLD-REVIEW"}, got)
}
