package authorization

import (
	"context"
	"time"

	id "priorauth/pkg/domain"
)

// Store persists authorizations. There is deliberately no Delete: retired
// authorizations are expired or archived, never removed, because the audit
// trail references them.
//
// Update must enforce optimistic versioning: a write whose Version does not
// match the stored row fails with sentinel.ErrConflict.
type Store interface {
	Create(ctx context.Context, auth *Authorization) error
	Get(ctx context.Context, authID id.AuthorizationID) (*Authorization, error)
	Update(ctx context.Context, auth *Authorization) error

	// ListExpiryCandidates returns ids of authorizations that are pending
	// or in review, not expiry-exempt, and were submitted at or before the
	// cutoff. The sweep re-checks each one under its lock before expiring.
	ListExpiryCandidates(ctx context.Context, cutoff time.Time) ([]id.AuthorizationID, error)
}
