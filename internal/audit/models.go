package audit

import (
	"time"

	"github.com/google/uuid"

	id "priorauth/pkg/domain"
)

// Operation classifies what a mutation did to an entity.
type Operation string

const (
	OpCreate     Operation = "create"
	OpRead       Operation = "read"
	OpUpdate     Operation = "update"
	OpDelete     Operation = "delete"
	OpTransition Operation = "transition"
)

// validOperations is the single source of truth for operation kinds.
var validOperations = map[Operation]bool{
	OpCreate:     true,
	OpRead:       true,
	OpUpdate:     true,
	OpDelete:     true,
	OpTransition: true,
}

// IsValid reports whether the operation is one of the defined kinds.
func (o Operation) IsValid() bool { return validOperations[o] }

// Entity types with audited streams.
const (
	EntityAuthorization   = "authorization"
	EntityExternalRequest = "external_request"
	EntityPHIField        = "phi_field"
)

// Snapshot is a point-in-time view of an entity with PHI fields already
// replaced by redaction tokens. Snapshots are deep-copied at capture time;
// a record never aliases live state.
type Snapshot map[string]any

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = cloneValue(inner)
		}
		return out
	case Snapshot:
		return map[string]any(val.Clone())
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = cloneValue(inner)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		// Remaining kinds are value types (strings, numbers, bools, time).
		return val
	}
}

// Entry is what callers hand to the recorder: one mutation, its actor, and
// the redacted before/after snapshots.
type Entry struct {
	Actor         id.ActorID
	EntityType    string
	EntityID      string
	Operation     Operation
	Before        Snapshot
	After         Snapshot
	CorrelationID id.CorrelationID
}

// Record is the immutable, append-only form persisted per mutation.
// Ordering: Seq is monotonic and gap-free per (EntityType, EntityID)
// stream; it is assigned at append while the caller holds the per-entity
// lock, so record order matches the true order of mutations.
type Record struct {
	ID            uuid.UUID
	Seq           int64
	Timestamp     time.Time
	Actor         id.ActorID
	EntityType    string
	EntityID      string
	Operation     Operation
	Before        Snapshot
	After         Snapshot
	CorrelationID id.CorrelationID
}

// Filter selects records for the read-only query surface. Zero values match
// everything. Results are always ordered by Seq ascending.
type Filter struct {
	EntityType string
	EntityID   string
	Actor      id.ActorID
	Operation  Operation
	From       time.Time
	To         time.Time
	Limit      int
}
