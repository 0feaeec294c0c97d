package audit

import "context"

// Store persists audit records. Implementations are append-only: there is
// no update or delete, and Append must assign the next gap-free sequence
// number for the record's entity stream.
//
// Stores are interface-driven so services stay testable and the in-memory
// and Postgres implementations swap without rewiring business code.
type Store interface {
	Append(ctx context.Context, record *Record) error
	List(ctx context.Context, filter Filter) ([]Record, error)
}
