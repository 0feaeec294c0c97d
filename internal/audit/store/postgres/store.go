package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"priorauth/internal/audit"
	id "priorauth/pkg/domain"
	txcontext "priorauth/pkg/platform/tx"
)

// Store implements audit.Store on PostgreSQL. Appends run on the caller's
// transaction when one is present in context, so the entity mutation and
// its audit record commit or roll back together.
//
// The sequence number is computed inside the insert from the entity's
// stream maximum; callers hold the per-authorization lock while appending,
// which keeps the per-stream sequence gap-free.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Append inserts one audit record, assigning the next sequence number for
// the entity stream. The table has no UPDATE or DELETE path.
func (s *Store) Append(ctx context.Context, record *audit.Record) error {
	before, err := marshalSnapshot(record.Before)
	if err != nil {
		return fmt.Errorf("marshal before snapshot: %w", err)
	}
	after, err := marshalSnapshot(record.After)
	if err != nil {
		return fmt.Errorf("marshal after snapshot: %w", err)
	}

	query := `
		INSERT INTO audit_records (
			id, seq, timestamp, actor, entity_type, entity_id,
			operation, before_snapshot, after_snapshot, correlation_id
		)
		SELECT $1,
		       COALESCE(MAX(seq), 0) + 1,
		       $2, $3, $4, $5, $6, $7, $8, $9
		FROM audit_records
		WHERE entity_type = $4 AND entity_id = $5
		RETURNING seq
	`
	row := s.execer(ctx).QueryRowContext(ctx, query,
		record.ID,
		record.Timestamp,
		string(record.Actor),
		record.EntityType,
		record.EntityID,
		string(record.Operation),
		before,
		after,
		uuid.UUID(record.CorrelationID),
	)
	if err := row.Scan(&record.Seq); err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// List returns records matching the filter, ordered by seq ascending.
func (s *Store) List(ctx context.Context, filter audit.Filter) ([]audit.Record, error) {
	query := `
		SELECT id, seq, timestamp, actor, entity_type, entity_id,
		       operation, before_snapshot, after_snapshot, correlation_id
		FROM audit_records
		WHERE ($1 = '' OR entity_type = $1)
		  AND ($2 = '' OR entity_id = $2)
		  AND ($3 = '' OR actor = $3)
		  AND ($4 = '' OR operation = $4)
		  AND ($5::timestamptz IS NULL OR timestamp >= $5)
		  AND ($6::timestamptz IS NULL OR timestamp <= $6)
		ORDER BY entity_type, entity_id, seq ASC
	`
	var from, to any
	if !filter.From.IsZero() {
		from = filter.From
	}
	if !filter.To.IsZero() {
		to = filter.To
	}

	rows, err := s.execer(ctx).QueryContext(ctx, query,
		filter.EntityType,
		filter.EntityID,
		string(filter.Actor),
		string(filter.Operation),
		from,
		to,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var records []audit.Record
	for rows.Next() {
		var (
			r             audit.Record
			actor         string
			operation     string
			before, after []byte
			correlationID uuid.UUID
		)
		err := rows.Scan(
			&r.ID, &r.Seq, &r.Timestamp, &actor, &r.EntityType, &r.EntityID,
			&operation, &before, &after, &correlationID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.Actor = id.ActorID(actor)
		r.Operation = audit.Operation(operation)
		r.CorrelationID = id.CorrelationID(correlationID)
		if r.Before, err = unmarshalSnapshot(before); err != nil {
			return nil, fmt.Errorf("decode before snapshot: %w", err)
		}
		if r.After, err = unmarshalSnapshot(after); err != nil {
			return nil, fmt.Errorf("decode after snapshot: %w", err)
		}
		records = append(records, r)
		if filter.Limit > 0 && len(records) >= filter.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, nil
}

func marshalSnapshot(s audit.Snapshot) ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	return json.Marshal(s)
}

func unmarshalSnapshot(raw []byte) (audit.Snapshot, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s audit.Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return s, nil
}
