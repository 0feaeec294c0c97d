// Package postgres implements the external request log on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"priorauth/internal/connector"
	id "priorauth/pkg/domain"
	txcontext "priorauth/pkg/platform/tx"
)

// Store implements connector.RequestStore. The table is append-only; rows
// record attempts that already happened and are never revised.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *Store) Append(ctx context.Context, req connector.ExternalRequest) error {
	query := `
		INSERT INTO external_requests (
			id, connector_id, authorization_id, operation, payload_hash,
			response_status, retry_count, outcome, correlation_id, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.execer(ctx).ExecContext(ctx, query,
		req.ID,
		req.ConnectorID,
		req.AuthorizationID.String(),
		string(req.Operation),
		req.PayloadHash,
		req.ResponseStatus,
		req.RetryCount,
		string(req.Outcome),
		req.CorrelationID.String(),
		req.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert external request: %w", err)
	}
	return nil
}

func (s *Store) ListByAuthorization(ctx context.Context, authID id.AuthorizationID) ([]connector.ExternalRequest, error) {
	query := `
		SELECT id, connector_id, authorization_id, operation, payload_hash,
		       response_status, retry_count, outcome, correlation_id, timestamp
		FROM external_requests
		WHERE authorization_id = $1
		ORDER BY timestamp ASC`

	rows, err := s.execer(ctx).QueryContext(ctx, query, authID.String())
	if err != nil {
		return nil, fmt.Errorf("query external requests: %w", err)
	}
	defer rows.Close()

	var out []connector.ExternalRequest
	for rows.Next() {
		var (
			req            connector.ExternalRequest
			authRaw        string
			opRaw          string
			outcomeRaw     string
			correlationRaw string
		)
		if err := rows.Scan(
			&req.ID,
			&req.ConnectorID,
			&authRaw,
			&opRaw,
			&req.PayloadHash,
			&req.ResponseStatus,
			&req.RetryCount,
			&outcomeRaw,
			&correlationRaw,
			&req.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan external request: %w", err)
		}
		req.AuthorizationID = id.AuthorizationID(authRaw)
		req.Operation = connector.Operation(opRaw)
		req.Outcome = connector.Outcome(outcomeRaw)
		cid, err := id.ParseCorrelationID(correlationRaw)
		if err != nil {
			return nil, fmt.Errorf("parse correlation id: %w", err)
		}
		req.CorrelationID = cid
		out = append(out, req)
	}
	return out, rows.Err()
}
