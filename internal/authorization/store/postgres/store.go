package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"priorauth/internal/authorization"
	"priorauth/internal/crypto"
	id "priorauth/pkg/domain"
	"priorauth/pkg/platform/sentinel"
	txcontext "priorauth/pkg/platform/tx"
)

// Store implements authorization.Store on PostgreSQL. Writes run on the
// caller's transaction when one is present in context so the row update
// and its audit record commit atomically.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL authorization store.
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

func (s *Store) Create(ctx context.Context, auth *authorization.Authorization) error {
	cpt, icd, docs, just, err := encodeColumns(auth)
	if err != nil {
		return err
	}
	auth.Version = 1
	query := `
		INSERT INTO authorizations (
			id, patient_id, insurance_id, cpt_codes, icd10_codes,
			treatment_type, justification, status, submitted_at, decided_at,
			appealed_at, appeal_deadline, expiry_exempt, archived,
			document_ids, created_at, updated_at, version
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := s.execer(ctx).ExecContext(ctx, query,
		auth.ID.String(), uuid.UUID(auth.PatientID), uuid.UUID(auth.InsuranceID),
		cpt, icd, auth.TreatmentType, just, string(auth.Status),
		auth.SubmittedAt, auth.DecidedAt, auth.AppealedAt, auth.AppealDeadline,
		auth.ExpiryExempt, auth.Archived, docs, auth.CreatedAt, auth.UpdatedAt,
		auth.Version,
	)
	if err != nil {
		return fmt.Errorf("insert authorization: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *Store) Get(ctx context.Context, authID id.AuthorizationID) (*authorization.Authorization, error) {
	query := `
		SELECT id, patient_id, insurance_id, cpt_codes, icd10_codes,
		       treatment_type, justification, status, submitted_at, decided_at,
		       appealed_at, appeal_deadline, expiry_exempt, archived,
		       document_ids, created_at, updated_at, version
		FROM authorizations
		WHERE id = $1
	`
	row := s.execer(ctx).QueryRowContext(ctx, query, authID.String())
	auth, err := scanAuthorization(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get authorization: %w", err)
	}
	return auth, nil
}

// Update writes the row guarded by the optimistic version check. A zero
// affected-row count means the version moved underneath the caller.
func (s *Store) Update(ctx context.Context, auth *authorization.Authorization) error {
	cpt, icd, docs, just, err := encodeColumns(auth)
	if err != nil {
		return err
	}
	query := `
		UPDATE authorizations
		SET status = $2, submitted_at = $3, decided_at = $4, appealed_at = $5,
		    appeal_deadline = $6, expiry_exempt = $7, archived = $8,
		    cpt_codes = $9, icd10_codes = $10, treatment_type = $11,
		    justification = $12, document_ids = $13, updated_at = $14,
		    version = version + 1
		WHERE id = $1 AND version = $15
	`
	res, err := s.execer(ctx).ExecContext(ctx, query,
		auth.ID.String(), string(auth.Status), auth.SubmittedAt, auth.DecidedAt,
		auth.AppealedAt, auth.AppealDeadline, auth.ExpiryExempt, auth.Archived,
		cpt, icd, auth.TreatmentType, just, docs, auth.UpdatedAt, auth.Version,
	)
	if err != nil {
		return fmt.Errorf("update authorization: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update authorization: %w", err)
	}
	if n == 0 {
		return sentinel.ErrConflict
	}
	auth.Version++
	return nil
}

func (s *Store) ListExpiryCandidates(ctx context.Context, cutoff time.Time) ([]id.AuthorizationID, error) {
	query := `
		SELECT id
		FROM authorizations
		WHERE status IN ('pending', 'in_review')
		  AND expiry_exempt = FALSE
		  AND submitted_at IS NOT NULL
		  AND submitted_at <= $1
		ORDER BY submitted_at ASC
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query expiry candidates: %w", err)
	}
	defer rows.Close()

	var out []id.AuthorizationID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan expiry candidate: %w", err)
		}
		authID, err := id.ParseAuthorizationID(raw)
		if err != nil {
			return nil, fmt.Errorf("stored authorization id invalid: %w", err)
		}
		out = append(out, authID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expiry candidates: %w", err)
	}
	return out, nil
}

func encodeColumns(auth *authorization.Authorization) (cpt, icd, docs, just []byte, err error) {
	if cpt, err = json.Marshal(auth.CPTCodes); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal cpt codes: %w", err)
	}
	if icd, err = json.Marshal(auth.ICD10Codes); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal icd10 codes: %w", err)
	}
	if docs, err = json.Marshal(auth.DocumentIDs); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal document ids: %w", err)
	}
	if just, err = json.Marshal(auth.Justification); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal justification: %w", err)
	}
	return cpt, icd, docs, just, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuthorization(row rowScanner) (*authorization.Authorization, error) {
	var (
		auth                 authorization.Authorization
		rawID, status        string
		patientID, insurance uuid.UUID
		cpt, icd, docs, just []byte

		submitted, decided, appealed, deadline sql.NullTime
	)
	err := row.Scan(
		&rawID, &patientID, &insurance, &cpt, &icd,
		&auth.TreatmentType, &just, &status, &submitted, &decided,
		&appealed, &deadline, &auth.ExpiryExempt, &auth.Archived,
		&docs, &auth.CreatedAt, &auth.UpdatedAt, &auth.Version,
	)
	if err != nil {
		return nil, err
	}
	auth.SubmittedAt = timePtr(submitted)
	auth.DecidedAt = timePtr(decided)
	auth.AppealedAt = timePtr(appealed)
	auth.AppealDeadline = timePtr(deadline)
	auth.ID = id.AuthorizationID(rawID)
	auth.PatientID = id.PatientID(patientID)
	auth.InsuranceID = id.InsuranceID(insurance)
	auth.Status = authorization.Status(status)
	if err := json.Unmarshal(cpt, &auth.CPTCodes); err != nil {
		return nil, fmt.Errorf("decode cpt codes: %w", err)
	}
	if err := json.Unmarshal(icd, &auth.ICD10Codes); err != nil {
		return nil, fmt.Errorf("decode icd10 codes: %w", err)
	}
	if err := json.Unmarshal(docs, &auth.DocumentIDs); err != nil {
		return nil, fmt.Errorf("decode document ids: %w", err)
	}
	if len(just) > 0 && string(just) != "null" {
		var field crypto.EncryptedField
		if err := json.Unmarshal(just, &field); err != nil {
			return nil, fmt.Errorf("decode justification: %w", err)
		}
		auth.Justification = field
	}
	return &auth, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
