package workflow

import (
	"context"
	"database/sql"
	"fmt"

	txcontext "priorauth/pkg/platform/tx"
)

// TxRunner wraps an operation in one storage transaction. The entity
// mutation and every audit record it produces either all commit or all
// roll back.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SQLTxRunner runs operations on a database/sql transaction injected into
// context, where the stores pick it up.
type SQLTxRunner struct {
	db *sql.DB
}

func NewSQLTxRunner(db *sql.DB) *SQLTxRunner {
	return &SQLTxRunner{db: db}
}

func (r *SQLTxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(txcontext.WithTx(ctx, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// PassthroughTxRunner backs the in-memory stores, which have no
// transactions; atomicity there comes from the per-authorization lock plus
// the machine's copy-then-swap update.
type PassthroughTxRunner struct{}

func (PassthroughTxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
