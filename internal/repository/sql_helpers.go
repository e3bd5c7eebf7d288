package repository

import (
	"context"
	"errors"
	"fmt"

	convosync_errors "convosync/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX abstracts *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// mapErr converts driver errors into sentinel errors.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return convosync_errors.ErrNotFound
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %v", convosync_errors.ErrAlreadyExists, err)
	}
	return err
}

// WithTx executes fn inside a transaction. If db is already a pgx.Tx, fn runs
// in a nested savepoint.
func WithTx(ctx context.Context, db DBTX, fn func(pgx.Tx) error) error {
	if db == nil {
		return errors.New("database not initialized")
	}
	var (
		tx  pgx.Tx
		err error
	)
	switch d := db.(type) {
	case pgx.Tx:
		tx, err = d.Begin(ctx)
	case *pgxpool.Pool:
		tx, err = d.Begin(ctx)
	default:
		return errors.New("unsupported db type")
	}
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("tx error: %v (rollback error: %w)", err, rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}
