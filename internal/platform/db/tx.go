package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTxKey holds the active pgx.Tx for the request when a TxRunner is in control.
const DBTxKey contextKey = "db_tx"

// TxFromContext retrieves the transaction started by TxRunner.InTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx returns a copy of ctx carrying tx. Repositories resolve their
// connection through TxFromContext first, so every call made with the
// returned context joins tx.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, DBTxKey, tx)
}

// Transactor is the part of TxRunner that services depend on.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TxRunner runs callbacks inside a single database transaction. The
// transaction is opened on the tenant-scoped connection when one is present
// in the context so that search_path applies to every statement.
type TxRunner struct {
	pool    *pgxpool.Pool
	options pgx.TxOptions
}

func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{
		pool:    pool,
		options: pgx.TxOptions{IsoLevel: pgx.ReadCommitted},
	}
}

// InTx commits when fn returns nil and rolls back otherwise. A nested call
// reuses the outer transaction.
func (r *TxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	var tx pgx.Tx
	if conn := ConnFromContext(ctx); conn != nil {
		tx, err = conn.BeginTx(ctx, r.options)
	} else {
		tx, err = r.pool.BeginTx(ctx, r.options)
	}
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	if err = fn(WithTx(ctx, tx)); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
