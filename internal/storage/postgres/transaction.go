package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"
)

type ctxKey string

const txKey ctxKey = "tx"

const lockContentTables = `LOCK TABLE users, series, tags, articles, article_tags IN EXCLUSIVE MODE`

type TransactionManager struct {
	db *sqlx.DB
}

func NewTransactionManager(db *sqlx.DB) *TransactionManager {
	return &TransactionManager{db: db}
}

// WithTransaction runs fn in a transaction carried by ctx. A nested call
// joins the outer transaction.
func (tm *TransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return tm.run(ctx, false, fn)
}

// WithExclusiveTransaction blocks concurrent writers to the content tables
// until fn returns. Readers are not blocked.
func (tm *TransactionManager) WithExclusiveTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return tm.run(ctx, true, fn)
}

func (tm *TransactionManager) run(ctx context.Context, exclusive bool, fn func(ctx context.Context) error) error {
	if tx := GetTxFromContext(ctx); tx != nil {
		if exclusive {
			if _, err := tx.ExecContext(ctx, lockContentTables); err != nil {
				return wrapErr("lock content tables", err)
			}
		}
		return fn(ctx)
	}

	tx, err := tm.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("begin transaction", err)
	}

	if exclusive {
		if _, err := tx.ExecContext(ctx, lockContentTables); err != nil {
			_ = tx.Rollback()
			return wrapErr("lock content tables", err)
		}
	}

	txCtx := context.WithValue(ctx, txKey, tx)

	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return wrapErr("commit transaction", tx.Commit())
}

func GetTxFromContext(ctx context.Context) *sqlx.Tx {
	tx, _ := ctx.Value(txKey).(*sqlx.Tx)
	return tx
}

func GetExecutor(ctx context.Context, db *sqlx.DB) sqlx.ExtContext {
	if tx := GetTxFromContext(ctx); tx != nil {
		return tx
	}
	return db
}
