package repository

import (
	"context"
	"database/sql"
	"time"

	"gorm.io/gorm"
)

// TxOptions bounds one database transaction.
type TxOptions struct {
	Isolation sql.IsolationLevel
	// MaxWait caps the time spent waiting for a pooled connection.
	MaxWait time.Duration
	// Timeout caps the time between BEGIN and COMMIT.
	Timeout time.Duration
}

type TxManager interface {
	WithTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error
}

type txKey struct{}

type TransactionManager struct {
	db *gorm.DB
}

func NewTransactionManager(db *gorm.DB) *TransactionManager {
	return &TransactionManager{db: db}
}

// WithTx runs fn inside one database transaction. Repositories called with the ctx
// handed to fn join that transaction through GetTx. fn returning an error rolls back.
func (tm *TransactionManager) WithTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error {
	waitCtx := ctx
	if opts.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.MaxWait)
		defer cancel()
	}

	execCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	return tm.db.WithContext(waitCtx).Connection(func(conn *gorm.DB) error {
		return conn.WithContext(execCtx).Transaction(func(tx *gorm.DB) error {
			return fn(context.WithValue(execCtx, txKey{}, tx))
		}, &sql.TxOptions{Isolation: opts.Isolation})
	})
}

// GetTx returns the transaction bound to ctx, or db when there is none.
func GetTx(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}
