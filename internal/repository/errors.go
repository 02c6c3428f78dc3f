package repository

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrAccountNotFound       = errors.New("account not found")
	ErrAssetTypeNotFound     = errors.New("asset type not found")
	ErrVersionConflict       = errors.New("account version changed since it was read")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrTransactionNotPending = errors.New("transaction is not pending")
)

// Retry reasons reported by RetryReason.
const (
	ReasonDeadlock      = "deadlock"
	ReasonLockTimeout   = "lock_timeout"
	ReasonSerialization = "serialization"
	ReasonDuplicateKey  = "duplicate_key"
	ReasonBusy          = "busy"
)

const idempotencyKeyColumn = "idempotency_key"

// RetryReason reports whether err is a transient conflict that is worth running the
// whole database transaction again for, and which kind it was. A unique violation
// only counts when it is on an idempotency key: that is the race where a concurrent
// request with the same key committed first, and the retry will replay its result.
func RetryReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case 1213:
			return ReasonDeadlock, true
		case 1205:
			return ReasonLockTimeout, true
		case 1062:
			if strings.Contains(me.Message, idempotencyKeyColumn) {
				return ReasonDuplicateKey, true
			}
		}
		return "", false
	}

	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "40001":
			return ReasonSerialization, true
		case "40P01":
			return ReasonDeadlock, true
		case "55P03":
			return ReasonLockTimeout, true
		case "23505":
			if strings.Contains(pe.ConstraintName, idempotencyKeyColumn) {
				return ReasonDuplicateKey, true
			}
		}
		return "", false
	}

	// sqlite, matched on message to keep the cgo driver out of this package
	msg := err.Error()
	switch {
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "database table is locked"):
		return ReasonBusy, true
	case strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, idempotencyKeyColumn):
		return ReasonDuplicateKey, true
	}
	return "", false
}

func IsRetryable(err error) bool {
	_, ok := RetryReason(err)
	return ok
}
