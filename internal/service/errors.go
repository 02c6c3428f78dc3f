package service

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind tags every failure the service layer reports.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidTransaction
	KindValidation
	KindAccountNotFound
	KindAssetTypeNotFound
	KindTransactionNotFound
	KindInsufficientBalance
	KindDuplicateRequest
	KindConcurrency
	KindIdempotencyKeyRequired
)

// Code is the stable machine-readable name of the kind.
func (k Kind) Code() string {
	switch k {
	case KindInvalidTransaction:
		return "INVALID_TRANSACTION"
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindAccountNotFound:
		return "ACCOUNT_NOT_FOUND"
	case KindAssetTypeNotFound:
		return "ASSET_TYPE_NOT_FOUND"
	case KindTransactionNotFound:
		return "TRANSACTION_NOT_FOUND"
	case KindInsufficientBalance:
		return "INSUFFICIENT_BALANCE"
	case KindDuplicateRequest:
		return "DUPLICATE_REQUEST"
	case KindConcurrency:
		return "CONCURRENCY_ERROR"
	case KindIdempotencyKeyRequired:
		return "IDEMPOTENCY_KEY_REQUIRED"
	default:
		return "INTERNAL_ERROR"
	}
}

// Status is the HTTP status class of the kind.
func (k Kind) Status() int {
	switch k {
	case KindInvalidTransaction, KindValidation, KindInsufficientBalance, KindIdempotencyKeyRequired:
		return http.StatusBadRequest
	case KindAccountNotFound, KindAssetTypeNotFound, KindTransactionNotFound:
		return http.StatusNotFound
	case KindDuplicateRequest, KindConcurrency:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) String() string {
	return k.Code()
}

type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind carried by err, KindInternal for untagged errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}

func ErrInvalidTransaction(reason string) *Error {
	return newError(KindInvalidTransaction, reason, nil)
}

func ErrValidation(reason string) *Error {
	return newError(KindValidation, reason, nil)
}

func ErrIdempotencyKeyRequired() *Error {
	return newError(KindIdempotencyKeyRequired, "Idempotency-Key header is required for this operation", nil)
}

func ErrDuplicateRequest(key string) *Error {
	return newError(KindDuplicateRequest, fmt.Sprintf("request with idempotency key %s is already in progress", key), nil)
}

func ErrConcurrency(cause error) *Error {
	return newError(KindConcurrency, "transaction failed due to concurrent modification, please retry", cause)
}
