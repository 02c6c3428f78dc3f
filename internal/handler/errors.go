package handler

import (
	"errors"
	"strings"

	"coinledger/internal/service"
	"coinledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var businessCodes = map[service.Kind]int{
	service.KindInvalidTransaction:     response.CodeInvalidTransaction,
	service.KindValidation:             response.CodeValidation,
	service.KindAccountNotFound:        response.CodeAccountNotFound,
	service.KindAssetTypeNotFound:      response.CodeAssetTypeNotFound,
	service.KindTransactionNotFound:    response.CodeTransactionNotFound,
	service.KindInsufficientBalance:    response.CodeInsufficientBalance,
	service.KindDuplicateRequest:       response.CodeDuplicateRequest,
	service.KindConcurrency:            response.CodeConcurrency,
	service.KindIdempotencyKeyRequired: response.CodeIdempotencyKeyRequired,
}

// fail maps a service error onto the envelope. Internal causes are logged and
// hidden from the caller.
func (h *Handler) fail(c *gin.Context, err error) {
	kind := service.KindOf(err)
	code, ok := businessCodes[kind]
	if !ok {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		response.ServerError(c, "an unexpected error occurred")
		return
	}

	var se *service.Error
	message := err.Error()
	if errors.As(err, &se) {
		message = se.Message
	}
	if kind == service.KindConcurrency {
		h.logger.Warn("Transaction gave up on contention", zap.String("path", c.FullPath()), zap.Error(err))
	}
	response.Fail(c, kind.Status(), code, kind.Code(), message)
}

// bindMessage turns binding errors into one readable line.
func bindMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request body: " + err.Error()
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fieldMessage(fe))
	}
	return strings.Join(parts, "; ")
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "uuid":
		return field + " must be a valid UUID"
	case "amount":
		return field + " must be a positive decimal with up to 2 decimal places"
	case "max":
		return field + " must be at most " + fe.Param() + " characters"
	default:
		return field + " is invalid"
	}
}
