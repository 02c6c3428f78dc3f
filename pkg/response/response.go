package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess     = 0
	CodeParamError  = 400
	CodeNotFound    = 404
	CodeServerError = 500
	CodeUnavailable = 503
)

// Business codes, one per wallet failure kind.
const (
	CodeInvalidTransaction     = 1001
	CodeValidation             = 1002
	CodeAccountNotFound        = 1003
	CodeAssetTypeNotFound      = 1004
	CodeTransactionNotFound    = 1005
	CodeInsufficientBalance    = 1006
	CodeDuplicateRequest       = 1007
	CodeConcurrency            = 1008
	CodeIdempotencyKeyRequired = 1009
)

type Response struct {
	Code    int         `json:"code"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Created answers 201 with the new resource.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    CodeSuccess,
		Message: "created",
		Data:    data,
	})
}

// Fail writes an error envelope with the given HTTP status and aborts the chain.
// errorCode is the stable machine-readable name, e.g. INSUFFICIENT_BALANCE.
func Fail(c *gin.Context, status, code int, errorCode, message string) {
	c.AbortWithStatusJSON(status, Response{
		Code:    code,
		Error:   errorCode,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Fail(c, http.StatusBadRequest, CodeParamError, "VALIDATION_ERROR", message)
}

func NotFound(c *gin.Context, message string) {
	Fail(c, http.StatusNotFound, CodeNotFound, "NOT_FOUND", message)
}

func ServerError(c *gin.Context, message string) {
	Fail(c, http.StatusInternalServerError, CodeServerError, "INTERNAL_ERROR", message)
}
