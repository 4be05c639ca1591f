// Package errors defines the service error envelope returned over HTTP.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable machine-readable error identifier.
type ErrorCode string

const (
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeConflict          ErrorCode = "CONFLICT"
	CodeInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS"
	CodeRateLimited       ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeMisconfigured     ErrorCode = "MISCONFIGURED"
	CodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// ServiceError carries an error code, a client-safe message and the HTTP status to use.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails attaches a detail key to the error and returns it.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New constructs a ServiceError.
func New(code ErrorCode, status int, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

func InvalidInput(message string, err error) *ServiceError {
	return New(CodeInvalidInput, http.StatusBadRequest, message, err)
}

func NotFound(resource, id string) *ServiceError {
	return New(CodeNotFound, http.StatusNotFound, fmt.Sprintf("%s not found", resource), nil).
		WithDetails("id", id)
}

func Conflict(message string, err error) *ServiceError {
	return New(CodeConflict, http.StatusConflict, message, err)
}

func InsufficientFunds(err error) *ServiceError {
	return New(CodeInsufficientFunds, http.StatusPaymentRequired, "insufficient funds", err)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded", nil).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

func Unauthorized(message string) *ServiceError {
	return New(CodeUnauthorized, http.StatusUnauthorized, message, nil)
}

func InvalidToken(err error) *ServiceError {
	return New(CodeUnauthorized, http.StatusUnauthorized, "invalid or expired token", err)
}

func Forbidden(message string) *ServiceError {
	return New(CodeForbidden, http.StatusForbidden, message, nil)
}

func Misconfigured(message string, err error) *ServiceError {
	return New(CodeMisconfigured, http.StatusInternalServerError, message, err)
}

func Internal(message string, err error) *ServiceError {
	return New(CodeInternal, http.StatusInternalServerError, message, err)
}

// GetServiceError extracts a ServiceError from the chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}
