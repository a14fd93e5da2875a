package service

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/coldchain/coldchain-ledger/internal/ledger"
)

type AppError struct {
	HTTPStatus int
	Code       string
	Message    string
	Retryable  bool
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func NewAppError(status int, code, msg string, retryable bool, cause error) *AppError {
	return &AppError{
		HTTPStatus: status,
		Code:       code,
		Message:    msg,
		Retryable:  retryable,
		Cause:      cause,
	}
}

func IsCode(err error, code string) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

func Internal(msg string, cause error) *AppError {
	return NewAppError(http.StatusInternalServerError, "INTERNAL_ERROR", msg, true, cause)
}

func BadRequest(msg string) *AppError {
	return NewAppError(http.StatusBadRequest, "INVALID_ARGUMENT", msg, false, nil)
}

// FromLedgerError maps engine failures onto API errors. Anything that is not
// a typed ledger failure is treated as a retryable internal error.
func FromLedgerError(msg string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	var lerr *ledger.Error
	if !errors.As(err, &lerr) {
		return Internal(msg, err)
	}
	switch {
	case errors.Is(err, ledger.ErrUnauthorized):
		return NewAppError(http.StatusForbidden, "UNAUTHORIZED", lerr.Message, false, err)
	case errors.Is(err, ledger.ErrNotFound):
		return NewAppError(http.StatusNotFound, "BATCH_NOT_FOUND", lerr.Message, false, err)
	case errors.Is(err, ledger.ErrInvalidArgument):
		return NewAppError(http.StatusBadRequest, "INVALID_ARGUMENT", lerr.Message, false, err)
	}
	return Internal(msg, err)
}

// ErrorCode returns the API code for err, or "ok" when err is nil.
func ErrorCode(err error) string {
	if err == nil {
		return "ok"
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "INTERNAL_ERROR"
}
