package ledger

import (
	"errors"
	"fmt"
)

// Failure kinds. Every *Error unwraps to exactly one of these.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Error is a typed, non-retryable failure of a ledger operation. A call that
// returns an *Error has not mutated any state.
type Error struct {
	Kind    error
	Op      string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func unauthorized(op, format string, args ...any) *Error {
	return &Error{Kind: ErrUnauthorized, Op: op, Message: fmt.Sprintf(format, args...)}
}

func notFound(op string, batchID uint64) *Error {
	return &Error{Kind: ErrNotFound, Op: op, Message: fmt.Sprintf("batch %d does not exist", batchID)}
}

func invalidArgument(op, format string, args ...any) *Error {
	return &Error{Kind: ErrInvalidArgument, Op: op, Message: fmt.Sprintf(format, args...)}
}
