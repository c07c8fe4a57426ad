// Package apperror provides structured error handling for the transaction layer.
// Every failure the coordinator surfaces to callers is an *AppError.
package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error codes
const (
	// Infrastructure errors
	CodeInternal      = "INTERNAL_ERROR"
	CodeAcquireFailed = "ACQUIRE_FAILED"
	CodeBeginFailed   = "BEGIN_FAILED"

	// Query lifecycle
	CodeClosedTransaction = "CLOSED_TRANSACTION"
	CodeQueryFailed       = "QUERY_FAILED"
	CodeInvalidQuery      = "INVALID_QUERY"

	// Terminal action (COMMIT / ROLLBACK) failed
	CodeTerminalActionFailed = "TERMINAL_ACTION_FAILED"

	// Caller-level outcomes
	CodeNotFound   = "NOT_FOUND"
	CodeValidation = "VALIDATION_ERROR"
)

// AppError is the standard error type for the module.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (sql, sqlstate, tx id, ...)
	Details map[string]any `json:"details,omitempty"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *AppError with the same code, so package-level
// sentinels such as tx.ErrClosedTransaction match with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions ---

// NewClosedTransaction is returned when a query is issued after the transaction
// stopped accepting work. It is a programming error and is never retried.
func NewClosedTransaction(txID string) *AppError {
	return &AppError{
		Code:    CodeClosedTransaction,
		Message: "transaction is closed, no further queries are accepted",
		Details: map[string]any{"tx_id": txID},
	}
}

// NewQueryFailure wraps a database-reported failure of a single command.
// SQLSTATE and constraint are copied from *pgconn.PgError when present.
func NewQueryFailure(sql string, err error) *AppError {
	appErr := &AppError{
		Code:    CodeQueryFailed,
		Message: "query failed",
		Details: map[string]any{"sql": sql},
		Err:     err,
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		appErr.Details["sqlstate"] = pgErr.Code
		if pgErr.ConstraintName != "" {
			appErr.Details["constraint"] = pgErr.ConstraintName
		}
	}
	return appErr
}

// NewInvalidQuery is returned when a query builder cannot render SQL.
func NewInvalidQuery(err error) *AppError {
	return &AppError{
		Code:    CodeInvalidQuery,
		Message: "query could not be built",
		Err:     err,
	}
}

// NewTerminalActionFailed reports a failed COMMIT or ROLLBACK. The data's final
// state is uncertain, so this error takes precedence over the work's own failure.
func NewTerminalActionFailed(action string, err error) *AppError {
	return &AppError{
		Code:    CodeTerminalActionFailed,
		Message: fmt.Sprintf("%s failed", action),
		Details: map[string]any{"action": action},
		Err:     err,
	}
}

// NewAcquireFailed reports that no connection could be obtained.
func NewAcquireFailed(err error) *AppError {
	return &AppError{
		Code:    CodeAcquireFailed,
		Message: "failed to acquire connection",
		Err:     err,
	}
}

// NewBeginFailed reports that BEGIN (or the setup right after it) failed.
func NewBeginFailed(err error) *AppError {
	return &AppError{
		Code:    CodeBeginFailed,
		Message: "failed to begin transaction",
		Err:     err,
	}
}

// NewNotFound creates a not found error
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", entity),
		Details: map[string]any{"entity": entity, "id": id},
	}
}

// NewValidation creates a validation error
func NewValidation(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

// NewInternal creates an internal error
func NewInternal(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "internal error",
		Err:     err,
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts the outermost AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether any AppError in err's chain carries code.
func HasCode(err error, code string) bool {
	return errors.Is(err, &AppError{Code: code})
}

// IsClosedTransaction checks if error is CodeClosedTransaction
func IsClosedTransaction(err error) bool {
	return HasCode(err, CodeClosedTransaction)
}

// IsQueryFailure checks if error is CodeQueryFailed
func IsQueryFailure(err error) bool {
	return HasCode(err, CodeQueryFailed)
}

// IsTerminalActionFailure checks if error is CodeTerminalActionFailed
func IsTerminalActionFailure(err error) bool {
	return HasCode(err, CodeTerminalActionFailed)
}

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// IsValidation checks if error is CodeValidation
func IsValidation(err error) bool {
	return HasCode(err, CodeValidation)
}

// HTTPStatus maps the error code to the status the admin API answers with.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidation, CodeInvalidQuery:
		return http.StatusBadRequest
	case CodeAcquireFailed, CodeBeginFailed:
		return http.StatusServiceUnavailable
	case CodeQueryFailed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
