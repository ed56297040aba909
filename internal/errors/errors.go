// Package errors provides structured error types for schemaflow.
// Every error carries a category, code, message, and retryable flag so the
// pipeline and its surfaces can report failures per document and per batch.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the component that raised them.
type ErrorCategory string

const (
	ErrCategorySchema   ErrorCategory = "SCHEMA"
	ErrCategoryNaming   ErrorCategory = "NAMING"
	ErrCategoryDocument ErrorCategory = "DOCUMENT"
	ErrCategoryEngine   ErrorCategory = "ENGINE"
	ErrCategoryStorage  ErrorCategory = "STORAGE"
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Schema codes
	CodeSchemaConflict    = "SCHEMA_CONFLICT"
	CodeNotNullViolation  = "NOT_NULL_VIOLATION"
	CodeContractViolation = "CONTRACT_VIOLATION"
	CodeInvalidSchema     = "INVALID_SCHEMA"
	CodeHashFailed        = "HASH_FAILED"
	CodeSchemaNotFound    = "SCHEMA_NOT_FOUND"

	// Naming codes
	CodeIdentifierCollision = "IDENTIFIER_COLLISION"

	// Document codes
	CodeMalformedDocument = "MALFORMED_DOCUMENT"

	// Engine codes
	CodeEngineVersionMismatch    = "ENGINE_VERSION_MISMATCH"
	CodeEngineVersionUnsupported = "ENGINE_VERSION_UNSUPPORTED"

	// Storage codes
	CodeStorageFailed = "STORAGE_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout schemaflow.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Sentinels for errors.Is matching. Only category and code are compared.
var (
	ErrSchemaConflict        = New(ErrCategorySchema, CodeSchemaConflict, "schema conflict")
	ErrNotNullViolation      = New(ErrCategorySchema, CodeNotNullViolation, "not null violation")
	ErrContractViolation     = New(ErrCategorySchema, CodeContractViolation, "contract violation")
	ErrIdentifierCollision   = New(ErrCategoryNaming, CodeIdentifierCollision, "identifier collision")
	ErrMalformedDocument     = New(ErrCategoryDocument, CodeMalformedDocument, "malformed document")
	ErrEngineVersionMismatch = New(ErrCategoryEngine, CodeEngineVersionMismatch, "engine version mismatch")
	ErrSchemaNotFound        = New(ErrCategorySchema, CodeSchemaNotFound, "schema not found")
)

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var se *Error
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// GetDetails extracts the details map from an error chain.
func GetDetails(err error) map[string]interface{} {
	var se *Error
	if errors.As(err, &se) {
		return se.Details
	}
	return nil
}

func isRetryable(category ErrorCategory, code string) bool {
	return category == ErrCategoryStorage && code == CodeStorageFailed
}

// Convenience constructors for common errors.

// NewSchemaConflict reports a value whose shape contradicts a fixed column type.
func NewSchemaConflict(table, column, existing, incoming string) *Error {
	return New(ErrCategorySchema, CodeSchemaConflict,
		fmt.Sprintf("column %s.%s has type %s, cannot accept %s", table, column, existing, incoming)).
		WithDetails(map[string]interface{}{
			"table":         table,
			"column":        column,
			"existing_type": existing,
			"incoming_type": incoming,
		})
}

// NewNotNullViolation reports a null assigned to a non-nullable column.
func NewNotNullViolation(table, column string) *Error {
	return New(ErrCategorySchema, CodeNotNullViolation,
		fmt.Sprintf("column %s.%s is not nullable", table, column)).
		WithDetails(map[string]interface{}{"table": table, "column": column})
}

// NewContractViolation reports a frozen contract rejecting a new table or column.
func NewContractViolation(entity, table, column string) *Error {
	msg := fmt.Sprintf("contract for %s is frozen: cannot create table %s", entity, table)
	if column != "" {
		msg = fmt.Sprintf("contract for %s is frozen: cannot add column %s.%s", entity, table, column)
	}
	return New(ErrCategorySchema, CodeContractViolation, msg).
		WithDetails(map[string]interface{}{"entity": entity, "table": table, "column": column})
}

func NewIdentifierCollision(name string, attempts int) *Error {
	return New(ErrCategoryNaming, CodeIdentifierCollision,
		fmt.Sprintf("could not resolve identifier %q after %d attempts", name, attempts))
}

func NewMalformedDocument(message string, cause error) *Error {
	return Wrap(ErrCategoryDocument, CodeMalformedDocument, message, cause)
}

// NewEngineVersionMismatch reports a schema written by an older engine.
func NewEngineVersionMismatch(schemaName string, stored, running int) *Error {
	return New(ErrCategoryEngine, CodeEngineVersionMismatch,
		fmt.Sprintf("schema %s has engine version %d, running engine is %d: migration required", schemaName, stored, running)).
		WithDetails(map[string]interface{}{"schema": schemaName, "stored": stored, "running": running})
}

func NewEngineVersionUnsupported(schemaName string, stored, running int) *Error {
	return New(ErrCategoryEngine, CodeEngineVersionUnsupported,
		fmt.Sprintf("schema %s has engine version %d, newer than running engine %d", schemaName, stored, running))
}

func NewInvalidSchema(message string, cause error) *Error {
	return Wrap(ErrCategorySchema, CodeInvalidSchema, message, cause)
}

func NewHashError(message string, cause error) *Error {
	return Wrap(ErrCategorySchema, CodeHashFailed, message, cause)
}

func NewSchemaNotFound(name string) *Error {
	return New(ErrCategorySchema, CodeSchemaNotFound, fmt.Sprintf("schema %s not found", name))
}

func NewStorageError(message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, CodeStorageFailed, message, cause)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
