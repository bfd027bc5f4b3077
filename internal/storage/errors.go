package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/strata/internal/schema"
)

// StorageError represents an anomaly detected by a storage operation.
//
// Data-origin anomalies (duplicate symbolic ids, unresolvable references,
// consistency violations) are logged and degrade the storage to a sticky
// broken-consistency state. Bad input to builder calls is returned as a
// *StorageError. Contract violations by the caller panic with one.
type StorageError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Entity identifies the affected entity, if any.
	Entity EntityID

	// Connection names the affected connection, if any.
	Connection string
}

// ErrorCode categorizes storage errors.
type ErrorCode string

const (
	// ErrCodeConsistencyViolation indicates a broken structural invariant.
	ErrCodeConsistencyViolation ErrorCode = "CONSISTENCY_VIOLATION"

	// ErrCodeDuplicateSymbolicID indicates two entities claimed one symbolic id.
	ErrCodeDuplicateSymbolicID ErrorCode = "DUPLICATE_SYMBOLIC_ID"

	// ErrCodeIllegalMutation indicates a mutation outside the modify scope
	// or through a builder that does not own the entity.
	ErrCodeIllegalMutation ErrorCode = "ILLEGAL_MUTATION"

	// ErrCodeUnresolvableReference indicates a required endpoint is missing.
	ErrCodeUnresolvableReference ErrorCode = "UNRESOLVABLE_REFERENCE"

	// ErrCodeAlreadyAppliedDiff indicates a builder was applied twice.
	ErrCodeAlreadyAppliedDiff ErrorCode = "ALREADY_APPLIED_DIFF"

	ErrCodeUnknownType        ErrorCode = "UNKNOWN_TYPE"
	ErrCodeAbstractType       ErrorCode = "ABSTRACT_TYPE"
	ErrCodeUnknownField       ErrorCode = "UNKNOWN_FIELD"
	ErrCodeFieldKind          ErrorCode = "FIELD_KIND"
	ErrCodeEntityNotFound     ErrorCode = "ENTITY_NOT_FOUND"
	ErrCodeConnectionMismatch ErrorCode = "CONNECTION_MISMATCH"
	ErrCodeSelfReference      ErrorCode = "SELF_REFERENCE"
)

// Error implements the error interface.
func (e *StorageError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	switch {
	case e.Entity != NoEntity && e.Connection != "":
		fmt.Fprintf(&b, " (entity=%s, connection=%s)", e.Entity, e.Connection)
	case e.Entity != NoEntity:
		fmt.Fprintf(&b, " (entity=%s)", e.Entity)
	case e.Connection != "":
		fmt.Fprintf(&b, " (connection=%s)", e.Connection)
	}
	return b.String()
}

func newError(code ErrorCode, format string, args ...any) *StorageError {
	return &StorageError{Code: code, Message: fmt.Sprintf(format, args...), Entity: NoEntity}
}

func (e *StorageError) withEntity(id EntityID) *StorageError {
	e.Entity = id
	return e
}

func (e *StorageError) withConnection(c *schema.Connection) *StorageError {
	if c != nil {
		e.Connection = c.Name
	}
	return e
}

// HasCode reports whether err is a *StorageError with the given code.
// Uses errors.As to handle wrapped errors.
func HasCode(err error, code ErrorCode) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsIllegalMutation returns true if err is an illegal mutation error.
func IsIllegalMutation(err error) bool {
	return HasCode(err, ErrCodeIllegalMutation)
}

// IsNotFound returns true if err reports a missing entity.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeEntityNotFound)
}

// IsSchemaError returns true if err reports input that does not fit the
// registry: unknown or abstract types, unknown fields, wrong field kinds.
func IsSchemaError(err error) bool {
	var se *StorageError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case ErrCodeUnknownType, ErrCodeAbstractType, ErrCodeUnknownField, ErrCodeFieldKind:
		return true
	}
	return false
}

// ConsistencyError lists the invariant violations found by a check.
type ConsistencyError struct {
	Violations []string
}

func (e *ConsistencyError) Error() string {
	if len(e.Violations) == 1 {
		return fmt.Sprintf("%s: %s", ErrCodeConsistencyViolation, e.Violations[0])
	}
	return fmt.Sprintf("%s: %d violations, first: %s", ErrCodeConsistencyViolation, len(e.Violations), e.Violations[0])
}

// IsConsistencyError returns true if err is a *ConsistencyError.
func IsConsistencyError(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}
