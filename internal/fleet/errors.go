package fleet

import (
	"errors"
	"fmt"
	"strings"

	"calibra/internal/recurrence"
)

// InvalidRuleError is the recurrence validation error, re-exported so that
// callers of this package can match it without importing recurrence.
type InvalidRuleError = recurrence.InvalidRuleError

// NotFoundError reports a referenced entity that does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// EmptyBatchError is returned when a bulk operation names no instruments.
type EmptyBatchError struct{}

func (*EmptyBatchError) Error() string { return "empty instrument batch" }

// ErrEmptyBatch is the shared EmptyBatchError value.
var ErrEmptyBatch = &EmptyBatchError{}

// ConcurrentModificationError reports that a record changed between read
// and write. Actual is -1 when the record no longer exists.
type ConcurrentModificationError struct {
	Entity   string
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConcurrentModificationError) Error() string {
	if e.Actual < 0 {
		return fmt.Sprintf("%s %q was modified concurrently (expected version %d, record gone)", e.Entity, e.ID, e.Expected)
	}
	return fmt.Sprintf("%s %q was modified concurrently (expected version %d, found %d)", e.Entity, e.ID, e.Expected, e.Actual)
}

// ReferencedError blocks deleting an entity that others still point at.
type ReferencedError struct {
	Entity string
	ID     string
	By     []string
}

func (e *ReferencedError) Error() string {
	return fmt.Sprintf("%s %q is referenced by %s", e.Entity, e.ID, strings.Join(e.By, ", "))
}

// ScopeError rejects a type-scoped method applied to an instrument of a
// different type.
type ScopeError struct {
	MethodID     string
	MethodTypeID string
	InstrumentID string
	TypeID       string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("method %q is scoped to type %q, instrument %q has type %q",
		e.MethodID, e.MethodTypeID, e.InstrumentID, e.TypeID)
}

// DuplicateNameError rejects a second calendar with an existing name.
type DuplicateNameError struct {
	Entity string
	Name   string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("%s named %q already exists", e.Entity, e.Name)
}

// ValidationError reports malformed input that is not a recurrence rule.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsConcurrentModification(err error) bool {
	var e *ConcurrentModificationError
	return errors.As(err, &e)
}
