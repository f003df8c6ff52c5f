// Package errors is the error vocabulary of Loom.
//
// It re-exports github.com/cockroachdb/errors so callers get stack traces,
// hints and details from one import, and it defines the scheduler's error
// taxonomy as sentinels:
//
//	ErrValidation           rejected at save time, nothing written
//	ErrConfiguration        a schedule definition that cannot run at all
//	ErrRecordAction         one record's action failed; the run continues
//	ErrConcurrencyConflict  the schedule is already running
//	ErrInvalidTransition    the schedule's state does not allow the operation
//
// Wrap a sentinel to add context and test with errors.Is:
//
//	return errors.NewConfigurationError("unknown operator %q", op)
//	...
//	if errors.IsConfiguration(err) { ... }
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

var (
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
	FlattenHints  = crdb.FlattenHints
)

var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

var (
	// ErrNotFound indicates the requested schedule, record, model or execution does not exist
	ErrNotFound = New("not found")

	// ErrValidation indicates a schedule definition was rejected at save time
	ErrValidation = New("validation failed")

	// ErrConfiguration indicates a definition that cannot execute: unknown
	// operator, unresolvable model or action, or an action bound to a
	// different model than its step.
	ErrConfiguration = New("configuration error")

	// ErrRecordAction indicates one record's action invocation failed
	ErrRecordAction = New("record action failed")

	// ErrConcurrencyConflict indicates the schedule is already being executed
	ErrConcurrencyConflict = New("schedule is already running")

	// ErrInvalidTransition indicates the schedule's state forbids the operation
	ErrInvalidTransition = New("invalid state transition")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")
)

func mark(sentinel error, format string, args ...interface{}) error {
	return Mark(Newf(format, args...), sentinel)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return mark(ErrNotFound, format, args...)
}

// NewValidationError creates a validation error with a formatted message
func NewValidationError(format string, args ...interface{}) error {
	return mark(ErrValidation, format, args...)
}

// NewConfigurationError creates a configuration error with a formatted message
func NewConfigurationError(format string, args ...interface{}) error {
	return mark(ErrConfiguration, format, args...)
}

// NewRecordActionError creates a per-record action error with a formatted message
func NewRecordActionError(format string, args ...interface{}) error {
	return mark(ErrRecordAction, format, args...)
}

// NewConcurrencyConflict reports that scheduleID is already running
func NewConcurrencyConflict(scheduleID string) error {
	return WithHint(mark(ErrConcurrencyConflict, "schedule %s is already running", scheduleID),
		"wait for the current execution to finish and retry")
}

// NewInvalidTransitionError creates an invalid-transition error with a formatted message
func NewInvalidTransitionError(format string, args ...interface{}) error {
	return mark(ErrInvalidTransition, format, args...)
}

// AsRecordActionError marks err as a per-record failure, keeping its message and cause
func AsRecordActionError(err error) error {
	if err == nil {
		return nil
	}
	if Is(err, ErrRecordAction) {
		return err
	}
	return Mark(err, ErrRecordAction)
}

func IsNotFound(err error) bool { return err != nil && Is(err, ErrNotFound) }
func IsValidation(err error) bool { return err != nil && Is(err, ErrValidation) }
func IsConfiguration(err error) bool { return err != nil && Is(err, ErrConfiguration) }
func IsRecordAction(err error) bool { return err != nil && Is(err, ErrRecordAction) }
func IsConflict(err error) bool { return err != nil && Is(err, ErrConcurrencyConflict) }
func IsInvalidTransition(err error) bool {
	return err != nil && Is(err, ErrInvalidTransition)
}
