package abx

import (
	"errors"
	"fmt"
)

type ErrorCode int

const (
	Unknown ErrorCode = iota
	// InvalidIdentifier signals a malformed application name, label, or id.
	InvalidIdentifier
	// InvalidArgument signals a field value outside its legal domain.
	InvalidArgument
	// InvalidStateTransition signals a request for an edge absent from the
	// experiment state graph.
	InvalidStateTransition
	// IllegalUpdate signals a mutation the experiment's current state forbids.
	IllegalUpdate
	// NotFound signals an unknown (or deleted) experiment id.
	NotFound
	// Conflict signals a uniqueness violation or a lost concurrent race.
	Conflict
	// RepositoryTransient signals a retryable store failure such as a timeout.
	RepositoryTransient
	// RepositorySchema signals a non-retryable store failure.
	RepositorySchema
	// RuleParse signals a syntactically invalid segmentation rule expression.
	RuleParse
	// LockAcquisitionFailure signals that a keyed lock could not be obtained.
	LockAcquisitionFailure
)

// Error is the custom error type carried across the experiment core. Code
// classifies the failure so callers can tell validation problems, conflicts,
// and retryable store errors apart without parsing messages.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	return fmt.Errorf("error code: %d, user data: %v, details: %w", e.Code, e.UserData, e.Err).Error()
}

// Unwrap exposes the wrapped cause to errors.Is and errors.As.
func (e Error) Unwrap() error { return e.Err }

// CodeOf extracts the ErrorCode from err, unwrapping as needed. It returns
// Unknown for nil and for errors that do not carry an Error.
func CodeOf(err error) ErrorCode {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// IsValidation reports whether err belongs to the validation class: bad
// identifier, bad field value, illegal state transition, an update the current
// state forbids, or an unparseable rule.
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case InvalidIdentifier, InvalidArgument, InvalidStateTransition, IllegalUpdate, RuleParse:
		return true
	}
	return false
}
