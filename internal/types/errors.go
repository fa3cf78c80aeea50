package types

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures. Every kind except KindRollbackFailed is
// handled by the component that detected it and recorded in the case record.
type Kind string

const (
	KindNoMatchingSpecialist      Kind = "no_matching_specialist"
	KindEvidenceMissing           Kind = "evidence_missing"
	KindPreflightFailed           Kind = "preflight_failed"
	KindPolicyBlocked             Kind = "policy_blocked"
	KindConfirmationMismatch      Kind = "confirmation_mismatch"
	KindConfirmationTimeout       Kind = "confirmation_timeout"
	KindChangeInProgress          Kind = "change_in_progress"
	KindExecutionFailed           Kind = "execution_failed"
	KindPostcheckFailed           Kind = "postcheck_failed"
	KindRollbackFailed            Kind = "rollback_failed"
	KindReliabilityBelowThreshold Kind = "reliability_below_threshold"
	KindInvalidInput              Kind = "invalid_input"
	KindInternal                  Kind = "internal"
)

// Error is a classified pipeline error.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	// Recovery holds the exact manual command a user must run when the
	// system could not restore itself. Only set for KindRollbackFailed.
	Recovery string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Recovery != "" {
		msg = msg + " (manual recovery: " + e.Recovery + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether repeating the same operation can succeed without
// changing the inputs.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindConfirmationMismatch, KindConfirmationTimeout, KindChangeInProgress:
		return true
	}
	return false
}

// NewError creates a classified error.
func NewError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an existing error. A nil err yields nil.
func WrapError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain,
// or KindInternal for unclassified errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsFatal reports whether err is the one condition that cannot be recovered locally.
func IsFatal(err error) bool {
	return IsKind(err, KindRollbackFailed)
}

// RecoveryOf returns the manual recovery command attached to err, if any.
func RecoveryOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Recovery
	}
	return ""
}
