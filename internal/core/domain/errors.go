package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates a root, version or draft does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState indicates the operation is illegal in the root's current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrConflict indicates a root with the same natural key already exists.
	ErrConflict = errors.New("conflict")
	// ErrInvariantViolation signals corrupted versioning state. Never an expected outcome.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrValidation indicates the caller supplied unacceptable input.
	ErrValidation = errors.New("validation failed")
)

// VersioningError carries the failing operation and root alongside the error kind.
type VersioningError struct {
	Kind   error
	Op     string
	RootID string
	Detail string
	Err    error
}

func (e *VersioningError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.RootID != "" {
		fmt.Fprintf(&b, " (root %s)", e.RootID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *VersioningError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// NewNotFound builds an ErrNotFound error.
func NewNotFound(op, rootID, format string, args ...any) *VersioningError {
	return &VersioningError{Kind: ErrNotFound, Op: op, RootID: rootID, Detail: fmt.Sprintf(format, args...)}
}

// NewInvalidState builds an ErrInvalidState error.
func NewInvalidState(op, rootID, format string, args ...any) *VersioningError {
	return &VersioningError{Kind: ErrInvalidState, Op: op, RootID: rootID, Detail: fmt.Sprintf(format, args...)}
}

// NewConflict builds an ErrConflict error.
func NewConflict(op, format string, args ...any) *VersioningError {
	return &VersioningError{Kind: ErrConflict, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// NewInvariantViolation builds an ErrInvariantViolation error.
func NewInvariantViolation(op, rootID, format string, args ...any) *VersioningError {
	return &VersioningError{Kind: ErrInvariantViolation, Op: op, RootID: rootID, Detail: fmt.Sprintf(format, args...)}
}

// NewValidation builds an ErrValidation error.
func NewValidation(op, format string, args ...any) *VersioningError {
	return &VersioningError{Kind: ErrValidation, Op: op, Detail: fmt.Sprintf(format, args...)}
}
