package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies run failures so callers can map them to outcomes
// without string matching.
type ErrorKind string

const (
	// ErrConfiguration marks invalid profile or server fields; rejected
	// before queuing, never attached to a run.
	ErrConfiguration ErrorKind = "configuration"
	// ErrConnection marks SSH auth or network failures.
	ErrConnection ErrorKind = "connection"
	// ErrCommand marks a pre-command non-zero exit or timeout.
	ErrCommand ErrorKind = "command"
	// ErrTransfer marks copy or SFTP I/O failures.
	ErrTransfer ErrorKind = "transfer"
	// ErrVerification marks a hash/size disagreement.
	ErrVerification ErrorKind = "verification"
	// ErrRetention marks best-effort prune failures; never escalated to
	// a run outcome.
	ErrRetention ErrorKind = "retention"
)

// RunError wraps a failure with its kind and the step that produced it.
type RunError struct {
	Kind ErrorKind
	Step string // offending command, path, or phase
	Err  error
}

func (e *RunError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s error at %q: %v", e.Kind, e.Step, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// NewRunError builds a classified error.
func NewRunError(kind ErrorKind, step string, err error) *RunError {
	return &RunError{Kind: kind, Step: step, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to ErrTransfer for
// unclassified failures surfacing from an executor.
func KindOf(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ErrTransfer
}

// StepOf extracts the offending step from err, if any.
func StepOf(err error) string {
	var re *RunError
	if errors.As(err, &re) {
		return re.Step
	}
	return ""
}
