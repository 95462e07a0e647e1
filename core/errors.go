package core

import (
	"errors"
	"fmt"
)

var (
	// ErrAdmissionRejected is returned when a process cannot be admitted.
	ErrAdmissionRejected = errors.New("admission rejected")
	// ErrProcessNotFound is returned for ids absent from the live process table.
	ErrProcessNotFound = errors.New("process not found")
	// ErrChainExhausted is returned when every model in a fallback chain failed
	// or was cooling down.
	ErrChainExhausted = errors.New("model fallback chain exhausted")
	// ErrToolNotFound is returned when invoking an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrCancelled is returned at a checkpoint after cancellation was requested.
	ErrCancelled = errors.New("process cancelled")
	// ErrMaxTurns is returned when a process's turn budget is spent.
	ErrMaxTurns = errors.New("max turns reached")
	// ErrNotInteractive is returned when sending input to a fire-and-forget worker.
	ErrNotInteractive = errors.New("worker is not interactive")
	// ErrProcessTerminated is returned when addressing a process that already ended.
	ErrProcessTerminated = errors.New("process already terminated")
)

// AdmissionError explains why the supervisor refused to admit a process.
type AdmissionError struct {
	Kind   ProcessKind
	Parent ProcessID
	Reason string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected for %s: %s", e.Kind, e.Reason)
}

// Unwrap allows errors.Is(err, ErrAdmissionRejected).
func (e *AdmissionError) Unwrap() error { return ErrAdmissionRejected }

// NewAdmissionError creates an AdmissionError.
func NewAdmissionError(kind ProcessKind, parent ProcessID, format string, args ...any) *AdmissionError {
	return &AdmissionError{Kind: kind, Parent: parent, Reason: fmt.Sprintf(format, args...)}
}
