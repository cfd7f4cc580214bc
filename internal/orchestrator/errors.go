// Package orchestrator coordinates the execution of a task plan across
// the backend pool: scheduling, progress monitoring, and failure
// recovery.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomworks/loom/internal/backend"
)

// ExecError describes one failed task attempt. Transient failures are
// recovered locally by the fallback coordinator; permanent failures
// exhaust the backend immediately.
type ExecError struct {
	// TaskID is the failing task.
	TaskID string
	// Reason is a short machine-readable failure category.
	Reason string
	// Transient indicates whether a retry could plausibly succeed.
	Transient bool
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("task %s: %s failure (%s): %v", e.TaskID, kind, e.Reason, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ExecError) Unwrap() error {
	return e.Err
}

// newTimeoutError wraps a per-task timeout as a transient failure.
func newTimeoutError(taskID string, err error) *ExecError {
	return &ExecError{TaskID: taskID, Reason: "timeout", Transient: true, Err: err}
}

// isTransient reports whether a failure is worth retrying on the same
// backend: explicit transient exec errors, timeouts, and bounded-wait
// expirations waiting for a backend slot.
func isTransient(err error) bool {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, backend.ErrAcquireTimeout) {
		return true
	}
	return false
}
