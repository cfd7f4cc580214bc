package models

import "time"

// RunState represents the aggregate state of a whole run.
type RunState string

const (
	// RunInProgress indicates the run is still executing tasks.
	RunInProgress RunState = "in_progress"
	// RunCompleted indicates every task succeeded or was skipped by design.
	RunCompleted RunState = "completed"
	// RunPartiallyCompleted indicates some tasks are blocked but at least
	// one succeeded.
	RunPartiallyCompleted RunState = "partially_completed"
	// RunFailed indicates no task produced a successful result.
	RunFailed RunState = "failed"
)

// Valid returns true if the run state is a known value.
func (s RunState) Valid() bool {
	switch s {
	case RunInProgress, RunCompleted, RunPartiallyCompleted, RunFailed:
		return true
	default:
		return false
	}
}

// BlockedTask describes one task that could not be executed, with enough
// detail for the caller to understand what was tried.
type BlockedTask struct {
	// TaskID is the blocked or skipped task.
	TaskID string `json:"task_id"`
	// Name is the task's plan name.
	Name string `json:"name"`
	// State is the final state of the task.
	State TaskState `json:"state"`
	// Reason explains why the task could not run.
	Reason string `json:"reason"`
	// BackendsTried lists the backend kinds attempted before giving up.
	BackendsTried []BackendKind `json:"backends_tried,omitempty"`
}

// RunResult is the final outcome of a run. A run never surfaces a single
// task failure as an error; blocked work is reported structurally so the
// caller still receives everything that completed.
type RunResult struct {
	// RunID is the unique identifier of the run.
	RunID string `json:"run_id"`
	// State is the terminal aggregate state.
	State RunState `json:"state"`
	// Succeeded is the number of tasks that succeeded.
	Succeeded int `json:"succeeded"`
	// Total is the number of tasks in the plan.
	Total int `json:"total"`
	// Blocked lists every task that did not succeed (Blocked, Skipped, or
	// Failed after cancellation), with reasons.
	Blocked []BlockedTask `json:"blocked,omitempty"`
	// StartedAt is when the run began executing.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is when the run reached its terminal state.
	FinishedAt time.Time `json:"finished_at"`
}

// Duration returns the wall-clock duration of the run.
func (r *RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
