package models

import "time"

// TaskState represents the current state of a task.
type TaskState string

const (
	// TaskStatePending indicates the task is waiting on dependencies.
	TaskStatePending TaskState = "pending"
	// TaskStateReady indicates all dependencies have succeeded.
	TaskStateReady TaskState = "ready"
	// TaskStateRunning indicates an attempt is currently executing.
	TaskStateRunning TaskState = "running"
	// TaskStateSucceeded indicates the task completed successfully.
	TaskStateSucceeded TaskState = "succeeded"
	// TaskStateFailed indicates the most recent attempt failed.
	TaskStateFailed TaskState = "failed"
	// TaskStateBlocked indicates the task is permanently unsatisfiable.
	TaskStateBlocked TaskState = "blocked"
	// TaskStateSkipped indicates the task was never attempted.
	TaskStateSkipped TaskState = "skipped"
)

// Valid returns true if the state is a known value.
func (s TaskState) Valid() bool {
	switch s {
	case TaskStatePending, TaskStateReady, TaskStateRunning,
		TaskStateSucceeded, TaskStateFailed, TaskStateBlocked, TaskStateSkipped:
		return true
	default:
		return false
	}
}

// Terminal returns true if the state is final for a run.
// Failed is not terminal: the fallback coordinator may still retry or
// reassign the task before settling on Succeeded or Blocked.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateBlocked, TaskStateSkipped:
		return true
	default:
		return false
	}
}

// Capability is the category of work a task requires. It maps to one or
// more backends through the backend registry.
type Capability string

// Task represents an atomic unit of work in a run.
type Task struct {
	// ID is the unique identifier for this task within a run.
	ID string `json:"id"`
	// Name is the human-readable task name, unique within a plan.
	Name string `json:"name"`
	// Capability is the kind of worker this task needs.
	Capability Capability `json:"capability"`
	// DependsOn lists task IDs that must succeed before this task runs.
	DependsOn []string `json:"depends_on,omitempty"`
	// InputKey references this task's input in the context store.
	InputKey string `json:"input_key,omitempty"`
	// ExclusiveResource is an optional tag; two tasks declaring the same
	// tag never run simultaneously.
	ExclusiveResource string `json:"exclusive_resource,omitempty"`
	// State is the current lifecycle state of the task.
	State TaskState `json:"state"`
	// Attempts is the number of execution attempts made so far.
	Attempts int `json:"attempts,omitempty"`
	// BackendUsed is the kind of backend that executed the most recent attempt.
	BackendUsed BackendKind `json:"backend_used,omitempty"`
	// Seq is the creation order within the plan, used for FIFO tie-breaking.
	Seq int `json:"seq"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Error holds the most recent failure message, if any.
	Error string `json:"error,omitempty"`
	// BlockedReason explains why the task is blocked or skipped.
	BlockedReason string `json:"blocked_reason,omitempty"`
}
