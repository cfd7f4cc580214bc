package orchestrator

import (
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventRunStarted indicates the run has begun executing.
	EventRunStarted EventType = "run_started"
	// EventTaskStarted indicates a task attempt has been dispatched.
	EventTaskStarted EventType = "task_started"
	// EventTaskSucceeded indicates a task completed successfully.
	EventTaskSucceeded EventType = "task_succeeded"
	// EventTaskRetrying indicates a failed task will retry on the same backend.
	EventTaskRetrying EventType = "task_retrying"
	// EventBackendSwitched indicates a failed task was reassigned to the
	// alternate backend.
	EventBackendSwitched EventType = "backend_switched"
	// EventBackendUnavailable indicates a backend was escalated to
	// unavailable after repeated distinct-task failures.
	EventBackendUnavailable EventType = "backend_unavailable"
	// EventTaskBlocked indicates a task exhausted all recovery options.
	EventTaskBlocked EventType = "task_blocked"
	// EventTaskSkipped indicates a task will never run because an
	// ancestor is blocked or the run was cancelled.
	EventTaskSkipped EventType = "task_skipped"
	// EventStallDetected indicates no task has progressed within the
	// stall timeout. Advisory only; the caller decides what to do.
	EventStallDetected EventType = "stall_detected"
	// EventRunDone indicates the run reached a terminal state.
	EventRunDone EventType = "run_done"
)

// Event is emitted by the orchestrator as the run progresses. Consumers
// poll the Events channel; slow consumers drop events rather than block
// the run loop.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// TaskID is the ID of the related task, if applicable.
	TaskID string
	// TaskName is the plan name of the related task, if applicable.
	TaskName string
	// Capability is the task's capability, if applicable.
	Capability models.Capability
	// Backend is the backend kind involved, if applicable.
	Backend models.BackendKind
	// Attempt is the attempt number, for retry and switch events.
	Attempt int
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
