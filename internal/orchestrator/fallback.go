package orchestrator

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loomworks/loom/internal/backend"
	"github.com/loomworks/loom/pkg/models"
)

// Decision is the fallback coordinator's verdict on a failed attempt.
type Decision int

const (
	// DecisionRetry retries the same backend after a backoff delay.
	DecisionRetry Decision = iota
	// DecisionSwitch dispatches the alternate backend for the task.
	DecisionSwitch
	// DecisionGiveUp blocks the task; dependents will be skipped.
	DecisionGiveUp
)

// String returns a human-readable representation of the decision.
func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionSwitch:
		return "switch_backend"
	case DecisionGiveUp:
		return "give_up"
	default:
		return "unknown"
	}
}

// Verdict carries the decision plus the parameters needed to act on it.
type Verdict struct {
	// Decision is what to do next.
	Decision Decision
	// Delay is how long to wait before retrying (DecisionRetry only).
	Delay time.Duration
	// Kind is the alternate backend kind (DecisionSwitch only).
	Kind models.BackendKind
	// Reason summarizes why this verdict was reached.
	Reason string
}

// Coordinator decides how to recover from task failures: retry the same
// backend, switch to the alternate backend, or give up and block the
// task. It is also the only component that mutates backend health.
type Coordinator struct {
	pool *backend.Pool
	// maxRetries is the attempt ceiling per backend for transient failures.
	maxRetries int
	// unavailableThreshold is the number of distinct tasks that must fail
	// consecutively before a backend is escalated to unavailable.
	unavailableThreshold int
	initialInterval      time.Duration
	maxInterval          time.Duration

	mu sync.Mutex
	// backoffs tracks the retry schedule per task, reset on backend switch.
	backoffs map[string]*backoff.ExponentialBackOff
	// tried tracks which backend kinds each task has attempted.
	tried map[string][]models.BackendKind
	// attemptsOnCurrent counts attempts on the task's current backend.
	attemptsOnCurrent map[string]int
	// consecutiveFailures tracks, per backend name, the distinct tasks
	// that failed against it since its last success.
	consecutiveFailures map[string][]string
}

// NewCoordinator creates a fallback Coordinator.
func NewCoordinator(pool *backend.Pool, maxRetries, unavailableThreshold int, initialInterval, maxInterval time.Duration) *Coordinator {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if unavailableThreshold < 1 {
		unavailableThreshold = 1
	}
	return &Coordinator{
		pool:                 pool,
		maxRetries:           maxRetries,
		unavailableThreshold: unavailableThreshold,
		initialInterval:      initialInterval,
		maxInterval:          maxInterval,
		backoffs:             make(map[string]*backoff.ExponentialBackOff),
		tried:                make(map[string][]models.BackendKind),
		attemptsOnCurrent:    make(map[string]int),
		consecutiveFailures:  make(map[string][]string),
	}
}

// Decide evaluates a failed attempt and returns the recovery verdict.
// handle is the backend that executed the attempt; err is the failure.
func (c *Coordinator) Decide(task *models.Task, handle *backend.Handle, err error) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recordBackendFailureLocked(task.ID, handle)
	c.markTriedLocked(task.ID, handle.Kind())
	c.attemptsOnCurrent[task.ID]++

	// Transient failures retry the same backend up to maxRetries retries
	// beyond the original attempt.
	if isTransient(err) && c.attemptsOnCurrent[task.ID] <= c.maxRetries {
		return Verdict{
			Decision: DecisionRetry,
			Delay:    c.nextDelayLocked(task.ID),
			Reason:   "transient failure, retrying same backend",
		}
	}

	// Reassign to an untried alternate backend if one exists. The failed
	// backend is degraded, not made unavailable: one bad task must not
	// poison it for unrelated work.
	if kind, ok := c.pool.Alternate(task.Capability, c.tried[task.ID]); ok {
		if handle.Health() == models.HealthHealthy {
			handle.SetHealth(models.HealthDegraded)
		}
		delete(c.backoffs, task.ID)
		c.attemptsOnCurrent[task.ID] = 0
		return Verdict{
			Decision: DecisionSwitch,
			Kind:     kind,
			Reason:   "switching to alternate backend",
		}
	}

	return Verdict{
		Decision: DecisionGiveUp,
		Reason:   "all backends and retries exhausted",
	}
}

// OnSuccess clears the task's retry state and resets the backend's
// consecutive failure streak.
func (c *Coordinator) OnSuccess(taskID string, handle *backend.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.backoffs, taskID)
	delete(c.tried, taskID)
	delete(c.attemptsOnCurrent, taskID)
	if handle != nil {
		c.consecutiveFailures[handle.Name()] = nil
	}
}

// TriedKinds returns the backend kinds the task has attempted.
func (c *Coordinator) TriedKinds(taskID string) []models.BackendKind {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.BackendKind, len(c.tried[taskID]))
	copy(out, c.tried[taskID])
	return out
}

// recordBackendFailureLocked tracks the distinct-task failure streak for
// a backend and escalates it to unavailable at the threshold.
func (c *Coordinator) recordBackendFailureLocked(taskID string, handle *backend.Handle) {
	name := handle.Name()
	streak := c.consecutiveFailures[name]

	distinct := true
	for _, id := range streak {
		if id == taskID {
			distinct = false
			break
		}
	}
	if distinct {
		streak = append(streak, taskID)
		c.consecutiveFailures[name] = streak
	}

	if len(streak) >= c.unavailableThreshold {
		handle.SetHealth(models.HealthUnavailable)
	}
}

func (c *Coordinator) markTriedLocked(taskID string, kind models.BackendKind) {
	for _, k := range c.tried[taskID] {
		if k == kind {
			return
		}
	}
	c.tried[taskID] = append(c.tried[taskID], kind)
}

// nextDelayLocked advances the task's exponential backoff schedule.
func (c *Coordinator) nextDelayLocked(taskID string) time.Duration {
	b, ok := c.backoffs[taskID]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = c.initialInterval
		b.MaxInterval = c.maxInterval
		b.MaxElapsedTime = 0 // retry count is bounded elsewhere
		b.Reset()
		c.backoffs[taskID] = b
	}
	return b.NextBackOff()
}
