package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/backend"
	"github.com/loomworks/loom/pkg/models"
)

// completion carries the outcome of one task attempt back to the run loop.
type completion struct {
	task      *models.Task
	handle    *backend.Handle
	result    *backend.Result
	err       error
	startedAt time.Time
}

// redispatch is a task queued for another attempt. An empty kind means
// the normal selection policy applies; otherwise the fallback
// coordinator has pinned the attempt to a specific backend kind.
type redispatch struct {
	task *models.Task
	kind models.BackendKind
}

// Run executes the plan to a terminal state. It blocks until every task
// is terminal or the context is cancelled. A single task failure never
// fails the run as a whole; the result reports blocked work structurally.
func (o *Orchestrator) Run(ctx context.Context) (*models.RunResult, error) {
	startedAt := time.Now()
	defer o.closeEvents()

	for _, seed := range o.plan.Seeds {
		if err := o.store.Stage(seed.TaskID, seed.Key, seed.Structured, seed.Text); err != nil {
			return nil, fmt.Errorf("seed input %s: %w", seed.Key, err)
		}
		o.store.Publish(seed.TaskID)
	}

	o.emitEvent(Event{Type: EventRunStarted, Message: fmt.Sprintf("run %s: %d tasks", o.runID, len(o.plan.Tasks))})
	o.logger.Log("[run] starting run %s with %d tasks, maxParallel=%d", o.runID, len(o.plan.Tasks), o.cfg.MaxParallel)

	// Buffers are sized so detached timer goroutines can always deliver
	// even if the loop has already moved on.
	completionCh := make(chan completion, o.cfg.MaxParallel+len(o.plan.Tasks))
	retryCh := make(chan redispatch, 4*len(o.plan.Tasks)+16)

	var queue []redispatch
	pendingRetries := 0

	for {
		// Drain completions and fired retry timers before scheduling.
		select {
		case <-ctx.Done():
			return o.cancelRun(startedAt, completionCh), ctx.Err()
		case c := <-completionCh:
			o.handleCompletion(c, retryCh, &queue, &pendingRetries)
			continue
		case rd := <-retryCh:
			pendingRetries--
			queue = append(queue, rd)
			continue
		default:
		}

		// Surface readiness before dispatching so snapshots and checkpoints
		// can tell waiting-on-dependencies from waiting-on-a-slot.
		for _, task := range o.plan.Graph.GetReady() {
			if task.State == models.TaskStatePending {
				o.transition(task, models.TaskStateReady)
			}
		}

		dispatched := 0
		var held []redispatch
		for len(queue) > 0 && o.scheduler.RunningCount() < o.cfg.MaxParallel {
			rd := queue[0]
			queue = queue[1:]
			if o.dispatch(ctx, rd.task, rd.kind, completionCh) {
				dispatched++
			} else if !rd.task.State.Terminal() {
				// Exclusive resource held elsewhere; try again next pass.
				held = append(held, rd)
			}
		}
		queue = append(queue, held...)
		if o.scheduler.RunningCount() < o.cfg.MaxParallel {
			for _, task := range o.scheduler.Schedule() {
				if o.dispatch(ctx, task, "", completionCh) {
					dispatched++
				}
			}
		}
		if dispatched > 0 {
			continue
		}

		if o.scheduler.RunningCount() == 0 && len(queue) == 0 && pendingRetries == 0 {
			if len(o.scheduler.Schedule()) == 0 {
				return o.finalize(startedAt), nil
			}
			continue
		}

		// Nothing to dispatch; wait for progress.
		select {
		case <-ctx.Done():
			return o.cancelRun(startedAt, completionCh), ctx.Err()
		case c := <-completionCh:
			o.handleCompletion(c, retryCh, &queue, &pendingRetries)
		case rd := <-retryCh:
			pendingRetries--
			queue = append(queue, rd)
		case <-time.After(o.cfg.PollInterval):
			if o.monitor.CheckStall() {
				o.logger.Log("[run] stall detected: no transition within %s", o.cfg.StallTimeout)
				o.emitEvent(Event{Type: EventStallDetected, Message: "no task has progressed within the stall timeout"})
			}
		}
	}
}

// dispatch starts one attempt for a task. Returns true if the attempt
// was launched; false when the task went blocked (no backend left) or
// could not start yet (duplicate attempt or resource contention).
func (o *Orchestrator) dispatch(ctx context.Context, task *models.Task, kind models.BackendKind, completionCh chan<- completion) bool {
	handle := o.pool.SelectHandle(task.Capability, kind)
	if handle == nil {
		o.scheduler.Abandon(task)
		o.blockTask(task, fmt.Sprintf("no available backend for capability %s", task.Capability))
		return false
	}

	if !o.scheduler.OnTaskStart(task) {
		o.logger.Log("[run] task %s cannot start yet (in flight or resource held)", task.ID)
		return false
	}

	o.stateMu.Lock()
	task.State = models.TaskStateRunning
	task.Attempts++
	task.BackendUsed = handle.Kind()
	o.stateMu.Unlock()
	o.monitor.ObserveTransition()

	o.logger.Log("[run] dispatching %s (%s) attempt %d on %s backend", task.ID, task.Name, task.Attempts, handle.Kind())
	o.emitEvent(Event{
		Type:       EventTaskStarted,
		TaskID:     task.ID,
		TaskName:   task.Name,
		Capability: task.Capability,
		Backend:    handle.Kind(),
		Attempt:    task.Attempts,
	})

	go o.executeTask(ctx, task, handle, time.Now(), completionCh)
	return true
}

// executeTask runs one attempt end to end: lease a slot, translate the
// input for the backend's kind, execute with the capability timeout, and
// stage the output. It reports the outcome on completionCh.
func (o *Orchestrator) executeTask(ctx context.Context, task *models.Task, handle *backend.Handle, startedAt time.Time, completionCh chan<- completion) {
	lease, err := o.pool.AcquireKind(ctx, task.Capability, handle.Kind())
	if err != nil {
		completionCh <- completion{task: task, handle: handle, err: err, startedAt: startedAt}
		return
	}
	defer lease.Release()
	handle = lease.Handle

	req, err := o.buildRequest(task, handle.Kind())
	if err != nil {
		completionCh <- completion{task: task, handle: handle, startedAt: startedAt,
			err: &ExecError{TaskID: task.ID, Reason: "invalid-input", Transient: false, Err: err}}
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, o.cfg.timeoutFor(task.Capability))
	defer cancel()

	result, err := handle.Backend().Execute(execCtx, req)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = newTimeoutError(task.ID, err)
		}
		completionCh <- completion{task: task, handle: handle, err: err, startedAt: startedAt}
		return
	}

	if result == nil || (result.Structured == nil && result.Text == "") {
		completionCh <- completion{task: task, handle: handle, startedAt: startedAt,
			err: &ExecError{TaskID: task.ID, Reason: "empty-output", Transient: false,
				Err: fmt.Errorf("backend returned no output")}}
		return
	}

	if err := o.store.Stage(task.ID, "output/"+task.Name, result.Structured, result.Text); err != nil {
		completionCh <- completion{task: task, handle: handle, startedAt: startedAt,
			err: &ExecError{TaskID: task.ID, Reason: "stage-output", Transient: false, Err: err}}
		return
	}

	completionCh <- completion{task: task, handle: handle, result: result, startedAt: startedAt}
}

// buildRequest assembles the attempt's input in the shape the backend
// kind accepts: seed input plus the published outputs of every
// dependency, translated through the context adapter.
func (o *Orchestrator) buildRequest(task *models.Task, kind models.BackendKind) (backend.Request, error) {
	req := backend.Request{TaskID: task.ID, Capability: task.Capability}

	if kind == models.BackendStructured {
		payload := map[string]any{"task": task.Name}
		if task.InputKey != "" && o.store.Has(task.InputKey) {
			input, err := o.adapter.Structured(task.InputKey)
			if err != nil {
				return req, err
			}
			payload["input"] = input
		}
		deps := make(map[string]any)
		for _, depID := range task.DependsOn {
			dep := o.plan.Graph.GetTask(depID)
			key := "output/" + dep.Name
			if !o.store.Has(key) {
				continue
			}
			out, err := o.adapter.Structured(key)
			if err != nil {
				return req, err
			}
			deps[dep.Name] = out
		}
		if len(deps) > 0 {
			payload["context"] = deps
		}
		req.Structured = payload
		return req, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Name)
	if task.InputKey != "" && o.store.Has(task.InputKey) {
		input, err := o.adapter.Text(task.InputKey)
		if err != nil {
			return req, err
		}
		fmt.Fprintf(&b, "\nInput:\n%s\n", input)
	}
	for _, depID := range task.DependsOn {
		dep := o.plan.Graph.GetTask(depID)
		key := "output/" + dep.Name
		if !o.store.Has(key) {
			continue
		}
		out, err := o.adapter.Text(key)
		if err != nil {
			return req, err
		}
		fmt.Fprintf(&b, "\nContext from %s:\n%s\n", dep.Name, out)
	}
	req.Text = b.String()
	return req, nil
}

// handleCompletion settles one finished attempt: publish output on
// success, or consult the fallback coordinator on failure.
func (o *Orchestrator) handleCompletion(c completion, retryCh chan<- redispatch, queue *[]redispatch, pendingRetries *int) {
	succeeded := c.err == nil
	o.scheduler.OnTaskFinish(c.task.ID, succeeded)
	duration := time.Since(c.startedAt)

	if succeeded {
		// Publishing before the state flip means a consumer that observes
		// Succeeded always sees the entry.
		o.store.Publish(c.task.ID)
		o.transition(c.task, models.TaskStateSucceeded)
		o.monitor.ObserveCompletion(c.task.Capability, duration)
		o.coordinator.OnSuccess(c.task.ID, c.handle)
		o.logger.Log("[run] task %s succeeded on %s backend in %s", c.task.ID, c.handle.Kind(), duration)
		o.emitEvent(Event{
			Type:       EventTaskSucceeded,
			TaskID:     c.task.ID,
			TaskName:   c.task.Name,
			Capability: c.task.Capability,
			Backend:    c.handle.Kind(),
		})
		return
	}

	o.store.Discard(c.task.ID)
	o.stateMu.Lock()
	c.task.Error = c.err.Error()
	o.stateMu.Unlock()

	healthBefore := c.handle.Health()
	verdict := o.coordinator.Decide(c.task, c.handle, c.err)
	if healthBefore != models.HealthUnavailable && c.handle.Health() == models.HealthUnavailable {
		o.logger.Log("[run] backend %s marked unavailable after repeated failures", c.handle.Name())
		o.emitEvent(Event{
			Type:    EventBackendUnavailable,
			Backend: c.handle.Kind(),
			Message: fmt.Sprintf("backend %s failed too many distinct tasks consecutively", c.handle.Name()),
		})
	}

	o.logger.Log("[run] task %s failed (attempt %d): %v -> %s", c.task.ID, c.task.Attempts, c.err, verdict.Decision)

	switch verdict.Decision {
	case DecisionRetry:
		o.transition(c.task, models.TaskStateFailed)
		o.emitEvent(Event{
			Type:     EventTaskRetrying,
			TaskID:   c.task.ID,
			TaskName: c.task.Name,
			Backend:  c.handle.Kind(),
			Attempt:  c.task.Attempts,
			Error:    c.err,
			Message:  fmt.Sprintf("retrying in %s", verdict.Delay),
		})
		*pendingRetries++
		task, kind := c.task, c.handle.Kind()
		time.AfterFunc(verdict.Delay, func() {
			retryCh <- redispatch{task: task, kind: kind}
		})

	case DecisionSwitch:
		o.transition(c.task, models.TaskStateFailed)
		o.emitEvent(Event{
			Type:     EventBackendSwitched,
			TaskID:   c.task.ID,
			TaskName: c.task.Name,
			Backend:  verdict.Kind,
			Attempt:  c.task.Attempts,
			Error:    c.err,
			Message:  fmt.Sprintf("reassigning from %s to %s", c.handle.Kind(), verdict.Kind),
		})
		*queue = append(*queue, redispatch{task: c.task, kind: verdict.Kind})

	case DecisionGiveUp:
		o.blockTask(c.task, fmt.Sprintf("%s: %v", verdict.Reason, c.err))
	}
}

// blockTask marks a task permanently unsatisfiable and skips its
// transitive dependents. Dependents end Skipped, not Failed: they were
// never attempted.
func (o *Orchestrator) blockTask(task *models.Task, reason string) {
	o.stateMu.Lock()
	task.BlockedReason = reason
	o.stateMu.Unlock()
	o.transition(task, models.TaskStateBlocked)

	o.logger.Log("[run] task %s blocked: %s", task.ID, reason)
	o.emitEvent(Event{
		Type:     EventTaskBlocked,
		TaskID:   task.ID,
		TaskName: task.Name,
		Message:  reason,
	})

	for _, depID := range o.plan.Graph.TransitiveDependents(task.ID) {
		dependent := o.plan.Graph.GetTask(depID)
		if dependent == nil || dependent.State.Terminal() || dependent.State == models.TaskStateRunning {
			continue
		}
		o.stateMu.Lock()
		dependent.BlockedReason = fmt.Sprintf("dependency %s blocked", task.Name)
		o.stateMu.Unlock()
		o.transition(dependent, models.TaskStateSkipped)
		o.emitEvent(Event{
			Type:     EventTaskSkipped,
			TaskID:   dependent.ID,
			TaskName: dependent.Name,
			Message:  dependent.BlockedReason,
		})
	}
}

// cancelRun winds the run down after context cancellation: pending work
// is skipped immediately, and running tasks get a grace period before
// being treated as failed. Cancelled tasks are never retried.
func (o *Orchestrator) cancelRun(startedAt time.Time, completionCh <-chan completion) *models.RunResult {
	o.logger.Log("[run] cancellation requested, skipping pending tasks")

	for _, task := range o.plan.Tasks {
		if task.State == models.TaskStatePending || task.State == models.TaskStateReady ||
			task.State == models.TaskStateFailed {
			o.stateMu.Lock()
			task.BlockedReason = "run cancelled"
			o.stateMu.Unlock()
			o.transition(task, models.TaskStateSkipped)
			o.emitEvent(Event{Type: EventTaskSkipped, TaskID: task.ID, TaskName: task.Name, Message: "run cancelled"})
		}
	}

	grace := time.After(o.cfg.CancelGrace)
	for o.scheduler.RunningCount() > 0 {
		select {
		case c := <-completionCh:
			o.scheduler.OnTaskFinish(c.task.ID, c.err == nil)
			if c.err == nil {
				o.store.Publish(c.task.ID)
				o.transition(c.task, models.TaskStateSucceeded)
			} else {
				o.store.Discard(c.task.ID)
				o.stateMu.Lock()
				c.task.Error = c.err.Error()
				o.stateMu.Unlock()
				o.transition(c.task, models.TaskStateFailed)
			}
		case <-grace:
			for _, id := range o.scheduler.RunningIDs() {
				task := o.plan.Graph.GetTask(id)
				o.scheduler.OnTaskFinish(id, false)
				o.stateMu.Lock()
				task.Error = "cancelled before completion"
				o.stateMu.Unlock()
				o.transition(task, models.TaskStateFailed)
			}
		}
	}

	return o.finalize(startedAt)
}

// finalize computes the terminal run result.
func (o *Orchestrator) finalize(startedAt time.Time) *models.RunResult {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()

	result := &models.RunResult{
		RunID:      o.runID,
		Total:      len(o.plan.Tasks),
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}

	clean := true
	for _, task := range o.plan.Tasks {
		if task.State != models.TaskStateSucceeded && task.State != models.TaskStateSkipped {
			clean = false
		}
		switch task.State {
		case models.TaskStateSucceeded:
			result.Succeeded++
		case models.TaskStateBlocked:
			result.Blocked = append(result.Blocked, models.BlockedTask{
				TaskID:        task.ID,
				Name:          task.Name,
				State:         task.State,
				Reason:        task.BlockedReason,
				BackendsTried: o.coordinator.TriedKinds(task.ID),
			})
		case models.TaskStateSkipped, models.TaskStateFailed:
			reason := task.BlockedReason
			if reason == "" {
				reason = task.Error
			}
			result.Blocked = append(result.Blocked, models.BlockedTask{
				TaskID: task.ID,
				Name:   task.Name,
				State:  task.State,
				Reason: reason,
			})
		}
	}

	switch {
	case clean && result.Succeeded > 0:
		result.State = models.RunCompleted
	case result.Succeeded > 0:
		result.State = models.RunPartiallyCompleted
	default:
		result.State = models.RunFailed
	}

	o.logger.Log("[run] run %s finished: %s (%d/%d succeeded)", o.runID, result.State, result.Succeeded, result.Total)
	o.emitEvent(Event{
		Type:    EventRunDone,
		Message: fmt.Sprintf("%d/%d tasks succeeded", result.Succeeded, result.Total),
	})
	return result
}
