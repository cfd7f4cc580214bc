package orchestrator

import (
	"sort"
	"sync"

	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/pkg/models"
)

// Scheduler selects which ready tasks to dispatch into available slots.
// It enforces the concurrency cap and exclusive resource serialization,
// and applies two preferences: tasks that unblock the most downstream
// work go first (longest-dependents-first, FIFO by creation order for
// ties), and a single scheduling batch spreads across capabilities so
// heterogeneous backends stay busy in parallel.
type Scheduler struct {
	graph       *graph.DependencyGraph
	maxParallel int
	resources   *resourceLocks

	mu sync.RWMutex
	// running maps task ID to its task while an attempt is in flight.
	running map[string]*models.Task
	// logger is optional debug logging.
	logger *DebugLogger
}

// NewScheduler creates a Scheduler over the dependency graph with the
// given concurrency cap.
func NewScheduler(g *graph.DependencyGraph, maxParallel int) *Scheduler {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Scheduler{
		graph:       g,
		maxParallel: maxParallel,
		resources:   newResourceLocks(),
		running:     make(map[string]*models.Task),
	}
}

// SetLogger sets the debug logger.
func (s *Scheduler) SetLogger(l *DebugLogger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = l
}

// Schedule returns the next batch of tasks to dispatch, at most
// maxParallel minus the number already running. Tasks whose exclusive
// resource is held are deferred, not dropped; they surface again once
// the holder finishes.
func (s *Scheduler) Schedule() []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	availableSlots := s.maxParallel - len(s.running)
	if availableSlots <= 0 {
		return nil
	}

	ready := s.graph.GetReady()
	if len(ready) == 0 {
		return nil
	}

	var candidates []*models.Task
	for _, task := range ready {
		if _, inFlight := s.running[task.ID]; inFlight {
			continue
		}
		candidates = append(candidates, task)
	}
	if len(candidates) == 0 {
		return nil
	}

	// Longest-dependents-first: a task that unblocks more transitive
	// downstream work minimizes critical-path stall. FIFO by Seq on ties.
	weights := make(map[string]int, len(candidates))
	for _, task := range candidates {
		weights[task.ID] = len(s.graph.TransitiveDependents(task.ID))
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		wi, wj := weights[candidates[i].ID], weights[candidates[j].ID]
		if wi != wj {
			return wi > wj
		}
		return candidates[i].Seq < candidates[j].Seq
	})

	// Capability spreading: when slots are scarce, prefer not to give two
	// slots to the same capability in one batch. Preference only; if the
	// remaining candidates all share a capability they are scheduled anyway.
	var batch []*models.Task
	batchCaps := make(map[models.Capability]bool)
	runningCaps := make(map[models.Capability]bool)
	for _, task := range s.running {
		runningCaps[task.Capability] = true
	}

	var deferred []*models.Task
	for _, task := range candidates {
		if len(batch) >= availableSlots {
			break
		}
		if !s.resources.TryAcquire(task.ExclusiveResource, task.ID) {
			s.logger.Log("[scheduler] deferring %s: exclusive resource %q held", task.ID, task.ExclusiveResource)
			continue
		}
		if batchCaps[task.Capability] || runningCaps[task.Capability] {
			// Same capability already busy; hold back unless slots remain.
			s.resources.Release(task.ExclusiveResource, task.ID)
			deferred = append(deferred, task)
			continue
		}
		batchCaps[task.Capability] = true
		batch = append(batch, task)
	}

	// Fill remaining slots with the deferred same-capability tasks.
	for _, task := range deferred {
		if len(batch) >= availableSlots {
			break
		}
		if !s.resources.TryAcquire(task.ExclusiveResource, task.ID) {
			continue
		}
		batch = append(batch, task)
	}

	s.logger.Log("[scheduler] scheduling %d of %d candidates (%d slots)", len(batch), len(candidates), availableSlots)
	return batch
}

// OnTaskStart records a task as running. Returns false if the task
// already has an attempt in flight or its exclusive resource is held by
// another task; redispatched tasks bypass Schedule, so the resource
// check here is what keeps serialization airtight.
func (s *Scheduler) OnTaskStart(task *models.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, inFlight := s.running[task.ID]; inFlight {
		return false
	}
	if !s.resources.TryAcquire(task.ExclusiveResource, task.ID) {
		return false
	}
	s.running[task.ID] = task
	return true
}

// Abandon releases a task's exclusive resource when a scheduled task is
// dropped before its attempt starts.
func (s *Scheduler) Abandon(task *models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, task.ID)
	s.resources.Release(task.ExclusiveResource, task.ID)
}

// OnTaskFinish removes a task from the running set and releases its
// exclusive resource. If succeeded, the task is marked successful in the
// graph, unblocking dependents; failed tasks keep dependents waiting
// until the fallback coordinator settles their fate.
func (s *Scheduler) OnTaskFinish(taskID string, succeeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.running[taskID]
	if !ok {
		return
	}
	delete(s.running, taskID)
	s.resources.Release(task.ExclusiveResource, taskID)

	if succeeded {
		s.graph.MarkSucceeded(taskID)
	}
}

// RunningCount returns the number of tasks with an attempt in flight.
func (s *Scheduler) RunningCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.running)
}

// RunningIDs returns the IDs of all in-flight tasks, sorted.
func (s *Scheduler) RunningIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
