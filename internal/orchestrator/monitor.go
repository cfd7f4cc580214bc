package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/pkg/models"
)

// Snapshot is a point-in-time view of run progress. Two snapshots taken
// with no intervening state change are identical.
type Snapshot struct {
	// Completed is the number of tasks in a terminal state.
	Completed int
	// Succeeded is the number of tasks that succeeded.
	Succeeded int
	// Total is the number of tasks in the plan.
	Total int
	// RunningTasks lists the IDs of in-flight tasks, sorted.
	RunningTasks []string
	// BlockedTasks lists the IDs of blocked tasks, sorted.
	BlockedTasks []string
	// EstimatedRemaining is the longest remaining chain of unfinished
	// tasks, weighted by per-capability average durations.
	EstimatedRemaining time.Duration
}

// Monitor is a read-only observer of run progress. It never mutates task
// state and never aborts anything; stall detection is advisory.
type Monitor struct {
	graph *graph.DependencyGraph
	// stallTimeout is how long without any state transition counts as a stall.
	stallTimeout time.Duration
	// defaultDuration estimates tasks of capabilities with no samples yet.
	defaultDuration time.Duration

	mu sync.RWMutex
	// avg holds the rolling average duration per capability.
	avg map[models.Capability]time.Duration
	// samples counts completions per capability.
	samples map[models.Capability]int
	// lastTransition is when any task last changed state.
	lastTransition time.Time
	// stallRaised suppresses duplicate stall events within one episode.
	stallRaised bool
}

// NewMonitor creates a Monitor over the graph.
func NewMonitor(g *graph.DependencyGraph, stallTimeout, defaultDuration time.Duration) *Monitor {
	return &Monitor{
		graph:           g,
		stallTimeout:    stallTimeout,
		defaultDuration: defaultDuration,
		avg:             make(map[models.Capability]time.Duration),
		samples:         make(map[models.Capability]int),
		lastTransition:  time.Now(),
	}
}

// ObserveTransition records that some task changed state, resetting the
// stall clock.
func (m *Monitor) ObserveTransition() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTransition = time.Now()
	m.stallRaised = false
}

// ObserveCompletion folds a finished task's duration into the rolling
// average for its capability.
func (m *Monitor) ObserveCompletion(capability models.Capability, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples[capability]++
	n := m.samples[capability]
	prev := m.avg[capability]
	m.avg[capability] = prev + (duration-prev)/time.Duration(n)

	m.lastTransition = time.Now()
	m.stallRaised = false
}

// CheckStall returns true exactly once per stall episode: when no task
// has transitioned within the stall timeout and unfinished tasks remain.
func (m *Monitor) CheckStall() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stallTimeout <= 0 || m.stallRaised {
		return false
	}
	if time.Since(m.lastTransition) < m.stallTimeout {
		return false
	}

	for _, task := range m.graph.Tasks() {
		if !task.State.Terminal() {
			m.stallRaised = true
			return true
		}
	}
	return false
}

// Snapshot returns the current progress view.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := m.graph.Tasks()
	snap := Snapshot{Total: len(tasks)}

	for _, task := range tasks {
		switch task.State {
		case models.TaskStateRunning:
			snap.RunningTasks = append(snap.RunningTasks, task.ID)
		case models.TaskStateBlocked:
			snap.BlockedTasks = append(snap.BlockedTasks, task.ID)
		case models.TaskStateSucceeded:
			snap.Succeeded++
		}
		if task.State.Terminal() {
			snap.Completed++
		}
	}
	sort.Strings(snap.RunningTasks)
	sort.Strings(snap.BlockedTasks)

	snap.EstimatedRemaining = m.estimateRemainingLocked(tasks)
	return snap
}

// estimateRemainingLocked computes the longest remaining dependency
// chain over unfinished tasks, weighting each task by its capability's
// rolling average duration. Caller must hold m.mu.
func (m *Monitor) estimateRemainingLocked(tasks []*models.Task) time.Duration {
	byID := make(map[string]*models.Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}

	memo := make(map[string]time.Duration, len(tasks))
	var chain func(id string) time.Duration
	chain = func(id string) time.Duration {
		if d, ok := memo[id]; ok {
			return d
		}

		task := byID[id]
		var weight time.Duration
		if task != nil && !task.State.Terminal() {
			weight = m.weightLocked(task.Capability)
		}

		var longestDep time.Duration
		if task != nil {
			for _, depID := range task.DependsOn {
				if d := chain(depID); d > longestDep {
					longestDep = d
				}
			}
		}

		total := weight + longestDep
		memo[id] = total
		return total
	}

	var longest time.Duration
	for _, task := range tasks {
		if d := chain(task.ID); d > longest {
			longest = d
		}
	}
	return longest
}

func (m *Monitor) weightLocked(capability models.Capability) time.Duration {
	if m.samples[capability] > 0 {
		return m.avg[capability]
	}
	return m.defaultDuration
}
