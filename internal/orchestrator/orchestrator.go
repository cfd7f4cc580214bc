package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/backend"
	"github.com/loomworks/loom/internal/contextstore"
	"github.com/loomworks/loom/internal/plan"
	"github.com/loomworks/loom/pkg/models"
)

// Checkpointer persists run progress. Implementations must tolerate
// being called after every terminal task transition; checkpoint errors
// are logged, never fatal to the run.
type Checkpointer interface {
	// SaveTask persists one task's current state.
	SaveTask(runID string, task *models.Task) error
	// SaveEntries persists the published context entries.
	SaveEntries(runID string, entries map[string]*contextstore.Entry) error
}

// Orchestrator executes one plan across the backend pool. It is the sole
// mutator of task and run state; the monitor and external status queries
// read through a shared lock and always see a consistent view.
type Orchestrator struct {
	plan        *plan.Plan
	pool        *backend.Pool
	store       *contextstore.Store
	adapter     *contextstore.Adapter
	scheduler   *Scheduler
	monitor     *Monitor
	coordinator *Coordinator

	cfg          Config
	logger       *DebugLogger
	checkpointer Checkpointer

	runID string

	// stateMu guards task state transitions against concurrent readers.
	stateMu sync.RWMutex

	// events is the channel for emitting run events.
	events chan Event
	// dropped counts events discarded because the consumer was slow.
	dropped atomic.Uint64
	// done guards against double-close of events.
	done sync.Once
}

// New creates an Orchestrator for the given plan and pool.
func New(p *plan.Plan, pool *backend.Pool, opts ...Option) *Orchestrator {
	store := contextstore.New()

	o := &Orchestrator{
		plan:    p,
		pool:    pool,
		store:   store,
		adapter: contextstore.NewAdapter(store),
		cfg:     DefaultConfig(),
		logger:  NopLogger(),
		runID:   uuid.New().String()[:8],
		events:  make(chan Event, 256),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.scheduler = NewScheduler(p.Graph, o.cfg.MaxParallel)
	o.scheduler.SetLogger(o.logger)
	o.monitor = NewMonitor(p.Graph, o.cfg.StallTimeout, o.cfg.TaskEstimate)
	o.coordinator = NewCoordinator(pool, o.cfg.MaxRetries, o.cfg.UnavailableThreshold,
		o.cfg.BackoffInitial, o.cfg.BackoffMax)

	return o
}

// RunID returns the unique identifier of this run.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Events returns the channel of run events. The channel is closed when
// the run reaches a terminal state.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// DroppedEventCount returns the number of events dropped because the
// consumer was slow.
func (o *Orchestrator) DroppedEventCount() uint64 {
	return o.dropped.Load()
}

// Store returns the run's context store.
func (o *Orchestrator) Store() *contextstore.Store {
	return o.store
}

// Snapshot returns a consistent view of run progress for external
// status polling.
func (o *Orchestrator) Snapshot() Snapshot {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.monitor.Snapshot()
}

// emitEvent sends an event without blocking the run loop. Events are
// dropped, and counted, when the consumer falls behind.
func (o *Orchestrator) emitEvent(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case o.events <- ev:
	default:
		o.dropped.Add(1)
		o.logger.Log("[events] dropped %s event for task %s", ev.Type, ev.TaskID)
	}
}

// closeEvents closes the events channel exactly once.
func (o *Orchestrator) closeEvents() {
	o.done.Do(func() { close(o.events) })
}

// transition updates a task's state under the state lock and resets the
// stall clock.
func (o *Orchestrator) transition(task *models.Task, state models.TaskState) {
	o.stateMu.Lock()
	task.State = state
	if state.Terminal() {
		now := time.Now()
		task.CompletedAt = &now
	}
	o.stateMu.Unlock()

	o.monitor.ObserveTransition()
	o.checkpointTask(task)
}

// checkpointTask persists the task and current context entries, if a
// checkpointer is configured.
func (o *Orchestrator) checkpointTask(task *models.Task) {
	if o.checkpointer == nil {
		return
	}
	if err := o.checkpointer.SaveTask(o.runID, task); err != nil {
		o.logger.Log("[checkpoint] save task %s: %v", task.ID, err)
	}
	if err := o.checkpointer.SaveEntries(o.runID, o.store.Snapshot()); err != nil {
		o.logger.Log("[checkpoint] save entries: %v", err)
	}
}
