package orchestrator

import (
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

func TestObserveCompletionRollingAverage(t *testing.T) {
	a := schedTask("a", 0)
	m := NewMonitor(buildGraph(t, a), time.Minute, time.Second)

	m.ObserveCompletion("build", 100*time.Millisecond)
	m.ObserveCompletion("build", 200*time.Millisecond)

	// Average of 100ms and 200ms; task a is unfinished so the estimate
	// is exactly one build-weighted task.
	snap := m.Snapshot()
	if snap.EstimatedRemaining != 150*time.Millisecond {
		t.Errorf("EstimatedRemaining = %v, want 150ms", snap.EstimatedRemaining)
	}
}

func TestEstimateRemainingUsesLongestChain(t *testing.T) {
	a := schedTask("a", 0)
	b := schedTask("b", 1, "a")
	b.Capability = "test"
	c := schedTask("c", 2)
	m := NewMonitor(buildGraph(t, a, b, c), time.Minute, 10*time.Millisecond)

	m.ObserveCompletion("build", 100*time.Millisecond)

	// Chain a->b: 100ms (build avg) + 10ms (test default) beats the
	// standalone c at 100ms.
	snap := m.Snapshot()
	if snap.EstimatedRemaining != 110*time.Millisecond {
		t.Errorf("EstimatedRemaining = %v, want 110ms", snap.EstimatedRemaining)
	}

	a.State = models.TaskStateSucceeded
	snap = m.Snapshot()
	if snap.EstimatedRemaining != 100*time.Millisecond {
		t.Errorf("EstimatedRemaining after a done = %v, want 100ms", snap.EstimatedRemaining)
	}
}

func TestSnapshotCounts(t *testing.T) {
	a := schedTask("a", 0)
	a.State = models.TaskStateSucceeded
	b := schedTask("b", 1)
	b.State = models.TaskStateRunning
	c := schedTask("c", 2)
	c.State = models.TaskStateBlocked
	m := NewMonitor(buildGraph(t, a, b, c), time.Minute, time.Second)

	snap := m.Snapshot()
	if snap.Total != 3 || snap.Succeeded != 1 || snap.Completed != 2 {
		t.Errorf("snapshot = %+v, want total 3, succeeded 1, completed 2", snap)
	}
	if len(snap.RunningTasks) != 1 || snap.RunningTasks[0] != "b" {
		t.Errorf("RunningTasks = %v, want [b]", snap.RunningTasks)
	}
	if len(snap.BlockedTasks) != 1 || snap.BlockedTasks[0] != "c" {
		t.Errorf("BlockedTasks = %v, want [c]", snap.BlockedTasks)
	}
}

func TestSnapshotIdempotent(t *testing.T) {
	a := schedTask("a", 0)
	b := schedTask("b", 1, "a")
	m := NewMonitor(buildGraph(t, a, b), time.Minute, time.Second)
	m.ObserveCompletion("build", 50*time.Millisecond)

	first := m.Snapshot()
	second := m.Snapshot()
	if first.Completed != second.Completed || first.Succeeded != second.Succeeded ||
		first.EstimatedRemaining != second.EstimatedRemaining {
		t.Errorf("snapshots differ with no state change: %+v vs %+v", first, second)
	}
}

func TestCheckStallOncePerEpisode(t *testing.T) {
	a := schedTask("a", 0)
	m := NewMonitor(buildGraph(t, a), 10*time.Millisecond, time.Second)

	time.Sleep(20 * time.Millisecond)
	if !m.CheckStall() {
		t.Fatal("expected stall after timeout with unfinished task")
	}
	if m.CheckStall() {
		t.Fatal("stall reported twice in one episode")
	}

	m.ObserveTransition()
	if m.CheckStall() {
		t.Fatal("stall reported immediately after a transition")
	}
	time.Sleep(20 * time.Millisecond)
	if !m.CheckStall() {
		t.Fatal("expected new stall episode after second quiet period")
	}
}

func TestCheckStallIgnoresFinishedRun(t *testing.T) {
	a := schedTask("a", 0)
	a.State = models.TaskStateSucceeded
	m := NewMonitor(buildGraph(t, a), 10*time.Millisecond, time.Second)

	time.Sleep(20 * time.Millisecond)
	if m.CheckStall() {
		t.Fatal("stall reported although every task is terminal")
	}
}
