package orchestrator

import (
	"testing"

	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/pkg/models"
)

func schedTask(id string, seq int, deps ...string) *models.Task {
	return &models.Task{
		ID:         id,
		Name:       id,
		Capability: "build",
		DependsOn:  deps,
		State:      models.TaskStatePending,
		Seq:        seq,
	}
}

func buildGraph(t *testing.T, tasks ...*models.Task) *graph.DependencyGraph {
	t.Helper()
	g := graph.New()
	if err := g.Build(tasks); err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return g
}

func TestScheduleRespectsConcurrencyCap(t *testing.T) {
	tasks := []*models.Task{
		schedTask("a", 0), schedTask("b", 1), schedTask("c", 2),
		schedTask("d", 3), schedTask("e", 4),
	}
	s := NewScheduler(buildGraph(t, tasks...), 2)

	batch := s.Schedule()
	if len(batch) != 2 {
		t.Fatalf("expected batch of 2, got %d", len(batch))
	}
	for _, task := range batch {
		if !s.OnTaskStart(task) {
			t.Fatalf("OnTaskStart(%s) = false", task.ID)
		}
	}

	if batch := s.Schedule(); len(batch) != 0 {
		t.Errorf("expected empty batch with all slots busy, got %d", len(batch))
	}
}

func TestScheduleLongestDependentsFirst(t *testing.T) {
	a := schedTask("a", 0)
	b := schedTask("b", 1)
	c := schedTask("c", 2, "b")
	d := schedTask("d", 3, "c")
	s := NewScheduler(buildGraph(t, a, b, c, d), 1)

	batch := s.Schedule()
	if len(batch) != 1 {
		t.Fatalf("expected batch of 1, got %d", len(batch))
	}
	// b unblocks two downstream tasks, a unblocks none.
	if batch[0].ID != "b" {
		t.Errorf("expected b scheduled first, got %s", batch[0].ID)
	}
}

func TestScheduleFIFOOnTies(t *testing.T) {
	a := schedTask("a", 0)
	b := schedTask("b", 1)
	s := NewScheduler(buildGraph(t, a, b), 1)

	batch := s.Schedule()
	if len(batch) != 1 || batch[0].ID != "a" {
		t.Fatalf("expected a (earlier Seq) scheduled first, got %v", batch)
	}
}

func TestScheduleExclusiveResource(t *testing.T) {
	r1 := schedTask("r1", 0)
	r1.ExclusiveResource = "repo"
	r2 := schedTask("r2", 1)
	r2.ExclusiveResource = "repo"
	s := NewScheduler(buildGraph(t, r1, r2), 4)

	batch := s.Schedule()
	if len(batch) != 1 {
		t.Fatalf("expected 1 task (resource serialized), got %d", len(batch))
	}
	if !s.OnTaskStart(batch[0]) {
		t.Fatal("OnTaskStart = false")
	}

	if batch := s.Schedule(); len(batch) != 0 {
		t.Fatalf("expected no tasks while resource held, got %d", len(batch))
	}

	s.OnTaskFinish(batch[0].ID, true)
	batch2 := s.Schedule()
	if len(batch2) != 1 {
		t.Fatalf("expected other resource task after release, got %d", len(batch2))
	}
	if batch2[0].ID == batch[0].ID {
		t.Errorf("same task scheduled twice: %s", batch2[0].ID)
	}
}

func TestScheduleSpreadsCapabilities(t *testing.T) {
	a := schedTask("a", 0)
	b := schedTask("b", 1)
	c := schedTask("c", 2)
	c.Capability = "test"
	s := NewScheduler(buildGraph(t, a, b, c), 2)

	batch := s.Schedule()
	if len(batch) != 2 {
		t.Fatalf("expected batch of 2, got %d", len(batch))
	}
	caps := map[models.Capability]bool{}
	for _, task := range batch {
		caps[task.Capability] = true
	}
	if !caps["build"] || !caps["test"] {
		t.Errorf("expected one task per capability, got %v", caps)
	}
}

func TestScheduleFillsSlotsWithSameCapability(t *testing.T) {
	a := schedTask("a", 0)
	b := schedTask("b", 1)
	s := NewScheduler(buildGraph(t, a, b), 2)

	// Both share a capability; spreading is a preference, not a rule.
	if batch := s.Schedule(); len(batch) != 2 {
		t.Fatalf("expected both tasks scheduled, got %d", len(batch))
	}
}

func TestOnTaskStartRejectsDuplicate(t *testing.T) {
	a := schedTask("a", 0)
	s := NewScheduler(buildGraph(t, a), 2)

	if !s.OnTaskStart(a) {
		t.Fatal("first OnTaskStart = false")
	}
	if s.OnTaskStart(a) {
		t.Fatal("duplicate OnTaskStart = true, want false")
	}
	if s.RunningCount() != 1 {
		t.Errorf("RunningCount = %d, want 1", s.RunningCount())
	}
}

func TestOnTaskStartRejectsHeldResource(t *testing.T) {
	r1 := schedTask("r1", 0)
	r1.ExclusiveResource = "repo"
	r2 := schedTask("r2", 1)
	r2.ExclusiveResource = "repo"
	s := NewScheduler(buildGraph(t, r1, r2), 4)

	if !s.OnTaskStart(r1) {
		t.Fatal("OnTaskStart(r1) = false")
	}
	if s.OnTaskStart(r2) {
		t.Fatal("OnTaskStart(r2) = true while r1 holds resource")
	}

	s.OnTaskFinish(r1.ID, false)
	if !s.OnTaskStart(r2) {
		t.Fatal("OnTaskStart(r2) = false after resource release")
	}
}

func TestOnTaskFinishUnblocksDependents(t *testing.T) {
	a := schedTask("a", 0)
	b := schedTask("b", 1, "a")
	s := NewScheduler(buildGraph(t, a, b), 2)

	batch := s.Schedule()
	if len(batch) != 1 || batch[0].ID != "a" {
		t.Fatalf("expected [a], got %v", batch)
	}
	s.OnTaskStart(a)
	s.OnTaskFinish("a", true)

	batch = s.Schedule()
	if len(batch) != 1 || batch[0].ID != "b" {
		t.Fatalf("expected [b] after a succeeded, got %v", batch)
	}
}

func TestOnTaskFinishFailureKeepsDependentsWaiting(t *testing.T) {
	a := schedTask("a", 0)
	b := schedTask("b", 1, "a")
	s := NewScheduler(buildGraph(t, a, b), 2)

	s.OnTaskStart(a)
	s.OnTaskFinish("a", false)

	// a may still be retried; b must not surface yet.
	for _, task := range s.Schedule() {
		if task.ID == "b" {
			t.Fatal("b scheduled although a has not succeeded")
		}
	}
}
