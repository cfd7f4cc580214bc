package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/contextstore"
	"github.com/loomworks/loom/pkg/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	cp := NewCheckpoint(openTestDB(t))
	started := time.Now()

	if err := cp.BeginRun("r1", "nightly", 3, started); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	run, err := cp.LoadRun("r1")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if run == nil || run.State != models.RunInProgress || run.Total != 3 {
		t.Fatalf("run = %+v, want in_progress with 3 tasks", run)
	}

	finished := started.Add(time.Minute)
	err = cp.FinishRun(&models.RunResult{
		RunID:      "r1",
		State:      models.RunPartiallyCompleted,
		Succeeded:  2,
		Total:      3,
		StartedAt:  started,
		FinishedAt: finished,
	})
	if err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	run, err = cp.LoadRun("r1")
	if err != nil {
		t.Fatalf("LoadRun after finish: %v", err)
	}
	if run.State != models.RunPartiallyCompleted || run.Succeeded != 2 {
		t.Errorf("run = %+v, want partially_completed with 2 succeeded", run)
	}
	if run.FinishedAt == nil {
		t.Error("FinishedAt not persisted")
	}
}

func TestLoadRunMissing(t *testing.T) {
	cp := NewCheckpoint(openTestDB(t))
	run, err := cp.LoadRun("nope")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if run != nil {
		t.Errorf("run = %+v, want nil", run)
	}
}

func TestSaveTaskUpserts(t *testing.T) {
	cp := NewCheckpoint(openTestDB(t))
	task := &models.Task{
		ID:         "t1",
		Name:       "compile",
		Capability: "build",
		DependsOn:  []string{"t0"},
		State:      models.TaskStateRunning,
		Attempts:   1,
		CreatedAt:  time.Now(),
	}
	if err := cp.SaveTask("r1", task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	done := time.Now()
	task.State = models.TaskStateSucceeded
	task.Attempts = 2
	task.BackendUsed = models.BackendTextOnly
	task.CompletedAt = &done
	if err := cp.SaveTask("r1", task); err != nil {
		t.Fatalf("SaveTask update: %v", err)
	}

	tasks, err := cp.LoadTasks("r1")
	if err != nil {
		t.Fatalf("LoadTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1 (upsert)", len(tasks))
	}
	got := tasks[0]
	if got.State != models.TaskStateSucceeded || got.Attempts != 2 {
		t.Errorf("task = %+v, want succeeded with 2 attempts", got)
	}
	if got.BackendUsed != models.BackendTextOnly {
		t.Errorf("backend used = %s, want text_only", got.BackendUsed)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "t0" {
		t.Errorf("depends_on = %v, want [t0]", got.DependsOn)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not persisted")
	}
}

func TestSaveEntriesRoundTrip(t *testing.T) {
	cp := NewCheckpoint(openTestDB(t))
	entries := map[string]*contextstore.Entry{
		"output/compile": {
			Key:            "output/compile",
			ProducerTaskID: "t1",
			Structured:     map[string]any{"artifact": "bin/loom"},
			Version:        2,
		},
		"output/notes": {
			Key:            "output/notes",
			ProducerTaskID: "t2",
			Text:           "all green",
			Version:        1,
		},
	}
	if err := cp.SaveEntries("r1", entries); err != nil {
		t.Fatalf("SaveEntries: %v", err)
	}

	loaded, err := cp.LoadEntries("r1")
	if err != nil {
		t.Fatalf("LoadEntries: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("got %d entries, want 2", len(loaded))
	}

	compile := loaded["output/compile"]
	if compile == nil || compile.Version != 2 {
		t.Fatalf("compile entry = %+v", compile)
	}
	if compile.Structured["artifact"] != "bin/loom" {
		t.Errorf("structured payload = %v", compile.Structured)
	}
	if notes := loaded["output/notes"]; notes == nil || notes.Text != "all green" {
		t.Errorf("notes entry = %+v", notes)
	}
}
