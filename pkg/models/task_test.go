package models

import "testing"

func TestTaskStateValid(t *testing.T) {
	valid := []TaskState{
		TaskStatePending, TaskStateReady, TaskStateRunning,
		TaskStateSucceeded, TaskStateFailed, TaskStateBlocked, TaskStateSkipped,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}

	if TaskState("cancelled").Valid() {
		t.Error("expected unknown state to be invalid")
	}
}

func TestTaskStateTerminal(t *testing.T) {
	tests := []struct {
		state    TaskState
		terminal bool
	}{
		{TaskStatePending, false},
		{TaskStateReady, false},
		{TaskStateRunning, false},
		{TaskStateFailed, false}, // fallback may still recover it
		{TaskStateSucceeded, true},
		{TaskStateBlocked, true},
		{TaskStateSkipped, true},
	}

	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("state %q: expected Terminal()=%v, got %v", tt.state, tt.terminal, got)
		}
	}
}

func TestBackendKindValid(t *testing.T) {
	if !BackendStructured.Valid() || !BackendTextOnly.Valid() {
		t.Error("expected known kinds to be valid")
	}
	if BackendKind("hybrid").Valid() {
		t.Error("expected unknown kind to be invalid")
	}
}

func TestHealthStateValid(t *testing.T) {
	for _, h := range []HealthState{HealthHealthy, HealthDegraded, HealthUnavailable} {
		if !h.Valid() {
			t.Errorf("expected %q to be valid", h)
		}
	}
	if HealthState("flapping").Valid() {
		t.Error("expected unknown health state to be invalid")
	}
}

func TestRunStateValid(t *testing.T) {
	for _, s := range []RunState{RunInProgress, RunCompleted, RunPartiallyCompleted, RunFailed} {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if RunState("aborted").Valid() {
		t.Error("expected unknown run state to be invalid")
	}
}
