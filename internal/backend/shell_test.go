package backend

import (
	"context"
	"strings"
	"testing"

	"github.com/loomworks/loom/pkg/models"
)

// fakeRunner records the last shell invocation and returns canned output.
type fakeRunner struct {
	lastCommand string
	lastInput   string
	output      string
	err         error
}

func (f *fakeRunner) Run(ctx context.Context, workDir, name string, args ...string) ([]byte, error) {
	return []byte(f.output), f.err
}

func (f *fakeRunner) RunShell(ctx context.Context, workDir, command string) ([]byte, error) {
	f.lastCommand = command
	return []byte(f.output), f.err
}

func (f *fakeRunner) RunShellInput(ctx context.Context, workDir, command, input string) ([]byte, error) {
	f.lastCommand = command
	f.lastInput = input
	return []byte(f.output), f.err
}

func TestShellBackendTextOnly(t *testing.T) {
	runner := &fakeRunner{output: "generated docs\n"}
	b := NewShellBackend(models.BackendTextOnly,
		map[models.Capability]string{"docs": "gen-docs"}, runner, "")

	result, err := b.Execute(context.Background(), Request{
		Capability: "docs",
		Text:       "write the README",
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if runner.lastCommand != "gen-docs" {
		t.Errorf("expected command gen-docs, got %q", runner.lastCommand)
	}
	if runner.lastInput != "write the README" {
		t.Errorf("expected text payload on stdin, got %q", runner.lastInput)
	}
	if result.Text != "generated docs" {
		t.Errorf("expected trimmed text output, got %q", result.Text)
	}
}

func TestShellBackendStructuredRoundTrip(t *testing.T) {
	runner := &fakeRunner{output: "status: done\nfiles: 3\n"}
	b := NewShellBackend(models.BackendStructured,
		map[models.Capability]string{"backend": "build-api"}, runner, "")

	result, err := b.Execute(context.Background(), Request{
		Capability: "backend",
		Structured: map[string]any{"table": "users"},
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if !strings.Contains(runner.lastInput, "table: users") {
		t.Errorf("expected structured input marshaled to YAML, got %q", runner.lastInput)
	}
	if result.Structured["status"] != "done" {
		t.Errorf("expected YAML output parsed, got %v", result.Structured)
	}
}

func TestShellBackendStructuredWrapsNonYAMLOutput(t *testing.T) {
	runner := &fakeRunner{output: "plain prose, not a mapping"}
	b := NewShellBackend(models.BackendStructured,
		map[models.Capability]string{"backend": "build-api"}, runner, "")

	result, err := b.Execute(context.Background(), Request{Capability: "backend"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Structured["output"] != "plain prose, not a mapping" {
		t.Errorf("expected non-YAML output wrapped, got %v", result.Structured)
	}
}

func TestShellBackendUnknownCapability(t *testing.T) {
	b := NewShellBackend(models.BackendTextOnly, nil, &fakeRunner{}, "")
	if _, err := b.Execute(context.Background(), Request{Capability: "docs"}); err == nil {
		t.Fatal("expected error for capability without a command")
	}
}
