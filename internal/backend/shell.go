package backend

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	iexec "github.com/loomworks/loom/internal/exec"
	"github.com/loomworks/loom/pkg/models"
)

// ShellBackend executes tasks by running a shell command per capability.
// It serves either kind: a text-only shell backend pipes the text
// payload to stdin and returns raw output, while a structured one pipes
// YAML and parses YAML back out. The command receives no other context.
type ShellBackend struct {
	kind models.BackendKind
	// commands maps capability to the shell command to run.
	commands map[models.Capability]string
	runner   iexec.CommandRunner
	workDir  string
}

// NewShellBackend creates a ShellBackend of the given kind.
func NewShellBackend(kind models.BackendKind, commands map[models.Capability]string, runner iexec.CommandRunner, workDir string) *ShellBackend {
	return &ShellBackend{
		kind:     kind,
		commands: commands,
		runner:   runner,
		workDir:  workDir,
	}
}

// Capabilities returns the capabilities this backend has commands for.
func (b *ShellBackend) Capabilities() []models.Capability {
	caps := make([]models.Capability, 0, len(b.commands))
	for c := range b.commands {
		caps = append(caps, c)
	}
	return caps
}

// Execute runs the capability's command with the request payload on stdin.
func (b *ShellBackend) Execute(ctx context.Context, req Request) (*Result, error) {
	command, ok := b.commands[req.Capability]
	if !ok {
		return nil, fmt.Errorf("shell backend has no command for capability %s", req.Capability)
	}

	input := req.Text
	if b.kind == models.BackendStructured {
		data, err := yaml.Marshal(req.Structured)
		if err != nil {
			return nil, fmt.Errorf("marshal structured input: %w", err)
		}
		input = string(data)
	}

	output, err := b.runner.RunShellInput(ctx, b.workDir, command, input)
	if err != nil {
		return nil, fmt.Errorf("command for %s: %w: %s", req.Capability, err, strings.TrimSpace(string(output)))
	}

	text := strings.TrimRight(string(output), "\n")
	if b.kind == models.BackendTextOnly {
		return &Result{Text: text}, nil
	}

	var structured map[string]any
	if err := yaml.Unmarshal(output, &structured); err != nil || structured == nil {
		// Output that is not a YAML mapping is still a valid artifact.
		structured = map[string]any{"output": text}
	}
	return &Result{Structured: structured}, nil
}

// Verify ShellBackend implements Backend at compile time.
var _ Backend = (*ShellBackend)(nil)
