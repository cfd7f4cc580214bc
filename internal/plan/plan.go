// Package plan turns an incoming request into a validated task graph.
// Building is pure: it resolves names, checks capabilities against the
// registry, and validates acyclicity, but never executes anything.
package plan

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/pkg/models"
)

// ErrUnknownCapability indicates a task requested a capability with no
// registered backend.
var ErrUnknownCapability = errors.New("no backend registered for capability")

// ErrDuplicateTask indicates two tasks in the request share a name.
var ErrDuplicateTask = errors.New("duplicate task name")

// ErrUnknownDependency indicates a task depends on a name not present in
// the request.
var ErrUnknownDependency = errors.New("dependency references unknown task")

// ErrEmptyPlan indicates the request contained no tasks.
var ErrEmptyPlan = errors.New("plan contains no tasks")

// CapabilityChecker reports whether any backend can serve a capability.
// The backend registry satisfies this.
type CapabilityChecker interface {
	Supports(capability models.Capability) bool
}

// TaskSpec is one (name, capability, dependsOn) tuple from the request,
// plus the optional seed input and exclusive resource tag.
type TaskSpec struct {
	// Name is the unique task name within the plan.
	Name string `yaml:"name"`
	// Capability is the kind of worker the task needs.
	Capability string `yaml:"capability"`
	// DependsOn lists names of tasks that must succeed first.
	DependsOn []string `yaml:"depends_on,omitempty"`
	// Input is an optional structured seed payload for the task.
	Input map[string]any `yaml:"input,omitempty"`
	// InputText is an optional text seed payload for the task.
	InputText string `yaml:"input_text,omitempty"`
	// Resource is an optional exclusive resource tag.
	Resource string `yaml:"resource,omitempty"`
}

// Document is a whole plan file.
type Document struct {
	// Name labels the run.
	Name string `yaml:"name"`
	// Tasks is the task list.
	Tasks []TaskSpec `yaml:"tasks"`
}

// SeedInput is a task input payload to be published into the context
// store before the run starts.
type SeedInput struct {
	// Key is the context store key.
	Key string
	// TaskID is the consuming task, recorded as producer of its own seed.
	TaskID string
	// Structured is the typed payload, if provided.
	Structured map[string]any
	// Text is the text payload, if provided.
	Text string
}

// Plan is a validated, ready-to-execute task graph.
type Plan struct {
	// Name labels the run.
	Name string
	// Tasks is the ordered task list (by creation sequence).
	Tasks []*models.Task
	// Graph is the dependency DAG over Tasks.
	Graph *graph.DependencyGraph
	// Seeds are input payloads to publish before execution.
	Seeds []SeedInput
}

// Parse decodes a plan document from YAML.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return &doc, nil
}

// ParseFile reads and decodes a plan document from a file.
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	return Parse(data)
}

// Build validates the request against the capability registry and
// produces the task graph. Cyclic input and unknown capabilities are
// build-time errors; no run is started.
func Build(doc *Document, caps CapabilityChecker) (*Plan, error) {
	if len(doc.Tasks) == 0 {
		return nil, ErrEmptyPlan
	}

	idsByName := make(map[string]string, len(doc.Tasks))
	for _, spec := range doc.Tasks {
		if spec.Name == "" {
			return nil, errors.New("task with empty name")
		}
		if _, exists := idsByName[spec.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, spec.Name)
		}
		idsByName[spec.Name] = uuid.New().String()[:8]
	}

	now := time.Now()
	tasks := make([]*models.Task, 0, len(doc.Tasks))
	var seeds []SeedInput

	for seq, spec := range doc.Tasks {
		capability := models.Capability(spec.Capability)
		if caps != nil && !caps.Supports(capability) {
			return nil, fmt.Errorf("task %s: %w: %s", spec.Name, ErrUnknownCapability, spec.Capability)
		}

		deps := make([]string, 0, len(spec.DependsOn))
		for _, depName := range spec.DependsOn {
			depID, ok := idsByName[depName]
			if !ok {
				return nil, fmt.Errorf("task %s: %w: %s", spec.Name, ErrUnknownDependency, depName)
			}
			deps = append(deps, depID)
		}

		task := &models.Task{
			ID:                idsByName[spec.Name],
			Name:              spec.Name,
			Capability:        capability,
			DependsOn:         deps,
			ExclusiveResource: spec.Resource,
			State:             models.TaskStatePending,
			Seq:               seq,
			CreatedAt:         now,
		}

		if spec.Input != nil || spec.InputText != "" {
			task.InputKey = "input/" + spec.Name
			seeds = append(seeds, SeedInput{
				Key:        task.InputKey,
				TaskID:     task.ID,
				Structured: spec.Input,
				Text:       spec.InputText,
			})
		}

		tasks = append(tasks, task)
	}

	g := graph.New()
	if err := g.Build(tasks); err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}

	return &Plan{
		Name:  doc.Name,
		Tasks: tasks,
		Graph: g,
		Seeds: seeds,
	}, nil
}
