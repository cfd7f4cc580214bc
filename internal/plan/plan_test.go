package plan

import (
	"errors"
	"testing"

	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/pkg/models"
)

// allCaps accepts every capability.
type allCaps struct{}

func (allCaps) Supports(models.Capability) bool { return true }

// fixedCaps accepts only the listed capabilities.
type fixedCaps map[models.Capability]bool

func (f fixedCaps) Supports(c models.Capability) bool { return f[c] }

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(`
name: demo
tasks:
  - name: schema
    capability: backend
  - name: api
    capability: backend
    depends_on: [schema]
    resource: database
`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if doc.Name != "demo" {
		t.Errorf("expected name demo, got %s", doc.Name)
	}
	if len(doc.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(doc.Tasks))
	}
	if doc.Tasks[1].Resource != "database" {
		t.Errorf("expected resource database, got %s", doc.Tasks[1].Resource)
	}
}

func TestBuildResolvesDependencies(t *testing.T) {
	doc := &Document{
		Name: "demo",
		Tasks: []TaskSpec{
			{Name: "a", Capability: "backend"},
			{Name: "b", Capability: "frontend"},
			{Name: "c", Capability: "docs", DependsOn: []string{"a", "b"}},
		},
	}

	p, err := Build(doc, allCaps{})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if len(p.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(p.Tasks))
	}

	c := p.Tasks[2]
	if len(c.DependsOn) != 2 {
		t.Fatalf("expected c to have 2 resolved deps, got %v", c.DependsOn)
	}
	if c.DependsOn[0] != p.Tasks[0].ID || c.DependsOn[1] != p.Tasks[1].ID {
		t.Error("dependency names were not resolved to task IDs")
	}
	if c.Seq != 2 {
		t.Errorf("expected c.Seq=2, got %d", c.Seq)
	}
}

func TestBuildCycleIsBuildError(t *testing.T) {
	doc := &Document{
		Tasks: []TaskSpec{
			{Name: "a", Capability: "backend", DependsOn: []string{"b"}},
			{Name: "b", Capability: "backend", DependsOn: []string{"a"}},
		},
	}

	_, err := Build(doc, allCaps{})
	if !errors.Is(err, graph.ErrCycleDetected) {
		t.Fatalf("expected cycle detection at build time, got %v", err)
	}
}

func TestBuildUnknownCapability(t *testing.T) {
	doc := &Document{
		Tasks: []TaskSpec{
			{Name: "a", Capability: "quantum"},
		},
	}

	_, err := Build(doc, fixedCaps{"backend": true})
	if !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("expected ErrUnknownCapability, got %v", err)
	}
}

func TestBuildUnknownDependency(t *testing.T) {
	doc := &Document{
		Tasks: []TaskSpec{
			{Name: "a", Capability: "backend", DependsOn: []string{"ghost"}},
		},
	}

	_, err := Build(doc, allCaps{})
	if !errors.Is(err, ErrUnknownDependency) {
		t.Fatalf("expected ErrUnknownDependency, got %v", err)
	}
}

func TestBuildDuplicateName(t *testing.T) {
	doc := &Document{
		Tasks: []TaskSpec{
			{Name: "a", Capability: "backend"},
			{Name: "a", Capability: "frontend"},
		},
	}

	_, err := Build(doc, allCaps{})
	if !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}
}

func TestBuildEmptyPlan(t *testing.T) {
	if _, err := Build(&Document{}, allCaps{}); !errors.Is(err, ErrEmptyPlan) {
		t.Fatalf("expected ErrEmptyPlan, got %v", err)
	}
}

func TestBuildCollectsSeeds(t *testing.T) {
	doc := &Document{
		Tasks: []TaskSpec{
			{Name: "a", Capability: "backend", Input: map[string]any{"table": "users"}},
			{Name: "b", Capability: "docs", InputText: "write the README"},
			{Name: "c", Capability: "docs"},
		},
	}

	p, err := Build(doc, allCaps{})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if len(p.Seeds) != 2 {
		t.Fatalf("expected 2 seeds, got %d", len(p.Seeds))
	}
	if p.Seeds[0].Key != "input/a" || p.Tasks[0].InputKey != "input/a" {
		t.Error("seed key and task input key should match")
	}
	if p.Tasks[2].InputKey != "" {
		t.Error("task without input should have no input key")
	}
}
