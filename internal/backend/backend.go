// Package backend models the interchangeable execution backends and the
// pool that selects among them per capability.
package backend

import (
	"context"
	"sync"

	"github.com/loomworks/loom/pkg/models"
)

// Request is the input to one backend invocation. A structured backend
// consumes Structured; a text-only backend consumes Text. The context
// adapter guarantees the appropriate shape is populated before dispatch.
type Request struct {
	// TaskID is the task this invocation executes.
	TaskID string
	// Capability is the kind of work requested.
	Capability models.Capability
	// Structured is the typed payload, for structured backends.
	Structured map[string]any
	// Text is the flattened payload, for text-only backends.
	Text string
}

// Result is the output of one backend invocation. At least one of
// Structured or Text is populated, matching the backend's kind.
type Result struct {
	// Structured is the typed output, if the backend produces one.
	Structured map[string]any
	// Text is the text output, if the backend produces one.
	Text string
}

// Backend executes tasks for the capabilities it supports. The core
// treats it as an opaque black box: the only contract is the
// input/output shape implied by its kind.
type Backend interface {
	// Execute runs one task attempt. Implementations must honor ctx
	// cancellation; the scheduler relies on it for timeouts and
	// run cancellation.
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Handle represents one registered backend: its kind, health, supported
// capabilities, and optional concurrency ceiling. Health is mutated only
// by the fallback coordinator.
type Handle struct {
	name    string
	kind    models.BackendKind
	backend Backend
	caps    map[models.Capability]bool

	// slots enforces the backend's concurrency ceiling, nil if unbounded.
	slots chan struct{}

	mu     sync.RWMutex
	health models.HealthState
}

// NewHandle creates a Handle for the given backend. maxConcurrent <= 0
// means the backend accepts unlimited concurrent invocations.
func NewHandle(name string, kind models.BackendKind, b Backend, caps []models.Capability, maxConcurrent int) *Handle {
	capSet := make(map[models.Capability]bool, len(caps))
	for _, c := range caps {
		capSet[c] = true
	}

	h := &Handle{
		name:    name,
		kind:    kind,
		backend: b,
		caps:    capSet,
		health:  models.HealthHealthy,
	}
	if maxConcurrent > 0 {
		h.slots = make(chan struct{}, maxConcurrent)
	}
	return h
}

// Name returns the handle's registered name.
func (h *Handle) Name() string {
	return h.name
}

// Kind returns the backend kind.
func (h *Handle) Kind() models.BackendKind {
	return h.kind
}

// Backend returns the underlying backend implementation.
func (h *Handle) Backend() Backend {
	return h.backend
}

// Supports returns true if the backend can execute the capability.
func (h *Handle) Supports(capability models.Capability) bool {
	return h.caps[capability]
}

// Health returns the current health state.
func (h *Handle) Health() models.HealthState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.health
}

// SetHealth updates the health state. Only the fallback coordinator
// calls this; backends never transition their own health.
func (h *Handle) SetHealth(state models.HealthState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health = state
}
