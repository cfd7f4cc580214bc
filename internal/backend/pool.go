package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// ErrNoAvailableBackend indicates no healthy backend can serve a
// capability. The task goes blocked immediately.
var ErrNoAvailableBackend = errors.New("no available backend for capability")

// ErrAcquireTimeout indicates the bounded wait for a backend slot
// expired. Treated as transient by the fallback coordinator.
var ErrAcquireTimeout = errors.New("timed out waiting for backend slot")

// Lease is a held backend slot. Release must be called exactly once when
// the invocation finishes; calling it again is a no-op.
type Lease struct {
	// Handle is the leased backend.
	Handle *Handle

	once sync.Once
}

// Release returns the slot to the backend.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.Handle.slots != nil {
			<-l.Handle.slots
		}
	})
}

// Pool selects a backend handle for each task and enforces per-backend
// concurrency ceilings. Handles are not exclusively owned: multiple
// tasks may lease the same handle concurrently up to its ceiling.
type Pool struct {
	registry *Registry
	// acquireTimeout bounds the wait for a slot on a busy backend.
	acquireTimeout time.Duration
}

// NewPool creates a Pool over the registry. acquireTimeout bounds how
// long Acquire waits for a slot when a backend is at its ceiling.
func NewPool(registry *Registry, acquireTimeout time.Duration) *Pool {
	return &Pool{registry: registry, acquireTimeout: acquireTimeout}
}

// Registry returns the pool's registry.
func (p *Pool) Registry() *Registry {
	return p.registry
}

// Acquire leases a backend for the capability using the selection
// policy: structured if healthy, else text-only if healthy, else a
// degraded handle as last resort. Returns ErrNoAvailableBackend when
// nothing can serve the capability.
func (p *Pool) Acquire(ctx context.Context, capability models.Capability) (*Lease, error) {
	return p.AcquireKind(ctx, capability, "")
}

// AcquireKind leases a backend for the capability, restricted to the
// given kind when non-empty. An empty kind applies the normal selection
// policy. The run loop leases through this once dispatch has pinned the
// attempt's backend kind.
func (p *Pool) AcquireKind(ctx context.Context, capability models.Capability, kind models.BackendKind) (*Lease, error) {
	h := p.SelectHandle(capability, kind)
	if h == nil {
		return nil, fmt.Errorf("capability %s: %w", capability, ErrNoAvailableBackend)
	}
	return p.lease(ctx, h)
}

// Alternate returns the kind of an untried backend for the capability,
// or false when every option has been tried.
func (p *Pool) Alternate(capability models.Capability, tried []models.BackendKind) (models.BackendKind, bool) {
	triedSet := make(map[models.BackendKind]bool, len(tried))
	for _, k := range tried {
		triedSet[k] = true
	}
	for _, h := range p.registry.HandlesFor(capability) {
		if !triedSet[h.Kind()] {
			return h.Kind(), true
		}
	}
	return "", false
}

// SelectHandle returns the handle the selection policy would lease for
// the capability, without waiting for a slot. kind restricts selection
// to a specific backend kind when non-empty. Dispatch uses this to
// decide whether a task can run at all before committing a goroutine
// to the slot wait.
func (p *Pool) SelectHandle(capability models.Capability, kind models.BackendKind) *Handle {
	if kind != "" {
		return p.registry.HandleOfKind(capability, kind)
	}
	handles := p.registry.HandlesFor(capability)
	if len(handles) == 0 {
		return nil
	}
	return handles[0]
}

// lease waits for a slot on the handle, bounded by the acquire timeout.
func (p *Pool) lease(ctx context.Context, h *Handle) (*Lease, error) {
	if h.slots == nil {
		return &Lease{Handle: h}, nil
	}

	waitCtx := ctx
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	select {
	case h.slots <- struct{}{}:
		return &Lease{Handle: h}, nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("backend %s: %w", h.Name(), ErrAcquireTimeout)
	}
}
