package backend

import (
	"sort"

	"github.com/loomworks/loom/pkg/models"
)

// Registry is the static mapping from capability to the handles that can
// satisfy it. It is supplied at run start and not mutated by the core;
// only handle health changes during a run.
type Registry struct {
	handles []*Handle
}

// NewRegistry creates a registry over the given handles.
func NewRegistry(handles ...*Handle) *Registry {
	return &Registry{handles: handles}
}

// Supports returns true if any registered handle can execute the
// capability, regardless of its current health. Used at plan build time.
func (r *Registry) Supports(capability models.Capability) bool {
	for _, h := range r.handles {
		if h.Supports(capability) {
			return true
		}
	}
	return false
}

// HandlesFor returns the handles supporting a capability in selection
// preference order: healthy structured first, then healthy text-only,
// then degraded handles in the same kind order. Unavailable handles are
// excluded entirely.
func (r *Registry) HandlesFor(capability models.Capability) []*Handle {
	var out []*Handle
	for _, h := range r.handles {
		if h.Supports(capability) && h.Health() != models.HealthUnavailable {
			out = append(out, h)
		}
	}

	rank := func(h *Handle) int {
		n := 0
		if h.Health() == models.HealthDegraded {
			n += 2
		}
		if h.Kind() == models.BackendTextOnly {
			n++
		}
		return n
	}
	sort.SliceStable(out, func(i, j int) bool { return rank(out[i]) < rank(out[j]) })
	return out
}

// HandleOfKind returns the handle of the given kind supporting the
// capability, or nil. Unavailable handles are excluded.
func (r *Registry) HandleOfKind(capability models.Capability, kind models.BackendKind) *Handle {
	for _, h := range r.handles {
		if h.Kind() == kind && h.Supports(capability) && h.Health() != models.HealthUnavailable {
			return h
		}
	}
	return nil
}

// Handles returns all registered handles.
func (r *Registry) Handles() []*Handle {
	return r.handles
}
