package models

// BackendKind identifies one of the two interchangeable backend variants.
type BackendKind string

const (
	// BackendStructured accepts and returns typed payloads.
	BackendStructured BackendKind = "structured"
	// BackendTextOnly accepts and returns flattened text.
	BackendTextOnly BackendKind = "text_only"
)

// Valid returns true if the kind is a known value.
func (k BackendKind) Valid() bool {
	return k == BackendStructured || k == BackendTextOnly
}

// HealthState represents the observed health of a backend.
// It is mutated only by the fallback coordinator; a backend never
// transitions its own health.
type HealthState string

const (
	// HealthHealthy indicates the backend is serving normally.
	HealthHealthy HealthState = "healthy"
	// HealthDegraded indicates the backend has failed at least one task
	// and is deprioritized during selection.
	HealthDegraded HealthState = "degraded"
	// HealthUnavailable indicates the backend failed enough distinct
	// tasks consecutively that it is no longer selected at all.
	HealthUnavailable HealthState = "unavailable"
)

// Valid returns true if the health state is a known value.
func (h HealthState) Valid() bool {
	switch h {
	case HealthHealthy, HealthDegraded, HealthUnavailable:
		return true
	default:
		return false
	}
}
