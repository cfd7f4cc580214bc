package orchestrator

import (
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// Config holds tunable orchestrator parameters. Zero values fall back to
// the defaults below; the source material deliberately leaves these as
// configuration rather than fixed constants.
type Config struct {
	// MaxParallel caps the number of simultaneously running tasks.
	MaxParallel int
	// MaxRetries is the retry ceiling per backend for transient failures.
	MaxRetries int
	// UnavailableThreshold is the number of distinct tasks that must fail
	// consecutively before a backend is marked unavailable.
	UnavailableThreshold int
	// DefaultTimeout is the per-task execution timeout.
	DefaultTimeout time.Duration
	// CapabilityTimeouts overrides DefaultTimeout per capability.
	CapabilityTimeouts map[models.Capability]time.Duration
	// StallTimeout is how long without any transition counts as a stall.
	StallTimeout time.Duration
	// TaskEstimate seeds the critical-path estimate for capabilities with
	// no completed samples yet.
	TaskEstimate time.Duration
	// BackoffInitial is the first retry delay.
	BackoffInitial time.Duration
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration
	// CancelGrace is how long running tasks get to wind down after
	// cancellation before being treated as failed.
	CancelGrace time.Duration
	// PollInterval is the idle wait between scheduling passes.
	PollInterval time.Duration
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxParallel:          4,
		MaxRetries:           2,
		UnavailableThreshold: 3,
		DefaultTimeout:       5 * time.Minute,
		StallTimeout:         2 * time.Minute,
		TaskEstimate:         time.Minute,
		BackoffInitial:       500 * time.Millisecond,
		BackoffMax:           10 * time.Second,
		CancelGrace:          10 * time.Second,
		PollInterval:         50 * time.Millisecond,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxParallel <= 0 {
		c.MaxParallel = def.MaxParallel
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.UnavailableThreshold <= 0 {
		c.UnavailableThreshold = def.UnavailableThreshold
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.StallTimeout == 0 {
		c.StallTimeout = def.StallTimeout
	}
	if c.TaskEstimate <= 0 {
		c.TaskEstimate = def.TaskEstimate
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = def.BackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = def.CancelGrace
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	return c
}

// timeoutFor returns the execution timeout for a capability.
func (c Config) timeoutFor(capability models.Capability) time.Duration {
	if d, ok := c.CapabilityTimeouts[capability]; ok && d > 0 {
		return d
	}
	return c.DefaultTimeout
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*Orchestrator)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg.withDefaults() }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithCheckpointer enables checkpointing of task states and context
// entries after every terminal task transition.
func WithCheckpointer(cp Checkpointer) Option {
	return func(o *Orchestrator) { o.checkpointer = cp }
}
