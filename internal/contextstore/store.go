// Package contextstore provides the shared, versioned key-value store of
// task outputs, plus the adapter that translates entries between the
// structured and text renderings used by the two backend kinds.
package contextstore

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound indicates no published entry exists for a key.
var ErrNotFound = errors.New("context entry not found")

// ErrNotProducer indicates a task attempted to write a key owned by
// another task.
var ErrNotProducer = errors.New("task is not the producer of this key")

// ErrEmptyEntry indicates an entry was written with neither rendering
// populated.
var ErrEmptyEntry = errors.New("context entry has no structured or text value")

// Entry is one shared artifact. Structured and Text are two renderings
// of the same value; at least one is always populated. The missing one
// is computed lazily by the Adapter on first cross-backend read.
type Entry struct {
	// Key identifies the artifact.
	Key string `json:"key"`
	// ProducerTaskID is the task that owns (exclusively writes) this key.
	ProducerTaskID string `json:"producer_task_id"`
	// Structured is the typed rendering, if populated.
	Structured map[string]any `json:"structured,omitempty"`
	// Text is the flattened rendering, if populated.
	Text string `json:"text,omitempty"`
	// Version increments on every write of the key.
	Version int `json:"version"`
}

func (e *Entry) clone() *Entry {
	c := *e
	if e.Structured != nil {
		c.Structured = make(map[string]any, len(e.Structured))
		for k, v := range e.Structured {
			c.Structured[k] = v
		}
	}
	return &c
}

// Store is the versioned mapping of shared artifacts produced by tasks.
// Writes are staged per-producer and become visible to readers only when
// the producing task is published (i.e. has succeeded), giving
// read-after-write visibility without exposing in-flight entries.
type Store struct {
	mu sync.RWMutex
	// published maps key to the visible entry.
	published map[string]*Entry
	// staged maps key to an entry written by a still-running task.
	staged map[string]*Entry
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		published: make(map[string]*Entry),
		staged:    make(map[string]*Entry),
	}
}

// Stage records an entry produced by taskID without making it visible.
// Re-staging the same key by its producer overwrites the staged value.
// A task may only stage keys it produces.
func (s *Store) Stage(taskID, key string, structured map[string]any, text string) error {
	if structured == nil && text == "" {
		return ErrEmptyEntry
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.published[key]; ok && existing.ProducerTaskID != taskID {
		return fmt.Errorf("key %q: %w", key, ErrNotProducer)
	}
	if existing, ok := s.staged[key]; ok && existing.ProducerTaskID != taskID {
		return fmt.Errorf("key %q: %w", key, ErrNotProducer)
	}

	version := 1
	if prev, ok := s.published[key]; ok {
		version = prev.Version + 1
	}

	s.staged[key] = &Entry{
		Key:            key,
		ProducerTaskID: taskID,
		Structured:     structured,
		Text:           text,
		Version:        version,
	}
	return nil
}

// Publish makes all entries staged by taskID visible to readers. It is
// called by the executor in the same single-writer section that marks
// the task succeeded, which is what gives consumers the happens-before
// guarantee.
func (s *Store) Publish(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.staged {
		if entry.ProducerTaskID == taskID {
			s.published[key] = entry
			delete(s.staged, key)
		}
	}
}

// Discard drops all entries staged by taskID. Called when an attempt
// fails so a later attempt (possibly on the other backend) starts clean.
func (s *Store) Discard(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.staged {
		if entry.ProducerTaskID == taskID {
			delete(s.staged, key)
		}
	}
}

// Get returns a copy of the published entry for key.
func (s *Store) Get(key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.published[key]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", key, ErrNotFound)
	}
	return entry.clone(), nil
}

// Has returns true if a published entry exists for key.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.published[key]
	return ok
}

// Snapshot returns copies of all published entries, keyed by entry key.
// The result is detached from the store and safe to use concurrently.
func (s *Store) Snapshot() map[string]*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*Entry, len(s.published))
	for key, entry := range s.published {
		out[key] = entry.clone()
	}
	return out
}

// setRendering caches a lazily computed rendering back onto the
// published entry. The version does not change: both renderings
// describe the same artifact.
func (s *Store) setRendering(key string, structured map[string]any, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.published[key]
	if !ok {
		return
	}
	if structured != nil && entry.Structured == nil {
		entry.Structured = structured
	}
	if text != "" && entry.Text == "" {
		entry.Text = text
	}
}
