package orchestrator

import "sync"

// resourceLocks serializes tasks that declare the same exclusive
// resource tag. The scheduler never dispatches two tasks holding the
// same tag simultaneously; there is no ordering guarantee between them
// beyond mutual exclusion.
type resourceLocks struct {
	mu sync.Mutex
	// held maps resource tag to the task ID currently holding it.
	held map[string]string
}

func newResourceLocks() *resourceLocks {
	return &resourceLocks{held: make(map[string]string)}
}

// TryAcquire claims the tag for taskID. Returns true if the tag was free
// or taskID already holds it. An empty tag always succeeds.
func (r *resourceLocks) TryAcquire(tag, taskID string) bool {
	if tag == "" {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	holder, taken := r.held[tag]
	if taken && holder != taskID {
		return false
	}
	r.held[tag] = taskID
	return true
}

// Release frees the tag if taskID holds it.
func (r *resourceLocks) Release(tag, taskID string) {
	if tag == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.held[tag] == taskID {
		delete(r.held, tag)
	}
}

// Holder returns the task currently holding the tag, if any.
func (r *resourceLocks) Holder(tag string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	holder, ok := r.held[tag]
	return holder, ok
}
