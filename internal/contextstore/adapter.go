package contextstore

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// textWrapKey is the key under which raw text is wrapped when a
// text-only artifact is read by a structured backend.
const textWrapKey = "text"

// Adapter translates context entries between the structured rendering
// used by structured backends and the flattened text rendering used by
// text-only backends. The missing rendering is computed on first
// cross-backend read and cached back into the store.
type Adapter struct {
	store *Store
}

// NewAdapter creates an Adapter over the given store.
func NewAdapter(store *Store) *Adapter {
	return &Adapter{store: store}
}

// Store returns the underlying store.
func (a *Adapter) Store() *Store {
	return a.store
}

// Structured returns the structured rendering of the entry at key,
// computing and caching it from the text rendering if necessary.
func (a *Adapter) Structured(key string) (map[string]any, error) {
	entry, err := a.store.Get(key)
	if err != nil {
		return nil, err
	}

	if entry.Structured != nil {
		return entry.Structured, nil
	}

	structured := structureText(entry.Text)
	a.store.setRendering(key, structured, "")
	return structured, nil
}

// Text returns the text rendering of the entry at key, computing and
// caching it from the structured rendering if necessary.
func (a *Adapter) Text(key string) (string, error) {
	entry, err := a.store.Get(key)
	if err != nil {
		return "", err
	}

	if entry.Text != "" {
		return entry.Text, nil
	}

	text, err := flattenStructured(entry.Structured)
	if err != nil {
		return "", fmt.Errorf("flatten entry %q: %w", key, err)
	}
	a.store.setRendering(key, nil, text)
	return text, nil
}

// flattenStructured renders a structured value as YAML text.
func flattenStructured(structured map[string]any) (string, error) {
	if len(structured) == 0 {
		return "", nil
	}
	out, err := yaml.Marshal(structured)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// structureText lifts raw text into a structured value. Text that parses
// as a YAML mapping is used directly; anything else is wrapped under a
// single well-known key so round-trips are lossless.
func structureText(text string) map[string]any {
	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(text), &parsed); err == nil && parsed != nil {
		return parsed
	}
	return map[string]any{textWrapKey: text}
}
