package types

import "sort"

// Event represents a typed event emitted during state transitions.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Attr returns the attribute stored under key and whether it was set.
func (e *Event) Attr(key string) (string, bool) {
	if e == nil || e.Attributes == nil {
		return "", false
	}
	v, ok := e.Attributes[key]
	return v, ok
}

// Keys lists the attribute names in sorted order so encoders stay stable.
func (e *Event) Keys() []string {
	if e == nil {
		return nil
	}
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
