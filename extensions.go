package dispatchz

import "sync"

// Extensions is a per-span typed side table. Layers store their private
// span-scoped state here, keyed by an unexported key type the way context
// values are keyed, so independent layers cannot collide.
//
// Thread-safe for concurrent access.
type Extensions struct {
	mu sync.RWMutex
	m  map[any]any
}

// Insert stores a value under the key, replacing any previous value.
func (e *Extensions) Insert(key, value any) {
	e.mu.Lock()
	if e.m == nil {
		e.m = make(map[any]any)
	}
	e.m[key] = value
	e.mu.Unlock()
}

// Get retrieves the value stored under the key.
func (e *Extensions) Get(key any) (any, bool) {
	e.mu.RLock()
	v, ok := e.m[key]
	e.mu.RUnlock()
	return v, ok
}

// Remove deletes and returns the value stored under the key.
func (e *Extensions) Remove(key any) (any, bool) {
	e.mu.Lock()
	v, ok := e.m[key]
	if ok {
		delete(e.m, key)
	}
	e.mu.Unlock()
	return v, ok
}
