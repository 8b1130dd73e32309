// Package pending correlates in-flight requests with their eventual
// responses.
//
// Each entry holds a continuation pair keyed by request id. Settling an
// entry removes it before the continuation runs, so a duplicate or late
// response finds nothing and a request is never settled twice.
package pending

import "sync"

// Request is the continuation pair for one in-flight request.
type Request[T any] struct {
	Resolve func(T)
	Reject  func(error)
}

// Map is a registry of in-flight requests. It is safe for concurrent use;
// continuations run on the caller's goroutine, outside the lock.
type Map[T any] struct {
	mu      sync.Mutex
	entries map[string]Request[T]
}

// New returns an empty Map.
func New[T any]() *Map[T] {
	return &Map[T]{entries: make(map[string]Request[T])}
}

// Set registers req under id. If id is already pending it returns false
// and leaves the existing entry in place.
func (m *Map[T]) Set(id string, req Request[T]) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; ok {
		return false
	}
	m.entries[id] = req
	return true
}

// Has reports whether id is still pending.
func (m *Map[T]) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[id]
	return ok
}

// Delete forgets id without settling it. Returns false if id was unknown.
func (m *Map[T]) Delete(id string) bool {
	_, ok := m.take(id)
	return ok
}

// Resolve settles id with v. Returns false, and does nothing, if id is unknown.
func (m *Map[T]) Resolve(id string, v T) bool {
	req, ok := m.take(id)
	if !ok {
		return false
	}
	if req.Resolve != nil {
		req.Resolve(v)
	}
	return true
}

// Reject settles id with err. Returns false, and does nothing, if id is unknown.
func (m *Map[T]) Reject(id string, err error) bool {
	req, ok := m.take(id)
	if !ok {
		return false
	}
	if req.Reject != nil {
		req.Reject(err)
	}
	return true
}

// RejectAll rejects every pending request with err and empties the map.
func (m *Map[T]) RejectAll(err error) {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]Request[T])
	m.mu.Unlock()

	for _, req := range entries {
		if req.Reject != nil {
			req.Reject(err)
		}
	}
}

// Clear drops every pending request without settling any of them.
func (m *Map[T]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entries)
}

// Len returns the number of pending requests.
func (m *Map[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Map[T]) take(id string) (Request[T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	return req, ok
}
