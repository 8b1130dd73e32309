package gateway

import "sync/atomic"

// listener is one subscription. removed is checked at delivery time so a
// notification queued before unsubscribe is never delivered after it.
type listener[T any] struct {
	fn      T
	removed atomic.Bool
}

// registry is an ordered set of listeners, guarded by Transport.mu.
type registry[T any] struct {
	entries []*listener[T]
}

func (r *registry[T]) add(fn T) *listener[T] {
	l := &listener[T]{fn: fn}
	r.entries = append(r.entries, l)
	return l
}

func (r *registry[T]) remove(l *listener[T]) {
	l.removed.Store(true)
	for i, e := range r.entries {
		if e == l {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

// snapshot returns the current listeners; later adds and removes don't
// affect it.
func (r *registry[T]) snapshot() []*listener[T] {
	return r.entries
}
