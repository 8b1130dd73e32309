package gateway

import (
	"log/slog"
	"sync"
)

// dispatcher runs listener callbacks one at a time, in the order they were
// queued, on its own goroutine. The goroutine starts when work is queued
// and exits once the queue is empty. Socket reader goroutines only
// enqueue, so a listener may block on a Call whose response they read.
type dispatcher struct {
	log *slog.Logger

	mu      sync.Mutex
	queue   []func()
	running bool
}

func (d *dispatcher) enqueue(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, fn)
	if !d.running {
		d.running = true
		go d.run()
	}
}

func (d *dispatcher) run() {
	d.mu.Lock()
	for len(d.queue) > 0 {
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()
		d.call(fn)
		d.mu.Lock()
	}
	d.queue = nil
	d.running = false
	d.mu.Unlock()
}

// call runs one callback; a panicking listener is logged and skipped.
func (d *dispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("listener panicked", "panic", r)
		}
	}()
	fn()
}
