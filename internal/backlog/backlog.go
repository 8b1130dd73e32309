// Package backlog holds binary frames that arrived while nobody was
// listening for them.
package backlog

// DefaultMaxBytes is the default byte ceiling (1 MiB).
const DefaultMaxBytes = 1 << 20

// Backlog is a byte-bounded FIFO of raw frames. When a push would take the
// total over the ceiling, the oldest frames are evicted first. The newest
// frame is always kept, even if it alone exceeds the ceiling.
//
// Backlog is not safe for concurrent use; the owner serializes access.
type Backlog struct {
	frames  [][]byte
	head    int // index of the oldest live frame
	size    int // current total bytes stored
	maxSize int
}

// New creates a backlog with the given byte ceiling.
// Non-positive values select DefaultMaxBytes.
func New(maxBytes int) *Backlog {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Backlog{maxSize: maxBytes}
}

// Push appends a copy of frame and returns how many bytes were evicted
// to make room for it.
func (b *Backlog) Push(frame []byte) (evicted int) {
	// Copy: the socket layer may reuse its read buffer
	p := make([]byte, len(frame))
	copy(p, frame)

	for b.Len() > 0 && b.size+len(p) > b.maxSize {
		evicted += b.evictOldest()
	}

	// Compact once the dead prefix dominates, so a long-lived backlog
	// doesn't grow its slice without bound.
	if b.head > 0 && b.head >= len(b.frames)/2 {
		n := copy(b.frames, b.frames[b.head:])
		clear(b.frames[n:])
		b.frames = b.frames[:n]
		b.head = 0
	}

	b.frames = append(b.frames, p)
	b.size += len(p)
	return evicted
}

func (b *Backlog) evictOldest() int {
	n := len(b.frames[b.head])
	b.frames[b.head] = nil // release memory
	b.head++
	b.size -= n
	if b.head == len(b.frames) {
		b.frames = b.frames[:0]
		b.head = 0
	}
	return n
}

// Drain returns every stored frame, oldest first, and empties the backlog.
// Returns nil when empty.
func (b *Backlog) Drain() [][]byte {
	if b.Len() == 0 {
		return nil
	}
	out := make([][]byte, b.Len())
	copy(out, b.frames[b.head:])
	b.Clear()
	return out
}

// Clear drops every stored frame.
func (b *Backlog) Clear() {
	b.frames = nil
	b.head = 0
	b.size = 0
}

// Len returns the number of stored frames.
func (b *Backlog) Len() int {
	return len(b.frames) - b.head
}

// Size returns the total bytes stored.
func (b *Backlog) Size() int {
	return b.size
}

// MaxSize returns the byte ceiling.
func (b *Backlog) MaxSize() int {
	return b.maxSize
}
