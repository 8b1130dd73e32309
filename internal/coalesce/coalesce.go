// Package coalesce batches small terminal writes into fewer binary frames.
//
// Every keystroke read from stdin (gwctl attach) and every PTY read (stub
// gateway) would otherwise become its own socket message carrying a 17-byte
// frame header. The Coalescer accumulates payload bytes behind a single
// header and flushes when:
//
//   - 2ms deadline expires (measured from first byte in batch, NOT reset by
//     subsequent adds: deadline semantics, not debounce)
//   - 32KB threshold reached (matches PTY/stdin read buffer size)
//   - Explicit Flush() at detach/shutdown boundaries
package coalesce

import (
	"time"

	"github.com/google/uuid"

	"github.com/chronologos/gwlink/internal/protocol"
)

const (
	// Delay is the coalescing deadline from first byte in batch.
	Delay = 2 * time.Millisecond

	// Threshold triggers an immediate flush when reached.
	Threshold = 32 * 1024 // 32 KB, matches PTY/stdin read buffer
)

// Coalescer accumulates payload bytes for one session stream and flushes
// them as complete binary frames. All methods are used from a single
// goroutine (the select loop).
type Coalescer struct {
	header []byte
	buf    []byte // header followed by pending payload
	timer  *time.Timer
	armed  bool // true when timer is running
}

// New creates a Coalescer producing frames for the given session and stream.
func New(sessionID uuid.UUID, stream protocol.StreamKind) *Coalescer {
	t := time.NewTimer(0)
	// Drain the initial fire from NewTimer(0) so Timer() starts clean
	if !t.Stop() {
		<-t.C
	}
	header := protocol.AppendFrameHeader(nil, sessionID, stream)
	buf := make([]byte, 0, protocol.FrameHeaderSize+Threshold+4096)
	buf = append(buf, header...)
	return &Coalescer{
		header: header,
		buf:    buf,
		timer:  t,
	}
}

// Add appends data to the batch. Returns true if the threshold was hit
// and the caller should flush immediately.
//
// Arms the deadline timer on the first byte in a batch. Subsequent adds do
// NOT reset the timer.
func (c *Coalescer) Add(data []byte) bool {
	if len(data) == 0 {
		return false
	}

	if c.Pending() == 0 && !c.armed {
		c.timer.Reset(Delay)
		c.armed = true
	}

	c.buf = append(c.buf, data...)
	return c.Pending() >= Threshold
}

// Flush returns the batch as one encoded frame and starts a new batch.
// Returns nil if nothing is pending. The returned slice is a copy that the
// caller owns.
func (c *Coalescer) Flush() []byte {
	if c.Pending() == 0 {
		return nil
	}

	if c.armed {
		if !c.timer.Stop() {
			// Timer already fired; drain so it doesn't trigger a
			// spurious select case later.
			select {
			case <-c.timer.C:
			default:
			}
		}
		c.armed = false
	}

	out := make([]byte, len(c.buf))
	copy(out, c.buf)
	c.buf = c.buf[:len(c.header)]
	return out
}

// Timer returns the channel that fires when the coalescing deadline expires.
// Use this in a select statement:
//
//	case <-coal.Timer():
//	    transport.SendBinary(coal.Flush())
//
// Returns a nil channel when no deadline is active.
func (c *Coalescer) Timer() <-chan time.Time {
	if !c.armed {
		return nil
	}
	return c.timer.C
}

// Stop releases the timer. Call in defer when done with the Coalescer.
func (c *Coalescer) Stop() {
	c.timer.Stop()
	c.armed = false
}

// Pending returns the number of buffered payload bytes.
func (c *Coalescer) Pending() int {
	return len(c.buf) - len(c.header)
}
