package coalesce

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chronologos/gwlink/internal/protocol"
)

var testSession = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

func newTest() *Coalescer {
	return New(testSession, protocol.Stdin)
}

func payloadOf(t *testing.T, frame []byte) string {
	t.Helper()
	f, err := protocol.ParseFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if f.SessionID != testSession.String() {
		t.Fatalf("session id = %s, want %s", f.SessionID, testSession)
	}
	if f.Stream != protocol.Stdin {
		t.Fatalf("stream = %v, want stdin", f.Stream)
	}
	return string(f.Payload)
}

func TestAddAndFlush(t *testing.T) {
	c := newTest()
	defer c.Stop()

	c.Add([]byte("hello"))
	if c.Pending() != 5 {
		t.Fatalf("expected 5 pending, got %d", c.Pending())
	}

	frame := c.Flush()
	if len(frame) != protocol.FrameHeaderSize+5 {
		t.Fatalf("frame length %d", len(frame))
	}
	if got := payloadOf(t, frame); got != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}

	if c.Pending() != 0 {
		t.Fatalf("expected 0 pending after flush, got %d", c.Pending())
	}
	if c.Flush() != nil {
		t.Fatal("expected nil from second flush")
	}
}

func TestThreshold(t *testing.T) {
	c := newTest()
	defer c.Stop()

	chunk := make([]byte, 1024)
	for i := 0; i < Threshold/1024-1; i++ {
		if c.Add(chunk) {
			t.Fatal("should not hit threshold yet")
		}
	}

	if !c.Add(chunk) {
		t.Fatal("should hit threshold")
	}
}

func TestTimerFires(t *testing.T) {
	c := newTest()
	defer c.Stop()

	c.Add([]byte("x"))

	timer := c.Timer()
	if timer == nil {
		t.Fatal("timer should be non-nil after Add")
	}

	select {
	case <-timer:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timer should have fired within 100ms")
	}
}

func TestTimerNotResetOnSubsequentAdd(t *testing.T) {
	c := newTest()
	defer c.Stop()

	c.Add([]byte("first"))
	t1 := time.Now()

	time.Sleep(1 * time.Millisecond)
	c.Add([]byte("second"))

	select {
	case <-c.Timer():
		elapsed := time.Since(t1)
		if elapsed > 10*time.Millisecond {
			t.Fatalf("timer took too long: %v (deadline not reset)", elapsed)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timer should have fired")
	}
}

func TestFlushStopsTimer(t *testing.T) {
	c := newTest()
	defer c.Stop()

	c.Add([]byte("data"))
	c.Flush()

	if c.Timer() != nil {
		t.Fatal("timer should be nil after flush")
	}
}

func TestFlushReturnsCopy(t *testing.T) {
	c := newTest()
	defer c.Stop()

	c.Add([]byte("first"))
	f1 := c.Flush()

	c.Add([]byte("second"))
	f2 := c.Flush()

	if got := payloadOf(t, f1); got != "first" {
		t.Fatalf("first flush corrupted: got %q", got)
	}
	if got := payloadOf(t, f2); got != "second" {
		t.Fatalf("second flush wrong: got %q", got)
	}
}

func TestEmptyAdd(t *testing.T) {
	c := newTest()
	defer c.Stop()

	if c.Add(nil) {
		t.Fatal("nil add should return false")
	}
	if c.Add([]byte{}) {
		t.Fatal("empty add should return false")
	}
	if c.Pending() != 0 {
		t.Fatal("pending should be 0 after empty adds")
	}
	if c.Timer() != nil {
		t.Fatal("empty add should not arm the timer")
	}
}

func TestAccumulates(t *testing.T) {
	c := newTest()
	defer c.Stop()

	c.Add([]byte("hello "))
	c.Add([]byte("world"))

	if got := payloadOf(t, c.Flush()); got != "hello world" {
		t.Fatalf("expected 'hello world', got %q", got)
	}
}

// FuzzCoalescerDataIntegrity adds random chunks, flushing periodically, and
// verifies the concatenation of all flushed payloads equals the
// concatenation of all added data.
func FuzzCoalescerDataIntegrity(f *testing.F) {
	f.Add([]byte("hello world"), 3, 5)
	f.Add([]byte{}, 1, 1)
	f.Add([]byte("abcdefghij"), 2, 4)
	f.Fuzz(func(t *testing.T, data []byte, nChunks int, flushEvery int) {
		if nChunks < 0 {
			nChunks = -nChunks
		}
		nChunks = nChunks%20 + 1
		if flushEvery < 0 {
			flushEvery = -flushEvery
		}
		flushEvery = flushEvery%5 + 1

		c := newTest()
		defer c.Stop()

		var allInput, allOutput []byte
		collect := func() {
			if frame := c.Flush(); frame != nil {
				allOutput = append(allOutput, payloadOf(t, frame)...)
			}
		}

		for i := 0; i < nChunks; i++ {
			start := len(data) * i / nChunks
			end := len(data) * (i + 1) / nChunks
			chunk := data[start:end]

			allInput = append(allInput, chunk...)
			c.Add(chunk)

			if (i+1)%flushEvery == 0 {
				collect()
			}
		}
		collect()

		if string(allInput) != string(allOutput) {
			t.Fatalf("data mismatch: input %d bytes, output %d bytes", len(allInput), len(allOutput))
		}
	})
}
