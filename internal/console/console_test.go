package console

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/gwlink/internal/gateway"
	"github.com/chronologos/gwlink/internal/stubgateway"
)

const waitFor = 5 * time.Second

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	tr    *gateway.Transport
	demux *gateway.SessionDemux
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("no PTY support")
	}
	srv := stubgateway.New(stubgateway.Config{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	tr := gateway.New(gateway.Config{
		URL:              "ws" + strings.TrimPrefix(ts.URL, "http") + "/gateway",
		DisableReconnect: true,
	})
	t.Cleanup(tr.Stop)
	tr.Start()
	demux := gateway.NewSessionDemux(tr, 0)
	t.Cleanup(demux.Close)
	return fixture{tr: tr, demux: demux}
}

type run struct {
	res Result
	err error
}

func (f fixture) start(ctx context.Context, cfg Config) <-chan run {
	cfg.Transport, cfg.Demux, cfg.StdinFd = f.tr, f.demux, -1
	done := make(chan run, 1)
	go func() {
		res, err := Run(ctx, cfg)
		done <- run{res, err}
	}()
	return done
}

func await(t *testing.T, done <-chan run) run {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
		return run{}
	}
}

func pipe(t *testing.T) (*io.PipeReader, *io.PipeWriter) {
	r, w := io.Pipe()
	t.Cleanup(func() { w.Close() })
	return r, w
}

func TestRunReportsExitCode(t *testing.T) {
	f := newFixture(t)
	var out syncBuffer

	r := await(t, f.start(context.Background(), Config{
		Stdin:   strings.NewReader(""),
		Stdout:  &out,
		Command: "sh",
		Args:    []string{"-c", "printf hello; exit 3"},
	}))
	require.NoError(t, r.err)
	assert.Equal(t, ExitCommand, r.res.Reason)
	assert.Equal(t, 3, r.res.Code)
	assert.NotEmpty(t, r.res.SessionID)
	assert.Contains(t, out.String(), "hello")
}

func TestRunForwardsStdinAndDetaches(t *testing.T) {
	f := newFixture(t)
	var out syncBuffer
	stdin, keys := pipe(t)

	done := f.start(context.Background(), Config{Stdin: stdin, Stdout: &out, Command: "cat"})

	_, err := keys.Write([]byte("ping\r"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "ping") }, waitFor, 10*time.Millisecond)

	_, err = keys.Write([]byte{DetachByte})
	require.NoError(t, err)
	r := await(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, ExitDetached, r.res.Reason)

	// Detaching leaves the terminal running.
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	raw, err := f.tr.Call(ctx, "terminal.list", nil)
	require.NoError(t, err)
	var list []struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list, 1)
	assert.Equal(t, r.res.SessionID, list[0].SessionID)
}

func TestRunReattaches(t *testing.T) {
	f := newFixture(t)
	stdin, keys := pipe(t)
	done := f.start(context.Background(), Config{Stdin: stdin, Stdout: io.Discard, Command: "cat"})
	_, err := keys.Write([]byte("~."))
	require.NoError(t, err)
	first := await(t, done)
	require.Equal(t, ExitDetached, first.res.Reason)

	var out syncBuffer
	stdin2, keys2 := pipe(t)
	done = f.start(context.Background(), Config{Stdin: stdin2, Stdout: &out, SessionID: first.res.SessionID})

	_, err = keys2.Write([]byte("again\r"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "again") }, waitFor, 10*time.Millisecond)

	_, err = keys2.Write([]byte("~."))
	require.NoError(t, err)
	second := await(t, done)
	require.NoError(t, second.err)
	assert.Equal(t, ExitDetached, second.res.Reason)
	assert.Equal(t, first.res.SessionID, second.res.SessionID)
}

func TestRunStdinEOFWaitsForExit(t *testing.T) {
	f := newFixture(t)
	var out syncBuffer

	r := await(t, f.start(context.Background(), Config{
		Stdin:   strings.NewReader("exit 7\n"),
		Stdout:  &out,
		Command: "sh",
	}))
	require.NoError(t, r.err)
	assert.Equal(t, ExitCommand, r.res.Reason)
	assert.Equal(t, 7, r.res.Code)
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t)
	stdin, _ := pipe(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := f.start(ctx, Config{Stdin: stdin, Stdout: io.Discard, Command: "cat"})
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		raw, err := f.tr.Call(ctx, "terminal.list", nil)
		return err == nil && string(raw) != "[]"
	}, waitFor, 20*time.Millisecond)

	cancel()
	r := await(t, done)
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, ExitCancelled, r.res.Reason)
}

func TestRunAttachUnknownSession(t *testing.T) {
	f := newFixture(t)
	r := await(t, f.start(context.Background(), Config{
		Stdin:     strings.NewReader(""),
		Stdout:    io.Discard,
		SessionID: "00000000-0000-4000-8000-000000000000",
	}))
	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "unknown session")
}

func TestExitReasonString(t *testing.T) {
	assert.Equal(t, "exited", ExitCommand.String())
	assert.Equal(t, "detached", ExitDetached.String())
	assert.Equal(t, "cancelled", ExitCancelled.String())
	assert.Equal(t, "unknown", ExitReason(9).String())
}
