// Package console connects the local terminal to a gateway terminal session.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/term"

	"github.com/chronologos/gwlink/internal/coalesce"
	"github.com/chronologos/gwlink/internal/gateway"
	"github.com/chronologos/gwlink/internal/protocol"
)

const (
	stdinBufSize       = 32 * 1024 // 32 KB per stdin read
	defaultCallTimeout = 10 * time.Second
)

// ExitReason says why Run returned.
type ExitReason int

const (
	ExitCommand   ExitReason = iota // the remote command exited
	ExitDetached                    // user typed an escape; the terminal keeps running
	ExitCancelled                   // ctx done
)

func (r ExitReason) String() string {
	switch r {
	case ExitCommand:
		return "exited"
	case ExitDetached:
		return "detached"
	case ExitCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Config configures Run.
type Config struct {
	Transport *gateway.Transport
	Demux     *gateway.SessionDemux

	Stdin  io.Reader
	Stdout io.Writer

	// StdinFd is put into raw mode and polled for its size. -1 skips both,
	// as for pipes.
	StdinFd int

	// SessionID reattaches to a running terminal. Empty opens a new one
	// running Command (default: the gateway's login shell).
	SessionID string
	Command   string
	Args      []string
	Term      string

	CallTimeout time.Duration // default 10s
	Logger      *slog.Logger
}

// Result describes a finished Run.
type Result struct {
	SessionID string
	Reason    ExitReason
	Code      int // exit code, for ExitCommand
}

type console struct {
	cfg Config
	log *slog.Logger
	tr  *gateway.Transport

	exitMu sync.Mutex
	exits  map[string]int
	exited chan struct{}
}

// Run opens (or reattaches to) a terminal and relays the local terminal to
// it until the command exits, the user detaches, or ctx is done. Stdin is
// forwarded in coalesced frames; EOF stops forwarding but keeps waiting for
// the command to exit. After a reconnect the terminal is reattached, and
// output it produced meanwhile is replayed by the gateway.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &console{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "console"),
		tr:     cfg.Transport,
		exits:  make(map[string]int),
		exited: make(chan struct{}, 1),
	}

	// Subscribed before the terminal starts so a fast exit is not missed.
	unsubEvents := c.tr.OnEvent(c.onEvent)
	defer unsubEvents()

	if _, err := c.tr.AwaitConnected(ctx); err != nil {
		return Result{Reason: ExitCancelled}, err
	}

	id, err := c.start(ctx)
	if err != nil {
		return Result{}, err
	}
	res := Result{SessionID: id}
	uid, err := uuid.Parse(id)
	if err != nil {
		return res, fmt.Errorf("gateway returned bad session id %q: %w", id, err)
	}

	detach := c.cfg.Demux.Attach(id, func(f protocol.Frame) {
		if f.Stream == protocol.Stdout || f.Stream == protocol.Stderr {
			_, _ = c.cfg.Stdout.Write(f.Payload)
		}
	})
	defer detach()
	defer c.cfg.Demux.Forget(id)

	reconnected := make(chan struct{}, 1)
	down := false
	unsubState := c.tr.OnStateChange(func(s gateway.State) {
		switch {
		case s.Status == gateway.StatusConnected && down:
			down = false
			select {
			case reconnected <- struct{}{}:
			default:
			}
		case s.Status != gateway.StatusConnected:
			down = true
		}
	})
	defer unsubState()

	if c.cfg.StdinFd >= 0 {
		old, err := term.MakeRaw(c.cfg.StdinFd)
		if err != nil {
			return res, fmt.Errorf("make raw: %w", err)
		}
		defer term.Restore(c.cfg.StdinFd, old)
	}

	res.Reason, res.Code, err = c.loop(ctx, id, uid, reconnected)
	return res, err
}

func (c *console) start(ctx context.Context) (string, error) {
	if c.cfg.SessionID != "" {
		raw, err := c.call(ctx, "terminal.attach", map[string]string{"session_id": c.cfg.SessionID})
		if err != nil {
			return "", fmt.Errorf("attach %s: %w", c.cfg.SessionID, err)
		}
		return gjson.GetBytes(raw, "session_id").String(), nil
	}

	params := map[string]any{"term": c.cfg.Term}
	if c.cfg.Command != "" {
		params["command"] = c.cfg.Command
		params["args"] = c.cfg.Args
	}
	if rows, cols, ok := c.size(); ok {
		params["rows"], params["cols"] = rows, cols
	}
	raw, err := c.call(ctx, "terminal.open", params)
	if err != nil {
		return "", fmt.Errorf("open terminal: %w", err)
	}
	id := gjson.GetBytes(raw, "session_id").String()
	c.log.Info("terminal opened", "session", id)
	return id, nil
}

func (c *console) loop(ctx context.Context, id string, uid uuid.UUID, reconnected <-chan struct{}) (ExitReason, int, error) {
	stdinCh := make(chan []byte, 4)
	go readInput(c.cfg.Stdin, stdinCh)

	coal := coalesce.New(uid, protocol.Stdin)
	defer coal.Stop()
	flush := func() {
		if frame := coal.Flush(); frame != nil {
			c.tr.SendBinary(frame)
		}
	}

	winch := make(chan os.Signal, 1)
	if c.cfg.StdinFd >= 0 {
		signal.Notify(winch, syscall.SIGWINCH)
		defer signal.Stop(winch)
	}

	lost := make(chan error, 1)
	esc := NewEscaper()
	buf := make([]byte, stdinBufSize+1)

	// A fast command may exit before the loop starts.
	if code, ok := c.exitCode(id); ok {
		return ExitCommand, code, nil
	}

	for {
		select {
		case data, ok := <-stdinCh:
			if !ok {
				flush()
				stdinCh = nil
				continue
			}
			n, act := esc.Filter(data, buf)
			if n > 0 && coal.Add(buf[:n]) {
				flush()
			}
			if act == ActionDetach {
				flush()
				return ExitDetached, 0, nil
			}

		case <-coal.Timer():
			flush()

		case <-c.exited:
			if code, ok := c.exitCode(id); ok {
				flush()
				return ExitCommand, code, nil
			}

		case <-winch:
			go c.resize(ctx, id)

		case <-reconnected:
			esc.Reset()
			go func() {
				_, err := c.call(ctx, "terminal.attach", map[string]string{"session_id": id})
				if err == nil || ctx.Err() != nil {
					return
				}
				select {
				case lost <- err:
				default:
				}
			}()

		case err := <-lost:
			var rpcErr *protocol.RPCError
			if errors.As(err, &rpcErr) {
				// Gone while we were away; a missed exit event is the usual cause.
				if code, ok := c.exitCode(id); ok {
					return ExitCommand, code, nil
				}
				return ExitCommand, -1, fmt.Errorf("reattach %s: %w", id, err)
			}
			c.log.Warn("reattach failed", "session", id, "err", err)

		case <-ctx.Done():
			return ExitCancelled, 0, ctx.Err()
		}
	}
}

func (c *console) onEvent(ev protocol.Event) {
	if ev.Topic != "terminal.exited" {
		return
	}
	id := gjson.GetBytes(ev.Params, "session_id").String()
	code := int(gjson.GetBytes(ev.Params, "code").Int())

	c.exitMu.Lock()
	c.exits[id] = code
	c.exitMu.Unlock()
	select {
	case c.exited <- struct{}{}:
	default:
	}
}

func (c *console) exitCode(id string) (int, bool) {
	c.exitMu.Lock()
	defer c.exitMu.Unlock()
	code, ok := c.exits[id]
	return code, ok
}

func (c *console) call(ctx context.Context, method string, params any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	return c.tr.Call(ctx, method, params)
}

func (c *console) resize(ctx context.Context, id string) {
	rows, cols, ok := c.size()
	if !ok {
		return
	}
	params := map[string]any{"session_id": id, "rows": rows, "cols": cols}
	if _, err := c.call(ctx, "terminal.resize", params); err != nil {
		c.log.Debug("resize failed", "session", id, "err", err)
	}
}

func (c *console) size() (rows, cols int, ok bool) {
	if c.cfg.StdinFd < 0 {
		return 0, 0, false
	}
	cols, rows, err := term.GetSize(c.cfg.StdinFd)
	if err != nil {
		return 0, 0, false
	}
	return rows, cols, true
}

// readInput reads r until EOF or error, then closes ch.
func readInput(r io.Reader, ch chan<- []byte) {
	defer close(ch)
	for {
		buf := make([]byte, stdinBufSize)
		n, err := r.Read(buf)
		if n > 0 {
			ch <- buf[:n]
		}
		if err != nil {
			return
		}
	}
}
