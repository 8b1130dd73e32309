package stubgateway

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/chronologos/gwlink/internal/backlog"
	"github.com/chronologos/gwlink/internal/coalesce"
	"github.com/chronologos/gwlink/internal/protocol"
)

const ptyReadBufSize = 32 * 1024 // 32 KB per PTY read

// terminal is a command running in a PTY. Its output goes to the owning
// peer as Stdout frames; while it has no owner, output is held and handed
// to the next peer that attaches.
type terminal struct {
	srv     *Server
	id      string
	uid     uuid.UUID
	command string
	ptmx    *os.File
	cmd     *exec.Cmd

	mu          sync.Mutex
	owner       *peer
	held        *backlog.Backlog
	orphanTimer *time.Timer
	killOnce    sync.Once
}

// exitedEvent is the params of the terminal.exited event.
type exitedEvent struct {
	SessionID string `json:"session_id"`
	Code      int    `json:"code"`
}

func (s *Server) openTerminal(owner *peer, op openParams) (*terminal, error) {
	uid, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	ptmx, cmd, err := spawnPTY(uid.String(), op)
	if err != nil {
		return nil, err
	}

	t := &terminal{
		srv:     s,
		id:      uid.String(),
		uid:     uid,
		command: cmd.Path,
		ptmx:    ptmx,
		cmd:     cmd,
		owner:   owner,
		held:    backlog.New(0),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.kill()
		ptmx.Close()
		_ = cmd.Wait()
		return nil, errors.New("server shutting down")
	}
	s.terminals[t.id] = t
	s.metrics.terminals.Inc()
	s.mu.Unlock()

	owner.log.Info("terminal opened", "session", t.id, "command", t.command)
	go t.pump()
	return t, nil
}

func (s *Server) terminal(id string) *terminal {
	if u, err := uuid.Parse(id); err == nil {
		id = u.String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminals[id]
}

// pump moves PTY output to the owner, batched through a coalescer, until
// the PTY closes.
func (t *terminal) pump() {
	chunks := make(chan []byte, 4)
	go readPTY(t.ptmx, chunks)

	coal := coalesce.New(t.uid, protocol.Stdout)
	defer coal.Stop()

	for {
		select {
		case data, ok := <-chunks:
			if !ok {
				if frame := coal.Flush(); frame != nil {
					t.emit(frame)
				}
				t.exited()
				return
			}
			if coal.Add(data) {
				t.emit(coal.Flush())
			}
		case <-coal.Timer():
			if frame := coal.Flush(); frame != nil {
				t.emit(frame)
			}
		}
	}
}

// readPTY reads until the PTY is closed or the child exits.
func readPTY(ptmx *os.File, ch chan<- []byte) {
	defer close(ch)
	for {
		buf := make([]byte, ptyReadBufSize)
		n, err := ptmx.Read(buf)
		if n > 0 {
			ch <- buf[:n]
		}
		if err != nil {
			return
		}
	}
}

func (t *terminal) emit(frame []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owner != nil {
		if err := t.owner.conn.WriteMessage(protocol.MsgBinary, frame); err == nil {
			return
		}
	}
	t.held.Push(frame)
}

func (t *terminal) exited() {
	code := 0
	if err := t.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	t.ptmx.Close()

	s := t.srv
	s.mu.Lock()
	delete(s.terminals, t.id)
	s.metrics.terminals.Dec()
	s.mu.Unlock()

	t.mu.Lock()
	owner := t.owner
	if t.orphanTimer != nil {
		t.orphanTimer.Stop()
	}
	t.mu.Unlock()

	s.log.Info("terminal exited", "session", t.id, "code", code)
	if owner == nil {
		return
	}
	ev, err := eventOf("terminal.exited", exitedEvent{SessionID: t.id, Code: code})
	if err == nil {
		err = owner.send(ev)
	}
	if err != nil {
		owner.log.Debug("sending exit event failed", "session", t.id, "err", err)
	}
}

func (t *terminal) write(p []byte) error {
	_, err := t.ptmx.Write(p)
	return err
}

func (t *terminal) resize(rows, cols uint16) error {
	return pty.Setsize(t.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// kill ends the process; pump then reports the exit.
func (t *terminal) kill() {
	t.killOnce.Do(func() {
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
	})
}

func (t *terminal) ownedBy(p *peer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner == p
}

func (t *terminal) attached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner != nil
}

// attach makes p the owner and replays output held while unowned.
func (t *terminal) attach(p *peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.owner = p
	if t.orphanTimer != nil {
		t.orphanTimer.Stop()
		t.orphanTimer = nil
	}
	for _, frame := range t.held.Drain() {
		if err := p.conn.WriteMessage(protocol.MsgBinary, frame); err != nil {
			p.log.Debug("replaying held output failed", "session", t.id, "err", err)
			return
		}
	}
}

// orphan drops p as owner, if it is, and kills the terminal unless another
// peer attaches within the orphan timeout.
func (t *terminal) orphan(p *peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owner != p {
		return
	}
	t.owner = nil
	t.orphanTimer = time.AfterFunc(t.srv.cfg.OrphanTimeout, func() {
		if !t.attached() {
			t.srv.log.Info("killing orphaned terminal", "session", t.id)
			t.kill()
		}
	})
}

func eventOf(topic string, params any) (*protocol.Event, error) {
	raw, err := marshalResult(params)
	if err != nil {
		return nil, err
	}
	return &protocol.Event{Topic: topic, Params: raw}, nil
}

// spawnPTY starts op.Command (default $SHELL, then /bin/sh) in a new PTY.
// A bare shell runs as a login shell. GWLINK_SESSION is set in its
// environment.
func spawnPTY(sessionID string, op openParams) (*os.File, *exec.Cmd, error) {
	command := op.Command
	login := false
	if command == "" {
		command = os.Getenv("SHELL")
		if command == "" {
			command = "/bin/sh"
		}
		login = len(op.Args) == 0
	}

	cmd := exec.Command(command, op.Args...)
	if login {
		// Login shell: prepend "-" to argv[0] so the shell reads profile files.
		cmd.Args[0] = "-" + filepath.Base(command)
	}

	var env []string
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "TERM=") {
			env = append(env, e)
		}
	}
	env = append(env, "TERM="+sanitizeTerm(op.Term))
	cmd.Env = append(env, "GWLINK_SESSION="+sessionID)

	size := &pty.Winsize{Rows: 24, Cols: 80}
	if op.Rows > 0 && op.Cols > 0 {
		size.Rows, size.Cols = op.Rows, op.Cols
	}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, nil, &protocol.RPCError{Code: CodeServerError, Message: fmt.Sprintf("start %s: %v", command, err)}
	}
	return ptmx, cmd, nil
}

// sanitizeTerm validates a TERM value from the client. Returns the value if
// it looks reasonable, or "xterm-256color" as a safe fallback.
func sanitizeTerm(term string) string {
	if term == "" || len(term) > 128 {
		return "xterm-256color"
	}
	for _, c := range term {
		if c < 0x20 || c == '=' || c > 0x7e {
			return "xterm-256color"
		}
	}
	return term
}
