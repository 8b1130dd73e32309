package stubgateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chronologos/gwlink/internal/protocol"
)

// JSON-RPC style error codes.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeServerError    = -32000
)

var errUnknownSession = errors.New("unknown session")

type handlerFunc func(s *Server, p *peer, params json.RawMessage) (any, error)

var methods = map[string]handlerFunc{
	"echo.ping":       echoPing,
	"terminal.open":   terminalOpen,
	"terminal.attach": terminalAttach,
	"terminal.resize": terminalResize,
	"terminal.close":  terminalClose,
	"terminal.list":   terminalList,
}

func (s *Server) dispatch(p *peer, method string, params json.RawMessage) (any, error) {
	h, ok := methods[method]
	if !ok {
		return nil, &protocol.RPCError{
			Code:    CodeMethodNotFound,
			Message: "method not found",
			Data:    json.RawMessage(fmt.Sprintf(`{"method":%q}`, method)),
		}
	}
	return h(s, p, params)
}

func asRPCError(err error) *protocol.RPCError {
	var rpcErr *protocol.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &protocol.RPCError{Code: CodeServerError, Message: err.Error()}
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return &protocol.RPCError{Code: CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &protocol.RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func echoPing(_ *Server, _ *peer, params json.RawMessage) (any, error) {
	return params, nil
}

type openParams struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Term    string   `json:"term,omitempty"`
	Cols    uint16   `json:"cols,omitempty"`
	Rows    uint16   `json:"rows,omitempty"`
}

type sessionParams struct {
	SessionID string `json:"session_id"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
}

type sessionResult struct {
	SessionID string `json:"session_id"`
}

func terminalOpen(s *Server, p *peer, params json.RawMessage) (any, error) {
	var op openParams
	if len(params) > 0 {
		if err := decodeParams(params, &op); err != nil {
			return nil, err
		}
	}
	t, err := s.openTerminal(p, op)
	if err != nil {
		return nil, err
	}
	return sessionResult{SessionID: t.id}, nil
}

func (s *Server) sessionFor(params json.RawMessage) (*terminal, sessionParams, error) {
	var sp sessionParams
	if err := decodeParams(params, &sp); err != nil {
		return nil, sp, err
	}
	t := s.terminal(sp.SessionID)
	if t == nil {
		return nil, sp, &protocol.RPCError{Code: CodeServerError, Message: fmt.Sprintf("%v: %s", errUnknownSession, sp.SessionID)}
	}
	return t, sp, nil
}

func terminalAttach(s *Server, p *peer, params json.RawMessage) (any, error) {
	t, _, err := s.sessionFor(params)
	if err != nil {
		return nil, err
	}
	t.attach(p)
	return sessionResult{SessionID: t.id}, nil
}

func terminalResize(s *Server, _ *peer, params json.RawMessage) (any, error) {
	t, sp, err := s.sessionFor(params)
	if err != nil {
		return nil, err
	}
	if sp.Cols == 0 || sp.Rows == 0 {
		return nil, &protocol.RPCError{Code: CodeInvalidParams, Message: "cols and rows are required"}
	}
	if err := t.resize(sp.Rows, sp.Cols); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func terminalClose(s *Server, _ *peer, params json.RawMessage) (any, error) {
	t, _, err := s.sessionFor(params)
	if err != nil {
		return nil, err
	}
	t.kill()
	return struct{}{}, nil
}

type terminalInfo struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
	Attached  bool   `json:"attached"`
}

func terminalList(s *Server, _ *peer, _ json.RawMessage) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]terminalInfo, 0, len(s.terminals))
	for _, t := range s.terminals {
		out = append(out, terminalInfo{SessionID: t.id, Command: t.command, Attached: t.attached()})
	}
	return out, nil
}
