package gateway

import (
	"errors"

	"github.com/chronologos/gwlink/internal/protocol"
)

// Status is the connection status of a Transport.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusHandshaking
	StatusConnected
	StatusError
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusHandshaking:
		return "handshaking"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// State is a snapshot of a Transport's connection. ServerHello is set while
// connected, Rejection while rejected. Err holds the last socket error and
// survives the move from error to disconnected.
type State struct {
	Status      Status
	ServerHello *protocol.ServerHello
	Rejection   *protocol.HelloReject
	Err         error
}

func (s State) equal(o State) bool {
	if s.Status != o.Status || s.ServerHello != o.ServerHello || s.Rejection != o.Rejection {
		return false
	}
	if s.Err == nil || o.Err == nil {
		return s.Err == nil && o.Err == nil
	}
	// errors.Is guards against non-comparable error types
	return errors.Is(s.Err, o.Err)
}
