package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrShortFrame means a binary message was too short to hold a frame header.
// Gateways never send these, so seeing one points at a protocol bug.
var ErrShortFrame = errors.New("binary frame shorter than header")

// Frame is a parsed binary frame. Payload aliases the buffer it was parsed from.
type Frame struct {
	SessionID string // canonical lowercase UUID text
	Stream    StreamKind
	Payload   []byte
}

// ParseFrame splits a raw binary message into session id, stream tag and
// payload. The stream tag is not range-checked; use StreamKind.Valid.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < FrameHeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	var id uuid.UUID
	copy(id[:], b[:SessionIDSize])
	return Frame{
		SessionID: id.String(),
		Stream:    StreamKind(b[SessionIDSize]),
		Payload:   b[FrameHeaderSize:],
	}, nil
}

// SessionIDBytes converts a session id back to its 16 raw header bytes.
func SessionIDBytes(sessionID string) (uuid.UUID, error) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("session id %q: %w", sessionID, err)
	}
	return id, nil
}

// AppendFrameHeader appends the 17-byte frame header to dst.
func AppendFrameHeader(dst []byte, id uuid.UUID, stream StreamKind) []byte {
	dst = append(dst, id[:]...)
	return append(dst, byte(stream))
}

// EncodeFrame builds a complete binary frame in a single allocation.
func EncodeFrame(sessionID string, stream StreamKind, payload []byte) ([]byte, error) {
	id, err := SessionIDBytes(sessionID)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, FrameHeaderSize+len(payload))
	buf = AppendFrameHeader(buf, id, stream)
	return append(buf, payload...), nil
}
