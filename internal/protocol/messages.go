package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrUnknownMessage  = errors.New("unknown message kind")
	ErrShortPayload    = errors.New("payload too short for message kind")
)

// --- Stream message framing ---
//
// QUIC and TCP+TLS sockets carry the same text/binary messages a WebSocket
// does, so they need their own message boundaries:
//
//	[4B payload_length big-endian][1B kind][payload]

// WriteMessage writes one framed message to w. The header and payload are
// written separately so large binary frames are not copied.
func WriteMessage(w io.Writer, kind MessageKind, payload []byte) error {
	switch kind {
	case MsgText, MsgBinary, MsgClose:
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, byte(kind))
	}
	if len(payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	header[4] = byte(kind)

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadMessage reads one framed message from r. The returned payload is
// freshly allocated and owned by the caller.
func ReadMessage(r io.Reader) (MessageKind, []byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	payloadLen := binary.BigEndian.Uint32(header[0:4])
	kind := MessageKind(header[4])

	if payloadLen > MaxPayloadSize {
		return 0, nil, ErrPayloadTooLarge
	}
	switch kind {
	case MsgText, MsgBinary, MsgClose:
	default:
		return 0, nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, byte(kind))
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return kind, payload, nil
}

// EncodeClose builds a MsgClose payload.
func EncodeClose(code int, reason string) []byte {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload[0:2], uint16(code))
	copy(payload[2:], reason)
	return payload
}

// DecodeClose parses a MsgClose payload.
func DecodeClose(payload []byte) (code int, reason string, err error) {
	if len(payload) < 2 {
		return 0, "", ErrShortPayload
	}
	return int(binary.BigEndian.Uint16(payload[0:2])), string(payload[2:]), nil
}
