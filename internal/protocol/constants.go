package protocol

import "fmt"

// Version is the gateway protocol version this client speaks.
const Version = 1

// Binary frame header: [16B session UUID][1B stream tag], payload follows.
const (
	SessionIDSize   = 16
	FrameHeaderSize = SessionIDSize + 1
)

// Stream message header: [4B payload_length big-endian][1B message kind]
const HeaderSize = 5

// Maximum stream message payload size (16 MB).
const MaxPayloadSize = 16 * 1024 * 1024

// MessageKind distinguishes the message classes a socket carries.
type MessageKind byte

const (
	MsgText   MessageKind = 0x01 // JSON control: handshake, RPC, events
	MsgBinary MessageKind = 0x02 // binary frame (see ParseFrame)
	MsgClose  MessageKind = 0x03 // stream transports only: [2B code][reason]
)

func (k MessageKind) String() string {
	switch k {
	case MsgText:
		return "text"
	case MsgBinary:
		return "binary"
	case MsgClose:
		return "close"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

// StreamKind is the stream tag carried in byte 16 of a binary frame.
type StreamKind byte

const (
	Stdout StreamKind = 0
	Stderr StreamKind = 1
	Stdin  StreamKind = 2
)

// Valid reports whether k is one of the defined stream tags. The codec
// itself never rejects unknown tags.
func (k StreamKind) Valid() bool {
	return k <= Stdin
}

func (k StreamKind) String() string {
	switch k {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	case Stdin:
		return "stdin"
	default:
		return fmt.Sprintf("stream(%d)", byte(k))
	}
}

// JSON envelope discriminators.
const (
	TypeHello    = "hello"
	TypeReject   = "reject"
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// RejectCode is the reason a gateway refused a ClientHello.
type RejectCode string

const (
	RejectVersionMismatch RejectCode = "version_mismatch"
	RejectUnauthorized    RejectCode = "unauthorized"
	RejectServerError     RejectCode = "server_error"
)
