package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		kind    MessageKind
		payload []byte
	}{
		{MsgText, []byte(`{"type":"hello","protocol_version":1,"server_id":"gw"}`)},
		{MsgBinary, bytes.Repeat([]byte{0xab}, 4096)},
		{MsgBinary, nil},
		{MsgClose, EncodeClose(1000, "bye")},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		if err := WriteMessage(&buf, tt.kind, tt.payload); err != nil {
			t.Fatal(err)
		}
		if buf.Len() != HeaderSize+len(tt.payload) {
			t.Fatalf("%v: wire size %d, want %d", tt.kind, buf.Len(), HeaderSize+len(tt.payload))
		}

		kind, payload, err := ReadMessage(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if kind != tt.kind {
			t.Fatalf("kind = %v, want %v", kind, tt.kind)
		}
		if !bytes.Equal(payload, tt.payload) {
			t.Fatalf("%v: payload mismatch", tt.kind)
		}
	}
}

func TestMultipleMessagesInSequence(t *testing.T) {
	var buf bytes.Buffer
	WriteMessage(&buf, MsgText, []byte("one"))
	WriteMessage(&buf, MsgBinary, []byte("two"))
	WriteMessage(&buf, MsgText, []byte("three"))

	for _, want := range []string{"one", "two", "three"} {
		_, payload, err := ReadMessage(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if string(payload) != want {
			t.Fatalf("got %q, want %q", payload, want)
		}
	}

	if _, _, err := ReadMessage(&buf); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestWritePayloadTooLarge(t *testing.T) {
	err := WriteMessage(io.Discard, MsgBinary, make([]byte, MaxPayloadSize+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadPayloadTooLarge(t *testing.T) {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], MaxPayloadSize+1)
	header[4] = byte(MsgBinary)

	_, _, err := ReadMessage(bytes.NewReader(header[:]))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestUnknownMessageKind(t *testing.T) {
	if err := WriteMessage(io.Discard, MessageKind(0x7f), nil); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("write: expected ErrUnknownMessage, got %v", err)
	}

	raw := []byte{0, 0, 0, 0, 0x7f}
	if _, _, err := ReadMessage(bytes.NewReader(raw)); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("read: expected ErrUnknownMessage, got %v", err)
	}
}

func TestTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	WriteMessage(&buf, MsgText, []byte("hello world"))
	truncated := buf.Bytes()[:buf.Len()-3]

	if _, _, err := ReadMessage(bytes.NewReader(truncated)); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestCloseEncoding(t *testing.T) {
	code, reason, err := DecodeClose(EncodeClose(4001, "handshake timeout"))
	if err != nil {
		t.Fatal(err)
	}
	if code != 4001 || reason != "handshake timeout" {
		t.Fatalf("got %d %q", code, reason)
	}

	if _, _, err := DecodeClose([]byte{1}); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
}
