package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestIsHandshakeResponse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"hello", `{"type":"hello","protocol_version":1,"server_id":"gw-1"}`, true},
		{"hello with services", `{"type":"hello","protocol_version":1,"server_id":"gw","services":[{"service":"terminal","version":1}]}`, true},
		{"reject", `{"type":"reject","code":"unauthorized","reason":"bad token"}`, true},
		{"hello missing server_id", `{"type":"hello","protocol_version":1}`, false},
		{"hello version as string", `{"type":"hello","protocol_version":"1","server_id":"gw"}`, false},
		{"reject missing reason", `{"type":"reject","code":"unauthorized"}`, false},
		{"response", `{"type":"response","id":"1"}`, false},
		{"null", `null`, false},
		{"array", `[1,2]`, false},
		{"string", `"hello"`, false},
		{"type not string", `{"type":7}`, false},
		{"not json", `{"type":`, false},
		{"empty", ``, false},
	}
	for _, tt := range tests {
		if got := IsHandshakeResponse([]byte(tt.in)); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsRPCResponse(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{`{"type":"response","id":"abc"}`, true},
		{`{"type":"response","id":"abc","result":{"y":2}}`, true},
		{`{"type":"response","id":"abc","error":{"code":1,"message":"x"}}`, true},
		{`{"type":"response","id":3}`, false},
		{`{"type":"response"}`, false},
		{`{"type":"event","topic":"x"}`, false},
		{`null`, false},
	}
	for _, tt := range tests {
		if got := IsRPCResponse([]byte(tt.in)); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestIsRPCEvent(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{`{"type":"event","topic":"chat.message"}`, true},
		{`{"type":"event","topic":"t","params":[1]}`, true},
		{`{"type":"event"}`, false},
		{`{"type":"event","topic":null}`, false},
		{`{"topic":"x"}`, false},
	}
	for _, tt := range tests {
		if got := IsRPCEvent([]byte(tt.in)); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"hello","protocol_version":1,"server_id":"gw-1","identity":"alice","services":[{"service":"terminal","version":2}]}`))
	if err != nil {
		t.Fatal(err)
	}
	hello, ok := env.(*ServerHello)
	if !ok {
		t.Fatalf("expected *ServerHello, got %T", env)
	}
	if hello.ServerID != "gw-1" || hello.Identity != "alice" || len(hello.Services) != 1 || hello.Services[0].Version != 2 {
		t.Fatalf("unexpected hello: %+v", hello)
	}

	env, err = DecodeEnvelope([]byte(`{"type":"reject","code":"version_mismatch","reason":"too old"}`))
	if err != nil {
		t.Fatal(err)
	}
	rej, ok := env.(*HelloReject)
	if !ok || rej.Code != RejectVersionMismatch {
		t.Fatalf("unexpected reject: %#v", env)
	}

	env, err = DecodeEnvelope([]byte(`{"type":"response","id":"r1","error":{"code":-32601,"message":"no such method","data":{"m":"x"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp, ok := env.(*Response)
	if !ok || resp.Error == nil || resp.Error.Code != -32601 || string(resp.Error.Data) != `{"m":"x"}` {
		t.Fatalf("unexpected response: %#v", env)
	}

	env, err = DecodeEnvelope([]byte(`{"type":"event","topic":"chat.delta","params":{"text":"hi"}}`))
	if err != nil {
		t.Fatal(err)
	}
	ev, ok := env.(*Event)
	if !ok || ev.Topic != "chat.delta" || string(ev.Params) != `{"text":"hi"}` {
		t.Fatalf("unexpected event: %#v", env)
	}
}

func TestDecodeEnvelopeUnrecognized(t *testing.T) {
	tests := []struct {
		in       string
		wantType string
	}{
		{`{"type":"presence","who":"x"}`, "presence"},
		{`{"no_type":true}`, ""},
		{`null`, ""},
		{`42`, ""},
		// passes the shape check but services has the wrong type
		{`{"type":"hello","protocol_version":1,"server_id":"gw","services":"nope"}`, TypeHello},
	}
	for _, tt := range tests {
		env, err := DecodeEnvelope([]byte(tt.in))
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tt.in, err)
		}
		u, ok := env.(Unrecognized)
		if !ok {
			t.Fatalf("%s: expected Unrecognized, got %T", tt.in, env)
		}
		if u.Type != tt.wantType {
			t.Fatalf("%s: type = %q, want %q", tt.in, u.Type, tt.wantType)
		}
	}
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	for _, in := range []string{`{`, `not json`, ``} {
		if _, err := DecodeEnvelope([]byte(in)); !errors.Is(err, ErrMalformedJSON) {
			t.Fatalf("%q: expected ErrMalformedJSON, got %v", in, err)
		}
	}
}

func TestEncodeAddsType(t *testing.T) {
	data, err := Encode(&Request{ID: "1", Method: "foo.bar", Params: json.RawMessage(`{"x":1}`)})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != TypeRequest || got["id"] != "1" || got["method"] != "foo.bar" {
		t.Fatalf("unexpected request encoding: %s", data)
	}

	data, err = Encode(&ServerHello{ProtocolVersion: 1, ServerID: "gw"})
	if err != nil {
		t.Fatal(err)
	}
	if !IsHandshakeResponse(data) {
		t.Fatalf("encoded hello failed validation: %s", data)
	}

	data, err = Encode(&Event{Topic: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if !IsRPCEvent(data) {
		t.Fatalf("encoded event failed validation: %s", data)
	}
}

func TestRequestWithoutParamsOmitsField(t *testing.T) {
	data, err := Encode(&Request{ID: "1", Method: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"request","id":"1","method":"m"}` {
		t.Fatalf("unexpected encoding: %s", data)
	}
}
