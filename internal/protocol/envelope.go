package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrMalformedJSON is returned by DecodeEnvelope for text that is not JSON.
var ErrMalformedJSON = errors.New("malformed JSON message")

// --- Handshake ---

// VersionRange is the inclusive protocol range a client accepts.
type VersionRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// ClientHello is the first text message a client sends on a new socket.
type ClientHello struct {
	Protocol     VersionRange `json:"protocol"`
	ClientID     string       `json:"client_id"`
	AuthToken    string       `json:"auth_token,omitempty"`
	Capabilities []string     `json:"capabilities"`
}

// ServiceInfo advertises one gateway service.
type ServiceInfo struct {
	Service string `json:"service"`
	Version int    `json:"version"`
}

// ServerHello completes a handshake.
type ServerHello struct {
	ProtocolVersion int           `json:"protocol_version"`
	ServerID        string        `json:"server_id"`
	Identity        string        `json:"identity,omitempty"`
	Services        []ServiceInfo `json:"services"`
}

// HelloReject refuses a handshake. It is terminal for the connection attempt.
type HelloReject struct {
	Code   RejectCode `json:"code"`
	Reason string     `json:"reason"`
}

func (r *HelloReject) Error() string {
	return fmt.Sprintf("handshake rejected (%s): %s", r.Code, r.Reason)
}

// --- RPC ---

// Request invokes a gateway method.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the Request with the same ID.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is an application error returned by the gateway. Clients pass it
// through untouched.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Event is pushed by the gateway without a preceding request.
type Event struct {
	Topic  string          `json:"topic"`
	Params json.RawMessage `json:"params,omitempty"`
}

// --- Validators ---
//
// The predicates below look at raw JSON text and never fail: anything that
// is not a JSON object of the expected shape is simply false.

// IsHandshakeResponse matches {type:"hello", protocol_version:number,
// server_id:string} and {type:"reject", code:string, reason:string}.
func IsHandshakeResponse(data []byte) bool {
	obj, ok := parseObject(data)
	if !ok {
		return false
	}
	switch typeOf(obj) {
	case TypeHello:
		return obj.Get("protocol_version").Type == gjson.Number &&
			obj.Get("server_id").Type == gjson.String
	case TypeReject:
		return obj.Get("code").Type == gjson.String &&
			obj.Get("reason").Type == gjson.String
	}
	return false
}

// IsRPCResponse matches {type:"response", id:string}.
func IsRPCResponse(data []byte) bool {
	obj, ok := parseObject(data)
	return ok && typeOf(obj) == TypeResponse && obj.Get("id").Type == gjson.String
}

// IsRPCEvent matches {type:"event", topic:string}.
func IsRPCEvent(data []byte) bool {
	obj, ok := parseObject(data)
	return ok && typeOf(obj) == TypeEvent && obj.Get("topic").Type == gjson.String
}

// IsRPCRequest matches {type:"request", id:string, method:string}.
func IsRPCRequest(data []byte) bool {
	obj, ok := parseObject(data)
	return ok && typeOf(obj) == TypeRequest &&
		obj.Get("id").Type == gjson.String &&
		obj.Get("method").Type == gjson.String
}

func parseObject(data []byte) (gjson.Result, bool) {
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, false
	}
	obj := gjson.ParseBytes(data)
	return obj, obj.IsObject()
}

func typeOf(obj gjson.Result) string {
	t := obj.Get("type")
	if t.Type != gjson.String {
		return ""
	}
	return t.Str
}

// --- Tagged decode ---

// Envelope is one decoded text message: *ServerHello, *HelloReject,
// *Request, *Response, *Event, or Unrecognized.
type Envelope interface {
	envelopeType() string
}

func (*ServerHello) envelopeType() string { return TypeHello }
func (*HelloReject) envelopeType() string { return TypeReject }
func (*Request) envelopeType() string     { return TypeRequest }
func (*Response) envelopeType() string    { return TypeResponse }
func (*Event) envelopeType() string       { return TypeEvent }

// Unrecognized is valid JSON that matched no known envelope. Receivers
// ignore it so newer gateways can add message types.
type Unrecognized struct {
	Type string
}

func (u Unrecognized) envelopeType() string { return u.Type }

// DecodeEnvelope classifies a text message. The only error is
// ErrMalformedJSON; shape mismatches come back as Unrecognized.
func DecodeEnvelope(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformedJSON
	}

	var env Envelope
	switch {
	case IsHandshakeResponse(data):
		if typeOf(gjson.ParseBytes(data)) == TypeHello {
			env = &ServerHello{}
		} else {
			env = &HelloReject{}
		}
	case IsRPCResponse(data):
		env = &Response{}
	case IsRPCEvent(data):
		env = &Event{}
	case IsRPCRequest(data):
		env = &Request{}
	default:
		return Unrecognized{Type: typeOf(gjson.ParseBytes(data))}, nil
	}

	// The shape check passed, but optional fields may still carry the wrong
	// types (e.g. services as a string). Treat those as unrecognized too.
	if err := json.Unmarshal(data, env); err != nil {
		return Unrecognized{Type: env.envelopeType()}, nil
	}
	return env, nil
}

// Encode marshals an envelope with its "type" discriminator.
func Encode(env Envelope) ([]byte, error) {
	switch m := env.(type) {
	case *ServerHello:
		return json.Marshal(struct {
			Type string `json:"type"`
			*ServerHello
		}{TypeHello, m})
	case *HelloReject:
		return json.Marshal(struct {
			Type string `json:"type"`
			*HelloReject
		}{TypeReject, m})
	case *Request:
		return json.Marshal(struct {
			Type string `json:"type"`
			*Request
		}{TypeRequest, m})
	case *Response:
		return json.Marshal(struct {
			Type string `json:"type"`
			*Response
		}{TypeResponse, m})
	case *Event:
		return json.Marshal(struct {
			Type string `json:"type"`
			*Event
		}{TypeEvent, m})
	default:
		return nil, fmt.Errorf("unsupported envelope type: %T", env)
	}
}
