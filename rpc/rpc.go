// Package rpc defines the JSON-RPC 2.0 envelope exchanged between browser
// clients, the bridge, and the external application. The bridge treats
// envelopes as opaque beyond the fields needed for routing: the presence of an
// id decides whether a reply must be produced, and the id is the only
// correlation key.
package rpc

import (
	"encoding/json"
	"fmt"
)

const Version = "2.0"

// Standard JSON-RPC 2.0 error codes, plus the HTTP-flavored code the bridge
// uses when the external application is unreachable.
const (
	CodeParseError         = -32700
	CodeMethodNotFound     = -32601
	CodeServiceUnavailable = 503
)

// Message is a single JSON-RPC envelope: a request (id+method), a
// notification (method, no id), or a response (id+result/error). Params,
// Result, and the id are kept raw; the bridge never interprets them.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsRequest reports whether the envelope expects a reply, i.e. it carries an
// id. Notifications never get a reply, under any failure.
func (m *Message) IsRequest() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

// Parse decodes a raw envelope. The returned error indicates a malformed
// envelope that should be answered with a parse-error response.
func Parse(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}
	return &m, nil
}

// NewResponse builds a success response carrying the given result, which must
// be JSON-marshalable.
func NewResponse(id json.RawMessage, result any) (*Message, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: id, Result: b}, nil
}

// NewErrorResponse builds an error response addressed to the request with the
// given id.
func NewErrorResponse(id json.RawMessage, code int, message string) *Message {
	return &Message{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}
