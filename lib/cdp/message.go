package cdp

import (
	"encoding/json"
	"fmt"
)

// Message is a single CDP frame. Commands carry id+method, responses carry
// id+result|error, events carry method only. Params and results stay opaque;
// the relay only interprets the envelope and a small set of Target.*/Runtime.*
// methods.
type Message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// IsResponse reports whether the frame is a response to a command. CDP
// responses never carry a method.
func (m *Message) IsResponse() bool {
	return m.Method == ""
}

// Error is a CDP error object, also used for relay-level failures.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// Error codes used by the relay. CodeParseError follows JSON-RPC; the rest use
// the CDP server-error code with distinguishing messages.
const (
	CodeParseError  = -32700
	CodeServerError = -32000
)

// ParseMessage decodes a frame. On malformed JSON it returns a ready-to-send
// -32700 error frame alongside the error.
func ParseMessage(data []byte) (*Message, *Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		reply := &Message{Error: &Error{
			Code:    CodeParseError,
			Message: fmt.Sprintf("Error parsing message: %v", err),
		}}
		return nil, reply, err
	}
	return &m, nil, nil
}

// NewCommand builds a command frame.
func NewCommand(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{ID: id, Method: method, Params: raw}, nil
}

// NewResponse builds a success response frame.
func NewResponse(id int64, result any) (*Message, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage(`{}`)
	}
	return &Message{ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response frame.
func NewErrorResponse(id int64, cdpErr *Error) *Message {
	return &Message{ID: id, Error: cdpErr}
}

// NewEvent builds an event frame.
func NewEvent(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Method: method, Params: raw}, nil
}

// Encode marshals the frame for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}
