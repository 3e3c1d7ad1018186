package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking wire changes.
const ProtocolVersion = 3

// Frame kinds on the WebSocket.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// RequestFrame is a client → server RPC call.
type RequestFrame struct {
	Type   string          `json:"type"` // "req"
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is the server's reply to one RequestFrame.
type ResponseFrame struct {
	Type   string      `json:"type"` // "res"
	ID     string      `json:"id"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// EventFrame is a server → client push.
type EventFrame struct {
	Type    string      `json:"type"` // "event"
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewEvent builds an EventFrame.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameEvent, Name: name, Payload: payload}
}

// OKResponse builds a success ResponseFrame for request id.
func OKResponse(id string, result interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameResponse, ID: id, OK: true, Result: result}
}

// ErrResponse builds a failure ResponseFrame for request id.
func ErrResponse(id string, msg string) *ResponseFrame {
	return &ResponseFrame{Type: FrameResponse, ID: id, OK: false, Error: msg}
}
