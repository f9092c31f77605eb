// ABOUTME: WebSocket frame envelope: requests, responses and server-pushed events
// ABOUTME: Defines the method and event names plus their parameter shapes

package gateway

import (
	"encoding/json"
)

// Frame types.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Request methods a session accepts.
const (
	MethodMessageSend       = "message.send"
	MethodHistoryLoad       = "history.load"
	MethodConversationsList = "conversations.list"
)

// Events the server pushes.
const (
	EventHello   = "hello"
	EventMessage = "message"
)

// Transport-level error codes, alongside the conversation error kinds.
const (
	CodeBadRequest     = "bad_request"
	CodeMethodNotFound = "method_not_found"
	CodeRateLimited    = "rate_limited"
)

// Frame is the envelope for every WebSocket message in either direction.
type Frame struct {
	Type string `json:"type"`

	// Request fields
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`

	// Event fields
	Event string `json:"event,omitempty"`
	Seq   int64  `json:"seq,omitempty"`
}

// ErrorShape is the error body of a failed response.
type ErrorShape struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// HelloPayload is sent once a session is registered.
type HelloPayload struct {
	SessionID string       `json:"sessionId"`
	UserID    string       `json:"userId"`
	Methods   []string     `json:"methods"`
	Events    []string     `json:"events"`
	Policy    ServerPolicy `json:"policy"`
}

// ServerPolicy tells the client the limits it must respect.
type ServerPolicy struct {
	MaxPayload     int `json:"maxPayload"`
	MaxBodyLength  int `json:"maxBodyLength"`
	PingIntervalMs int `json:"pingIntervalMs"`
}

// SendParams are the params of message.send and the body of the REST send.
// A non-empty ClientMsgID makes resends inside the retry window return the
// first stored message instead of storing another copy.
type SendParams struct {
	ReceiverID  string `json:"receiverId" validate:"required"`
	Body        string `json:"body"`
	ClientMsgID string `json:"clientMsgId,omitempty" validate:"omitempty,max=128"`
}

// HistoryParams are the params of history.load.
type HistoryParams struct {
	OtherUserID string `json:"otherUserId" validate:"required"`
	Limit       int    `json:"limit" validate:"gte=0,lte=500"`
	Before      int64  `json:"before" validate:"gte=0"`
	Format      string `json:"format" validate:"omitempty,oneof=text html"`
}

// ListParams are the params of conversations.list.
type ListParams struct {
	Limit int `json:"limit" validate:"gte=0,lte=500"`
}

// NewResponse creates a success response frame.
func NewResponse(id string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	ok := true
	return Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		OK:      &ok,
		Payload: raw,
	}, nil
}

// NewErrorResponse creates an error response frame.
func NewErrorResponse(id string, errShape ErrorShape) Frame {
	ok := false
	return Frame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    &ok,
		Error: &errShape,
	}
}

// NewEvent creates an event frame.
func NewEvent(event string, payload any, seq int64) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:    FrameTypeEvent,
		Event:   event,
		Payload: raw,
		Seq:     seq,
	}, nil
}
