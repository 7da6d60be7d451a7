// Package protocol defines the wire contract between clients and the
// messaging core: event names and JSON payloads carried over the websocket.
package protocol

import (
	"encoding/json"

	"minichat/store"
)

// Client-to-server and server-to-client event names. A frame is
// {"event": <name>, "data": <payload>} in both directions.
const (
	EventMessageSend   = "message:send"    // C->S {receiver, text}
	EventMessageNew    = "message:new"     // S->C full Message
	EventMessageStatus = "message:status"  // S->C {id, status}
	EventMessageRead   = "message:read"    // C->S {msgId}; S->C full Message
	EventTypingStart   = "typing:start"    // C->S {receiver}; S->C {from}
	EventTypingStop    = "typing:stop"     // C->S {receiver}; S->C {from}
	EventUserOnline    = "user:online"     // S->C {userId}, broadcast
	EventUserOffline   = "user:offline"    // S->C {userId}, broadcast
	EventError         = "error"           // S->C Error
	EventKickoff       = "session:kickoff" // S->C, connection superseded
)

// ClientFrame is one inbound websocket message.
type ClientFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendReq asks the server to deliver text to receiver.
type SendReq struct {
	Receiver string `json:"receiver"`
	Text     string `json:"text"`
}

// ReadReq asks the server to mark a message as read.
type ReadReq struct {
	MsgID string `json:"msgId"`
}

// TypingReq relays a typing start/stop toward receiver.
type TypingReq struct {
	Receiver string `json:"receiver"`
}

// StatusNotice tells the sender a message changed status.
type StatusNotice struct {
	ID     string       `json:"id"`
	Status store.Status `json:"status"`
}

// TypingNotice tells the receiver who is typing.
type TypingNotice struct {
	From string `json:"from"`
}

// PresenceNotice announces an identity going online or offline.
type PresenceNotice struct {
	UserID string `json:"userId"`
}

// Error codes, gRPC-style numbering.
const (
	CodeInvalidArgument = 3
	CodeNotFound        = 5
	CodeInternal        = 13
	CodeUnauthenticated = 16
)

// Error is the client-visible failure payload.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func NewInvalidArgumentError(msg string) *Error {
	return &Error{Code: CodeInvalidArgument, Message: msg}
}

func NewNotFoundError(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}

// NewInternalError masks backend detail: clients only learn that storage
// failed temporarily.
func NewInternalError() *Error {
	return &Error{Code: CodeInternal, Message: "temp storage error"}
}
