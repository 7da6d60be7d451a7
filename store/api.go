package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a message or user id resolves to nothing.
var ErrNotFound = errors.New("store: not found")

// Status is the delivery state of a message. Transitions are monotonic:
// sent -> delivered -> read, never backward.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses for the monotonic-transition guard. Unknown statuses
// rank below sent.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Message is one persisted one-to-one message. Created once at status sent;
// mutated only by status upgrades; never edited or deleted.
type Message struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Receiver   string    `json:"receiver"`
	Text       string    `json:"text"`
	Status     Status    `json:"status"`
	CreateTime time.Time `json:"createTime"`
}

// User is a known account. Records are owned by the auth collaborator; this
// core only lists them.
type User struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CreateTime time.Time `json:"createTime"`
}

// MessageStore is the system of record for messages.
type MessageStore interface {
	// CreateMessage persists msg, assigning ID and CreateTime in place.
	CreateMessage(ctx context.Context, msg *Message) error

	// GetMessage loads one message by id. Returns ErrNotFound if absent.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// AdvanceStatus upgrades the message status to `to` if and only if the
	// stored status ranks below it, then returns the stored row. A no-op
	// upgrade (already at or past `to`) is not an error. Returns ErrNotFound
	// if the id is unknown.
	AdvanceStatus(ctx context.Context, id string, to Status) (*Message, error)

	// Conversation returns all messages between a and b, in either
	// direction, ascending by creation time.
	Conversation(ctx context.Context, a, b string) ([]*Message, error)
}

// UserStore lists known accounts.
type UserStore interface {
	ListUsers(ctx context.Context) ([]*User, error)
}
