// Package chat holds the message model of a support conversation: the message
// record, its sender role, the append-only log kept for the open session and
// the validation applied to outgoing content.
package chat

import (
	"time"

	"github.com/cuts-ae/support/internal/protocol"
)

// Role identifies which side of a conversation authored a message.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
)

// ParseRole maps a wire sender_role onto a Role. The server tags agent
// messages as "support" (older builds use "agent"); every other value is a
// customer-side participant such as a restaurant or a diner.
func ParseRole(s string) Role {
	switch s {
	case "support", "agent", "admin":
		return RoleAgent
	}
	return RoleCustomer
}

// Message is a single chat message as held by the console. Once received it is
// never mutated.
type Message struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	SenderRole    Role      `json:"sender_role"`
	SenderID      string    `json:"sender_id"`
	Content       string    `json:"content"`
	AttachmentRef string    `json:"attachment_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Read          bool      `json:"read"`
}

// FromRecord converts a wire message record into a Message.
func FromRecord(r protocol.MessageRecord) Message {
	return Message{
		ID:            r.ID,
		SessionID:     r.SessionID,
		SenderRole:    ParseRole(r.SenderRole),
		SenderID:      r.SenderID,
		Content:       r.Content,
		AttachmentRef: r.AttachmentURL,
		CreatedAt:     r.CreatedAt,
		Read:          r.Read,
	}
}

// FromCustomer reports whether the message was written by the customer side.
func (m Message) FromCustomer() bool {
	return m.SenderRole == RoleCustomer
}

// Before reports whether m sorts strictly before o in a session's total order.
func (m Message) Before(o Message) bool {
	return m.CreatedAt.Before(o.CreatedAt)
}
