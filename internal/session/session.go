// Package session defines the support conversation record tracked by the
// console and its lifecycle status.
package session

import (
	"fmt"
	"time"

	"github.com/cuts-ae/support/internal/chat"
	"github.com/cuts-ae/support/internal/protocol"
)

// Status is the lifecycle state of a session: waiting -> active -> closed.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
)

// ParseStatus maps a wire status onto a Status. "pending" is accepted as an
// alias of waiting.
func ParseStatus(s string) (Status, error) {
	switch s {
	case protocol.StatusWaiting, protocol.StatusPending:
		return StatusWaiting, nil
	case protocol.StatusActive:
		return StatusActive, nil
	case protocol.StatusClosed:
		return StatusClosed, nil
	}
	return "", fmt.Errorf("session: unknown status %q", s)
}

// Rank orders statuses along the lifecycle. A session never moves to a lower
// rank.
func (s Status) Rank() int {
	switch s {
	case StatusWaiting:
		return 1
	case StatusActive:
		return 2
	case StatusClosed:
		return 3
	}
	return 0
}

// Session is a customer conversation as known to the console.
type Session struct {
	ID              string        `json:"id"`
	CustomerID      string        `json:"customer_id,omitempty"`
	SubjectLabel    string        `json:"subject_label"`
	Status          Status        `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	AssignedAgentID string        `json:"assigned_agent_id,omitempty"`
	LastMessage     *chat.Message `json:"last_message,omitempty"`
	UnreadCount     int           `json:"unread_count"`
}

// FromRecord converts a wire session record. An empty status defaults to
// waiting, which is how queue entries are serialized by older servers.
func FromRecord(r protocol.SessionRecord) (Session, error) {
	st := StatusWaiting
	if r.Status != "" {
		var err error
		if st, err = ParseStatus(r.Status); err != nil {
			return Session{}, err
		}
	}
	return Session{
		ID:              r.ID,
		CustomerID:      r.RestaurantID,
		SubjectLabel:    r.Subject,
		Status:          st,
		CreatedAt:       r.CreatedAt,
		AssignedAgentID: r.AgentID,
	}, nil
}

// AssignedTo reports whether the session is active and owned by agentID.
func (s Session) AssignedTo(agentID string) bool {
	return s.Status == StatusActive && agentID != "" && s.AssignedAgentID == agentID
}

// Clone returns a copy that shares no pointers with s.
func (s Session) Clone() Session {
	if s.LastMessage != nil {
		m := *s.LastMessage
		s.LastMessage = &m
	}
	return s
}
