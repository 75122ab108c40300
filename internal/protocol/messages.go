// Package protocol defines the push-channel message types and structures used
// between the support console and the chat server. Every frame is a single JSON
// object carrying a "type" discriminator next to its payload fields.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Server -> Client event types.
const (
	EventSessionStatusChanged = "session_status_changed"
	EventChatAccepted         = "chat_accepted"
	EventChatClosed           = "chat_closed"
	EventNewMessage           = "new_message"
	EventUserTyping           = "user_typing"
	EventTypingStopped        = "typing_stopped"
	EventSessionJoined        = "session_joined"
	EventError                = "error"
	EventPong                 = "pong"
)

// Client -> Server action types.
const (
	ActionJoinSession  = "join_session"
	ActionLeaveSession = "leave_session"
	ActionAcceptChat   = "accept_chat"
	ActionSendMessage  = "send_message"
	ActionCloseChat    = "close_chat"
	ActionTyping       = "typing"
	ActionStopTyping   = "stop_typing"
)

// Session statuses as they appear on the wire. "pending" is an older spelling
// of "waiting" still emitted by some deployments.
const (
	StatusWaiting = "waiting"
	StatusPending = "pending"
	StatusActive  = "active"
	StatusClosed  = "closed"
)

// Message content types for send_message.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
)

var (
	// ErrUnknownType is returned for frames whose type is not part of the
	// protocol direction being parsed.
	ErrUnknownType = errors.New("protocol: unknown message type")

	// ErrMalformed is returned when a frame decodes but misses required fields.
	ErrMalformed = errors.New("protocol: malformed payload")
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared records
// ---------------------------------------------------------------------------

// SessionRecord is a conversation as serialized by the server, both in
// snapshot reads and inside chat_accepted events.
type SessionRecord struct {
	ID           string    `json:"id"`
	RestaurantID string    `json:"restaurant_id,omitempty"`
	Subject      string    `json:"subject"`
	Status       string    `json:"status,omitempty"`
	AgentID      string    `json:"agent_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// MessageRecord is a single chat message as serialized by the server.
type MessageRecord struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	SenderRole    string    `json:"sender_role"`
	SenderID      string    `json:"sender_id"`
	Content       string    `json:"content"`
	MessageType   string    `json:"message_type,omitempty"`
	AttachmentURL string    `json:"attachment_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Read          bool      `json:"read,omitempty"`
}

// Validate reports whether the record carries the fields the console relies on.
func (m MessageRecord) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: message without id", ErrMalformed)
	case m.SessionID == "":
		return fmt.Errorf("%w: message %s without session_id", ErrMalformed, m.ID)
	case m.CreatedAt.IsZero():
		return fmt.Errorf("%w: message %s without created_at", ErrMalformed, m.ID)
	}
	return nil
}

// KnownStatus reports whether s is a session status the console understands.
func KnownStatus(s string) bool {
	switch s {
	case StatusWaiting, StatusPending, StatusActive, StatusClosed:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// SessionStatusChangedEvent announces a lifecycle transition of a session.
type SessionStatusChangedEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// ChatAcceptedEvent is broadcast when an agent claims a waiting session.
type ChatAcceptedEvent struct {
	Type    string        `json:"type"`
	Session SessionRecord `json:"session"`
	AgentID string        `json:"agent_id"`
}

// ChatClosedEvent is broadcast when a session is closed by either side.
type ChatClosedEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// NewMessageEvent carries a message persisted by the server, including the
// echo of messages this console sent.
type NewMessageEvent struct {
	Type    string        `json:"type"`
	Message MessageRecord `json:"message"`
}

// UserTypingEvent signals that a participant of a joined session started typing.
type UserTypingEvent struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
}

// TypingStoppedEvent signals that a participant stopped typing.
type TypingStoppedEvent struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
}

// SessionJoinedEvent answers join_session with the authoritative history.
type SessionJoinedEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Messages  []MessageRecord `json:"messages"`
}

// ErrorEvent is sent by the server to communicate an error condition.
type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// PongEvent is the server's response to a client ping.
type PongEvent struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Client -> Server action structs
// ---------------------------------------------------------------------------

// JoinSessionMsg subscribes the console to a session's message stream.
type JoinSessionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// LeaveSessionMsg drops the subscription created by JoinSessionMsg.
type LeaveSessionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// AcceptChatMsg claims a waiting session for the sending agent.
type AcceptChatMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SendMessageMsg posts a message into a session.
type SendMessageMsg struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	Content       string `json:"content"`
	MessageType   string `json:"message_type"`
	AttachmentURL string `json:"attachment_url,omitempty"`
}

// CloseChatMsg ends a session.
type CloseChatMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// TypingMsg announces that the agent started typing in a session.
type TypingMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// StopTypingMsg announces that the agent stopped typing in a session.
type StopTypingMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerEvent parses raw push-channel bytes into a typed server event. It
// returns the event type, the decoded struct and any error encountered. Unknown
// types wrap ErrUnknownType; payloads missing required fields wrap ErrMalformed.
func ParseServerEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case EventSessionStatusChanged:
		var m SessionStatusChangedEvent
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			switch {
			case m.SessionID == "":
				err = fmt.Errorf("%w: session_status_changed without session_id", ErrMalformed)
			case !KnownStatus(m.Status):
				err = fmt.Errorf("%w: session_status_changed with status %q", ErrMalformed, m.Status)
			}
		}
		msg = m
	case EventChatAccepted:
		var m ChatAcceptedEvent
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			switch {
			case m.Session.ID == "":
				err = fmt.Errorf("%w: chat_accepted without session.id", ErrMalformed)
			case m.AgentID == "":
				err = fmt.Errorf("%w: chat_accepted without agent_id", ErrMalformed)
			}
		}
		msg = m
	case EventChatClosed:
		var m ChatClosedEvent
		if err = json.Unmarshal(env.Raw, &m); err == nil && m.SessionID == "" {
			err = fmt.Errorf("%w: chat_closed without session_id", ErrMalformed)
		}
		msg = m
	case EventNewMessage:
		var m NewMessageEvent
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = m.Message.Validate()
		}
		msg = m
	case EventUserTyping:
		var m UserTypingEvent
		if err = json.Unmarshal(env.Raw, &m); err == nil && m.UserID == "" {
			err = fmt.Errorf("%w: user_typing without user_id", ErrMalformed)
		}
		msg = m
	case EventTypingStopped:
		var m TypingStoppedEvent
		if err = json.Unmarshal(env.Raw, &m); err == nil && m.UserID == "" {
			err = fmt.Errorf("%w: typing_stopped without user_id", ErrMalformed)
		}
		msg = m
	case EventSessionJoined:
		var m SessionJoinedEvent
		if err = json.Unmarshal(env.Raw, &m); err == nil && m.SessionID == "" {
			err = fmt.Errorf("%w: session_joined without session_id", ErrMalformed)
		}
		msg = m
	case EventError:
		var m ErrorEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case EventPong:
		var m PongEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		if !errors.Is(err, ErrMalformed) {
			err = fmt.Errorf("%w: decode %q: %v", ErrMalformed, env.Type, err)
		}
		return env.Type, nil, err
	}
	return env.Type, msg, nil
}

// ParseClientAction parses raw bytes sent by a console into a typed action.
// It mirrors ParseServerEvent for the opposite direction.
func ParseClientAction(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse action: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case ActionJoinSession:
		var m JoinSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case ActionLeaveSession:
		var m LeaveSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case ActionAcceptChat:
		var m AcceptChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case ActionSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case ActionCloseChat:
		var m CloseChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case ActionTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case ActionStopTyping:
		var m StopTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewClientAction creates the JSON frame for an outbound action. The action
// type is injected into the payload under the "type" key, so callers may pass
// any of the *Msg structs or a plain map.
func NewClientAction(actionType string, payload interface{}) ([]byte, error) {
	return newFrame(actionType, payload)
}

// NewServerEvent creates the JSON frame for a server event. The console never
// sends these; fake servers and replay tooling do.
func NewServerEvent(eventType string, payload interface{}) ([]byte, error) {
	return newFrame(eventType, payload)
}

func newFrame(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	m := map[string]interface{}{}
	if string(raw) != "null" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
		}
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal frame: %w", err)
	}
	return out, nil
}
