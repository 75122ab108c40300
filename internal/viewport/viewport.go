// Package viewport manages the one session the agent has open: its
// join/leave subscription, its ordered message log and the typing presence on
// both sides of it. Nothing of a session survives its deselection.
package viewport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuts-ae/support/internal/chat"
	"github.com/cuts-ae/support/internal/loop"
	"github.com/cuts-ae/support/internal/protocol"
	"github.com/cuts-ae/support/internal/typing"
)

// Phase is the subscription state of the viewport.
type Phase int

const (
	Idle Phase = iota
	Joining
	Joined
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ErrNoSelection is returned by actions that need an open session.
var ErrNoSelection = errors.New("viewport: no session selected")

// Emitter sends an outbound action. Delivery is best effort.
type Emitter interface {
	Emit(action string, payload interface{})
}

// Viewport is driven from the control loop and is not safe for concurrent use.
type Viewport struct {
	emit   Emitter
	selfID string

	phase    Phase
	selected string
	log      *chat.Log
	pending  []chat.Message

	outgoing *typing.Outgoing
	incoming *typing.Incoming
}

// New creates an idle Viewport. selfID is the local agent, whose own typing
// echoes are ignored. onTyping, if set, observes the remote typing flag.
func New(emit Emitter, sched loop.Scheduler, selfID string, timeout time.Duration, onTyping func(bool)) *Viewport {
	v := &Viewport{
		emit:   emit,
		selfID: selfID,
		log:    chat.NewLog(),
	}
	v.outgoing = typing.NewOutgoing(sched, timeout,
		func() { v.emit.Emit(protocol.ActionTyping, protocol.TypingMsg{SessionID: v.selected}) },
		func() { v.emit.Emit(protocol.ActionStopTyping, protocol.StopTypingMsg{SessionID: v.selected}) },
	)
	v.incoming = typing.NewIncoming(sched, timeout, onTyping)
	return v
}

// Select opens id: the previous session is left and cleared, then id is
// joined. Selecting the open session again does nothing.
func (v *Viewport) Select(id string) bool {
	if id == "" || id == v.selected {
		return false
	}
	v.leave()
	v.selected = id
	v.phase = Joining
	v.emit.Emit(protocol.ActionJoinSession, protocol.JoinSessionMsg{SessionID: id})
	return true
}

// Deselect leaves the open session, if any, and returns to Idle.
func (v *Viewport) Deselect() bool {
	if v.selected == "" {
		return false
	}
	v.leave()
	return true
}

// Rejoin re-subscribes the open session after the push channel reconnects.
// Server-side subscriptions do not outlive a connection.
func (v *Viewport) Rejoin() bool {
	if v.selected == "" {
		return false
	}
	v.phase = Joining
	v.emit.Emit(protocol.ActionJoinSession, protocol.JoinSessionMsg{SessionID: v.selected})
	return true
}

// Disconnected drops presence state that cannot be trusted across a lost
// connection.
func (v *Viewport) Disconnected() {
	v.outgoing.Stop()
	v.incoming.Reset()
}

// Joined applies the history reply of a join. Replies for any session other
// than the one being joined are stale and discarded. Messages received while
// joining and messages already shown are merged with the history, so the log
// never shrinks while a session stays open.
func (v *Viewport) Joined(sessionID string, history []chat.Message) bool {
	if v.phase != Joining || sessionID != v.selected {
		return false
	}
	merged := v.log.Messages()
	merged = append(merged, history...)
	merged = append(merged, v.pending...)
	v.log.Replace(merged)
	v.pending = nil
	v.phase = Joined
	return true
}

// MessageReceived appends msg if it belongs to the open session. While the
// join is outstanding it is held until the history arrives.
func (v *Viewport) MessageReceived(msg chat.Message) bool {
	if v.selected == "" || msg.SessionID != v.selected {
		return false
	}
	switch v.phase {
	case Joining:
		for _, p := range v.pending {
			if p.ID == msg.ID {
				return false
			}
		}
		v.pending = append(v.pending, msg)
		return false
	case Joined:
		return v.log.Append(msg)
	}
	return false
}

// TypingStarted applies user_typing. sessionID may be empty when the server
// only delivers typing events for joined sessions.
func (v *Viewport) TypingStarted(userID, sessionID string) {
	if v.accepts(userID, sessionID) {
		v.incoming.Start(userID)
	}
}

// TypingStopped applies typing_stopped.
func (v *Viewport) TypingStopped(userID, sessionID string) {
	if v.accepts(userID, sessionID) {
		v.incoming.Stop(userID)
	}
}

func (v *Viewport) accepts(userID, sessionID string) bool {
	if v.phase == Idle || userID == v.selfID {
		return false
	}
	return sessionID == "" || sessionID == v.selected
}

// InputChanged feeds the outgoing typing debouncer.
func (v *Viewport) InputChanged(text string) {
	if v.selected == "" {
		return
	}
	v.outgoing.Changed(text)
}

// Send emits send_message for the open session. The message appears in the
// log only once the server echoes it back.
func (v *Viewport) Send(content, attachmentRef string) error {
	if v.selected == "" {
		return ErrNoSelection
	}
	content = strings.TrimSpace(content)
	if err := chat.ValidateMessage(content, attachmentRef); err != nil {
		return err
	}
	msgType := protocol.MessageTypeText
	if attachmentRef != "" {
		msgType = protocol.MessageTypeImage
	}
	v.outgoing.Stop()
	v.emit.Emit(protocol.ActionSendMessage, protocol.SendMessageMsg{
		SessionID:     v.selected,
		Content:       content,
		MessageType:   msgType,
		AttachmentURL: attachmentRef,
	})
	return nil
}

// Phase returns the subscription phase.
func (v *Viewport) Phase() Phase { return v.phase }

// Selected returns the open session id, or "".
func (v *Viewport) Selected() string { return v.selected }

// Messages returns the log of the open session, oldest first.
func (v *Viewport) Messages() []chat.Message { return v.log.Messages() }

// Typing reports whether a remote participant is typing.
func (v *Viewport) Typing() bool { return v.incoming.Typing() }

// Typists returns the remote users currently typing.
func (v *Viewport) Typists() []string { return v.incoming.Typists() }

// leave ends typing, unsubscribes and clears every trace of the open session.
func (v *Viewport) leave() {
	if v.selected == "" {
		return
	}
	v.outgoing.Stop()
	v.emit.Emit(protocol.ActionLeaveSession, protocol.LeaveSessionMsg{SessionID: v.selected})
	v.incoming.Reset()
	v.log.Clear()
	v.pending = nil
	v.selected = ""
	v.phase = Idle
}
