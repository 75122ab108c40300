package console

import (
	"log"

	"github.com/cuts-ae/support/internal/chat"
	"github.com/cuts-ae/support/internal/metrics"
	"github.com/cuts-ae/support/internal/protocol"
	"github.com/cuts-ae/support/internal/session"
	"github.com/cuts-ae/support/internal/transport"
)

// routes is the push event dispatch table. Every handler runs on the loop and
// ends with a state publication.
func (c *Console) routes() map[string]transport.EventHandler {
	table := map[string]func(interface{}){
		protocol.EventSessionStatusChanged: c.onStatusChanged,
		protocol.EventChatAccepted:         c.onChatAccepted,
		protocol.EventChatClosed:           c.onChatClosed,
		protocol.EventNewMessage:           c.onNewMessage,
		protocol.EventUserTyping:           c.onUserTyping,
		protocol.EventTypingStopped:        c.onTypingStopped,
		protocol.EventSessionJoined:        c.onSessionJoined,
		protocol.EventError:                c.onError,
	}

	routes := make(map[string]transport.EventHandler, len(table))
	for eventType, fn := range table {
		fn := fn
		routes[eventType] = func(msg interface{}) {
			fn(msg)
			c.changed()
		}
	}
	return routes
}

func (c *Console) onStatusChanged(msg interface{}) {
	ev, ok := msg.(protocol.SessionStatusChangedEvent)
	if !ok {
		return
	}
	st, err := session.ParseStatus(ev.Status)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		log.Printf("[console] session_status_changed session=%s: %v", ev.SessionID, err)
		return
	}
	if st == session.StatusClosed {
		c.limiter.Forget(ev.SessionID, c.cfg.MessageRule)
	}
	c.dir.StatusChanged(ev.SessionID, st)
	c.ensureSelection()
}

func (c *Console) onChatAccepted(msg interface{}) {
	ev, ok := msg.(protocol.ChatAcceptedEvent)
	if !ok {
		return
	}
	// The record may still carry its pre-acceptance status; acceptance
	// decides the status on its own.
	raw := ev.Session
	raw.Status = ""
	rec, err := session.FromRecord(raw)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		log.Printf("[console] chat_accepted session=%s: %v", ev.Session.ID, err)
		return
	}
	if c.dir.ChatAccepted(rec, ev.AgentID) && ev.AgentID == c.cfg.AgentID {
		log.Printf("[console] session=%s accepted", rec.ID)
	}
	c.ensureSelection()
}

func (c *Console) onChatClosed(msg interface{}) {
	ev, ok := msg.(protocol.ChatClosedEvent)
	if !ok {
		return
	}
	c.dir.ChatClosed(ev.SessionID)
	c.limiter.Forget(ev.SessionID, c.cfg.MessageRule)
	c.ensureSelection()
}

func (c *Console) onNewMessage(msg interface{}) {
	ev, ok := msg.(protocol.NewMessageEvent)
	if !ok {
		return
	}
	m := chat.FromRecord(ev.Message)
	viewed := m.SessionID == c.view.Selected()
	c.dir.MessageReceived(m, viewed)
	c.view.MessageReceived(m)
}

func (c *Console) onUserTyping(msg interface{}) {
	if ev, ok := msg.(protocol.UserTypingEvent); ok {
		c.view.TypingStarted(ev.UserID, ev.SessionID)
	}
}

func (c *Console) onTypingStopped(msg interface{}) {
	if ev, ok := msg.(protocol.TypingStoppedEvent); ok {
		c.view.TypingStopped(ev.UserID, ev.SessionID)
	}
}

func (c *Console) onSessionJoined(msg interface{}) {
	ev, ok := msg.(protocol.SessionJoinedEvent)
	if !ok {
		return
	}
	history := make([]chat.Message, 0, len(ev.Messages))
	for _, rec := range ev.Messages {
		if rec.SessionID == "" {
			rec.SessionID = ev.SessionID
		}
		if err := rec.Validate(); err != nil || rec.SessionID != ev.SessionID {
			log.Printf("[console] session_joined session=%s: skipping message %q", ev.SessionID, rec.ID)
			continue
		}
		history = append(history, chat.FromRecord(rec))
	}
	if !c.view.Joined(ev.SessionID, history) {
		log.Printf("[console] discarding stale session_joined session=%s", ev.SessionID)
	}
}

func (c *Console) onError(msg interface{}) {
	if ev, ok := msg.(protocol.ErrorEvent); ok {
		log.Printf("[console] server error code=%s: %s", ev.Code, ev.Message)
	}
}

// connectionChanged runs on the loop for every transport transition. A fresh
// connection has no server-side subscriptions and may have missed events, so
// the open session is joined again and a new snapshot is read.
func (c *Console) connectionChanged(up bool) {
	if up == c.connected {
		return
	}
	c.connected = up
	if up {
		log.Printf("[console] connected, resyncing")
		c.view.Rejoin()
		c.resync()
	} else {
		log.Printf("[console] disconnected")
		c.view.Disconnected()
		c.stopRetry()
	}
	c.changed()
}
