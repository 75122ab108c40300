package console

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/cuts-ae/support/internal/chat"
	"github.com/cuts-ae/support/internal/metrics"
	"github.com/cuts-ae/support/internal/protocol"
)

// Operator actions. Each one runs on the loop through Do and is therefore
// safe to call from any goroutine except a loop callback.

// Accept claims a waiting session. The session moves to the active view only
// once the server confirms with chat_accepted.
func (c *Console) Accept(ctx context.Context, sessionID string) error {
	return c.do(ctx, protocol.ActionAcceptChat, func() error {
		if !c.dir.InQueue(sessionID) {
			return ErrNotInQueue
		}
		if !c.limiter.Allow(c.cfg.AgentID, c.cfg.AcceptRule) {
			return ErrRateLimited
		}
		c.ch.Emit(protocol.ActionAcceptChat, protocol.AcceptChatMsg{SessionID: sessionID})
		return nil
	})
}

// Select opens one of the agent's active sessions and clears its unread
// counter.
func (c *Console) Select(ctx context.Context, sessionID string) error {
	return c.do(ctx, protocol.ActionJoinSession, func() error {
		if !c.dir.InActive(sessionID) {
			return ErrNotActive
		}
		c.view.Select(sessionID)
		c.dir.MarkRead(sessionID)
		return nil
	})
}

// Deselect closes the viewport.
func (c *Console) Deselect(ctx context.Context) error {
	return c.do(ctx, protocol.ActionLeaveSession, func() error {
		if !c.view.Deselect() {
			return ErrNoSelection
		}
		return nil
	})
}

// Send posts a text message to the open session.
func (c *Console) Send(ctx context.Context, content string) error {
	return c.send(ctx, content, "")
}

// SendImage posts an already uploaded attachment, with an optional caption,
// to the open session.
func (c *Console) SendImage(ctx context.Context, attachmentRef, caption string) error {
	if attachmentRef == "" {
		return chat.ErrEmptyMessage
	}
	return c.send(ctx, caption, attachmentRef)
}

func (c *Console) send(ctx context.Context, content, attachmentRef string) error {
	return c.do(ctx, protocol.ActionSendMessage, func() error {
		sel := c.view.Selected()
		if sel == "" {
			return ErrNoSelection
		}
		content = strings.TrimSpace(content)
		if err := chat.ValidateMessage(content, attachmentRef); err != nil {
			return err
		}
		if !c.limiter.Allow(sel, c.cfg.MessageRule) {
			return ErrRateLimited
		}
		return c.view.Send(content, attachmentRef)
	})
}

// Close ends one of the agent's active sessions. If it is open, the viewport
// is closed right away instead of waiting for chat_closed.
func (c *Console) Close(ctx context.Context, sessionID string) error {
	return c.do(ctx, protocol.ActionCloseChat, func() error {
		if !c.dir.InActive(sessionID) {
			return ErrNotActive
		}
		c.ch.Emit(protocol.ActionCloseChat, protocol.CloseChatMsg{SessionID: sessionID})
		if c.view.Selected() == sessionID {
			c.view.Deselect()
		}
		return nil
	})
}

// InputChanged reports the composer contents of the open session, driving
// the outgoing typing indicator.
func (c *Console) InputChanged(ctx context.Context, text string) error {
	return c.loop.Do(ctx, func() {
		c.view.InputChanged(text)
		c.changed()
	})
}

// Resync forces a snapshot read, superseding any read in flight.
func (c *Console) Resync(ctx context.Context) error {
	return c.loop.Do(ctx, func() {
		log.Printf("[console] resync requested")
		c.resync()
	})
}

// do runs an action on the loop, records its outcome and publishes the
// resulting state.
func (c *Console) do(ctx context.Context, action string, fn func() error) error {
	var err error
	if lerr := c.loop.Do(ctx, func() {
		err = fn()
		c.changed()
	}); lerr != nil {
		return lerr
	}

	result := "ok"
	switch {
	case errors.Is(err, ErrRateLimited):
		result = "rate_limited"
	case err != nil:
		result = "rejected"
	}
	metrics.ActionsTotal.WithLabelValues(action, result).Inc()
	return err
}
