package transport

import (
	"errors"
	"log"

	"github.com/cuts-ae/support/internal/metrics"
	"github.com/cuts-ae/support/internal/protocol"
)

// EventHandler is the callback signature for a parsed server event. The msg
// parameter is the concrete struct returned by protocol.ParseServerEvent
// (e.g. protocol.ChatAcceptedEvent, protocol.NewMessageEvent).
type EventHandler func(msg interface{})

// Dispatcher routes incoming push frames to registered handlers based on the
// event type. Malformed frames and unregistered types are logged and dropped;
// they never reach a handler.
type Dispatcher struct {
	handlers map[string]EventHandler
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]EventHandler)}
}

// Register associates a handler with an event type. If a handler was already
// registered for the type, it is silently replaced.
func (d *Dispatcher) Register(eventType string, handler EventHandler) {
	d.handlers[eventType] = handler
}

// Dispatch parses one frame and invokes the matching handler exactly once.
func (d *Dispatcher) Dispatch(data []byte) {
	eventType, msg, err := protocol.ParseServerEvent(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrUnknownType) {
			reason = "unknown_type"
		}
		metrics.EventsDropped.WithLabelValues(reason).Inc()
		log.Printf("transport: dropping frame type=%q: %v", eventType, err)
		return
	}
	metrics.EventsTotal.WithLabelValues(eventType).Inc()

	// Keepalive replies need no handler.
	if eventType == protocol.EventPong {
		return
	}

	handler, ok := d.handlers[eventType]
	if !ok {
		metrics.EventsDropped.WithLabelValues("unhandled").Inc()
		log.Printf("transport: no handler for type=%q", eventType)
		return
	}
	handler(msg)
}
