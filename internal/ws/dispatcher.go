package ws

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/parley/chat-backend/internal/metrics"
	"github.com/parley/chat-backend/internal/protocol"
	"github.com/parley/chat-backend/internal/ratelimit"
)

// EventHandler handles one parsed client event. The payload is the
// concrete struct returned by protocol.ParseClientEvent.
type EventHandler func(ctx context.Context, conn *Connection, payload interface{})

// Dispatcher parses inbound frames and routes them to registered
// handlers. Frames that fail parsing or validation never reach a handler;
// the sender gets a message_error frame on its own connection instead.
type Dispatcher struct {
	handlers map[string]EventHandler
	limiter  *ratelimit.Limiter // nil disables message throttling
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(limiter *ratelimit.Limiter) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]EventHandler),
		limiter:  limiter,
	}
}

// Register associates a handler with an event name, replacing any
// previous registration.
func (d *Dispatcher) Register(event string, handler EventHandler) {
	d.handlers[event] = handler
}

// Dispatch is the transport's onMessage callback. It runs on a worker
// goroutine, so handlers may block on stores without stalling the event
// loop.
func (d *Dispatcher) Dispatch(conn *Connection, data []byte) {
	start := time.Now()
	defer func() {
		metrics.EventLatency.Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	event, payload, err := protocol.ParseClientEvent(data)
	if err != nil {
		log.Printf("ws: dispatch parse error session=%s: %v", conn.ID, err)
		d.sendError(conn, "invalid message format")
		return
	}

	if event == protocol.EventMessagePost && d.limiter != nil {
		post := payload.(protocol.PostMessage)
		key := fmt.Sprintf("%d", post.AuthorID)
		if ok, _ := d.limiter.Allow(ctx, key, ratelimit.RuleMessage); !ok {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			d.sendError(conn, "You are sending messages too fast")
			return
		}
	}

	handler, ok := d.handlers[event]
	if !ok {
		log.Printf("ws: unhandled event=%q session=%s", event, conn.ID)
		d.sendError(conn, "unsupported event")
		return
	}

	handler(ctx, conn, payload)
}

// sendError reports a failure on the sender's own connection. Errors
// while building or writing the frame are logged and swallowed.
func (d *Dispatcher) sendError(conn *Connection, text string) {
	frame, err := protocol.NewServerEvent(protocol.EventMessageError, protocol.MessageError{
		UserID:  conn.UserID,
		Message: text,
	})
	if err != nil {
		log.Printf("ws: build message_error session=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(frame); err != nil {
		log.Printf("ws: send message_error session=%s: %v", conn.ID, err)
	}
}
