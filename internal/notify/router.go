// Package notify routes domain events to live sessions. Two delivery
// modes exist: broadcast (every connected session) and targeted (only the
// sessions of one user). Delivery is fire-and-forget; an unreachable
// target is silently dropped, never an error.
package notify

import (
	"encoding/json"
	"log"

	"github.com/parley/chat-backend/internal/metrics"
	"github.com/parley/chat-backend/internal/protocol"
	"github.com/parley/chat-backend/internal/registry"
)

// Transport writes encoded frames to live sessions. The WebSocket server
// implements it.
type Transport interface {
	Send(sessionID string, data []byte) error
	SessionIDs() []string
}

// Bus relays frames between server instances. The NATS client implements
// it; a nil Bus keeps the router purely local.
type Bus interface {
	PublishBroadcast(data []byte) error
	PublishToUser(userID int64, data []byte) error
	SubscribeBroadcast(handler func(data []byte)) error
	SubscribeUsers(handler func(userID int64, data []byte)) error
}

// relay wraps a frame with its origin so instances can skip their own
// publications.
type relay struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// Router fans events out to local sessions and republishes them on the
// bus for peer instances.
type Router struct {
	transport Transport
	registry  *registry.Registry
	bus       Bus
	origin    string
}

// NewRouter creates a Router. bus may be nil for single-instance
// deployments.
func NewRouter(transport Transport, reg *registry.Registry, bus Bus, origin string) *Router {
	return &Router{
		transport: transport,
		registry:  reg,
		bus:       bus,
		origin:    origin,
	}
}

// Start subscribes to the bus so frames published by peer instances reach
// this instance's sessions. A nil bus makes Start a no-op.
func (r *Router) Start() error {
	if r.bus == nil {
		return nil
	}

	if err := r.bus.SubscribeBroadcast(func(data []byte) {
		if frame, ok := r.unwrap(data); ok {
			r.deliverAll(frame)
		}
	}); err != nil {
		return err
	}

	return r.bus.SubscribeUsers(func(userID int64, data []byte) {
		if frame, ok := r.unwrap(data); ok {
			r.deliverUser(userID, frame)
		}
	})
}

// Broadcast delivers the event to every currently connected session,
// local and remote.
func (r *Router) Broadcast(event string, payload interface{}) {
	frame, err := protocol.NewServerEvent(event, payload)
	if err != nil {
		log.Printf("notify: encode %s: %v", event, err)
		return
	}

	metrics.NotificationsTotal.WithLabelValues("broadcast").Inc()
	r.deliverAll(frame)
	r.republish(frame, func(data []byte) error { return r.bus.PublishBroadcast(data) })
}

// Notify delivers the event only to sessions bound to userID. When the
// user has no live session anywhere, the event is dropped: there is no
// durable queue and no retry.
func (r *Router) Notify(userID int64, event string, payload interface{}) {
	frame, err := protocol.NewServerEvent(event, payload)
	if err != nil {
		log.Printf("notify: encode %s: %v", event, err)
		return
	}

	metrics.NotificationsTotal.WithLabelValues("targeted").Inc()
	r.deliverUser(userID, frame)
	r.republish(frame, func(data []byte) error { return r.bus.PublishToUser(userID, data) })
}

func (r *Router) deliverAll(frame []byte) {
	for _, sid := range r.transport.SessionIDs() {
		if err := r.transport.Send(sid, frame); err != nil {
			log.Printf("notify: send session=%s: %v", sid, err)
		}
	}
}

func (r *Router) deliverUser(userID int64, frame []byte) {
	for _, sid := range r.registry.SessionsOf(userID) {
		if err := r.transport.Send(sid, frame); err != nil {
			log.Printf("notify: send user=%d session=%s: %v", userID, sid, err)
		}
	}
}

func (r *Router) republish(frame []byte, publish func([]byte) error) {
	if r.bus == nil {
		return
	}
	data, err := json.Marshal(relay{Origin: r.origin, Frame: frame})
	if err != nil {
		log.Printf("notify: marshal relay: %v", err)
		return
	}
	if err := publish(data); err != nil {
		log.Printf("notify: republish: %v", err)
	}
}

// unwrap decodes a relay envelope and reports whether the frame should be
// delivered here (frames this instance published are skipped).
func (r *Router) unwrap(data []byte) ([]byte, bool) {
	var env relay
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("notify: bad relay frame: %v", err)
		return nil, false
	}
	if env.Origin == r.origin {
		return nil, false
	}
	return env.Frame, true
}
