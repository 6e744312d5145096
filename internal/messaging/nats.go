// Package messaging is the NATS bridge that lets multiple chat-server
// instances fan notifications out to each other's local sessions. One
// subject carries broadcast frames, one subject per user carries targeted
// frames.
package messaging

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject layout.
const (
	SubjectBroadcast  = "chat.broadcast"
	SubjectUserPrefix = "chat.user." // + <user_id>
)

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "chat-server",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client wraps the NATS connection with the chat subject helpers.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Connect connects to NATS with the given config and returns a ready
// client. The initial connection failing is an error; later drops are
// retried by the NATS reconnect machinery.
func Connect(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishBroadcast publishes a frame for delivery to every session on
// every instance.
func (c *Client) PublishBroadcast(data []byte) error {
	return c.conn.Publish(SubjectBroadcast, data)
}

// PublishToUser publishes a frame targeted at one user's sessions.
func (c *Client) PublishToUser(userID int64, data []byte) error {
	return c.conn.Publish(SubjectUserPrefix+strconv.FormatInt(userID, 10), data)
}

// SubscribeBroadcast registers a handler for broadcast frames.
func (c *Client) SubscribeBroadcast(handler func(data []byte)) error {
	return c.subscribe(SubjectBroadcast, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// SubscribeUsers registers a wildcard handler for all targeted frames.
// The user id is parsed out of the subject; frames on malformed subjects
// are dropped.
func (c *Client) SubscribeUsers(handler func(userID int64, data []byte)) error {
	return c.subscribe(SubjectUserPrefix+"*", func(msg *nats.Msg) {
		raw := strings.TrimPrefix(msg.Subject, SubjectUserPrefix)
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			log.Printf("[nats] bad user subject %q", msg.Subject)
			return
		}
		handler(userID, msg.Data)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

func (c *Client) subscribe(subject string, handler nats.MsgHandler) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}
