// Package protocol defines the WebSocket events exchanged with chat
// clients. Every frame is a JSON envelope with an event name and a payload;
// event names and payload shapes are frozen for client compatibility.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Client -> Server event names.
const (
	EventMessagePost        = "message:post"
	EventMessagesRead       = "messages:read"
	EventDialogCreateNotify = "dialog:create:notify"
)

// Server -> Client event names.
const (
	EventSessionCreated   = "session_created"
	EventNewMessage       = "server:new_message"
	EventNewMessageNotify = "server:new_message:notify"
	EventReadMessage      = "server:read_message"
	EventNewDialogNotify  = "server:new_dialog:notify"
	EventMessageError     = "message_error"
	EventLog              = "log"
)

// validate checks inbound payloads at the boundary, before anything is
// dispatched into the orchestrator.
var validate = validator.New()

// Envelope is the wire framing: the event name plus the raw payload held
// for deferred decoding into the concrete struct.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// PostMessage asks the server to persist and fan out a new message.
type PostMessage struct {
	AuthorID int64  `json:"authorId" validate:"required,gt=0"`
	DialogID int64  `json:"dialogId" validate:"required,gt=0"`
	Text     string `json:"text" validate:"required"`
}

// MessagesRead reports that the user has read a dialog.
type MessagesRead struct {
	UserID   int64 `json:"userId" validate:"required,gt=0"`
	DialogID int64 `json:"dialogId" validate:"required,gt=0"`
}

// DialogCreateNotify asks the server to notify the partner about a dialog
// the author just created over HTTP.
type DialogCreateNotify struct {
	AuthorID  int64 `json:"authorId" validate:"required,gt=0"`
	PartnerID int64 `json:"partnerId" validate:"required,gt=0"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// SessionCreated is sent once after a successful connection handshake.
type SessionCreated struct {
	SessionID string `json:"session_id"`
}

// NewMessageNotify is the targeted "you have mail" ping for the partner.
type NewMessageNotify struct {
	UserID int64  `json:"userId"`
	Text   string `json:"text"`
}

// ReadMessage announces that a user has read a dialog's messages.
type ReadMessage struct {
	DialogID int64 `json:"dialogId"`
	UserID   int64 `json:"userId"`
}

// MessageError is the targeted error report for the acting user.
type MessageError struct {
	UserID  int64  `json:"userId"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Encode / decode
// ---------------------------------------------------------------------------

// ParseClientEvent decodes and validates an inbound frame. It returns the
// event name and the concrete payload struct. Unknown or server-only event
// names and payloads failing validation are errors.
func ParseClientEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if env.Event == "" {
		return "", nil, fmt.Errorf("protocol: missing event name")
	}

	var payload interface{}
	switch env.Event {
	case EventMessagePost:
		var p PostMessage
		if err := decode(env.Data, &p); err != nil {
			return env.Event, nil, err
		}
		payload = p
	case EventMessagesRead:
		var p MessagesRead
		if err := decode(env.Data, &p); err != nil {
			return env.Event, nil, err
		}
		payload = p
	case EventDialogCreateNotify:
		var p DialogCreateNotify
		if err := decode(env.Data, &p); err != nil {
			return env.Event, nil, err
		}
		payload = p
	default:
		return env.Event, nil, fmt.Errorf("protocol: unknown client event %q", env.Event)
	}

	return env.Event, payload, nil
}

func decode(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("protocol: empty payload")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("protocol: decode payload: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("protocol: invalid payload: %w", err)
	}
	return nil
}

// NewServerEvent encodes an outbound frame for the given event name. The
// payload may be any JSON-marshalable value, including a bare string for
// diagnostic events.
func NewServerEvent(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal payload: %w", err)
	}
	out, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	return out, nil
}
