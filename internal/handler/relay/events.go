package relay

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/zhouzirui/sitechat/backend/pkg/utils"
)

// Event names on the wire.
const (
	EventAuthenticate   = "authenticate"
	EventAuthenticated  = "authenticated"
	EventUnauthorized   = "unauthorized"
	EventMessageSend    = "message:send"
	EventMessageReceive = "message:receive"
	EventMessageError   = "message:error"
)

// Client-visible error texts.
const (
	msgAuthenticated       = "Authentication successful"
	errTextSessionRequired = "Session ID is required for authentication"
	errTextInvalidSession  = "Invalid session ID"
	errTextAuthInternal    = "Internal server error during authentication"
	errTextMessageInvalid  = "Content and conversationId are required"
	errTextMessageInternal = "Internal server error while processing the message"
)

var errUnknownEvent = errors.New("unknown event")

// Envelope is one socket frame: {"event": "...", "data": {...}}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is the closed set of events a widget may send.
type Inbound interface {
	eventName() string
}

// AuthenticatePayload binds the socket to a visitor session.
type AuthenticatePayload struct {
	SessionID string `json:"sessionId" validate:"required"`
}

func (AuthenticatePayload) eventName() string { return EventAuthenticate }

// MessageSendPayload carries one visitor message.
type MessageSendPayload struct {
	Content        string `json:"content" validate:"required"`
	ConversationID string `json:"conversationId" validate:"required"`
}

func (MessageSendPayload) eventName() string { return EventMessageSend }

type AuthenticatedPayload struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
}

type UnauthorizedPayload struct {
	Error string `json:"error"`
}

type MessageReceivePayload struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
	IsUserMessage  bool   `json:"isUserMessage"`
}

type MessageErrorPayload struct {
	Error string `json:"error"`
}

// decodeInbound parses a frame into its typed payload. A known event whose
// data does not decode yields the zero payload, which then fails validation
// the same way an empty field does.
func decodeInbound(frame []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch env.Event {
	case EventAuthenticate:
		var p AuthenticatePayload
		if err := decodeData(env.Data, &p); err != nil {
			p = AuthenticatePayload{}
		}
		return p, nil
	case EventMessageSend:
		var p MessageSendPayload
		if err := decodeData(env.Data, &p); err != nil {
			p = MessageSendPayload{}
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w %q", errUnknownEvent, env.Event)
	}
}

func decodeData(data json.RawMessage, dst interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// valid reports whether a payload passes its struct tags.
func valid(p Inbound) bool {
	return utils.ValidateStruct(p) == nil
}

func encodeFrame(event string, data interface{}) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: payload})
}
