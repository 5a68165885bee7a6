// Package relay implements the visitor session and message relay: it binds a
// socket to a visitor session, opens a conversation and pipes every visitor
// message through the AI responder, persisting both sides.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zhouzirui/sitechat/backend/internal/logging"
	"github.com/zhouzirui/sitechat/backend/internal/metrics"
	"github.com/zhouzirui/sitechat/backend/internal/model/chat"
	"github.com/zhouzirui/sitechat/backend/internal/service/ai"
	"github.com/zhouzirui/sitechat/backend/internal/store"
)

var (
	ErrSessionRequired = errors.New("session id is required")
	ErrInvalidSession  = errors.New("invalid session id")
	ErrMessageInvalid  = errors.New("content and conversationId are required")
)

// Store is the slice of the persistence boundary the relay touches.
type Store interface {
	FindVisitorSession(ctx context.Context, sessionID string) (chat.VisitorSession, error)
	CreateConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, error)
	CreateMessage(ctx context.Context, m chat.Message) (chat.Message, error)
}

// Core holds no per-connection state; callers keep the conversation id.
type Core struct {
	store     Store
	responder ai.Responder
	now       func() time.Time
}

// NewCore wires the relay to its two collaborators.
func NewCore(s Store, responder ai.Responder) *Core {
	return &Core{
		store:     s,
		responder: responder,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Authenticate resolves sessionID and opens a brand-new Conversation for it.
// Reconnecting with the same token always yields a different conversation.
func (c *Core) Authenticate(ctx context.Context, sessionID string) (chat.Conversation, error) {
	if sessionID == "" {
		return chat.Conversation{}, ErrSessionRequired
	}

	visitor, err := c.store.FindVisitorSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return chat.Conversation{}, ErrInvalidSession
	}
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("find visitor session: %w", err)
	}

	conv, err := c.store.CreateConversation(ctx, chat.Conversation{
		UserID:    visitor.ID,
		SiteID:    visitor.SiteID,
		StartedAt: c.now(),
	})
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	metrics.RelayConversationsCreated.Inc()

	logging.Ctx(ctx).Info().
		Str("visitor_id", visitor.ID).
		Str("site_id", visitor.SiteID).
		Str("conversation_id", conv.ID).
		Msg("visitor authenticated")
	return conv, nil
}

// Turn is one completed exchange.
type Turn struct {
	User  chat.Message
	Reply chat.Message
}

// Exchange persists the visitor message, asks the responder and persists the
// reply. The two inserts are independent: if the responder or the second
// insert fails, the visitor row stays.
func (c *Core) Exchange(ctx context.Context, conversationID, content string) (Turn, error) {
	if content == "" || conversationID == "" {
		return Turn{}, ErrMessageInvalid
	}

	user, err := c.store.CreateMessage(ctx, chat.Message{
		ConversationID: conversationID,
		Content:        content,
		IsUserMessage:  true,
		Timestamp:      c.now(),
	})
	if err != nil {
		return Turn{}, fmt.Errorf("save visitor message: %w", err)
	}

	text, err := c.responder.Respond(ctx, content)
	if err != nil {
		return Turn{User: user}, fmt.Errorf("respond: %w", err)
	}

	ts := c.now()
	if ts.Before(user.Timestamp) {
		ts = user.Timestamp
	}
	reply, err := c.store.CreateMessage(ctx, chat.Message{
		ConversationID: conversationID,
		Content:        text,
		IsUserMessage:  false,
		AIModel:        c.responder.Model(),
		Timestamp:      ts,
	})
	if err != nil {
		return Turn{User: user}, fmt.Errorf("save reply: %w", err)
	}

	logging.Ctx(ctx).Debug().
		Str("conversation_id", conversationID).
		Int("reply_length", len(text)).
		Msg("reply persisted")
	return Turn{User: user, Reply: reply}, nil
}
