package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/sitechat/backend/internal/logging"
	"github.com/zhouzirui/sitechat/backend/internal/metrics"
	"github.com/zhouzirui/sitechat/backend/internal/model/chat"
	relayservice "github.com/zhouzirui/sitechat/backend/internal/service/relay"
)

const (
	readTimeout    = 60 * time.Second
	pingInterval   = 54 * time.Second
	writeTimeout   = 10 * time.Second
	maxFrameSize   = 64 << 10
	sendQueueDepth = 32
)

// Core is what the socket handler needs from the relay service.
type Core interface {
	Authenticate(ctx context.Context, sessionID string) (chat.Conversation, error)
	Exchange(ctx context.Context, conversationID, content string) (relayservice.Turn, error)
}

// Options tunes per-connection behaviour.
type Options struct {
	// SerializeSends handles message:send events of one connection in
	// arrival order through a single worker instead of one goroutine each.
	SerializeSends bool
	// QueueDepth bounds pending serialized sends. A send arriving at a full
	// queue is answered with message:error instead of stalling the reader.
	QueueDepth int
}

// Handler upgrades /socket and relays widget events.
type Handler struct {
	core     Core
	opts     Options
	upgrader websocket.Upgrader
}

// New creates a relay handler.
func New(core Core, opts Options) *Handler {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = sendQueueDepth
	}
	return &Handler{
		core: core,
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the socket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/socket", h.handleSocket)
}

// connection is the per-socket state. conversationID is memory only.
type connection struct {
	id      string
	ws      *websocket.Conn
	log     zerolog.Logger
	writeMu sync.Mutex
	closed  atomic.Bool

	mu             sync.Mutex
	conversationID string
}

func (h *Handler) handleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	// Exchanges outlive the socket: they keep the logging fields but not the
	// request's cancellation.
	ctx := logging.ContextWithConnectionID(context.WithoutCancel(r.Context()), connID)
	conn := &connection{
		id:  connID,
		ws:  ws,
		log: *logging.Ctx(ctx),
	}

	metrics.TrackConnection(true)
	conn.log.Info().Str("remote", r.RemoteAddr).Msg("relay connected")

	loopCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		conn.shutdown()
		metrics.TrackConnection(false)
	}()

	h.serve(loopCtx, ctx, conn)
}

// serve runs the read loop until the socket closes.
func (h *Handler) serve(loopCtx, exchangeCtx context.Context, conn *connection) {
	defer func() {
		if rec := recover(); rec != nil {
			conn.log.Error().Interface("panic", rec).Msg("relay connection panicked")
		}
	}()

	conn.ws.SetReadLimit(maxFrameSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(readTimeout))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go conn.pingLoop(loopCtx)

	var queue chan MessageSendPayload
	if h.opts.SerializeSends {
		queue = make(chan MessageSendPayload, h.opts.QueueDepth)
		defer close(queue)
		go func() {
			for p := range queue {
				h.exchange(exchangeCtx, conn, p)
			}
		}()
	}

	for {
		_, frame, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				conn.log.Warn().Err(err).Msg("relay read error")
			}
			conn.log.Info().Str("conversation_id", conn.currentConversation()).Msg("relay disconnected")
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(readTimeout))

		event, err := decodeInbound(frame)
		if err != nil {
			conn.log.Debug().Err(err).Msg("ignoring frame")
			continue
		}

		switch p := event.(type) {
		case AuthenticatePayload:
			if !h.authenticate(loopCtx, conn, p) {
				return
			}
		case MessageSendPayload:
			if !valid(p) {
				metrics.RecordRelayEvent(EventMessageSend, metrics.OutcomeRejected)
				conn.emit(EventMessageError, MessageErrorPayload{Error: errTextMessageInvalid})
				continue
			}
			if queue != nil {
				select {
				case queue <- p:
				default:
					metrics.RecordRelayEvent(EventMessageSend, metrics.OutcomeRejected)
					conn.log.Warn().Str("conversation_id", p.ConversationID).Msg("send queue full, message dropped")
					conn.emit(EventMessageError, MessageErrorPayload{Error: errTextMessageInternal})
				}
				continue
			}
			go h.exchange(exchangeCtx, conn, p)
		}
	}
}

// authenticate returns false when the connection must be closed.
func (h *Handler) authenticate(ctx context.Context, conn *connection, p AuthenticatePayload) bool {
	sessionID := p.SessionID
	if !valid(p) {
		sessionID = ""
	}

	conv, err := h.core.Authenticate(ctx, sessionID)
	if err != nil {
		text := errTextAuthInternal
		switch {
		case errors.Is(err, relayservice.ErrSessionRequired):
			text = errTextSessionRequired
		case errors.Is(err, relayservice.ErrInvalidSession):
			text = errTextInvalidSession
		default:
			conn.log.Error().Err(err).Msg("authentication failed")
		}
		metrics.RecordRelayEvent(EventAuthenticate, metrics.OutcomeRejected)
		conn.log.Info().Str("reason", text).Msg("relay unauthorized")
		conn.emit(EventUnauthorized, UnauthorizedPayload{Error: text})
		conn.closeWith(websocket.ClosePolicyViolation, "unauthorized")
		return false
	}

	conn.mu.Lock()
	conn.conversationID = conv.ID
	conn.mu.Unlock()

	metrics.RecordRelayEvent(EventAuthenticate, metrics.OutcomeOK)
	conn.emit(EventAuthenticated, AuthenticatedPayload{
		Message:        msgAuthenticated,
		ConversationID: conv.ID,
	})
	return true
}

// exchange runs one visitor turn. The connection's authentication state is
// not consulted; the payload's conversation id is used as given.
func (h *Handler) exchange(ctx context.Context, conn *connection, p MessageSendPayload) {
	defer func() {
		if rec := recover(); rec != nil {
			conn.log.Error().Interface("panic", rec).Msg("relay exchange panicked")
			conn.emit(EventMessageError, MessageErrorPayload{Error: errTextMessageInternal})
		}
	}()

	conn.log.Debug().Str("conversation_id", p.ConversationID).Msg("message received")

	turn, err := h.core.Exchange(ctx, p.ConversationID, p.Content)
	if err != nil {
		text := errTextMessageInternal
		if errors.Is(err, relayservice.ErrMessageInvalid) {
			text = errTextMessageInvalid
			metrics.RecordRelayEvent(EventMessageSend, metrics.OutcomeRejected)
		} else {
			metrics.RecordRelayEvent(EventMessageSend, metrics.OutcomeError)
			conn.log.Error().Err(err).Str("conversation_id", p.ConversationID).Msg("message exchange failed")
		}
		conn.emit(EventMessageError, MessageErrorPayload{Error: text})
		return
	}

	metrics.RecordRelayEvent(EventMessageSend, metrics.OutcomeOK)
	conn.emit(EventMessageReceive, MessageReceivePayload{
		Message:        turn.Reply.Content,
		ConversationID: p.ConversationID,
		IsUserMessage:  false,
	})
}

// emit writes one event frame. Writing to a closed socket is a silent no-op.
func (c *connection) emit(event string, data interface{}) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		c.log.Error().Err(err).Str("event", event).Msg("encode frame failed")
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		c.log.Debug().Str("event", event).Msg("dropping event for closed socket")
		return
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.log.Debug().Err(err).Str("event", event).Msg("write failed")
	}
}

func (c *connection) currentConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

func (c *connection) closeWith(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.shutdown()
}

func (c *connection) shutdown() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Swap(true) {
		return
	}
	_ = c.ws.Close()
}

// pingLoop keeps the socket alive with periodic pings.
func (c *connection) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
