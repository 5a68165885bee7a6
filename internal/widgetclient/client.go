// Package widgetclient speaks the widget protocol from the visitor side:
// session init over HTTP, then authenticate and chat over the socket.
package widgetclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/sitechat/backend/internal/handler/relay"
)

var (
	ErrUnauthorized = errors.New("session rejected by server")
	ErrNotConnected = errors.New("client is not connected")
	ErrEmptyMessage = errors.New("message is empty")
)

// InitError is a non-200 answer from /widget/init.
type InitError struct {
	Status  int
	Message string
}

func (e *InitError) Error() string {
	return fmt.Sprintf("widget init failed (%d): %s", e.Status, e.Message)
}

// ReplyError is a message:error frame from the server.
type ReplyError struct {
	Message string
}

func (e *ReplyError) Error() string { return e.Message }

// Sender values of a cached Message.
const (
	SenderUser = "user"
	SenderBot  = "bot"
)

// Message is one cached transcript line.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// Options configures a Client.
type Options struct {
	// BaseURL of the backend, e.g. http://localhost:8080.
	BaseURL string
	APIKey  string
	Storage Storage

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// Client is the visitor side of one widget. Sends are serialized.
type Client struct {
	opts Options

	mu             sync.Mutex
	ws             *websocket.Conn
	sessionID      string
	conversationID string
	seq            int
}

// New fills unset options with defaults.
func New(opts Options) *Client {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Storage == nil {
		opts.Storage = NewMemoryStorage()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{opts: opts}
}

func (c *Client) sessionKey() string { return "chatSessionId-" + c.opts.APIKey }

func historyKey(sessionID string) string { return "chatMessages-" + sessionID }

// Init returns the cached session token, or asks the server for a new one
// and caches it.
func (c *Client) Init(ctx context.Context) (string, error) {
	cached, ok, err := c.opts.Storage.Get(c.sessionKey())
	if err != nil {
		return "", fmt.Errorf("read cached session: %w", err)
	}
	if ok && cached != "" {
		c.setSession(cached)
		return cached, nil
	}

	body, err := json.Marshal(map[string]string{"apiKey": c.opts.APIKey})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/widget/init", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build init request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("widget init: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&failure)
		return "", &InitError{Status: resp.StatusCode, Message: failure.Error}
	}

	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode init response: %w", err)
	}
	if out.SessionID == "" {
		return "", errors.New("widget init: empty session id")
	}

	if err := c.opts.Storage.Set(c.sessionKey(), out.SessionID); err != nil {
		return "", fmt.Errorf("cache session: %w", err)
	}
	c.setSession(out.SessionID)
	return out.SessionID, nil
}

func (c *Client) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// Connect dials the socket and authenticates with the session from Init.
// An unauthorized answer clears the cached session and its history.
func (c *Client) Connect(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionID == "" {
		return "", errors.New("connect: call Init first")
	}
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}

	ws, _, err := c.opts.Dialer.DialContext(ctx, socketURL(c.opts.BaseURL), nil)
	if err != nil {
		return "", fmt.Errorf("dial socket: %w", err)
	}

	if err := writeFrame(ws, relay.EventAuthenticate, relay.AuthenticatePayload{SessionID: c.sessionID}); err != nil {
		_ = ws.Close()
		return "", err
	}

	for {
		env, err := readFrame(ctx, ws)
		if err != nil {
			_ = ws.Close()
			return "", err
		}
		switch env.Event {
		case relay.EventAuthenticated:
			var p relay.AuthenticatedPayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				_ = ws.Close()
				return "", fmt.Errorf("decode authenticated: %w", err)
			}
			c.ws = ws
			c.conversationID = p.ConversationID
			return p.ConversationID, nil
		case relay.EventUnauthorized:
			_ = ws.Close()
			_ = c.opts.Storage.Remove(c.sessionKey())
			_ = c.opts.Storage.Remove(historyKey(c.sessionID))
			c.sessionID = ""
			var p relay.UnauthorizedPayload
			_ = json.Unmarshal(env.Data, &p)
			return "", fmt.Errorf("%w: %s", ErrUnauthorized, p.Error)
		}
	}
}

// Send posts one message and waits for the reply. Both sides land in the
// cached history; a server error is recorded as a bot apology.
func (c *Client) Send(ctx context.Context, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyMessage
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ws == nil || c.conversationID == "" {
		return Message{}, ErrNotConnected
	}

	if err := c.appendHistory(c.newMessage(content, SenderUser)); err != nil {
		return Message{}, err
	}

	err := writeFrame(c.ws, relay.EventMessageSend, relay.MessageSendPayload{
		Content:        content,
		ConversationID: c.conversationID,
	})
	if err != nil {
		return Message{}, err
	}

	for {
		env, err := readFrame(ctx, c.ws)
		if err != nil {
			return Message{}, err
		}
		switch env.Event {
		case relay.EventMessageReceive:
			var p relay.MessageReceivePayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return Message{}, fmt.Errorf("decode reply: %w", err)
			}
			sender := SenderBot
			if p.IsUserMessage {
				sender = SenderUser
			}
			reply := c.newMessage(p.Message, sender)
			if err := c.appendHistory(reply); err != nil {
				return Message{}, err
			}
			return reply, nil
		case relay.EventMessageError:
			var p relay.MessageErrorPayload
			_ = json.Unmarshal(env.Data, &p)
			_ = c.appendHistory(c.newMessage("Sorry, there was an error processing your message.", SenderBot))
			return Message{}, &ReplyError{Message: p.Error}
		}
	}
}

// History returns the cached transcript of the current session.
func (c *Client) History() ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadHistory()
}

// ConversationID is the conversation bound by the last Connect.
func (c *Client) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Close closes the socket. The cache is kept.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return nil
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.ws.Close()
	c.ws = nil
	c.conversationID = ""
	return err
}

func (c *Client) newMessage(text, sender string) Message {
	c.seq++
	now := time.Now().UTC()
	return Message{
		ID:        fmt.Sprintf("msg-%d-%d", now.UnixMilli(), c.seq),
		Text:      text,
		Sender:    sender,
		Timestamp: now,
	}
}

func (c *Client) loadHistory() ([]Message, error) {
	if c.sessionID == "" {
		return nil, nil
	}
	raw, ok, err := c.opts.Storage.Get(historyKey(c.sessionID))
	if err != nil || !ok {
		return nil, err
	}
	var messages []Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		// corrupt cache starts over
		return nil, nil
	}
	return messages, nil
}

func (c *Client) appendHistory(m Message) error {
	messages, err := c.loadHistory()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(append(messages, m))
	if err != nil {
		return err
	}
	return c.opts.Storage.Set(historyKey(c.sessionID), string(raw))
}

func socketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/socket"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/socket"
	default:
		return base + "/socket"
	}
}

func writeFrame(ws *websocket.Conn, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(relay.Envelope{Event: event, Data: payload})
	if err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// readFrame reads the next parseable envelope. The read deadline follows
// ctx's deadline when it has one.
func readFrame(ctx context.Context, ws *websocket.Conn) (relay.Envelope, error) {
	deadline, _ := ctx.Deadline()
	if err := ws.SetReadDeadline(deadline); err != nil {
		return relay.Envelope{}, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return relay.Envelope{}, err
		}
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return relay.Envelope{}, fmt.Errorf("read frame: %w", err)
		}
		var env relay.Envelope
		if json.Unmarshal(frame, &env) == nil {
			return env, nil
		}
	}
}
