package relay

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/sitechat/backend/internal/model/chat"
	"github.com/zhouzirui/sitechat/backend/internal/model/site"
	"github.com/zhouzirui/sitechat/backend/internal/service/ai"
	relayservice "github.com/zhouzirui/sitechat/backend/internal/service/relay"
	"github.com/zhouzirui/sitechat/backend/internal/store"
)

type stubResponder struct {
	mu    sync.Mutex
	reply func(prompt string) (string, error)
	calls int
}

func (s *stubResponder) Respond(_ context.Context, prompt string) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.reply(prompt)
}

func (s *stubResponder) Model() string { return "stub-model" }

func replyWith(text string) *stubResponder {
	return &stubResponder{reply: func(string) (string, error) { return text, nil }}
}

// faultyStore lets a test break lookups or reply inserts of a live fixture.
type faultyStore struct {
	*store.MemoryStore

	mu          sync.Mutex
	findErr     error
	failReplies bool
}

var errDiskFull = errors.New("disk full")

func (f *faultyStore) breakLookups() {
	f.mu.Lock()
	f.findErr = errDiskFull
	f.mu.Unlock()
}

func (f *faultyStore) breakReplies() {
	f.mu.Lock()
	f.failReplies = true
	f.mu.Unlock()
}

func (f *faultyStore) FindVisitorSession(ctx context.Context, sessionID string) (chat.VisitorSession, error) {
	f.mu.Lock()
	err := f.findErr
	f.mu.Unlock()
	if err != nil {
		return chat.VisitorSession{}, err
	}
	return f.MemoryStore.FindVisitorSession(ctx, sessionID)
}

func (f *faultyStore) CreateMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	f.mu.Lock()
	fail := f.failReplies && !m.IsUserMessage
	f.mu.Unlock()
	if fail {
		return chat.Message{}, errDiskFull
	}
	return f.MemoryStore.CreateMessage(ctx, m)
}

type fixture struct {
	srv    *httptest.Server
	store  *store.MemoryStore
	faults *faultyStore
	site   site.Site
}

func newFixture(t *testing.T, responder ai.Responder, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	st, err := s.CreateSite(ctx, site.Site{Name: "S1", Domain: "https://s1.example.com", APIKey: "abc123", AdminID: "admin"})
	require.NoError(t, err)
	_, err = s.CreateVisitorSession(ctx, chat.VisitorSession{SessionID: "tok-1", SiteID: st.ID})
	require.NoError(t, err)

	faults := &faultyStore{MemoryStore: s}
	r := chi.NewRouter()
	New(relayservice.NewCore(faults, responder), opts).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, store: s, faults: faults, site: st}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/socket"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func (f *fixture) conversations(t *testing.T) []chat.Conversation {
	t.Helper()
	convs, err := f.store.ListRecentConversations(context.Background(), f.site.ID, 0)
	require.NoError(t, err)
	return convs
}

type frame struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data"`
}

func send(t *testing.T, ws *websocket.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := encodeFrame(event, data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))
}

func next(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func authenticate(t *testing.T, ws *websocket.Conn, sessionID string) string {
	t.Helper()
	send(t, ws, EventAuthenticate, AuthenticatePayload{SessionID: sessionID})
	got := next(t, ws)
	require.Equal(t, EventAuthenticated, got.Event)
	require.Equal(t, "Authentication successful", got.Data["message"])
	convID, _ := got.Data["conversationId"].(string)
	require.NotEmpty(t, convID)
	return convID
}

func requireClosed(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		require.False(t, netErr.Timeout(), "socket was not closed by the server")
	}
}

func TestRelayHappyPath(t *testing.T) {
	f := newFixture(t, replyWith("hello"), Options{})
	ws := f.dial(t)

	convID := authenticate(t, ws, "tok-1")
	require.Len(t, f.conversations(t), 1)
	require.Equal(t, convID, f.conversations(t)[0].ID)

	send(t, ws, EventMessageSend, MessageSendPayload{Content: "hi", ConversationID: convID})
	got := next(t, ws)
	require.Equal(t, EventMessageReceive, got.Event)
	require.Equal(t, "hello", got.Data["message"])
	require.Equal(t, convID, got.Data["conversationId"])
	require.Equal(t, false, got.Data["isUserMessage"])

	msgs, err := f.store.ListMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.True(t, msgs[0].IsUserMessage)
	require.Equal(t, "hi", msgs[0].Content)
	require.False(t, msgs[1].IsUserMessage)
	require.Equal(t, "hello", msgs[1].Content)
	require.Equal(t, "stub-model", msgs[1].AIModel)
	require.False(t, msgs[1].Timestamp.Before(msgs[0].Timestamp))
}

func TestRelayUnknownSessionIsUnauthorized(t *testing.T) {
	f := newFixture(t, replyWith("hello"), Options{})
	ws := f.dial(t)

	send(t, ws, EventAuthenticate, AuthenticatePayload{SessionID: "does-not-exist"})
	got := next(t, ws)
	require.Equal(t, EventUnauthorized, got.Event)
	require.Equal(t, "Invalid session ID", got.Data["error"])
	requireClosed(t, ws)
	require.Empty(t, f.conversations(t))
}

func TestRelayMissingSessionIsUnauthorized(t *testing.T) {
	cases := map[string]string{
		"empty":        `{"event":"authenticate","data":{"sessionId":""}}`,
		"missing data": `{"event":"authenticate"}`,
		"wrong type":   `{"event":"authenticate","data":{"sessionId":42}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, replyWith("hello"), Options{})
			ws := f.dial(t)

			require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(raw)))
			got := next(t, ws)
			require.Equal(t, EventUnauthorized, got.Event)
			require.Equal(t, "Session ID is required for authentication", got.Data["error"])
			requireClosed(t, ws)
			require.Empty(t, f.conversations(t))
		})
	}
}

func TestRelayReconnectMintsNewConversation(t *testing.T) {
	f := newFixture(t, replyWith("hello"), Options{})

	first := authenticate(t, f.dial(t), "tok-1")
	second := authenticate(t, f.dial(t), "tok-1")

	require.NotEqual(t, first, second)
	require.Len(t, f.conversations(t), 2)
}

func TestRelayEmptyContentKeepsConnectionOpen(t *testing.T) {
	responder := replyWith("hello")
	f := newFixture(t, responder, Options{})
	ws := f.dial(t)
	convID := authenticate(t, ws, "tok-1")

	send(t, ws, EventMessageSend, MessageSendPayload{Content: "", ConversationID: convID})
	got := next(t, ws)
	require.Equal(t, EventMessageError, got.Event)
	require.Equal(t, "Content and conversationId are required", got.Data["error"])

	n, err := f.store.CountMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Zero(t, n)

	send(t, ws, EventMessageSend, MessageSendPayload{Content: "hi", ConversationID: convID})
	require.Equal(t, EventMessageReceive, next(t, ws).Event)
}

func TestRelaySendWithoutAuthentication(t *testing.T) {
	f := newFixture(t, replyWith("hello"), Options{})
	convID := authenticate(t, f.dial(t), "tok-1")

	// A fresh socket may address any conversation without authenticating.
	ws := f.dial(t)
	send(t, ws, EventMessageSend, MessageSendPayload{Content: "hi", ConversationID: convID})
	require.Equal(t, EventMessageReceive, next(t, ws).Event)
}

func TestRelayResponderFailureKeepsVisitorMessage(t *testing.T) {
	responder := &stubResponder{reply: func(string) (string, error) { return "", ai.ErrUpstream }}
	f := newFixture(t, responder, Options{})
	ws := f.dial(t)
	convID := authenticate(t, ws, "tok-1")

	send(t, ws, EventMessageSend, MessageSendPayload{Content: "hi", ConversationID: convID})
	got := next(t, ws)
	require.Equal(t, EventMessageError, got.Event)
	require.Equal(t, "Internal server error while processing the message", got.Data["error"])

	msgs, err := f.store.ListMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].IsUserMessage)
}

func TestRelayLookupFailureIsUnauthorized(t *testing.T) {
	f := newFixture(t, replyWith("hello"), Options{})
	f.faults.breakLookups()
	ws := f.dial(t)

	send(t, ws, EventAuthenticate, AuthenticatePayload{SessionID: "tok-1"})
	got := next(t, ws)
	require.Equal(t, EventUnauthorized, got.Event)
	require.Equal(t, "Internal server error during authentication", got.Data["error"])
	requireClosed(t, ws)
	require.Empty(t, f.conversations(t))
}

func TestRelayWhitespaceSessionIsInvalid(t *testing.T) {
	f := newFixture(t, replyWith("hello"), Options{})
	ws := f.dial(t)

	send(t, ws, EventAuthenticate, AuthenticatePayload{SessionID: "   "})
	got := next(t, ws)
	require.Equal(t, EventUnauthorized, got.Event)
	require.Equal(t, "Invalid session ID", got.Data["error"])
	requireClosed(t, ws)
}

func TestRelayReplyInsertFailureKeepsVisitorMessage(t *testing.T) {
	f := newFixture(t, replyWith("hello"), Options{})
	ws := f.dial(t)
	convID := authenticate(t, ws, "tok-1")
	f.faults.breakReplies()

	send(t, ws, EventMessageSend, MessageSendPayload{Content: "hi", ConversationID: convID})
	got := next(t, ws)
	require.Equal(t, EventMessageError, got.Event)
	require.Equal(t, "Internal server error while processing the message", got.Data["error"])

	msgs, err := f.store.ListMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].IsUserMessage)
	require.Equal(t, "hi", msgs[0].Content)

	// the socket stays usable
	send(t, ws, EventMessageSend, MessageSendPayload{Content: "", ConversationID: convID})
	require.Equal(t, EventMessageError, next(t, ws).Event)
}

func TestRelayIgnoresUnknownAndMalformedFrames(t *testing.T) {
	f := newFixture(t, replyWith("hello"), Options{})
	ws := f.dial(t)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"typing","data":{}}`)))
	authenticate(t, ws, "tok-1")
}

func slowFirst() *stubResponder {
	return &stubResponder{reply: func(prompt string) (string, error) {
		if prompt == "slow" {
			time.Sleep(300 * time.Millisecond)
		}
		return prompt + "-reply", nil
	}}
}

func TestRelayConcurrentSendsCompleteInCompletionOrder(t *testing.T) {
	f := newFixture(t, slowFirst(), Options{})
	ws := f.dial(t)
	convID := authenticate(t, ws, "tok-1")

	send(t, ws, EventMessageSend, MessageSendPayload{Content: "slow", ConversationID: convID})
	send(t, ws, EventMessageSend, MessageSendPayload{Content: "fast", ConversationID: convID})

	require.Equal(t, "fast-reply", next(t, ws).Data["message"])
	require.Equal(t, "slow-reply", next(t, ws).Data["message"])

	n, err := f.store.CountMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
}

func TestRelaySerializedSendsKeepArrivalOrder(t *testing.T) {
	f := newFixture(t, slowFirst(), Options{SerializeSends: true})
	ws := f.dial(t)
	convID := authenticate(t, ws, "tok-1")

	send(t, ws, EventMessageSend, MessageSendPayload{Content: "slow", ConversationID: convID})
	send(t, ws, EventMessageSend, MessageSendPayload{Content: "fast", ConversationID: convID})

	require.Equal(t, "slow-reply", next(t, ws).Data["message"])
	require.Equal(t, "fast-reply", next(t, ws).Data["message"])
}

func TestRelayFullQueueRejectsWithoutBlocking(t *testing.T) {
	release := make(chan struct{})
	responder := &stubResponder{reply: func(prompt string) (string, error) {
		<-release
		return prompt + "-reply", nil
	}}
	f := newFixture(t, responder, Options{SerializeSends: true, QueueDepth: 1})
	ws := f.dial(t)
	convID := authenticate(t, ws, "tok-1")

	send(t, ws, EventMessageSend, MessageSendPayload{Content: "first", ConversationID: convID})
	require.Eventually(t, func() bool {
		responder.mu.Lock()
		defer responder.mu.Unlock()
		return responder.calls == 1
	}, 3*time.Second, 10*time.Millisecond)

	send(t, ws, EventMessageSend, MessageSendPayload{Content: "second", ConversationID: convID})
	send(t, ws, EventMessageSend, MessageSendPayload{Content: "third", ConversationID: convID})

	got := next(t, ws)
	require.Equal(t, EventMessageError, got.Event)
	require.Equal(t, "Internal server error while processing the message", got.Data["error"])

	close(release)
	require.Equal(t, "first-reply", next(t, ws).Data["message"])
	require.Equal(t, "second-reply", next(t, ws).Data["message"])

	n, err := f.store.CountMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
}

func TestRelayReplyAfterDisconnectIsStillPersisted(t *testing.T) {
	release := make(chan struct{})
	responder := &stubResponder{reply: func(string) (string, error) {
		<-release
		return "late", nil
	}}
	f := newFixture(t, responder, Options{})
	ws := f.dial(t)
	convID := authenticate(t, ws, "tok-1")

	send(t, ws, EventMessageSend, MessageSendPayload{Content: "hi", ConversationID: convID})
	require.Eventually(t, func() bool {
		responder.mu.Lock()
		defer responder.mu.Unlock()
		return responder.calls == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.Close())
	close(release)

	require.Eventually(t, func() bool {
		n, err := f.store.CountMessages(context.Background(), convID)
		return err == nil && n == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDecodeInbound(t *testing.T) {
	got, err := decodeInbound([]byte(`{"event":"message:send","data":{"content":"hi","conversationId":"c1"}}`))
	require.NoError(t, err)
	require.Equal(t, MessageSendPayload{Content: "hi", ConversationID: "c1"}, got)
	require.True(t, valid(got))

	got, err = decodeInbound([]byte(`{"event":"message:send","data":{"content":"hi"}}`))
	require.NoError(t, err)
	require.False(t, valid(got))

	_, err = decodeInbound([]byte(`{"event":"nope"}`))
	require.ErrorIs(t, err, errUnknownEvent)

	_, err = decodeInbound([]byte(`{`))
	require.Error(t, err)
}
