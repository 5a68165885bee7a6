package widgetclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/sitechat/backend/internal/handler/relay"
	"github.com/zhouzirui/sitechat/backend/internal/handler/widget"
	"github.com/zhouzirui/sitechat/backend/internal/model/site"
	relayservice "github.com/zhouzirui/sitechat/backend/internal/service/relay"
	widgetservice "github.com/zhouzirui/sitechat/backend/internal/service/widget"
	"github.com/zhouzirui/sitechat/backend/internal/store"
)

type echoResponder struct{ err error }

func (e echoResponder) Respond(_ context.Context, prompt string) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	return "echo: " + prompt, nil
}

func (echoResponder) Model() string { return "echo" }

func newServer(t *testing.T, responder echoResponder) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	_, err := s.CreateSite(context.Background(), site.Site{Name: "S1", Domain: "https://s1.example.com", APIKey: "abc123", AdminID: "admin"})
	require.NoError(t, err)

	r := chi.NewRouter()
	widget.New(widgetservice.NewService(s)).RegisterRoutes(r)
	relay.New(relayservice.NewCore(s, responder), relay.Options{}).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, s
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClientChat(t *testing.T) {
	srv, _ := newServer(t, echoResponder{})
	ctx := testContext(t)
	storage := NewMemoryStorage()

	c := New(Options{BaseURL: srv.URL, APIKey: "abc123", Storage: storage})
	t.Cleanup(func() { _ = c.Close() })

	token, err := c.Init(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	convID, err := c.Connect(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, convID)
	require.Equal(t, convID, c.ConversationID())

	reply, err := c.Send(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, "echo: hello", reply.Text)
	require.Equal(t, SenderBot, reply.Sender)

	history, err := c.History()
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, SenderUser, history[0].Sender)
	require.Equal(t, "hello", history[0].Text)

	_, err = c.Send(ctx, "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestClientReusesCachedSession(t *testing.T) {
	srv, s := newServer(t, echoResponder{})
	ctx := testContext(t)
	storage := NewMemoryStorage()

	first := New(Options{BaseURL: srv.URL, APIKey: "abc123", Storage: storage})
	token, err := first.Init(ctx)
	require.NoError(t, err)

	second := New(Options{BaseURL: srv.URL, APIKey: "abc123", Storage: storage})
	again, err := second.Init(ctx)
	require.NoError(t, err)
	require.Equal(t, token, again)

	st, err := s.FindSiteByAPIKey(ctx, "abc123")
	require.NoError(t, err)
	visitors, err := s.ListRecentVisitors(ctx, st.ID, 0)
	require.NoError(t, err)
	require.Len(t, visitors, 1)
}

func TestClientInitRejectsUnknownKey(t *testing.T) {
	srv, _ := newServer(t, echoResponder{})
	c := New(Options{BaseURL: srv.URL, APIKey: "nope"})

	_, err := c.Init(testContext(t))
	var initErr *InitError
	require.True(t, errors.As(err, &initErr))
	require.Equal(t, http.StatusUnauthorized, initErr.Status)
	require.Equal(t, "Invalid API key", initErr.Message)
}

func TestClientDropsRejectedSession(t *testing.T) {
	srv, _ := newServer(t, echoResponder{})
	ctx := testContext(t)
	storage := NewMemoryStorage()
	require.NoError(t, storage.Set("chatSessionId-abc123", "stale-token"))
	require.NoError(t, storage.Set("chatMessages-stale-token", `[]`))

	c := New(Options{BaseURL: srv.URL, APIKey: "abc123", Storage: storage})
	token, err := c.Init(ctx)
	require.NoError(t, err)
	require.Equal(t, "stale-token", token)

	_, err = c.Connect(ctx)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, ok, err := storage.Get("chatSessionId-abc123")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = storage.Get("chatMessages-stale-token")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = c.Send(ctx, "hello")
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestClientRecordsReplyError(t *testing.T) {
	srv, _ := newServer(t, echoResponder{err: errors.New("provider down")})
	ctx := testContext(t)

	c := New(Options{BaseURL: srv.URL, APIKey: "abc123"})
	t.Cleanup(func() { _ = c.Close() })
	_, err := c.Init(ctx)
	require.NoError(t, err)
	_, err = c.Connect(ctx)
	require.NoError(t, err)

	_, err = c.Send(ctx, "hello")
	var replyErr *ReplyError
	require.True(t, errors.As(err, &replyErr))
	require.Equal(t, "Internal server error while processing the message", replyErr.Message)

	history, err := c.History()
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, SenderBot, history[1].Sender)
}

func TestBadgerStorage(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBadgerStorage(dir)
	require.NoError(t, err)

	_, ok, err := b.Get("missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.Set("chatSessionId-abc123", "tok-1"))
	require.NoError(t, b.Close())

	reopened, err := OpenBadgerStorage(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	v, ok, err := reopened.Get("chatSessionId-abc123")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tok-1", v)

	require.NoError(t, reopened.Remove("chatSessionId-abc123"))
	_, ok, err = reopened.Get("chatSessionId-abc123")
	require.NoError(t, err)
	require.False(t, ok)
}
