package dashboard

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/sitechat/backend/internal/auth"
	"github.com/zhouzirui/sitechat/backend/internal/config"
	"github.com/zhouzirui/sitechat/backend/internal/model/chat"
	"github.com/zhouzirui/sitechat/backend/internal/store"
)

type env struct {
	router http.Handler
	store  *store.MemoryStore
}

func setup(t *testing.T) *env {
	t.Helper()
	jwt, err := auth.NewJWTManager(config.AuthConfig{JWTSecret: "secret", TokenTTL: time.Hour})
	require.NoError(t, err)
	s := store.NewMemoryStore()

	r := chi.NewRouter()
	New(s, jwt).RegisterRoutes(r)
	return &env{router: r, store: s}
}

func (e *env) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	out := map[string]interface{}{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func (e *env) signup(t *testing.T, email string) string {
	t.Helper()
	rec, body := e.do(t, http.MethodPost, "/signup", "", map[string]string{"email": email, "password": "pw", "name": "Owner"})
	require.Equal(t, http.StatusCreated, rec.Code)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func (e *env) createSite(t *testing.T, token string) string {
	t.Helper()
	rec, body := e.do(t, http.MethodPost, "/sites", token, map[string]string{"name": "Docs", "domain": "https://docs.example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	apiKey, _ := body["apiKey"].(string)
	require.Len(t, apiKey, 32)
	return apiKey
}

func TestSignupAndSignin(t *testing.T) {
	e := setup(t)
	e.signup(t, "owner@example.com")

	rec, body := e.do(t, http.MethodPost, "/signup", "", map[string]string{"email": "owner@example.com", "password": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Admin with this email already exists.", body["error"])

	rec, _ = e.do(t, http.MethodPost, "/signup", "", map[string]string{"email": "x@example.com"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = e.do(t, http.MethodPost, "/signin", "", map[string]string{"email": "owner@example.com", "password": "pw"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, body["token"])

	rec, body = e.do(t, http.MethodPost, "/signin", "", map[string]string{"email": "owner@example.com", "password": "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Invalid email or password.", body["error"])

	rec, _ = e.do(t, http.MethodPost, "/signin", "", map[string]string{"email": "nobody@example.com", "password": "pw"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	e := setup(t)
	rec, _ := e.do(t, http.MethodGet, "/widgets", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateSiteValidation(t *testing.T) {
	e := setup(t)
	token := e.signup(t, "owner@example.com")

	rec, body := e.do(t, http.MethodPost, "/sites", token, map[string]string{"name": "Docs", "domain": "docs"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Invalid domain format.", body["error"])

	rec, body = e.do(t, http.MethodPost, "/sites", token, map[string]string{"domain": "https://docs.example.com"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Name and domain are required.", body["error"])
}

func TestWidgetListAndDetails(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	token := e.signup(t, "owner@example.com")
	apiKey := e.createSite(t, token)

	st, err := e.store.FindSiteByAPIKey(ctx, apiKey)
	require.NoError(t, err)
	v, err := e.store.CreateVisitorSession(ctx, chat.VisitorSession{SessionID: "tok-1", SiteID: st.ID})
	require.NoError(t, err)
	conv, err := e.store.CreateConversation(ctx, chat.Conversation{UserID: v.ID, SiteID: st.ID})
	require.NoError(t, err)
	_, err = e.store.CreateMessage(ctx, chat.Message{ConversationID: conv.ID, Content: "hi", IsUserMessage: true})
	require.NoError(t, err)

	rec, body := e.do(t, http.MethodGet, "/widgets", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	widgets := body["widgets"].([]interface{})
	require.Len(t, widgets, 1)
	first := widgets[0].(map[string]interface{})
	require.Equal(t, float64(1), first["userCount"])
	require.Equal(t, float64(1), first["conversationCount"])

	rec, body = e.do(t, http.MethodGet, "/widgets/"+st.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	widget := body["widget"].(map[string]interface{})
	stats := widget["stats"].(map[string]interface{})
	require.Equal(t, float64(1), stats["totalUsers"])
	require.Equal(t, float64(1), stats["todayConversations"])
	convs := widget["recentConversations"].([]interface{})
	require.Len(t, convs, 1)
	summary := convs[0].(map[string]interface{})
	require.Equal(t, float64(1), summary["messageCount"])
	require.Equal(t, "Anonymous", summary["user"].(map[string]interface{})["name"])

	other := e.signup(t, "intruder@example.com")
	rec, _ = e.do(t, http.MethodGet, "/widgets/"+st.ID, other, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConversationDetails(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	token := e.signup(t, "owner@example.com")
	apiKey := e.createSite(t, token)

	st, err := e.store.FindSiteByAPIKey(ctx, apiKey)
	require.NoError(t, err)
	v, err := e.store.CreateVisitorSession(ctx, chat.VisitorSession{SessionID: "tok-1", SiteID: st.ID})
	require.NoError(t, err)
	conv, err := e.store.CreateConversation(ctx, chat.Conversation{UserID: v.ID, SiteID: st.ID})
	require.NoError(t, err)
	base := time.Now().UTC()
	_, err = e.store.CreateMessage(ctx, chat.Message{ConversationID: conv.ID, Content: "hello", AIModel: "gemini-2.0-flash", Timestamp: base.Add(time.Second)})
	require.NoError(t, err)
	_, err = e.store.CreateMessage(ctx, chat.Message{ConversationID: conv.ID, Content: "hi", IsUserMessage: true, Timestamp: base})
	require.NoError(t, err)

	rec, body := e.do(t, http.MethodGet, "/conversations/"+conv.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	details := body["conversation"].(map[string]interface{})
	messages := details["messages"].([]interface{})
	require.Len(t, messages, 2)
	require.Equal(t, "hi", messages[0].(map[string]interface{})["content"])
	require.Nil(t, messages[0].(map[string]interface{})["aiModel"])
	require.Equal(t, "gemini-2.0-flash", messages[1].(map[string]interface{})["aiModel"])
	require.Equal(t, "Docs", details["site"].(map[string]interface{})["name"])

	other := e.signup(t, "intruder@example.com")
	rec, _ = e.do(t, http.MethodGet, "/conversations/"+conv.ID, other, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = e.do(t, http.MethodGet, "/conversations/missing", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteSite(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	token := e.signup(t, "owner@example.com")
	apiKey := e.createSite(t, token)
	st, err := e.store.FindSiteByAPIKey(ctx, apiKey)
	require.NoError(t, err)
	_, err = e.store.CreateVisitorSession(ctx, chat.VisitorSession{SessionID: "tok-1", SiteID: st.ID})
	require.NoError(t, err)

	rec, _ := e.do(t, http.MethodDelete, "/sites", token, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	other := e.signup(t, "intruder@example.com")
	rec, _ = e.do(t, http.MethodDelete, "/sites?siteId="+st.ID, other, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, body := e.do(t, http.MethodDelete, "/sites?siteId="+st.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["success"])

	_, err = e.store.FindVisitorSession(ctx, "tok-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}
