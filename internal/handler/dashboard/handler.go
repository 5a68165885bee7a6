package dashboard

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/sitechat/backend/internal/auth"
	"github.com/zhouzirui/sitechat/backend/internal/logging"
	"github.com/zhouzirui/sitechat/backend/internal/model/chat"
	"github.com/zhouzirui/sitechat/backend/internal/model/site"
	"github.com/zhouzirui/sitechat/backend/internal/store"
	"github.com/zhouzirui/sitechat/backend/pkg/utils"
)

const recentLimit = 10

// Store is the persistence the dashboard reads and writes.
type Store interface {
	CreateAdmin(ctx context.Context, admin site.Admin) (site.Admin, error)
	FindAdminByEmail(ctx context.Context, email string) (site.Admin, error)
	CreateSite(ctx context.Context, st site.Site) (site.Site, error)
	FindSite(ctx context.Context, id string) (site.Site, error)
	ListSitesByAdmin(ctx context.Context, adminID string) ([]site.Site, error)
	DeleteSite(ctx context.Context, id string) error
	SiteStats(ctx context.Context, siteID string, since time.Time) (store.SiteStats, error)
	FindVisitor(ctx context.Context, id string) (chat.VisitorSession, error)
	ListRecentVisitors(ctx context.Context, siteID string, limit int) ([]chat.VisitorSession, error)
	FindConversation(ctx context.Context, id string) (chat.Conversation, error)
	ListRecentConversations(ctx context.Context, siteID string, limit int) ([]chat.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	CountMessages(ctx context.Context, conversationID string) (int64, error)
}

// Handler serves the admin dashboard API.
type Handler struct {
	store Store
	jwt   *auth.JWTManager
	now   func() time.Time
}

// New creates a dashboard handler.
func New(s Store, jwt *auth.JWTManager) *Handler {
	return &Handler{store: s, jwt: jwt, now: time.Now}
}

// RegisterRoutes mounts the dashboard. Everything except signup and login
// requires a Bearer token.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/signup", h.handleSignup)
	r.Post("/signin", h.handleSignin)

	r.Group(func(protected chi.Router) {
		protected.Use(auth.Middleware(h.jwt))
		protected.Post("/sites", h.handleCreateSite)
		protected.Delete("/sites", h.handleDeleteSite)
		protected.Get("/widgets", h.handleListWidgets)
		protected.Get("/widgets/{id}", h.handleWidgetDetails)
		protected.Get("/conversations/{id}", h.handleConversation)
	})
}

type credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Name     string `json:"name"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	var payload credentials
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := utils.ValidateStruct(payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Email and password are required.")
		return
	}

	hash, err := auth.HashPassword(payload.Password)
	if err != nil {
		h.internalError(w, r, err, "hash password")
		return
	}

	admin := site.Admin{Email: payload.Email, PasswordHash: hash}
	if name := strings.TrimSpace(payload.Name); name != "" {
		admin.Name = &name
	}
	admin, err = h.store.CreateAdmin(r.Context(), admin)
	if errors.Is(err, store.ErrDuplicate) {
		utils.RespondError(w, http.StatusBadRequest, "Admin with this email already exists.")
		return
	}
	if err != nil {
		h.internalError(w, r, err, "create admin")
		return
	}

	token, err := h.jwt.GenerateToken(admin)
	if err != nil {
		h.internalError(w, r, err, "sign token")
		return
	}
	utils.RespondJSON(w, http.StatusCreated, tokenResponse{Token: token})
}

func (h *Handler) handleSignin(w http.ResponseWriter, r *http.Request) {
	var payload credentials
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Email == "" || payload.Password == "" {
		utils.RespondError(w, http.StatusBadRequest, "Email and password are required.")
		return
	}

	admin, err := h.store.FindAdminByEmail(r.Context(), payload.Email)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !auth.CheckPassword(admin.PasswordHash, payload.Password)) {
		utils.RespondError(w, http.StatusUnauthorized, "Invalid email or password.")
		return
	}
	if err != nil {
		h.internalError(w, r, err, "find admin")
		return
	}

	token, err := h.jwt.GenerateToken(admin)
	if err != nil {
		h.internalError(w, r, err, "sign token")
		return
	}
	utils.RespondJSON(w, http.StatusOK, tokenResponse{Token: token})
}

type createSiteRequest struct {
	Name   string `json:"name" validate:"required"`
	Domain string `json:"domain" validate:"required,sitedomain"`
}

func (h *Handler) handleCreateSite(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	var payload createSiteRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Name == "" || payload.Domain == "" {
		utils.RespondError(w, http.StatusBadRequest, "Name and domain are required.")
		return
	}
	if err := utils.ValidateStruct(payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid domain format.")
		return
	}

	st, err := h.store.CreateSite(r.Context(), site.Site{
		Name:    payload.Name,
		Domain:  payload.Domain,
		APIKey:  newAPIKey(),
		AdminID: claims.ID,
	})
	if err != nil {
		h.internalError(w, r, err, "create site")
		return
	}

	logging.Ctx(r.Context()).Info().Str("site_id", st.ID).Str("admin_id", claims.ID).Msg("site created")
	utils.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "apiKey": st.APIKey})
}

func (h *Handler) handleDeleteSite(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	siteID := r.URL.Query().Get("siteId")
	if siteID == "" {
		utils.RespondError(w, http.StatusBadRequest, "Site ID is required.")
		return
	}

	if _, ok := h.ownedSite(w, r, siteID, claims.ID); !ok {
		return
	}

	if err := h.store.DeleteSite(r.Context(), siteID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.RespondError(w, http.StatusNotFound, "Site not found or you don't have permission to delete it.")
			return
		}
		h.internalError(w, r, err, "delete site")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Site deleted successfully."})
}

// WidgetSummary is one row of the widget list.
type WidgetSummary struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Domain            string    `json:"domain"`
	APIKey            string    `json:"apiKey"`
	CreatedAt         time.Time `json:"createdAt"`
	UserCount         int64     `json:"userCount"`
	ConversationCount int64     `json:"conversationCount"`
}

func (h *Handler) handleListWidgets(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	sites, err := h.store.ListSitesByAdmin(r.Context(), claims.ID)
	if err != nil {
		h.internalError(w, r, err, "list sites")
		return
	}

	widgets := make([]WidgetSummary, 0, len(sites))
	for _, st := range sites {
		stats, err := h.store.SiteStats(r.Context(), st.ID, h.startOfToday())
		if err != nil {
			h.internalError(w, r, err, "site stats")
			return
		}
		widgets = append(widgets, WidgetSummary{
			ID:                st.ID,
			Name:              st.Name,
			Domain:            st.Domain,
			APIKey:            st.APIKey,
			CreatedAt:         st.CreatedAt,
			UserCount:         stats.TotalUsers,
			ConversationCount: stats.TotalConversations,
		})
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "widgets": widgets})
}

// VisitorSummary is the public view of a visitor.
type VisitorSummary struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Email     *string    `json:"email"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// ConversationSummary is one recent conversation of a widget.
type ConversationSummary struct {
	ID           string         `json:"id"`
	StartedAt    time.Time      `json:"startedAt"`
	EndedAt      *time.Time     `json:"endedAt"`
	MessageCount int64          `json:"messageCount"`
	User         VisitorSummary `json:"user"`
}

// WidgetDetails is the body of GET /widgets/{id}.
type WidgetDetails struct {
	ID                  string                `json:"id"`
	Name                string                `json:"name"`
	Domain              string                `json:"domain"`
	APIKey              string                `json:"apiKey"`
	CreatedAt           time.Time             `json:"createdAt"`
	Stats               store.SiteStats       `json:"stats"`
	RecentUsers         []VisitorSummary      `json:"recentUsers"`
	RecentConversations []ConversationSummary `json:"recentConversations"`
}

func (h *Handler) handleWidgetDetails(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	ctx := r.Context()

	st, ok := h.ownedSite(w, r, chi.URLParam(r, "id"), claims.ID)
	if !ok {
		return
	}

	var (
		stats    store.SiteStats
		visitors []chat.VisitorSession
		convs    []chat.Conversation
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		stats, err = h.store.SiteStats(gctx, st.ID, h.startOfToday())
		return err
	})
	g.Go(func() (err error) {
		visitors, err = h.store.ListRecentVisitors(gctx, st.ID, recentLimit)
		return err
	})
	g.Go(func() (err error) {
		convs, err = h.store.ListRecentConversations(gctx, st.ID, recentLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		h.internalError(w, r, err, "load widget details")
		return
	}

	recentUsers := make([]VisitorSummary, 0, len(visitors))
	for _, v := range visitors {
		summary := visitorSummary(v)
		created := v.CreatedAt
		summary.CreatedAt = &created
		recentUsers = append(recentUsers, summary)
	}

	recentConversations := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		count, err := h.store.CountMessages(ctx, c.ID)
		if err != nil {
			h.internalError(w, r, err, "count messages")
			return
		}
		visitor, err := h.store.FindVisitor(ctx, c.UserID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			h.internalError(w, r, err, "find visitor")
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			visitor = chat.VisitorSession{ID: c.UserID}
		}
		recentConversations = append(recentConversations, ConversationSummary{
			ID:           c.ID,
			StartedAt:    c.StartedAt,
			EndedAt:      c.EndedAt,
			MessageCount: count,
			User:         visitorSummary(visitor),
		})
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"widget": WidgetDetails{
			ID:                  st.ID,
			Name:                st.Name,
			Domain:              st.Domain,
			APIKey:              st.APIKey,
			CreatedAt:           st.CreatedAt,
			Stats:               stats,
			RecentUsers:         recentUsers,
			RecentConversations: recentConversations,
		},
	})
}

// MessageView is one transcript line.
type MessageView struct {
	ID            string    `json:"id"`
	Content       string    `json:"content"`
	IsUserMessage bool      `json:"isUserMessage"`
	AIModel       *string   `json:"aiModel"`
	Timestamp     time.Time `json:"timestamp"`
}

// ConversationDetails is the body of GET /conversations/{id}.
type ConversationDetails struct {
	ID        string         `json:"id"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   *time.Time     `json:"endedAt"`
	Site      SiteRef        `json:"site"`
	User      VisitorSummary `json:"user"`
	Messages  []MessageView  `json:"messages"`
}

// SiteRef identifies the owning site of a conversation.
type SiteRef struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain"`
}

func (h *Handler) handleConversation(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	ctx := r.Context()

	conv, err := h.store.FindConversation(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		utils.RespondError(w, http.StatusNotFound, "Conversation not found.")
		return
	}
	if err != nil {
		h.internalError(w, r, err, "find conversation")
		return
	}

	st, err := h.store.FindSite(ctx, conv.SiteID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.internalError(w, r, err, "find site")
		return
	}
	if err != nil || st.AdminID != claims.ID {
		utils.RespondError(w, http.StatusForbidden, "Access denied.")
		return
	}

	visitor, err := h.store.FindVisitor(ctx, conv.UserID)
	if errors.Is(err, store.ErrNotFound) {
		visitor = chat.VisitorSession{ID: conv.UserID}
	} else if err != nil {
		h.internalError(w, r, err, "find visitor")
		return
	}

	messages, err := h.store.ListMessages(ctx, conv.ID)
	if err != nil {
		h.internalError(w, r, err, "list messages")
		return
	}
	views := make([]MessageView, 0, len(messages))
	for _, m := range messages {
		view := MessageView{
			ID:            m.ID,
			Content:       m.Content,
			IsUserMessage: m.IsUserMessage,
			Timestamp:     m.Timestamp,
		}
		if m.AIModel != "" {
			model := m.AIModel
			view.AIModel = &model
		}
		views = append(views, view)
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"conversation": ConversationDetails{
			ID:        conv.ID,
			StartedAt: conv.StartedAt,
			EndedAt:   conv.EndedAt,
			Site:      SiteRef{ID: st.ID, Name: st.Name, Domain: st.Domain},
			User:      visitorSummary(visitor),
			Messages:  views,
		},
	})
}

// ownedSite loads siteID and answers 404 unless adminID owns it.
func (h *Handler) ownedSite(w http.ResponseWriter, r *http.Request, siteID, adminID string) (site.Site, bool) {
	st, err := h.store.FindSite(r.Context(), siteID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.internalError(w, r, err, "find site")
		return site.Site{}, false
	}
	if err != nil || st.AdminID != adminID {
		utils.RespondError(w, http.StatusNotFound, "Site not found or you don't have permission to access it.")
		return site.Site{}, false
	}
	return st, true
}

func (h *Handler) startOfToday() time.Time {
	now := h.now()
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).UTC()
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error, op string) {
	logging.Ctx(r.Context()).Error().Err(err).Str("op", op).Msg("dashboard request failed")
	utils.RespondError(w, http.StatusInternalServerError, "Internal server error")
}

func visitorSummary(v chat.VisitorSession) VisitorSummary {
	name := "Anonymous"
	if v.Name != nil && *v.Name != "" {
		name = *v.Name
	}
	return VisitorSummary{ID: v.ID, Name: name, Email: v.Email}
}

// newAPIKey returns 32 random hex characters.
func newAPIKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
