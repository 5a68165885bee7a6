package widget

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/zhouzirui/sitechat/backend/internal/logging"
	"github.com/zhouzirui/sitechat/backend/internal/metrics"
	"github.com/zhouzirui/sitechat/backend/internal/model/chat"
	"github.com/zhouzirui/sitechat/backend/internal/model/site"
	"github.com/zhouzirui/sitechat/backend/internal/store"
)

var (
	ErrAPIKeyRequired = errors.New("api key is required")
	ErrInvalidAPIKey  = errors.New("invalid api key")
)

// Store is the part of the persistence boundary widget init needs.
type Store interface {
	FindSiteByAPIKey(ctx context.Context, apiKey string) (site.Site, error)
	CreateVisitorSession(ctx context.Context, v chat.VisitorSession) (chat.VisitorSession, error)
}

// Service exchanges site API keys for visitor session tokens.
type Service struct {
	store    Store
	newToken func() string
}

// NewService wires the init service to a store.
func NewService(s Store) *Service {
	return &Service{store: s, newToken: uuid.NewString}
}

// Init creates a VisitorSession for the site owning apiKey and returns the
// new session token. Every call mints a fresh row.
func (s *Service) Init(ctx context.Context, apiKey string) (chat.VisitorSession, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return chat.VisitorSession{}, ErrAPIKeyRequired
	}

	st, err := s.store.FindSiteByAPIKey(ctx, apiKey)
	if errors.Is(err, store.ErrNotFound) {
		return chat.VisitorSession{}, ErrInvalidAPIKey
	}
	if err != nil {
		return chat.VisitorSession{}, fmt.Errorf("find site: %w", err)
	}

	visitor, err := s.store.CreateVisitorSession(ctx, chat.VisitorSession{
		SessionID: s.newToken(),
		SiteID:    st.ID,
	})
	if err != nil {
		return chat.VisitorSession{}, fmt.Errorf("create visitor session: %w", err)
	}

	metrics.WidgetSessionsCreated.Inc()
	logging.Ctx(ctx).Info().
		Str("site_id", st.ID).
		Str("visitor_id", visitor.ID).
		Msg("widget session initialized")
	return visitor, nil
}
