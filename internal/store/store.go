// Package store is the persistence boundary for admins, sites, visitor
// sessions, conversations and messages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/sitechat/backend/internal/model/chat"
	"github.com/zhouzirui/sitechat/backend/internal/model/site"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// SiteStats aggregates visitor and conversation counts for one site.
type SiteStats struct {
	TotalUsers         int64 `json:"totalUsers"`
	TotalConversations int64 `json:"totalConversations"`
	TodayUsers         int64 `json:"todayUsers"`
	TodayConversations int64 `json:"todayConversations"`
}

// Store is the full set of operations used across the service. Consumers
// declare the narrower subsets they need.
type Store interface {
	CreateAdmin(ctx context.Context, admin site.Admin) (site.Admin, error)
	FindAdminByEmail(ctx context.Context, email string) (site.Admin, error)

	CreateSite(ctx context.Context, s site.Site) (site.Site, error)
	FindSite(ctx context.Context, id string) (site.Site, error)
	FindSiteByAPIKey(ctx context.Context, apiKey string) (site.Site, error)
	ListSitesByAdmin(ctx context.Context, adminID string) ([]site.Site, error)
	DeleteSite(ctx context.Context, id string) error
	SiteStats(ctx context.Context, siteID string, since time.Time) (SiteStats, error)

	CreateVisitorSession(ctx context.Context, v chat.VisitorSession) (chat.VisitorSession, error)
	FindVisitorSession(ctx context.Context, sessionID string) (chat.VisitorSession, error)
	FindVisitor(ctx context.Context, id string) (chat.VisitorSession, error)
	ListRecentVisitors(ctx context.Context, siteID string, limit int) ([]chat.VisitorSession, error)

	CreateConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, error)
	FindConversation(ctx context.Context, id string) (chat.Conversation, error)
	ListRecentConversations(ctx context.Context, siteID string, limit int) ([]chat.Conversation, error)

	CreateMessage(ctx context.Context, m chat.Message) (chat.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	CountMessages(ctx context.Context, conversationID string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// MemoryDSN selects the in-process store instead of SQLite.
const MemoryDSN = "memory"

// Open returns a MemoryStore for MemoryDSN and a migrated SQLStore otherwise.
func Open(dsn string) (Store, error) {
	if dsn == MemoryDSN {
		return NewMemoryStore(), nil
	}
	return OpenSQLite(dsn)
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
