package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/zhouzirui/sitechat/backend/internal/logging"
	"github.com/zhouzirui/sitechat/backend/internal/model/chat"
	"github.com/zhouzirui/sitechat/backend/internal/model/site"
)

// SQLStore persists entities in SQLite through GORM.
type SQLStore struct {
	db *gorm.DB
}

var _ Store = (*SQLStore)(nil)

// SQLiteDSNForFile builds a DSN with the pragmas the relay relies on for
// concurrent writers.
func SQLiteDSNForFile(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

// OpenSQLite opens (and migrates) the database at dsn.
func OpenSQLite(dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}

	db, err := gorm.Open(sqlite.Open(SQLiteDSNForFile(dsn)), &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(gormWriter{}, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite store: handle: %w", err)
	}
	// SQLite allows one writer; a single pooled connection turns lock
	// contention into queueing inside database/sql.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&site.Admin{}, &site.Site{}, &chat.VisitorSession{}, &chat.Conversation{}, &chat.Message{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}

	return &SQLStore{db: db}, nil
}

type gormWriter struct{}

func (gormWriter) Printf(format string, args ...interface{}) {
	logging.WithComponent("store").Warn().Msgf(format, args...)
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return ErrDuplicate
	default:
		return err
	}
}

func (s *SQLStore) CreateAdmin(ctx context.Context, admin site.Admin) (site.Admin, error) {
	admin.ID = newID(admin.ID)
	admin.CreatedAt = stamp(admin.CreatedAt)
	if err := s.db.WithContext(ctx).Create(&admin).Error; err != nil {
		return site.Admin{}, translate(err)
	}
	return admin, nil
}

func (s *SQLStore) FindAdminByEmail(ctx context.Context, email string) (site.Admin, error) {
	var admin site.Admin
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&admin).Error
	return admin, translate(err)
}

func (s *SQLStore) CreateSite(ctx context.Context, st site.Site) (site.Site, error) {
	st.ID = newID(st.ID)
	st.CreatedAt = stamp(st.CreatedAt)
	if err := s.db.WithContext(ctx).Create(&st).Error; err != nil {
		return site.Site{}, translate(err)
	}
	return st, nil
}

func (s *SQLStore) FindSite(ctx context.Context, id string) (site.Site, error) {
	var st site.Site
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&st).Error
	return st, translate(err)
}

func (s *SQLStore) FindSiteByAPIKey(ctx context.Context, apiKey string) (site.Site, error) {
	var st site.Site
	err := s.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&st).Error
	return st, translate(err)
}

func (s *SQLStore) ListSitesByAdmin(ctx context.Context, adminID string) ([]site.Site, error) {
	sites := make([]site.Site, 0)
	err := s.db.WithContext(ctx).Where("admin_id = ?", adminID).Order("created_at asc").Find(&sites).Error
	return sites, translate(err)
}

// DeleteSite removes messages, conversations and visitors of the site before
// the site itself, in one transaction.
func (s *SQLStore) DeleteSite(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Limit(1).Find(&site.Site{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		convIDs := tx.Model(&chat.Conversation{}).Select("id").Where("site_id = ?", id)
		if err := tx.Where("conversation_id IN (?)", convIDs).Delete(&chat.Message{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if err := tx.Where("site_id = ?", id).Delete(&chat.Conversation{}).Error; err != nil {
			return fmt.Errorf("delete conversations: %w", err)
		}
		if err := tx.Where("site_id = ?", id).Delete(&chat.VisitorSession{}).Error; err != nil {
			return fmt.Errorf("delete users: %w", err)
		}
		return tx.Where("id = ?", id).Delete(&site.Site{}).Error
	})
}

func (s *SQLStore) SiteStats(ctx context.Context, siteID string, since time.Time) (SiteStats, error) {
	var stats SiteStats
	db := s.db.WithContext(ctx)

	if err := db.Model(&chat.VisitorSession{}).Where("site_id = ?", siteID).Count(&stats.TotalUsers).Error; err != nil {
		return SiteStats{}, err
	}
	if err := db.Model(&chat.VisitorSession{}).Where("site_id = ? AND created_at >= ?", siteID, since).Count(&stats.TodayUsers).Error; err != nil {
		return SiteStats{}, err
	}
	if err := db.Model(&chat.Conversation{}).Where("site_id = ?", siteID).Count(&stats.TotalConversations).Error; err != nil {
		return SiteStats{}, err
	}
	if err := db.Model(&chat.Conversation{}).Where("site_id = ? AND started_at >= ?", siteID, since).Count(&stats.TodayConversations).Error; err != nil {
		return SiteStats{}, err
	}
	return stats, nil
}

func (s *SQLStore) CreateVisitorSession(ctx context.Context, v chat.VisitorSession) (chat.VisitorSession, error) {
	v.ID = newID(v.ID)
	v.CreatedAt = stamp(v.CreatedAt)
	v.UpdatedAt = v.CreatedAt
	if err := s.db.WithContext(ctx).Create(&v).Error; err != nil {
		return chat.VisitorSession{}, translate(err)
	}
	return v, nil
}

func (s *SQLStore) FindVisitorSession(ctx context.Context, sessionID string) (chat.VisitorSession, error) {
	var v chat.VisitorSession
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&v).Error
	return v, translate(err)
}

func (s *SQLStore) FindVisitor(ctx context.Context, id string) (chat.VisitorSession, error) {
	var v chat.VisitorSession
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&v).Error
	return v, translate(err)
}

func (s *SQLStore) ListRecentVisitors(ctx context.Context, siteID string, limit int) ([]chat.VisitorSession, error) {
	visitors := make([]chat.VisitorSession, 0)
	q := s.db.WithContext(ctx).Where("site_id = ?", siteID).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return visitors, translate(q.Find(&visitors).Error)
}

func (s *SQLStore) CreateConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, error) {
	c.ID = newID(c.ID)
	c.StartedAt = stamp(c.StartedAt)
	if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
		return chat.Conversation{}, translate(err)
	}
	return c, nil
}

func (s *SQLStore) FindConversation(ctx context.Context, id string) (chat.Conversation, error) {
	var c chat.Conversation
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	return c, translate(err)
}

func (s *SQLStore) ListRecentConversations(ctx context.Context, siteID string, limit int) ([]chat.Conversation, error) {
	conversations := make([]chat.Conversation, 0)
	q := s.db.WithContext(ctx).Where("site_id = ?", siteID).Order("started_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return conversations, translate(q.Find(&conversations).Error)
}

// CreateMessage inserts a message after checking its conversation exists.
func (s *SQLStore) CreateMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	m.ID = newID(m.ID)
	m.Timestamp = stamp(m.Timestamp)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&chat.Conversation{}).Where("id = ?", m.ConversationID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return tx.Create(&m).Error
	})
	if err != nil {
		return chat.Message{}, translate(err)
	}
	return m, nil
}

func (s *SQLStore) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if _, err := s.FindConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	messages := make([]chat.Message, 0)
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("timestamp asc").Order("rowid asc").
		Find(&messages).Error
	return messages, translate(err)
}

func (s *SQLStore) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&chat.Message{}).Where("conversation_id = ?", conversationID).Count(&n).Error
	return n, err
}

func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
