package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/sitechat/backend/internal/model/chat"
	"github.com/zhouzirui/sitechat/backend/internal/model/site"
)

// MemoryStore keeps every entity in process memory. Suitable for tests and
// throwaway deployments.
type MemoryStore struct {
	mu            sync.RWMutex
	admins        map[string]site.Admin
	sites         map[string]site.Site
	visitors      map[string]chat.VisitorSession
	conversations map[string]chat.Conversation
	messages      map[string][]chat.Message
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore bootstraps an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		admins:        make(map[string]site.Admin),
		sites:         make(map[string]site.Site),
		visitors:      make(map[string]chat.VisitorSession),
		conversations: make(map[string]chat.Conversation),
		messages:      make(map[string][]chat.Message),
	}
}

func (s *MemoryStore) CreateAdmin(_ context.Context, admin site.Admin) (site.Admin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.admins {
		if existing.Email == admin.Email {
			return site.Admin{}, ErrDuplicate
		}
	}
	admin.ID = newID(admin.ID)
	admin.CreatedAt = stamp(admin.CreatedAt)
	s.admins[admin.ID] = admin
	return admin, nil
}

func (s *MemoryStore) FindAdminByEmail(_ context.Context, email string) (site.Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, admin := range s.admins {
		if admin.Email == email {
			return admin, nil
		}
	}
	return site.Admin{}, ErrNotFound
}

func (s *MemoryStore) CreateSite(_ context.Context, st site.Site) (site.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sites {
		if existing.APIKey == st.APIKey {
			return site.Site{}, ErrDuplicate
		}
	}
	st.ID = newID(st.ID)
	st.CreatedAt = stamp(st.CreatedAt)
	s.sites[st.ID] = st
	return st, nil
}

func (s *MemoryStore) FindSite(_ context.Context, id string) (site.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sites[id]
	if !ok {
		return site.Site{}, ErrNotFound
	}
	return st, nil
}

func (s *MemoryStore) FindSiteByAPIKey(_ context.Context, apiKey string) (site.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.sites {
		if st.APIKey == apiKey {
			return st, nil
		}
	}
	return site.Site{}, ErrNotFound
}

func (s *MemoryStore) ListSitesByAdmin(_ context.Context, adminID string) ([]site.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]site.Site, 0)
	for _, st := range s.sites {
		if st.AdminID == adminID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteSite removes the site together with its visitors, conversations and messages.
func (s *MemoryStore) DeleteSite(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sites[id]; !ok {
		return ErrNotFound
	}
	for convID, conv := range s.conversations {
		if conv.SiteID == id {
			delete(s.messages, convID)
			delete(s.conversations, convID)
		}
	}
	for visitorID, v := range s.visitors {
		if v.SiteID == id {
			delete(s.visitors, visitorID)
		}
	}
	delete(s.sites, id)
	return nil
}

func (s *MemoryStore) SiteStats(_ context.Context, siteID string, since time.Time) (SiteStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats SiteStats
	for _, v := range s.visitors {
		if v.SiteID != siteID {
			continue
		}
		stats.TotalUsers++
		if !v.CreatedAt.Before(since) {
			stats.TodayUsers++
		}
	}
	for _, c := range s.conversations {
		if c.SiteID != siteID {
			continue
		}
		stats.TotalConversations++
		if !c.StartedAt.Before(since) {
			stats.TodayConversations++
		}
	}
	return stats, nil
}

func (s *MemoryStore) CreateVisitorSession(_ context.Context, v chat.VisitorSession) (chat.VisitorSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.visitors {
		if existing.SessionID == v.SessionID {
			return chat.VisitorSession{}, ErrDuplicate
		}
	}
	v.ID = newID(v.ID)
	v.CreatedAt = stamp(v.CreatedAt)
	v.UpdatedAt = v.CreatedAt
	s.visitors[v.ID] = v
	return v, nil
}

func (s *MemoryStore) FindVisitorSession(_ context.Context, sessionID string) (chat.VisitorSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.visitors {
		if v.SessionID == sessionID {
			return v, nil
		}
	}
	return chat.VisitorSession{}, ErrNotFound
}

func (s *MemoryStore) FindVisitor(_ context.Context, id string) (chat.VisitorSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.visitors[id]
	if !ok {
		return chat.VisitorSession{}, ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) ListRecentVisitors(_ context.Context, siteID string, limit int) ([]chat.VisitorSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.VisitorSession, 0)
	for _, v := range s.visitors {
		if v.SiteID == siteID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, c chat.Conversation) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.ID = newID(c.ID)
	c.StartedAt = stamp(c.StartedAt)
	s.conversations[c.ID] = c
	s.messages[c.ID] = make([]chat.Message, 0, 16)
	return c, nil
}

func (s *MemoryStore) FindConversation(_ context.Context, id string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return chat.Conversation{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) ListRecentConversations(_ context.Context, siteID string, limit int) ([]chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.Conversation, 0)
	for _, c := range s.conversations {
		if c.SiteID == siteID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateMessage appends a message to its conversation.
func (s *MemoryStore) CreateMessage(_ context.Context, m chat.Message) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[m.ConversationID]; !ok {
		return chat.Message{}, ErrNotFound
	}
	m.ID = newID(m.ID)
	m.Timestamp = stamp(m.Timestamp)
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return m, nil
}

// ListMessages returns the conversation transcript ordered by timestamp.
func (s *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[conversationID]
	if !ok {
		return nil, ErrNotFound
	}

	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	sort.SliceStable(copied, func(i, j int) bool { return copied[i].Timestamp.Before(copied[j].Timestamp) })
	return copied, nil
}

func (s *MemoryStore) CountMessages(_ context.Context, conversationID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.messages[conversationID])), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
