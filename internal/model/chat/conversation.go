package chat

import "time"

// Conversation is one authenticated socket lifetime worth of messages.
// EndedAt is never stamped by the relay.
type Conversation struct {
	ID        string     `json:"id" gorm:"primaryKey;type:text"`
	UserID    string     `json:"userId" gorm:"type:text;not null;index"`
	SiteID    string     `json:"siteId" gorm:"type:text;not null;index"`
	StartedAt time.Time  `json:"startedAt" gorm:"not null;index"`
	EndedAt   *time.Time `json:"endedAt"`
}
