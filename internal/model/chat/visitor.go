package chat

import "time"

// VisitorSession is the browser-scoped identity minted by widget init. The
// SessionID is a bearer token: holding it is enough to open conversations.
type VisitorSession struct {
	ID        string    `json:"id" gorm:"primaryKey;type:text"`
	SessionID string    `json:"sessionId" gorm:"type:text;not null;uniqueIndex"`
	SiteID    string    `json:"siteId" gorm:"type:text;not null;index"`
	Name      *string   `json:"name"`
	Email     *string   `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName keeps the historical table name.
func (VisitorSession) TableName() string { return "users" }
