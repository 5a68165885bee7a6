package site

import "time"

// Site is a tenant website owning one widget and its API key.
type Site struct {
	ID        string    `json:"id" gorm:"primaryKey;type:text"`
	Name      string    `json:"name" gorm:"type:text;not null"`
	Domain    string    `json:"domain" gorm:"type:text;not null"`
	APIKey    string    `json:"apiKey" gorm:"type:text;not null;uniqueIndex"`
	AdminID   string    `json:"adminId" gorm:"type:text;not null;index"`
	CreatedAt time.Time `json:"createdAt"`
}
