package site

import "time"

// Admin owns sites and signs into the dashboard.
type Admin struct {
	ID           string    `json:"id" gorm:"primaryKey;type:text"`
	Email        string    `json:"email" gorm:"type:text;not null;uniqueIndex"`
	Name         *string   `json:"name"`
	PasswordHash string    `json:"-" gorm:"type:text;not null"`
	CreatedAt    time.Time `json:"createdAt"`
}
