package chat

import "time"

// Message persists one side of a visitor turn. Rows are immutable.
type Message struct {
	ID             string    `json:"id" gorm:"primaryKey;type:text"`
	ConversationID string    `json:"conversationId" gorm:"type:text;not null;index:idx_messages_conversation_time,priority:1"`
	Content        string    `json:"content" gorm:"type:text;not null"`
	IsUserMessage  bool      `json:"isUserMessage" gorm:"not null"`
	AIModel        string    `json:"aiModel,omitempty" gorm:"type:text"`
	Timestamp      time.Time `json:"timestamp" gorm:"not null;index:idx_messages_conversation_time,priority:2"`
}
