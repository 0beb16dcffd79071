package conversation

import (
	"time"
)

// Conversation is a store-and-forward message thread reachable only with
// the bearer token issued at creation. The token is generated in the same
// write that creates the row, so no conversation is ever visible without
// its token already existing.
type Conversation struct {
	ConversationUUID string    `gorm:"column:conversation_uuid;primaryKey;size:36;not null"`
	BearerToken      string    `gorm:"column:bearer_token;size:128;not null"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing conversations.
func (Conversation) TableName() string {
	return "conversations"
}

// Message is one append-only entry in a conversation's log.
type Message struct {
	MessageID        string    `gorm:"column:message_id;primaryKey;size:36;not null"`
	ConversationUUID string    `gorm:"column:conversation_uuid;size:36;not null;index:idx_conversation_ts,priority:1"`
	Timestamp        time.Time `gorm:"column:timestamp;not null;index:idx_conversation_ts,priority:2"`
	Name             string    `gorm:"column:name;size:320"`
	Email            string    `gorm:"column:email;size:320"`
	Phone            string    `gorm:"column:phone;size:64"`
	Body             string    `gorm:"column:message;not null"`
	Principal        string    `gorm:"column:principal;size:190"`
}

// TableName exposes the table backing conversation messages.
func (Message) TableName() string {
	return "conversation_messages"
}
