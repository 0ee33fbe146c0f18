package chat

import (
	"time"

	"gorm.io/datatypes"
)

// User mirrors the identity provider's subject. The ID is issued externally.
type User struct {
	ID        string    `gorm:"type:varchar(191);primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(255)" json:"name"`
	Email     string    `gorm:"type:varchar(255);not null" json:"email"`
	ImageURL  string    `gorm:"type:text" json:"image"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (User) TableName() string { return "users" }

// Character is a persona a conversation is anchored to.
type Character struct {
	ID          uint64                      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string                      `gorm:"type:varchar(64);uniqueIndex;not null" json:"name"`
	DisplayName string                      `gorm:"type:varchar(128);not null" json:"displayName"`
	AvatarURL   string                      `gorm:"type:text;not null" json:"avatarUrl"`
	Description string                      `gorm:"type:text;not null" json:"description"`
	BasePrompt  string                      `gorm:"type:text;not null" json:"-"`
	Provider    string                      `gorm:"type:varchar(32)" json:"provider,omitempty"`
	Model       string                      `gorm:"type:varchar(64)" json:"model,omitempty"`
	Tags        datatypes.JSONSlice[string] `json:"tags,omitempty"`
	CreatedAt   time.Time                   `json:"createdAt"`
	UpdatedAt   time.Time                   `json:"updatedAt"`
}

func (Character) TableName() string { return "characters" }

// Conversation is the single thread between a user and a character.
type Conversation struct {
	ID          string     `gorm:"type:varchar(26);primaryKey" json:"id"` // ULID
	UserID      string     `gorm:"type:varchar(191);not null;uniqueIndex:uniq_conv_user_character,priority:1" json:"userId"`
	CharacterID uint64     `gorm:"not null;uniqueIndex:uniq_conv_user_character,priority:2" json:"characterId"`
	Character   *Character `gorm:"foreignKey:CharacterID" json:"character,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func (Conversation) TableName() string { return "conversations" }

type Message struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID string    `gorm:"type:varchar(26);not null;index:idx_msg_conv_created,priority:1" json:"conversationId"`
	CharacterID    uint64    `gorm:"not null;index" json:"characterId"`
	Role           string    `gorm:"type:varchar(16);not null" json:"role"`
	Text           string    `gorm:"type:text;not null" json:"text"`
	CreatedAt      time.Time `gorm:"index:idx_msg_conv_created,priority:2" json:"createdAt"`
}

func (Message) TableName() string { return "messages" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&User{}, &Character{}, &Conversation{}, &Message{}, &Job{}}
}
