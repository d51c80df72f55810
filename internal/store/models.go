package store

import "time"

// User is a registered chat account.
type User struct {
	ID           string    `gorm:"primarykey;size:36" json:"id"`
	Email        string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	Username     string    `gorm:"size:32;uniqueIndex;not null" json:"username"`
	PasswordHash string    `gorm:"size:255" json:"-"`
	DisplayName  string    `gorm:"size:32" json:"display_name"`
	AvatarURL    *string   `gorm:"size:512" json:"avatar_url"`
	Bio          string    `gorm:"size:200" json:"bio"`
	Theme        string    `gorm:"size:16;default:dark" json:"theme"`
	Verified     bool      `gorm:"not null;default:false" json:"verified"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName returns the table name for User.
func (User) TableName() string {
	return "users"
}

// Message is a persisted chat message. Messages are append-only.
type Message struct {
	ID        uint64    `gorm:"primarykey;autoIncrement" json:"id"`
	UserID    string    `gorm:"size:36;index;not null" json:"user_id"`
	Content   string    `gorm:"size:2000;not null" json:"content"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName returns the table name for Message.
func (Message) TableName() string {
	return "messages"
}

// Profile holds the public fields of a user.
type Profile struct {
	ID          string
	Username    string
	DisplayName string
	AvatarURL   *string
}

// HistoryEntry is a message joined with its author's public profile.
type HistoryEntry struct {
	ID          uint64
	Content     string
	CreatedAt   time.Time
	UserID      string
	Username    string
	DisplayName string
	AvatarURL   *string
}
