// Package store persists users and chat messages in SQLite through GORM.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a user does not exist.
	ErrNotFound = errors.New("user not found")
	// ErrInvalidUser is returned when a user fails validation on create.
	ErrInvalidUser = errors.New("invalid user")
)

// Store provides access to users and messages.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema. Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	// SQLite has a single writer; one connection also keeps ":memory:"
	// databases shared across the pool.
	sqlDB.SetMaxOpenConns(1)

	return New(db)
}

// New wraps an existing GORM handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&User{}, &Message{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// CreateUser inserts a user. An empty ID is filled with a fresh UUID and an
// empty display name defaults to the username.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	user.Username = strings.TrimSpace(user.Username)
	if n := len(user.Username); n < 3 || n > 32 {
		return fmt.Errorf("%w: username must be 3-32 characters", ErrInvalidUser)
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.Email == "" {
		user.Email = user.Username + "@localhost"
	}
	if user.DisplayName == "" {
		user.DisplayName = user.Username
	}
	if user.Theme == "" {
		user.Theme = "dark"
	}

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// DeleteUser removes a user. Their messages are kept.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&User{}, "id = ?", id)
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FetchProfile returns the public profile of a user.
func (s *Store) FetchProfile(ctx context.Context, id string) (Profile, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("failed to find user: %w", err)
	}

	displayName := user.DisplayName
	if displayName == "" {
		displayName = user.Username
	}
	return Profile{
		ID:          user.ID,
		Username:    user.Username,
		DisplayName: displayName,
		AvatarURL:   user.AvatarURL,
	}, nil
}

// AppendMessage persists a message for userID and returns it with its
// server-assigned id and timestamp.
func (s *Store) AppendMessage(ctx context.Context, userID, content string) (Message, error) {
	msg := Message{
		UserID:    userID,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return Message{}, fmt.Errorf("failed to append message: %w", err)
	}
	return msg, nil
}

// FetchRecent returns up to limit of the newest messages, oldest first.
// Messages whose author no longer exists are skipped.
func (s *Store) FetchRecent(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		return []HistoryEntry{}, nil
	}

	var entries []HistoryEntry
	err := s.db.WithContext(ctx).
		Table("messages").
		Select("messages.id, messages.content, messages.created_at, " +
			"users.id AS user_id, users.username, users.display_name, users.avatar_url").
		Joins("JOIN users ON users.id = messages.user_id").
		Order("messages.id DESC").
		Limit(limit).
		Scan(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent messages: %w", err)
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	for i := range entries {
		if entries[i].DisplayName == "" {
			entries[i].DisplayName = entries[i].Username
		}
	}
	if entries == nil {
		entries = []HistoryEntry{}
	}
	return entries, nil
}

// CountMessages returns the number of stored messages.
func (s *Store) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Message{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
