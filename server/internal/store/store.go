// Package store provides database operations using GORM.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/obot-platform/sandboxrelay/server/internal/model"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// Store wraps GORM DB for database operations.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB returns the underlying GORM DB for advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// --- Chat sessions ---

func (s *Store) GetSession(ctx context.Context, id string) (*model.ChatSession, error) {
	var session model.ChatSession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

// GetOrCreateSession returns the session, creating an empty one if needed.
func (s *Store) GetOrCreateSession(ctx context.Context, id string) (*model.ChatSession, error) {
	now := s.now()
	session := &model.ChatSession{ID: id, CreatedAt: now, LastActivity: now}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(session).Error
	if err != nil {
		return nil, err
	}
	return s.GetSession(ctx, id)
}

// ListSessions returns all sessions, oldest first.
func (s *Store) ListSessions(ctx context.Context) ([]*model.ChatSession, error) {
	var sessions []*model.ChatSession
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&sessions).Error
	return sessions, err
}

func (s *Store) CountSessions(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.ChatSession{}).Count(&n).Error
	return n, err
}

// BindSandbox records the sandbox currently serving the session.
func (s *Store) BindSandbox(ctx context.Context, sessionID, sandboxID, cdpURL, vncURL, baseURL string) error {
	result := s.db.WithContext(ctx).
		Model(&model.ChatSession{}).
		Where("id = ?", sessionID).
		Updates(map[string]any{
			"sandbox_id":    sandboxID,
			"cdp_url":       cdpURL,
			"vnc_url":       vncURL,
			"base_url":      baseURL,
			"last_activity": s.now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UnbindSandbox clears sandboxID from every session bound to it and returns
// the number of sessions changed.
func (s *Store) UnbindSandbox(ctx context.Context, sandboxID string) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&model.ChatSession{}).
		Where("sandbox_id = ?", sandboxID).
		Updates(map[string]any{
			"sandbox_id": "",
			"cdp_url":    "",
			"vnc_url":    "",
			"base_url":   "",
		})
	return result.RowsAffected, result.Error
}

func (s *Store) TouchSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&model.ChatSession{}).
		Where("id = ?", id).
		Update("last_activity", s.now()).Error
}

// ResetSession deletes the session's messages, unbinds its sandbox and
// restarts its timestamps. The session is created if it does not exist.
func (s *Store) ResetSession(ctx context.Context, id string) (*model.ChatSession, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&model.ChatMessage{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", id).Delete(&model.ChatSession{}).Error; err != nil {
			return err
		}
		now := s.now()
		return tx.Create(&model.ChatSession{ID: id, CreatedAt: now, LastActivity: now}).Error
	})
	if err != nil {
		return nil, err
	}
	return s.GetSession(ctx, id)
}

// --- Chat messages ---

// AppendMessage stores a message and bumps the session's activity time.
func (s *Store) AppendMessage(ctx context.Context, message *model.ChatMessage) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(message).Error; err != nil {
			return err
		}
		return tx.Model(&model.ChatSession{}).
			Where("id = ?", message.SessionID).
			Update("last_activity", message.CreatedAt).Error
	})
}

// ListMessages returns the session's messages in arrival order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*model.ChatMessage, error) {
	var messages []*model.ChatMessage
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq ASC").
		Find(&messages).Error
	return messages, err
}

func (s *Store) GetMessage(ctx context.Context, sessionID, messageID string) (*model.ChatMessage, error) {
	var message model.ChatMessage
	err := s.db.WithContext(ctx).
		First(&message, "session_id = ? AND message_id = ?", sessionID, messageID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &message, nil
}

func (s *Store) CountMessages(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&model.ChatMessage{}).
		Where("session_id = ?", sessionID).
		Count(&n).Error
	return n, err
}
