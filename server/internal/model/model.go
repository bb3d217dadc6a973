// Package model defines the database models used throughout the application.
// These models work with both PostgreSQL and SQLite via GORM.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// GlobalSessionID is the shared session used by the single-page viewer.
const GlobalSessionID = "global-session"

// ChatSession is one conversation and the sandbox currently bound to it.
type ChatSession struct {
	ID           string    `gorm:"primaryKey;type:text" json:"session_id"`
	SandboxID    string    `gorm:"column:sandbox_id;type:text;index" json:"sandbox_id"`
	CDPURL       string    `gorm:"column:cdp_url;type:text" json:"cdp_url"`
	VNCURL       string    `gorm:"column:vnc_url;type:text" json:"vnc_url"`
	BaseURL      string    `gorm:"column:base_url;type:text" json:"base_url"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	LastActivity time.Time `gorm:"column:last_activity" json:"last_activity"`

	Messages []ChatMessage `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-"`
}

func (ChatSession) TableName() string { return "chat_sessions" }

// HasSandbox reports whether a sandbox is bound to the session.
func (s *ChatSession) HasSandbox() bool {
	return s.SandboxID != ""
}

// ChatMessage is one turn in a ChatSession. Seq orders messages within the
// table; MessageID is the public id.
type ChatMessage struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement"`
	MessageID string    `gorm:"column:message_id;uniqueIndex;not null;type:text"`
	SessionID string    `gorm:"column:session_id;not null;type:text;index"`
	Role      string    `gorm:"not null;type:text"`
	Content   string    `gorm:"type:text;not null"`
	Code      string    `gorm:"type:text"`
	Language  string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (ChatMessage) TableName() string { return "chat_messages" }

func (m *ChatMessage) BeforeCreate(tx *gorm.DB) error {
	if m.MessageID == "" {
		m.MessageID = NewMessageID()
	}
	return nil
}

// HasCode reports whether the message carries executable code.
func (m *ChatMessage) HasCode() bool {
	return m.Code != ""
}

type messageJSON struct {
	MessageID string  `json:"message_id"`
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Code      string  `json:"code,omitempty"`
	Language  string  `json:"language,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// MarshalJSON renders the message the way chat clients expect it.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		MessageID: m.MessageID,
		Role:      m.Role,
		Content:   m.Content,
		Code:      m.Code,
		Language:  m.Language,
		Timestamp: EpochSeconds(m.CreatedAt),
	})
}

// EpochSeconds converts t to float seconds since the Unix epoch. Zero times
// map to 0.
func EpochSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// NewMessageID returns an id of the form msg_xxxxxxxx.
func NewMessageID() string {
	return shortID("msg")
}

// NewExecutionID returns an id of the form exec_xxxxxxxx.
func NewExecutionID() string {
	return shortID("exec")
}

func shortID(prefix string) string {
	u := uuid.New()
	return fmt.Sprintf("%s_%x", prefix, u[:4])
}

// AllModels returns all models for auto-migration.
func AllModels() []interface{} {
	return []interface{}{
		&ChatSession{},
		&ChatMessage{},
	}
}
