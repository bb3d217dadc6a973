package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/obot-platform/sandboxrelay/server/internal/config"
	"github.com/obot-platform/sandboxrelay/server/internal/database"
	"github.com/obot-platform/sandboxrelay/server/internal/model"
	"github.com/obot-platform/sandboxrelay/server/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	cfg := &config.Config{
		DatabaseDSN:    fmt.Sprintf("sqlite3://%s/test.db", t.TempDir()),
		DatabaseDriver: "sqlite",
	}
	db, err := database.New(cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return store.New(db.DB)
}

func TestGetOrCreateSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.GetSession(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetSession on missing session = %v, want ErrNotFound", err)
	}

	first, err := s.GetOrCreateSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	second, err := s.GetOrCreateSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetOrCreateSession (again): %v", err)
	}
	if !first.CreatedAt.Equal(second.CreatedAt) {
		t.Errorf("session recreated: %v != %v", first.CreatedAt, second.CreatedAt)
	}

	n, err := s.CountSessions(ctx)
	if err != nil || n != 1 {
		t.Errorf("CountSessions() = %d, %v, want 1", n, err)
	}
}

func TestMessagesInOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.GetOrCreateSession(ctx, "s1"); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	for i := 0; i < 5; i++ {
		msg := &model.ChatMessage{SessionID: "s1", Role: model.RoleUser, Content: fmt.Sprint(i)}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if msg.MessageID == "" {
			t.Fatal("AppendMessage did not assign a message id")
		}
	}

	messages, err := s.ListMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 5 {
		t.Fatalf("len(messages) = %d, want 5", len(messages))
	}
	for i, m := range messages {
		if m.Content != fmt.Sprint(i) {
			t.Errorf("messages[%d].Content = %q, want %q", i, m.Content, fmt.Sprint(i))
		}
	}

	got, err := s.GetMessage(ctx, "s1", messages[2].MessageID)
	if err != nil || got.Content != "2" {
		t.Errorf("GetMessage() = %+v, %v", got, err)
	}
	if _, err := s.GetMessage(ctx, "other", messages[2].MessageID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetMessage from another session = %v, want ErrNotFound", err)
	}
}

func TestBindAndUnbindSandbox(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.BindSandbox(ctx, "missing", "sbx", "", "", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("BindSandbox on missing session = %v, want ErrNotFound", err)
	}

	for _, id := range []string{"a", "b"} {
		if _, err := s.GetOrCreateSession(ctx, id); err != nil {
			t.Fatalf("GetOrCreateSession: %v", err)
		}
		if err := s.BindSandbox(ctx, id, "sbx-1", "ws://cdp", "ws://vnc", "http://base"); err != nil {
			t.Fatalf("BindSandbox: %v", err)
		}
	}

	session, _ := s.GetSession(ctx, "a")
	if session.SandboxID != "sbx-1" || session.CDPURL != "ws://cdp" || session.BaseURL != "http://base" {
		t.Errorf("unexpected binding %+v", session)
	}

	n, err := s.UnbindSandbox(ctx, "sbx-1")
	if err != nil || n != 2 {
		t.Errorf("UnbindSandbox() = %d, %v, want 2", n, err)
	}
	session, _ = s.GetSession(ctx, "b")
	if session.HasSandbox() || session.CDPURL != "" {
		t.Errorf("session still bound: %+v", session)
	}
}

func TestResetSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.GetOrCreateSession(ctx, model.GlobalSessionID); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	_ = s.BindSandbox(ctx, model.GlobalSessionID, "sbx-1", "ws://cdp", "", "")
	_ = s.AppendMessage(ctx, &model.ChatMessage{SessionID: model.GlobalSessionID, Role: model.RoleUser, Content: "hi"})

	session, err := s.ResetSession(ctx, model.GlobalSessionID)
	if err != nil {
		t.Fatalf("ResetSession: %v", err)
	}
	if session.HasSandbox() {
		t.Errorf("reset session still bound to %q", session.SandboxID)
	}
	n, _ := s.CountMessages(ctx, model.GlobalSessionID)
	if n != 0 {
		t.Errorf("CountMessages() = %d, want 0", n)
	}

	// Resetting an unknown session creates it.
	if _, err := s.ResetSession(ctx, "fresh"); err != nil {
		t.Fatalf("ResetSession(fresh): %v", err)
	}
	if _, err := s.GetSession(ctx, "fresh"); err != nil {
		t.Errorf("GetSession(fresh) = %v", err)
	}
}
