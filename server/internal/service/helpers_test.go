package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/obot-platform/sandboxrelay/server/internal/codegen"
	"github.com/obot-platform/sandboxrelay/server/internal/config"
	"github.com/obot-platform/sandboxrelay/server/internal/database"
	"github.com/obot-platform/sandboxrelay/server/internal/events"
	"github.com/obot-platform/sandboxrelay/server/internal/executor"
	"github.com/obot-platform/sandboxrelay/server/internal/sandbox"
	"github.com/obot-platform/sandboxrelay/server/internal/sandbox/mock"
	"github.com/obot-platform/sandboxrelay/server/internal/store"
)

// fakeGenerator returns a fixed generation or error and records its calls.
type fakeGenerator struct {
	mu        sync.Mutex
	gen       *codegen.Generation
	err       error
	histories [][]codegen.HistoryMessage
	endpoints []string
}

func (g *fakeGenerator) Generate(ctx context.Context, requirement, automationEndpoint string, history []codegen.HistoryMessage) (*codegen.Generation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.histories = append(g.histories, history)
	g.endpoints = append(g.endpoints, automationEndpoint)
	if g.err != nil {
		return nil, &codegen.GenerationError{Err: g.err}
	}
	gen := *g.gen
	return &gen, nil
}

// fakeExecutors runs every execution through run.
type fakeExecutors struct {
	mu       sync.Mutex
	baseURLs []string
	run      func(code, language string, onOutput executor.OutputFunc) (*executor.Result, error)
	files    map[string]string
}

func (f *fakeExecutors) ForSandbox(baseURL string) executor.Executor {
	f.mu.Lock()
	f.baseURLs = append(f.baseURLs, baseURL)
	f.mu.Unlock()
	return &fakeExecutor{parent: f}
}

type fakeExecutor struct {
	parent *fakeExecutors
}

func (e *fakeExecutor) ExecuteStreaming(ctx context.Context, code, language, contextID string, onOutput executor.OutputFunc) (*executor.Result, error) {
	if e.parent.run == nil {
		return &executor.Result{Status: executor.StatusCompleted}, nil
	}
	return e.parent.run(code, language, onOutput)
}

func (e *fakeExecutor) ExecuteShell(ctx context.Context, command string) (*executor.Result, error) {
	return e.ExecuteStreaming(ctx, command, executor.LanguageShell, "", nil)
}

func (e *fakeExecutor) ReadFile(ctx context.Context, path string) (string, error) {
	content, ok := e.parent.files[executor.ResolvePath(path)]
	if !ok {
		return "", fmt.Errorf("read file %s: not found", path)
	}
	return content, nil
}

type testEnv struct {
	store     *store.Store
	provider  *mock.Provider
	registry  *sandbox.Registry
	logs      *events.Broadcaster
	hub       *events.ChatHub
	sandboxes *SandboxService
	chat      *ChatService
	generator *fakeGenerator
	executors *fakeExecutors
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		DatabaseDSN:    fmt.Sprintf("sqlite3://%s/test.db", t.TempDir()),
		DatabaseDriver: "sqlite",
	}
	db, err := database.New(cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	env := &testEnv{
		store:    store.New(db.DB),
		provider: mock.NewProvider(),
		logs:     events.NewBroadcaster(events.BroadcasterOptions{}),
		hub:      events.NewChatHub(nil),
		generator: &fakeGenerator{gen: &codegen.Generation{
			Code:         "console.log('hi')",
			Language:     codegen.LanguageJavaScript,
			Explanation:  "Prints hi.",
			FullResponse: "```javascript\nconsole.log('hi')\n```\nPrints hi.",
		}},
		executors: &fakeExecutors{files: map[string]string{}},
	}
	env.registry = sandbox.NewRegistry(env.provider, sandbox.RegistryOptions{})
	env.sandboxes = NewSandboxService(env.registry, env.logs, events.NewConfirmations(), env.store, env.executors, nil)
	env.chat = NewChatService(env.store, env.registry, env.sandboxes, env.generator, env.executors, env.hub, ChatOptions{
		Template:           "browser-sandbox",
		IdleTimeoutSeconds: 60,
	})

	t.Cleanup(func() {
		env.chat.Close()
		_ = db.Close()
	})
	return env
}

// nextEvent waits for the next chat event of the given type, skipping others.
func nextEvent(t *testing.T, sub *events.ChatSubscriber, eventType string) events.ChatEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				t.Fatalf("chat subscriber closed while waiting for %s", eventType)
			}
			if ev.Type == eventType {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func logMessages(logs []events.LogEvent, level events.Level) []string {
	var out []string
	for _, ev := range logs {
		if ev.Level == level {
			out = append(out, ev.Message)
		}
	}
	return out
}

func mustSessionKey(t *testing.T, sessionID string) sandbox.Key {
	t.Helper()
	key, err := SessionKey(sessionID)
	if err != nil {
		t.Fatalf("SessionKey(%q) error = %v", sessionID, err)
	}
	return key
}
