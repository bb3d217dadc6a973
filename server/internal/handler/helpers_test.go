package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/obot-platform/sandboxrelay/server/internal/codegen"
	"github.com/obot-platform/sandboxrelay/server/internal/config"
	"github.com/obot-platform/sandboxrelay/server/internal/database"
	"github.com/obot-platform/sandboxrelay/server/internal/events"
	"github.com/obot-platform/sandboxrelay/server/internal/executor"
	"github.com/obot-platform/sandboxrelay/server/internal/sandbox"
	"github.com/obot-platform/sandboxrelay/server/internal/sandbox/mock"
	"github.com/obot-platform/sandboxrelay/server/internal/sandbox/sandboxapi"
	"github.com/obot-platform/sandboxrelay/server/internal/service"
	"github.com/obot-platform/sandboxrelay/server/internal/store"
)

type stubGenerator struct{}

func (stubGenerator) Generate(ctx context.Context, requirement, automationEndpoint string, history []codegen.HistoryMessage) (*codegen.Generation, error) {
	return &codegen.Generation{
		Code:         "console.log('hi')",
		Language:     codegen.LanguageJavaScript,
		Explanation:  "Prints hi.",
		FullResponse: "```javascript\nconsole.log('hi')\n```\nPrints hi.",
	}, nil
}

// fakeSandboxAPI serves the data-plane endpoints of every mock sandbox.
type fakeSandboxAPI struct {
	mu    sync.Mutex
	files map[string]string
	codes []string
}

func (f *fakeSandboxAPI) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/sandboxes/{id}/files", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		content, ok := f.files[r.URL.Query().Get("path")]
		f.mu.Unlock()
		if !ok {
			http.Error(w, `{"code":"NOT_FOUND","message":"no such file"}`, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(sandboxapi.FileResponse{Content: content})
	})
	r.Post("/sandboxes/{id}/contexts/execute", func(w http.ResponseWriter, r *http.Request) {
		var req sandboxapi.ExecuteRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.codes = append(f.codes, req.Code)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(sandboxapi.ExecuteResponse{
			ContextID: "ctx-1",
			Results:   []sandboxapi.ExecuteItem{{Type: sandboxapi.ItemStdout, Text: "hi\n"}},
		})
	})
	return r
}

func (f *fakeSandboxAPI) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.codes...)
}

type testServer struct {
	url       string
	api       *fakeSandboxAPI
	apiURL    string
	provider  *mock.Provider
	registry  *sandbox.Registry
	hub       *events.ChatHub
	sandboxes *service.SandboxService
	chat      *service.ChatService
}

func newTestServer(t *testing.T) *testServer {
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

	api := &fakeSandboxAPI{files: map[string]string{}}
	apiSrv := httptest.NewServer(api.routes())

	ts := &testServer{
		api:      api,
		apiURL:   apiSrv.URL,
		provider: mock.NewProviderWithBaseURL("ws://" + strings.TrimPrefix(apiSrv.URL, "http://")),
		hub:      events.NewChatHub(nil),
	}
	st := store.New(db.DB)
	logs := events.NewBroadcaster(events.BroadcasterOptions{})
	executors := executor.New(executor.Options{Timeout: 5 * time.Second})

	ts.registry = sandbox.NewRegistry(ts.provider, sandbox.RegistryOptions{})
	ts.sandboxes = service.NewSandboxService(ts.registry, logs, events.NewConfirmations(), st, executors, nil)
	ts.chat = service.NewChatService(st, ts.registry, ts.sandboxes, stubGenerator{}, executors, ts.hub, service.ChatOptions{
		Template: "browser-sandbox",
	})

	h := New(Options{
		ChatService:    ts.chat,
		SandboxService: ts.sandboxes,
		ChatHub:        ts.hub,
	})
	r := chi.NewRouter()
	h.Routes(r)
	srv := httptest.NewServer(r)
	ts.url = srv.URL

	t.Cleanup(func() {
		ts.chat.Close()
		ts.hub.Close()
		logs.Close()
		srv.Close()
		apiSrv.Close()
		_ = db.Close()
	})
	return ts
}

// do sends a JSON request and decodes the JSON response into a map.
func (ts *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.url+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		t.Fatalf("%s %s: decode response: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func (ts *testServer) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.url, "http")+path, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// readMessageFrame skips frames until a chat message event arrives and
// returns its data.
func readMessageFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	for {
		frame := readFrame(t, conn)
		if frame["type"] == events.ChatMessage {
			return frame["data"].(map[string]any)
		}
	}
}
