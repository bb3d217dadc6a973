package agentrun

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obot-platform/sandboxrelay/server/internal/sandbox"
)

// fakeControlPlane keeps sandbox records in memory. Each GET advances a
// sandbox through pending statuses before it reports RUNNING.
type fakeControlPlane struct {
	mu        sync.Mutex
	records   map[string]*sandboxRecord
	pending   map[string]int
	startWith string
	polls     int
	deleted   []string
	lastBody  createRequest
	failFirst int // number of 503 responses before create succeeds
}

func newFakeControlPlane(t *testing.T, fcp *fakeControlPlane) *httptest.Server {
	t.Helper()
	fcp.records = map[string]*sandboxRecord{}
	fcp.pending = map[string]int{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))

		fcp.mu.Lock()
		defer fcp.mu.Unlock()

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sandboxes":
			if fcp.failFirst > 0 {
				fcp.failFirst--
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&fcp.lastBody))
			id := "sbx-" + fcp.lastBody.TemplateName
			rec := &sandboxRecord{SandboxID: id, Status: fcp.startWith}
			if fcp.startWith == "RUNNING" {
				rec.CDPURL = "wss://host/sandboxes/" + id + "/ws/automation"
			} else {
				fcp.pending[id] = 2
			}
			fcp.records[id] = rec
			writeJSON(w, rec)

		case strings.HasPrefix(r.URL.Path, "/sandboxes/"):
			id := strings.TrimPrefix(r.URL.Path, "/sandboxes/")
			rec, ok := fcp.records[id]
			if !ok {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			if r.Method == http.MethodDelete {
				delete(fcp.records, id)
				fcp.deleted = append(fcp.deleted, id)
				w.WriteHeader(http.StatusNoContent)
				return
			}
			fcp.polls++
			if fcp.pending[id] > 0 {
				fcp.pending[id]--
				if fcp.pending[id] == 0 && rec.Status != "FAILED" {
					rec.Status = "READY"
					rec.CDPURL = "wss://host/sandboxes/" + id + "/ws/automation"
					rec.VNCURL = "wss://host/sandboxes/" + id + "/ws/livestream"
				}
			}
			writeJSON(w, rec)

		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestProvider(t *testing.T, url string) *Provider {
	t.Helper()
	p, err := NewProvider(Options{
		Endpoint:     url + "/",
		APIKey:       "key-1",
		ReadyTimeout: 2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return p
}

func TestNewProvider_RequiresEndpoint(t *testing.T) {
	_, err := NewProvider(Options{})
	assert.Error(t, err)
}

func TestCreate_ImmediatelyRunning(t *testing.T) {
	fcp := &fakeControlPlane{startWith: "RUNNING"}
	srv := newFakeControlPlane(t, fcp)
	p := newTestProvider(t, srv.URL)

	sb, err := p.Create(context.Background(), sandbox.CreateOptions{Template: "browser", IdleTimeoutSeconds: 1800})
	require.NoError(t, err)

	assert.Equal(t, "sbx-browser", sb.ID)
	assert.Equal(t, "RUNNING", sb.Status)
	assert.Equal(t, "wss://host/sandboxes/sbx-browser/ws/automation", sb.AutomationURL)
	assert.False(t, sb.CreatedAt.IsZero())

	assert.Equal(t, TemplateTypeBrowser, fcp.lastBody.TemplateType)
	assert.Equal(t, 1800, fcp.lastBody.SandboxIdleTimeoutSeconds)
	assert.Zero(t, fcp.polls)
}

func TestCreate_WaitsUntilReady(t *testing.T) {
	fcp := &fakeControlPlane{startWith: "PENDING"}
	srv := newFakeControlPlane(t, fcp)
	p := newTestProvider(t, srv.URL)

	sb, err := p.Create(context.Background(), sandbox.CreateOptions{Template: "browser"})
	require.NoError(t, err)

	assert.Equal(t, "READY", sb.Status)
	assert.Equal(t, "wss://host/sandboxes/sbx-browser/ws/livestream", sb.LiveViewURL)
	assert.GreaterOrEqual(t, fcp.polls, 2)
}

func TestCreate_RetriesServerErrors(t *testing.T) {
	fcp := &fakeControlPlane{startWith: "RUNNING", failFirst: 1}
	srv := newFakeControlPlane(t, fcp)
	p := newTestProvider(t, srv.URL)

	sb, err := p.Create(context.Background(), sandbox.CreateOptions{Template: "browser"})
	require.NoError(t, err)
	assert.Equal(t, "sbx-browser", sb.ID)
}

func TestCreate_TerminalStatusDestroys(t *testing.T) {
	fcp := &fakeControlPlane{startWith: "FAILED"}
	srv := newFakeControlPlane(t, fcp)
	p := newTestProvider(t, srv.URL)

	_, err := p.Create(context.Background(), sandbox.CreateOptions{Template: "broken"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FAILED")
	assert.Equal(t, []string{"sbx-broken"}, fcp.deleted)
}

func TestProbeAndDestroy(t *testing.T) {
	fcp := &fakeControlPlane{startWith: "RUNNING"}
	srv := newFakeControlPlane(t, fcp)
	p := newTestProvider(t, srv.URL)
	ctx := context.Background()

	sb, err := p.Create(ctx, sandbox.CreateOptions{Template: "browser"})
	require.NoError(t, err)

	status, err := p.Probe(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", status)

	require.NoError(t, p.Destroy(ctx, sb.ID))

	_, err = p.Probe(ctx, sb.ID)
	assert.ErrorIs(t, err, sandbox.ErrNotFound)

	err = p.Destroy(ctx, sb.ID)
	assert.ErrorIs(t, err, sandbox.ErrNotFound)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, isTerminal("failed"))
	assert.True(t, isTerminal("DELETED"))
	assert.False(t, isTerminal("PENDING"))
	assert.False(t, isTerminal("RUNNING"))
}
