package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/obot-platform/sandboxrelay/server/internal/events"
	"github.com/obot-platform/sandboxrelay/server/internal/executor"
	"github.com/obot-platform/sandboxrelay/server/internal/logger"
	"github.com/obot-platform/sandboxrelay/server/internal/model"
	"github.com/obot-platform/sandboxrelay/server/internal/sandbox"
	"github.com/obot-platform/sandboxrelay/server/internal/store"
)

// SandboxInfo is the public view of a sandbox's endpoints. Nil fields are
// rendered as null for sandboxes the server has no record of. Status and Key
// are set only for sandboxes the registry provisioned; endpoints registered
// from outside have neither.
type SandboxInfo struct {
	SandboxID    string   `json:"sandbox_id"`
	CDPURL       *string  `json:"cdp_url"`
	VNCURL       *string  `json:"vnc_url"`
	LastAccessAt *float64 `json:"last_access_at"`
	Status       string   `json:"status,omitempty"`
	Key          string   `json:"key,omitempty"`
}

type endpoints struct {
	cdpURL     string
	vncURL     string
	baseURL    string
	lastAccess time.Time
}

func (e *endpoints) info(id string) SandboxInfo {
	info := SandboxInfo{SandboxID: id}
	if e.cdpURL != "" {
		info.CDPURL = &e.cdpURL
	}
	if e.vncURL != "" {
		info.VNCURL = &e.vncURL
	}
	ts := model.EpochSeconds(e.lastAccess)
	info.LastAccessAt = &ts
	return info
}

// SandboxService owns the endpoint directory: sandboxes provisioned by the
// registry plus endpoints registered from outside (for example by an
// automation script driving its own browser). It also fronts the per-sandbox
// log stream and confirmation gate.
type SandboxService struct {
	registry      *sandbox.Registry
	logs          *events.Broadcaster
	confirmations *events.Confirmations
	store         *store.Store
	executors     executor.Factory
	logger        *logger.Logger
	now           func() time.Time

	mu        sync.Mutex
	directory map[string]*endpoints
}

// NewSandboxService creates a new sandbox service.
func NewSandboxService(
	registry *sandbox.Registry,
	logs *events.Broadcaster,
	confirmations *events.Confirmations,
	s *store.Store,
	executors executor.Factory,
	log *logger.Logger,
) *SandboxService {
	if log == nil {
		log = logger.Nop()
	}
	return &SandboxService{
		registry:      registry,
		logs:          logs,
		confirmations: confirmations,
		store:         s,
		executors:     executors,
		logger:        log.Named("sandbox-service"),
		now:           time.Now,
		directory:     make(map[string]*endpoints),
	}
}

// Register records the endpoints of a provisioned sandbox.
func (s *SandboxService) Register(h *sandbox.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.directory[h.ID] = &endpoints{
		cdpURL:     h.AutomationURL,
		vncURL:     h.LiveViewURL,
		baseURL:    h.DataURL,
		lastAccess: s.now(),
	}
}

func (s *SandboxService) entryLocked(id string) *endpoints {
	e, ok := s.directory[id]
	if !ok {
		e = &endpoints{}
		s.directory[id] = e
	}
	e.lastAccess = s.now()
	return e
}

// SetCDP registers an automation endpoint, creating the record if needed.
func (s *SandboxService) SetCDP(id, url string) SandboxInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(id)
	e.cdpURL = url
	return e.info(id)
}

// SetVNC registers a live-view endpoint, creating the record if needed.
func (s *SandboxService) SetVNC(id, url string) SandboxInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(id)
	e.vncURL = url
	return e.info(id)
}

// withLiveness fills in the registry's view of a sandbox.
func (s *SandboxService) withLiveness(info SandboxInfo, status sandbox.Status) SandboxInfo {
	if status == "" {
		return info
	}
	info.Status = string(status)
	if key, ok := s.registry.KeyFor(info.SandboxID); ok {
		info.Key = key.String()
	}
	return info
}

// Get returns the endpoints and liveness of a sandbox and refreshes its
// access time. Unknown ids yield an info with only SandboxID set.
func (s *SandboxService) Get(id string) SandboxInfo {
	var status sandbox.Status
	if h, ok := s.registry.LookupByID(id); ok {
		status = h.Status
	}

	s.mu.Lock()
	e, ok := s.directory[id]
	if !ok {
		s.mu.Unlock()
		return SandboxInfo{SandboxID: id}
	}
	e.lastAccess = s.now()
	info := e.info(id)
	s.mu.Unlock()

	return s.withLiveness(info, status)
}

// List returns every known sandbox, most recently accessed first.
func (s *SandboxService) List() []SandboxInfo {
	statuses := make(map[string]sandbox.Status)
	for _, h := range s.registry.ListActive() {
		statuses[h.ID] = h.Status
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.directory))
	for id := range s.directory {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.directory[ids[i]].lastAccess, s.directory[ids[j]].lastAccess
		if a.Equal(b) {
			return ids[i] < ids[j]
		}
		return a.After(b)
	})
	infos := make([]SandboxInfo, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, s.directory[id].info(id))
	}
	s.mu.Unlock()

	for i := range infos {
		infos[i] = s.withLiveness(infos[i], statuses[infos[i].SandboxID])
	}
	return infos
}

// Count returns the number of sandboxes in the directory.
func (s *SandboxService) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.directory)
}

// ActiveCount returns the number of provisioned sandboxes whose last probe
// found them running.
func (s *SandboxService) ActiveCount() int {
	n := 0
	for _, h := range s.registry.ListActive() {
		if h.Status == sandbox.StatusRunning {
			n++
		}
	}
	return n
}

// Delete tears the sandbox down and removes everything held for it: the
// registry entry, its directory record, its log history and viewers, any
// pending confirmation and its binding to chat sessions. Deleting an unknown
// id is not an error.
func (s *SandboxService) Delete(ctx context.Context, id string) {
	destroyed := s.registry.Destroy(ctx, id)

	s.mu.Lock()
	delete(s.directory, id)
	s.mu.Unlock()

	s.logs.Purge(id)
	s.confirmations.Remove(id)

	unbound, err := s.store.UnbindSandbox(ctx, id)
	if err != nil {
		s.logger.Warn("failed to unbind sandbox from sessions", "sandbox_id", id, "error", err)
	}

	s.logger.Info("sandbox deleted", "sandbox_id", id, "destroyed", destroyed, "sessions", unbound)
}

// BaseURL returns the data-plane URL of a sandbox.
func (s *SandboxService) BaseURL(id string) (string, bool) {
	if h, ok := s.registry.LookupByID(id); ok && h.DataURL != "" {
		return h.DataURL, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.directory[id]; ok && e.baseURL != "" {
		return e.baseURL, true
	}
	return "", false
}

// ReadFile reads a file from a sandbox's filesystem.
func (s *SandboxService) ReadFile(ctx context.Context, id, path string) (string, error) {
	baseURL, ok := s.BaseURL(id)
	if !ok {
		return "", ErrSandboxNotFound
	}
	return s.executors.ForSandbox(baseURL).ReadFile(ctx, path)
}

// --- Logs ---

// AppendLog records a log event for a sandbox and pushes it to its viewers.
// A WAIT event opens a confirmation gate for the sandbox.
func (s *SandboxService) AppendLog(id string, level events.Level, message string, extra map[string]any) events.LogEvent {
	if level == events.LevelWait {
		s.confirmations.Begin(id)
	}
	return s.logs.Append(id, level, message, extra)
}

// Logs returns up to limit of the most recent log events of a sandbox.
func (s *SandboxService) Logs(id string, limit int) []events.LogEvent {
	return s.logs.History(id, limit)
}

// LogCount returns the number of buffered log events of a sandbox.
func (s *SandboxService) LogCount(id string) int {
	return s.logs.Count(id)
}

// ActiveLogs returns the number of sandboxes with connected log viewers.
func (s *SandboxService) ActiveLogs() int {
	return s.logs.ActiveSubjects()
}

// Subscribe opens a live log stream for a sandbox, starting with its
// buffered history.
func (s *SandboxService) Subscribe(id string) *events.Subscriber {
	return s.logs.Subscribe(id)
}

// Unsubscribe closes a live log stream.
func (s *SandboxService) Unsubscribe(sub *events.Subscriber) {
	s.logs.Unsubscribe(sub)
}

// --- Confirmation gate ---

// Confirm releases a waiting automation. It returns false when nothing was
// waiting.
func (s *SandboxService) Confirm(id string) bool {
	ok := s.confirmations.Confirm(id)
	if ok {
		s.logs.Append(id, events.LevelInfo, "User confirmed, continuing", nil)
	}
	return ok
}

// AwaitConfirmation reports whether an automation is waiting on the sandbox
// and whether it has been confirmed. While an open wait is unconfirmed it
// blocks up to timeout for the confirmation first.
func (s *SandboxService) AwaitConfirmation(ctx context.Context, id string, timeout time.Duration) (waiting, confirmed bool) {
	waiting, confirmed = s.confirmations.Status(id)
	if !waiting || confirmed || timeout <= 0 {
		return waiting, confirmed
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_ = s.confirmations.Wait(ctx, id)
	return s.confirmations.Status(id)
}
