package sandbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/obot-platform/sandboxrelay/server/internal/logger"
	"github.com/obot-platform/sandboxrelay/server/internal/metrics"
)

// teardownTimeout bounds a single best-effort provider destroy call.
const teardownTimeout = 30 * time.Second

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Adapter AdapterOptions
	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// Registry keeps at most one live sandbox per Key. The forward (key -> handle)
// and reverse (id -> key) indices are only mutated together under mu.
// Provider calls never run while mu is held; calls for the same key are
// serialized through a per-key lock instead.
type Registry struct {
	provider Provider
	adapter  AdapterOptions
	logger   *logger.Logger
	metrics  *metrics.Metrics

	mu    sync.RWMutex
	byKey map[Key]*Handle
	byID  map[string]Key

	keyMu    sync.Mutex
	keyLocks map[Key]*keyLock

	shutdownOnce sync.Once
}

// NewRegistry creates a registry backed by provider.
func NewRegistry(provider Provider, opts RegistryOptions) *Registry {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		provider: provider,
		adapter:  opts.Adapter,
		logger:   log.Named("registry"),
		metrics:  opts.Metrics,
		byKey:    make(map[Key]*Handle),
		byID:     make(map[string]Key),
		keyLocks: make(map[Key]*keyLock),
	}
}

// GetOrCreate returns the live sandbox for key, provisioning one if there is
// none, the existing one is no longer alive, or forceRecreate is set. The
// returned bool reports whether a new sandbox was provisioned.
//
// On provisioning failure the registry is left unchanged and a
// *ProvisionError is returned. A replaced sandbox is destroyed best-effort.
func (r *Registry) GetOrCreate(ctx context.Context, key Key, template string, idleTimeoutSeconds int, forceRecreate bool) (*Handle, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}

	unlock := r.lockKey(key)
	defer unlock()

	r.mu.RLock()
	existing := r.byKey[key].clone()
	r.mu.RUnlock()

	if existing != nil && !forceRecreate {
		if r.alive(ctx, existing.ID) {
			r.setStatus(key, existing.ID, StatusRunning)
			existing.Status = StatusRunning
			r.metrics.Reused()
			r.logger.Debug("reusing sandbox", "key", key.String(), "sandbox_id", existing.ID)
			return existing, false, nil
		}
		r.logger.Info("sandbox no longer alive, recreating", "key", key.String(), "sandbox_id", existing.ID)
		r.setStatus(key, existing.ID, StatusStale)
		r.metrics.Stale()
	}

	handle, err := r.provision(ctx, key, template, idleTimeoutSeconds)
	if err != nil {
		r.metrics.ProvisionResult(err)
		r.logger.Error("failed to provision sandbox", "key", key.String(), "template", template, "error", err)
		return nil, false, err
	}
	r.metrics.ProvisionResult(nil)

	r.mu.Lock()
	old := r.byKey[key]
	if old != nil {
		delete(r.byID, old.ID)
		old.Status = StatusDestroyed
	}
	r.byKey[key] = handle
	r.byID[handle.ID] = key
	active := len(r.byKey)
	result := handle.clone()
	r.mu.Unlock()

	r.metrics.SetActiveSandboxes(active)
	r.logger.Info("sandbox provisioned", "key", key.String(), "sandbox_id", handle.ID, "force", forceRecreate)

	if old != nil && old.ID != handle.ID {
		_ = r.teardown(ctx, old.ID)
	}

	return result, true, nil
}

func (r *Registry) provision(ctx context.Context, key Key, template string, idleTimeoutSeconds int) (*Handle, error) {
	raw, err := r.provider.Create(ctx, CreateOptions{
		Template:           template,
		IdleTimeoutSeconds: idleTimeoutSeconds,
		Labels: map[string]string{
			"user":    key.User,
			"session": key.Session,
			"thread":  key.Thread,
		},
	})
	if err != nil {
		return nil, &ProvisionError{Template: template, Err: err}
	}

	handle, err := Normalize(raw, template, r.adapter)
	if err != nil {
		// The backend created something we cannot use; don't leak it.
		if raw != nil && raw.ID != "" {
			_ = r.teardown(ctx, raw.ID)
		}
		return nil, &ProvisionError{Template: template, Err: err}
	}
	return handle, nil
}

// LookupByKey returns the handle bound to key, if any.
func (r *Registry) LookupByKey(key Key) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.byKey[key]
	if !ok {
		return nil, false
	}
	return h.clone(), true
}

// LookupByID returns the handle with the given sandbox id, if any.
func (r *Registry) LookupByID(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return r.byKey[key].clone(), true
}

// KeyFor returns the key a sandbox id is bound to.
func (r *Registry) KeyFor(id string) (Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.byID[id]
	return key, ok
}

// Destroy removes the sandbox with the given id and tears it down at the
// provider. Returns false if the id is unknown. Teardown failures are logged;
// the entry is removed either way.
func (r *Registry) Destroy(ctx context.Context, id string) bool {
	ok, _ := r.destroy(ctx, id)
	return ok
}

func (r *Registry) destroy(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	key, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.byID, id)
	if h := r.byKey[key]; h != nil && h.ID == id {
		h.Status = StatusDestroyed
		delete(r.byKey, key)
	}
	active := len(r.byKey)
	r.mu.Unlock()

	r.metrics.SetActiveSandboxes(active)
	r.logger.Info("sandbox removed", "key", key.String(), "sandbox_id", id)

	return true, r.teardown(ctx, id)
}

// DestroyAll destroys every sandbox in the registry. It iterates over a
// snapshot of ids, so failures on one sandbox never stop the sweep.
// Returns the number of sandboxes removed.
func (r *Registry) DestroyAll(ctx context.Context) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var errs []error
	removed := 0
	for _, id := range ids {
		ok, err := r.destroy(ctx, id)
		if ok {
			removed++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		r.logger.Warn("some sandboxes failed to tear down", "failed", len(errs), "error", err)
	}
	return removed
}

// Shutdown destroys all sandboxes once. Later calls are no-ops.
func (r *Registry) Shutdown(ctx context.Context) {
	r.shutdownOnce.Do(func() {
		r.logger.Info("tearing down all sandboxes")
		n := r.DestroyAll(ctx)
		r.logger.Info("sandbox teardown complete", "destroyed", n)
	})
}

// ListActive returns every handle in the registry, oldest first.
func (r *Registry) ListActive() []*Handle {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.byKey))
	for _, h := range r.byKey {
		handles = append(handles, h.clone())
	}
	r.mu.RUnlock()

	sort.Slice(handles, func(i, j int) bool {
		if handles[i].CreatedAt.Equal(handles[j].CreatedAt) {
			return handles[i].ID < handles[j].ID
		}
		return handles[i].CreatedAt.Before(handles[j].CreatedAt)
	})
	return handles
}

// Count returns the number of sandboxes held.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Probe checks every held sandbox with the provider and marks the ones that
// are no longer alive as STALE. Stale sandboxes stay bound to their key until
// the next GetOrCreate replaces them. Returns the number marked stale.
func (r *Registry) Probe(ctx context.Context) int {
	type entry struct {
		key Key
		id  string
	}

	r.mu.RLock()
	entries := make([]entry, 0, len(r.byKey))
	for key, h := range r.byKey {
		if h.Status == StatusRunning || h.Status == StatusPending {
			entries = append(entries, entry{key: key, id: h.ID})
		}
	}
	r.mu.RUnlock()

	stale := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if r.alive(ctx, e.id) {
			r.setStatus(e.key, e.id, StatusRunning)
			continue
		}
		if r.setStatus(e.key, e.id, StatusStale) {
			stale++
			r.metrics.Stale()
			r.logger.Info("sandbox marked stale", "key", e.key.String(), "sandbox_id", e.id)
		}
	}
	return stale
}

func (r *Registry) alive(ctx context.Context, id string) bool {
	status, err := r.provider.Probe(ctx, id)
	if err != nil {
		r.logger.Debug("liveness probe failed", "sandbox_id", id, "error", err)
		return false
	}
	return IsAlive(status)
}

// setStatus updates the status of the handle bound to key if it still has
// the given id. Returns true if the status changed.
func (r *Registry) setStatus(key Key, id string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.byKey[key]
	if h == nil || h.ID != id || h.Status == status {
		return false
	}
	h.Status = status
	return true
}

// teardown destroys a sandbox at the provider. The call is detached from the
// caller's cancellation so cleanup completes even if the request went away.
func (r *Registry) teardown(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	err := r.provider.Destroy(ctx, id)
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	r.metrics.DestroyResult(err)
	if err != nil {
		terr := &TeardownError{ID: id, Err: err}
		r.logger.Warn("sandbox teardown failed", "sandbox_id", id, "error", terr)
		return terr
	}
	return nil
}

// keyLock serializes provider calls for one key. refs counts holders and
// waiters; the entry is dropped when it reaches zero.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (r *Registry) lockKey(key Key) func() {
	r.keyMu.Lock()
	l, ok := r.keyLocks[key]
	if !ok {
		l = &keyLock{}
		r.keyLocks[key] = l
	}
	l.refs++
	r.keyMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		r.keyMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.keyLocks, key)
		}
		r.keyMu.Unlock()
	}
}
