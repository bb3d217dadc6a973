package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/obot-platform/sandboxrelay/server/internal/logger"
	"github.com/obot-platform/sandboxrelay/server/internal/sandbox"
)

// LivenessMonitor periodically probes every sandbox in the registry so that
// sandboxes reclaimed by the provider (for example after their idle timeout)
// are marked STALE. Stale sandboxes are replaced on next use.
type LivenessMonitor struct {
	registry      *sandbox.Registry
	logger        *logger.Logger
	checkInterval time.Duration

	mu           sync.Mutex
	running      bool
	stopChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewLivenessMonitor creates a new liveness monitor.
func NewLivenessMonitor(registry *sandbox.Registry, log *logger.Logger, checkInterval time.Duration) *LivenessMonitor {
	if log == nil {
		log = logger.Nop()
	}
	return &LivenessMonitor{
		registry:      registry,
		logger:        log.Named("liveness-monitor"),
		checkInterval: checkInterval,
		stopChan:      make(chan struct{}),
	}
}

// Start begins the probe loop. Calling Start again is a no-op.
func (m *LivenessMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running || m.checkInterval <= 0 {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.monitorLoop(ctx)

	m.logger.Info("liveness monitor started", "check_interval", m.checkInterval)
}

// Shutdown stops the probe loop and waits for it to exit.
func (m *LivenessMonitor) Shutdown(ctx context.Context) error {
	var err error
	m.shutdownOnce.Do(func() {
		close(m.stopChan)

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			m.logger.Info("liveness monitor stopped")
		case <-ctx.Done():
			err = fmt.Errorf("shutdown timeout exceeded")
			m.logger.Error("liveness monitor shutdown timeout")
		}
	})
	return err
}

func (m *LivenessMonitor) monitorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce probes all sandboxes and returns how many were marked stale.
func (m *LivenessMonitor) CheckOnce(ctx context.Context) int {
	if m.registry.Count() == 0 {
		return 0
	}
	stale := m.registry.Probe(ctx)
	if stale > 0 {
		m.logger.Info("sandboxes marked stale", "count", stale)
	}
	return stale
}
