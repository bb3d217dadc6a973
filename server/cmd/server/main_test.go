package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/obot-platform/sandboxrelay/server/internal/logger"
	"github.com/obot-platform/sandboxrelay/server/internal/sandbox"
	"github.com/obot-platform/sandboxrelay/server/internal/sandbox/mock"
)

func newTestRegistry(t *testing.T) (*sandbox.Registry, *mock.Provider, string) {
	t.Helper()
	provider := mock.NewProvider()
	registry := sandbox.NewRegistry(provider, sandbox.RegistryOptions{})
	h, _, err := registry.GetOrCreate(context.Background(), sandbox.Key{User: "chat", Session: "s1", Thread: "main"}, "browser-sandbox", 0, false)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return registry, provider, h.ID
}

func TestWaitAndShutdownOnSignal(t *testing.T) {
	registry, provider, id := newTestRegistry(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: http.NotFoundHandler()}
	hooked := make(chan struct{})
	srv.RegisterOnShutdown(func() { close(hooked) })

	quit := make(chan os.Signal, 2)
	var order []string
	done := make(chan error, 1)
	go func() {
		done <- waitAndShutdown(logger.Nop(), srv, func() error { return srv.Serve(ln) }, quit,
			func(context.Context) { order = append(order, "monitor") },
			func(ctx context.Context) {
				order = append(order, "registry")
				registry.Shutdown(ctx)
			},
		)
	}()

	quit <- syscall.SIGTERM
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waitAndShutdown() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waitAndShutdown did not return after SIGTERM")
	}
	close(quit)

	select {
	case <-hooked:
	case <-time.After(time.Second):
		t.Error("shutdown hooks did not run")
	}
	if len(order) != 2 || order[0] != "monitor" || order[1] != "registry" {
		t.Errorf("teardown order = %v", order)
	}
	if !provider.WasDestroyed(id) || registry.Count() != 0 {
		t.Error("sandbox not torn down on signal")
	}
}

func TestWaitAndShutdownOnServeFailure(t *testing.T) {
	registry, provider, id := newTestRegistry(t)
	srv := &http.Server{}
	quit := make(chan os.Signal, 1)
	defer close(quit)

	listenErr := errors.New("listen tcp :8000: bind: address already in use")
	err := waitAndShutdown(logger.Nop(), srv, func() error { return listenErr }, quit, registry.Shutdown)
	if !errors.Is(err, listenErr) {
		t.Errorf("waitAndShutdown() = %v, want wrapped listen error", err)
	}
	if !provider.WasDestroyed(id) {
		t.Error("sandbox not torn down after serve failure")
	}
}
