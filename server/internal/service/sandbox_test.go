package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/obot-platform/sandboxrelay/server/internal/events"
	"github.com/obot-platform/sandboxrelay/server/internal/sandbox"
)

func TestSandboxDirectory(t *testing.T) {
	env := newTestEnv(t)
	svc := env.sandboxes
	base := time.Unix(1700000000, 0)
	svc.now = func() time.Time { return base }

	unknown := svc.Get("sbx-unknown")
	if unknown.SandboxID != "sbx-unknown" || unknown.CDPURL != nil || unknown.VNCURL != nil || unknown.LastAccessAt != nil {
		t.Errorf("unknown sandbox info = %+v, want only sandbox_id", unknown)
	}
	if svc.Count() != 0 {
		t.Errorf("Get on an unknown id created a record")
	}

	info := svc.SetCDP("sbx-1", "ws://cdp")
	if info.CDPURL == nil || *info.CDPURL != "ws://cdp" || info.VNCURL != nil {
		t.Errorf("SetCDP() = %+v", info)
	}
	info = svc.SetVNC("sbx-1", "ws://vnc")
	if info.VNCURL == nil || *info.VNCURL != "ws://vnc" || *info.CDPURL != "ws://cdp" {
		t.Errorf("SetVNC() = %+v", info)
	}

	svc.now = func() time.Time { return base.Add(time.Minute) }
	svc.SetCDP("sbx-2", "ws://other")
	svc.now = func() time.Time { return base.Add(2 * time.Minute) }
	got := svc.Get("sbx-2")
	if got.LastAccessAt == nil || *got.LastAccessAt != 1700000120 {
		t.Errorf("Get did not refresh last access: %+v", got)
	}

	list := svc.List()
	if len(list) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(list))
	}
	if list[0].SandboxID != "sbx-2" {
		t.Errorf("List()[0] = %s, want most recently accessed sbx-2", list[0].SandboxID)
	}
}

func TestSandboxDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	h, err := env.chat.EnsureSandbox(ctx, "s1", false)
	if err != nil {
		t.Fatalf("EnsureSandbox: %v", err)
	}
	sub := env.sandboxes.Subscribe(h.ID)
	env.sandboxes.AppendLog(h.ID, events.LevelWait, "waiting for login", nil)

	env.sandboxes.Delete(ctx, h.ID)

	if _, ok := env.registry.LookupByID(h.ID); ok {
		t.Error("registry still holds the sandbox")
	}
	if !env.provider.WasDestroyed(h.ID) {
		t.Error("provider sandbox not destroyed")
	}
	if env.sandboxes.Count() != 0 {
		t.Errorf("directory count = %d, want 0", env.sandboxes.Count())
	}
	if waiting, _ := env.sandboxes.AwaitConfirmation(ctx, h.ID, 0); waiting {
		t.Error("confirmation gate survived delete")
	}
	session, _ := env.store.GetSession(ctx, "s1")
	if session.HasSandbox() {
		t.Errorf("session still bound to %q", session.SandboxID)
	}

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Error("log subscriber not closed by delete")
	}

	// Deleting again is harmless.
	env.sandboxes.Delete(ctx, h.ID)
}

func TestConfirmationGate(t *testing.T) {
	env := newTestEnv(t)
	svc := env.sandboxes
	ctx := context.Background()

	if svc.Confirm("sbx-1") {
		t.Error("Confirm with nothing waiting should report false")
	}

	svc.AppendLog("sbx-1", events.LevelWait, "please log in", nil)
	waiting, confirmed := svc.AwaitConfirmation(ctx, "sbx-1", 0)
	if !waiting || confirmed {
		t.Errorf("WaitStatus() = %v, %v; want true, false", waiting, confirmed)
	}

	if !svc.Confirm("sbx-1") {
		t.Error("Confirm should report true while waiting")
	}
	_, confirmed = svc.AwaitConfirmation(ctx, "sbx-1", time.Second)
	if !confirmed {
		t.Error("WaitStatus did not report confirmed")
	}
	if n := svc.LogCount("sbx-1"); n != 2 {
		t.Errorf("LogCount() = %d, want 2", n)
	}
}

func TestAwaitConfirmation(t *testing.T) {
	env := newTestEnv(t)
	svc := env.sandboxes
	ctx := context.Background()

	// Nothing waiting: returns immediately even with a timeout.
	start := time.Now()
	if waiting, _ := svc.AwaitConfirmation(ctx, "sbx-1", time.Minute); waiting {
		t.Error("AwaitConfirmation reported a wait that was never opened")
	}
	if time.Since(start) > time.Second {
		t.Error("AwaitConfirmation blocked with nothing waiting")
	}

	svc.AppendLog("sbx-1", events.LevelWait, "solve the captcha", nil)
	waiting, confirmed := svc.AwaitConfirmation(ctx, "sbx-1", 20*time.Millisecond)
	if !waiting || confirmed {
		t.Errorf("after timeout = %v, %v; want true, false", waiting, confirmed)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		svc.Confirm("sbx-1")
	}()
	waiting, confirmed = svc.AwaitConfirmation(ctx, "sbx-1", 5*time.Second)
	if !waiting || !confirmed {
		t.Errorf("after confirm = %v, %v; want true, true", waiting, confirmed)
	}
}

func TestSandboxInfoLiveness(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	h, err := env.chat.EnsureSandbox(ctx, "s1", false)
	if err != nil {
		t.Fatalf("EnsureSandbox: %v", err)
	}
	env.sandboxes.SetCDP("external", "ws://elsewhere")

	info := env.sandboxes.Get(h.ID)
	if info.Status != string(sandbox.StatusRunning) || info.Key != mustSessionKey(t, "s1").String() {
		t.Errorf("Get() = %+v, want RUNNING with session key", info)
	}
	if ext := env.sandboxes.Get("external"); ext.Status != "" || ext.Key != "" {
		t.Errorf("external sandbox carries liveness: %+v", ext)
	}
	if n := env.sandboxes.ActiveCount(); n != 1 {
		t.Errorf("ActiveCount() = %d, want 1", n)
	}

	env.provider.Forget(h.ID)
	env.registry.Probe(ctx)

	if got := env.sandboxes.Get(h.ID).Status; got != string(sandbox.StatusStale) {
		t.Errorf("Get().Status after probe = %q, want STALE", got)
	}
	for _, info := range env.sandboxes.List() {
		if info.SandboxID == h.ID && info.Status != string(sandbox.StatusStale) {
			t.Errorf("List() status = %q, want STALE", info.Status)
		}
	}
	if n := env.sandboxes.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount() after probe = %d, want 0", n)
	}
}

func TestReadFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.executors.files["/home/user/data/result.json"] = `{"ok":true}`

	if _, err := env.sandboxes.ReadFile(ctx, "sbx-unknown", "data/result.json"); !errors.Is(err, ErrSandboxNotFound) {
		t.Errorf("ReadFile(unknown) = %v, want ErrSandboxNotFound", err)
	}

	h, err := env.chat.EnsureSandbox(ctx, "s1", false)
	if err != nil {
		t.Fatalf("EnsureSandbox: %v", err)
	}
	content, err := env.sandboxes.ReadFile(ctx, h.ID, "data/result.json")
	if err != nil || content != `{"ok":true}` {
		t.Errorf("ReadFile() = %q, %v", content, err)
	}
	if last := env.executors.baseURLs[len(env.executors.baseURLs)-1]; last != h.DataURL {
		t.Errorf("ReadFile used %q, want %q", last, h.DataURL)
	}
}
