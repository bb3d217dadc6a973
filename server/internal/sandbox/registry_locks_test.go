package sandbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type stubProvider struct {
	mu sync.Mutex
	n  int
}

func (p *stubProvider) Create(ctx context.Context, opts CreateOptions) (*Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	id := fmt.Sprintf("sbx-%d", p.n)
	return &Sandbox{ID: id, Status: "RUNNING", AutomationURL: "ws://host/" + id, DataURL: "http://host/" + id}, nil
}

func (p *stubProvider) Probe(ctx context.Context, id string) (string, error) { return "RUNNING", nil }

func (p *stubProvider) Destroy(ctx context.Context, id string) error { return nil }

func (r *Registry) keyLockCount() int {
	r.keyMu.Lock()
	defer r.keyMu.Unlock()
	return len(r.keyLocks)
}

func TestKeyLocksReleased(t *testing.T) {
	r := NewRegistry(&stubProvider{}, RegistryOptions{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := Key{User: "u", Session: fmt.Sprintf("s%d", i%5), Thread: "t"}
			if _, _, err := r.GetOrCreate(ctx, key, "tpl", 0, false); err != nil {
				t.Errorf("GetOrCreate(%s): %v", key, err)
			}
		}(i)
	}
	wg.Wait()

	if n := r.keyLockCount(); n != 0 {
		t.Errorf("key locks held after all calls returned = %d, want 0", n)
	}
	if n := r.Count(); n != 5 {
		t.Errorf("Count() = %d, want 5", n)
	}
}

func TestKeyLockSerializesWaiters(t *testing.T) {
	r := NewRegistry(&stubProvider{}, RegistryOptions{})
	key := Key{User: "u", Session: "s", Thread: "t"}

	unlock := r.lockKey(key)
	acquired := make(chan struct{})
	go func() {
		release := r.lockKey(key)
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired the lock while the first still held it")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	deadline := time.Now().Add(time.Second)
	for r.keyLockCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("key lock entry not removed")
		}
		time.Sleep(time.Millisecond)
	}
}
