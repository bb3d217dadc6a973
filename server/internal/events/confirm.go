package events

import (
	"context"
	"sync"
)

type confirmation struct {
	confirmed bool
	ch        chan struct{}
}

// Confirmations tracks automation steps that wait for a viewer to click
// "continue". An entry exists from Begin until it is removed.
type Confirmations struct {
	mu      sync.Mutex
	entries map[string]*confirmation
}

// NewConfirmations creates an empty tracker.
func NewConfirmations() *Confirmations {
	return &Confirmations{entries: make(map[string]*confirmation)}
}

// Begin opens a wait for subject. A wait that was already confirmed is
// replaced by a fresh one; an open wait is left as is.
func (c *Confirmations) Begin(subject string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beginLocked(subject)
}

func (c *Confirmations) beginLocked(subject string) *confirmation {
	if e, ok := c.entries[subject]; ok && !e.confirmed {
		return e
	}
	e := &confirmation{ch: make(chan struct{})}
	c.entries[subject] = e
	return e
}

// Wait blocks until the latest wait for subject is confirmed or ctx ends.
// It opens a wait if there is none and returns at once if the latest one is
// already confirmed.
func (c *Confirmations) Wait(ctx context.Context, subject string) error {
	c.mu.Lock()
	e, ok := c.entries[subject]
	if !ok {
		e = c.beginLocked(subject)
	}
	c.mu.Unlock()

	select {
	case <-e.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Confirm releases the open wait for subject. It reports false when nothing
// is waiting.
func (c *Confirmations) Confirm(subject string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[subject]
	if !ok {
		return false
	}
	if !e.confirmed {
		e.confirmed = true
		close(e.ch)
	}
	return true
}

// Status reports whether a wait exists for subject and whether it has been
// confirmed.
func (c *Confirmations) Status(subject string) (waiting, confirmed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[subject]
	if !ok {
		return false, false
	}
	return true, e.confirmed
}

// Remove drops the entry for subject, releasing any waiter.
func (c *Confirmations) Remove(subject string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[subject]; ok {
		if !e.confirmed {
			close(e.ch)
		}
		delete(c.entries, subject)
	}
}
