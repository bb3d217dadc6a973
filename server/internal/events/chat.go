package events

import (
	"sync"
	"sync/atomic"

	"github.com/obot-platform/sandboxrelay/server/internal/logger"
)

// Chat event types.
const (
	ChatMessage           = "message"
	ChatExecutionStart    = "execution_start"
	ChatExecutionComplete = "execution_complete"
	ChatSessionRebuilt    = "session_rebuilt"
)

// ChatEvent is pushed to chat viewers of a session.
type ChatEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ChatSubscriber receives the chat events of one session.
type ChatSubscriber struct {
	ID        uint64
	SessionID string
	Events    chan ChatEvent
	closeOnce sync.Once
}

// Close closes the subscriber's channel. Safe to call more than once.
func (s *ChatSubscriber) Close() {
	s.closeOnce.Do(func() { close(s.Events) })
}

// ChatHub fans chat events out to the websocket viewers of each session.
// It keeps no history; the chat store is the source for replay.
type ChatHub struct {
	logger *logger.Logger

	mu     sync.RWMutex
	subs   map[string]map[uint64]*ChatSubscriber
	nextID atomic.Uint64
}

// NewChatHub creates an empty hub.
func NewChatHub(log *logger.Logger) *ChatHub {
	if log == nil {
		log = logger.Nop()
	}
	return &ChatHub{
		logger: log.Named("chat-hub"),
		subs:   make(map[string]map[uint64]*ChatSubscriber),
	}
}

// Subscribe registers a viewer for sessionID.
func (h *ChatHub) Subscribe(sessionID string) *ChatSubscriber {
	sub := &ChatSubscriber{
		ID:        h.nextID.Add(1),
		SessionID: sessionID,
		Events:    make(chan ChatEvent, liveBuffer),
	}
	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[uint64]*ChatSubscriber)
	}
	h.subs[sessionID][sub.ID] = sub
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes sub. Idempotent.
func (h *ChatHub) Unsubscribe(sub *ChatSubscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if set := h.subs[sub.SessionID]; set != nil {
		delete(set, sub.ID)
		if len(set) == 0 {
			delete(h.subs, sub.SessionID)
		}
	}
	h.mu.Unlock()
	sub.Close()
}

// Publish delivers ev to every viewer of sessionID. Viewers whose buffer is
// full are dropped.
func (h *ChatHub) Publish(sessionID string, ev ChatEvent) {
	h.mu.Lock()
	var dropped []*ChatSubscriber
	for id, sub := range h.subs[sessionID] {
		select {
		case sub.Events <- ev:
		default:
			delete(h.subs[sessionID], id)
			dropped = append(dropped, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range dropped {
		sub.Close()
		h.logger.Warn("dropped slow chat subscriber", "session", sessionID, "subscriber", sub.ID)
	}
}

// Count returns the number of live chat viewers across all sessions.
func (h *ChatHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// Close closes every viewer.
func (h *ChatHub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]map[uint64]*ChatSubscriber)
	h.mu.Unlock()
	for _, set := range subs {
		for _, sub := range set {
			sub.Close()
		}
	}
}
