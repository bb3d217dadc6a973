package events

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obot-platform/sandboxrelay/server/internal/logger"
	"github.com/obot-platform/sandboxrelay/server/internal/metrics"
)

// DefaultCapacity is the per-subject history size.
const DefaultCapacity = 1000

// liveBuffer is the headroom a subscriber channel has on top of a full
// history replay before a slow reader is dropped.
const liveBuffer = 256

// Subscriber receives the log events of one subject.
type Subscriber struct {
	ID      uint64
	Subject string
	Events  chan LogEvent
	done    chan struct{}
	closed  bool
	mu      sync.Mutex
}

// Close closes the subscriber's event channel. Safe to call more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
		close(s.Events)
	}
}

// Done returns a channel that's closed when the subscriber is closed.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// send delivers ev without blocking. It reports false if the channel is full
// or already closed.
func (s *Subscriber) send(ev LogEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.Events <- ev:
		return true
	default:
		return false
	}
}

// topic is the state of one subject. All reads and writes of the ring and the
// subscriber set happen under mu, which is what keeps delivery order equal to
// append order.
type topic struct {
	mu     sync.Mutex
	ring   []LogEvent
	head   int // index of the oldest entry
	size   int
	subs   map[uint64]*Subscriber
	purged bool
}

func (t *topic) push(ev LogEvent) {
	capacity := len(t.ring)
	if t.size < capacity {
		t.ring[(t.head+t.size)%capacity] = ev
		t.size++
		return
	}
	t.ring[t.head] = ev
	t.head = (t.head + 1) % capacity
}

// snapshot returns the last limit entries in order (all when limit <= 0).
func (t *topic) snapshot(limit int) []LogEvent {
	n := t.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]LogEvent, n)
	capacity := len(t.ring)
	start := t.head + t.size - n
	for i := 0; i < n; i++ {
		out[i] = t.ring[(start+i)%capacity]
	}
	return out
}

// Broadcaster keeps a bounded history per subject and fans new events out to
// that subject's subscribers. Subjects are independent: there is no lock
// shared across subjects on the append path.
type Broadcaster struct {
	capacity int
	logger   *logger.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	topics map[string]*topic

	nextID atomic.Uint64
	now    func() time.Time
}

// BroadcasterOptions configures a Broadcaster.
type BroadcasterOptions struct {
	Capacity int
	Logger   *logger.Logger
	Metrics  *metrics.Metrics
}

// NewBroadcaster creates a broadcaster. Capacity defaults to DefaultCapacity.
func NewBroadcaster(opts BroadcasterOptions) *Broadcaster {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Broadcaster{
		capacity: opts.Capacity,
		logger:   log.Named("broadcaster"),
		metrics:  opts.Metrics,
		topics:   make(map[string]*topic),
		now:      time.Now,
	}
}

// lockTopic returns the live topic for subject with its lock held, creating
// it if needed. A topic purged between lookup and lock is retried.
func (b *Broadcaster) lockTopic(subject string) *topic {
	for {
		b.mu.Lock()
		t, ok := b.topics[subject]
		if !ok {
			t = &topic{
				ring: make([]LogEvent, b.capacity),
				subs: make(map[uint64]*Subscriber),
			}
			b.topics[subject] = t
		}
		b.mu.Unlock()

		t.mu.Lock()
		if !t.purged {
			return t
		}
		t.mu.Unlock()
	}
}

// existingTopic returns the topic for subject or nil, without creating one.
func (b *Broadcaster) existingTopic(subject string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topics[subject]
}

// Append records an event and delivers it to every subscriber of subject.
// A subscriber that cannot take the event is unsubscribed and closed; the
// others are unaffected.
func (b *Broadcaster) Append(subject string, level Level, message string, extra map[string]any) LogEvent {
	ev := LogEvent{
		Subject:   subject,
		Level:     level,
		Message:   message,
		Timestamp: b.now(),
		Extra:     extra,
	}

	t := b.lockTopic(subject)
	t.push(ev)
	var dropped []*Subscriber
	for id, sub := range t.subs {
		if !sub.send(ev) {
			delete(t.subs, id)
			dropped = append(dropped, sub)
		}
	}
	t.mu.Unlock()

	for _, sub := range dropped {
		sub.Close()
		b.metrics.SubscriberRemoved(true)
		b.logger.Warn("dropped slow log subscriber", "subject", subject, "subscriber", sub.ID)
	}
	b.metrics.LogAppended(string(level))
	return ev
}

// Subscribe registers a subscriber for subject and queues the current
// history on it before any later event.
func (b *Broadcaster) Subscribe(subject string) *Subscriber {
	sub := &Subscriber{
		ID:      b.nextID.Add(1),
		Subject: subject,
		Events:  make(chan LogEvent, b.capacity+liveBuffer),
		done:    make(chan struct{}),
	}

	t := b.lockTopic(subject)
	// The channel is fresh and holds at least a full ring, so replay never
	// blocks or drops.
	for _, ev := range t.snapshot(0) {
		sub.Events <- ev
	}
	t.subs[sub.ID] = sub
	t.mu.Unlock()

	b.metrics.SubscriberAdded()
	return sub
}

// Unsubscribe removes and closes sub. Unknown or already removed subscribers
// are ignored.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	removed := false
	if t := b.existingTopic(sub.Subject); t != nil {
		t.mu.Lock()
		if _, ok := t.subs[sub.ID]; ok {
			delete(t.subs, sub.ID)
			removed = true
		}
		t.mu.Unlock()
	}
	sub.Close()
	if removed {
		b.metrics.SubscriberRemoved(false)
	}
}

// Purge drops the history of subject and closes its subscribers. Later
// appends start from an empty buffer.
func (b *Broadcaster) Purge(subject string) {
	b.mu.Lock()
	t, ok := b.topics[subject]
	delete(b.topics, subject)
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	t.purged = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
		b.metrics.SubscriberRemoved(false)
	}
	b.logger.Debug("purged log subject", "subject", subject, "subscribers", len(subs))
}

// History returns up to limit of the most recent events (all when limit <= 0).
func (b *Broadcaster) History(subject string, limit int) []LogEvent {
	t := b.existingTopic(subject)
	if t == nil {
		return []LogEvent{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.purged {
		return []LogEvent{}
	}
	return t.snapshot(limit)
}

// Count returns the number of buffered events for subject.
func (b *Broadcaster) Count(subject string) int {
	t := b.existingTopic(subject)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.purged {
		return 0
	}
	return t.size
}

// Subscribers returns the number of live subscribers for subject.
func (b *Broadcaster) Subscribers(subject string) int {
	t := b.existingTopic(subject)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Subjects returns the known subjects in sorted order.
func (b *Broadcaster) Subjects() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.topics))
	for s := range b.topics {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ActiveSubjects counts subjects with at least one live subscriber.
func (b *Broadcaster) ActiveSubjects() int {
	n := 0
	for _, s := range b.Subjects() {
		if b.Subscribers(s) > 0 {
			n++
		}
	}
	return n
}

// Close closes every subscriber. History is kept.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		subs := t.subs
		t.subs = make(map[uint64]*Subscriber)
		t.mu.Unlock()
		for _, sub := range subs {
			sub.Close()
			b.metrics.SubscriberRemoved(false)
		}
	}
}
