package bus

import (
	"sync"

	"github.com/safierinx-a/led-grid-server/internal/metrics"
)

// Well-known topics.
const (
	TopicFrames = "controller:frames" // producer frames + pattern_changed events
	TopicSocket = "controller:socket" // outbound socket-level operator signals
	TopicEvents = "controller:events" // controller_joined / controller_left / stats
)

// Subscription is one subscriber's view of a topic. Events arrive on C;
// Cancel detaches the subscription. C is left open, so a receive after
// Cancel blocks rather than yielding a zero value.
type Subscription struct {
	C      chan any
	topic  string
	bus    *Bus
	once   sync.Once
	closed chan struct{}
}

// Cancel detaches the subscription (idempotent).
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.closed)
	})
}

// Bus is a process-wide topic registry with per-subscriber fan-out channels.
// Publish never blocks: a subscriber whose channel is full loses the event.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	// BufSize is the channel capacity for new subscriptions.
	BufSize int
}

const defaultBufSize = 64

// New creates a Bus with default settings.
func New() *Bus { return &Bus{topics: make(map[string]map[*Subscription]struct{})} }

// Subscribe registers a new subscriber on topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	buf := b.BufSize
	if buf <= 0 {
		buf = defaultBufSize
	}
	s := &Subscription{
		C:      make(chan any, buf),
		topic:  topic,
		bus:    b,
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	if subs := b.topics[s.topic]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.topics, s.topic)
		}
	}
	b.mu.Unlock()
}

// Publish delivers msg to every subscriber of topic, dropping on full buffers.
func (b *Bus) Publish(topic string, msg any) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.topics[topic]))
	for s := range b.topics[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		select {
		case s.C <- msg:
		case <-s.closed:
		default:
			metrics.IncBusDrop()
		}
	}
}

// SubscriberCount returns the number of subscribers on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	n := len(b.topics[topic])
	b.mu.RUnlock()
	return n
}
