package async

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Canonical event bus topics. Components publish under these names; the
// external UI subscribes to the same set.
const (
	TopicConnectionState  = "connection.state"
	TopicConnectionError  = "connection.error"
	TopicAgentState       = "agent.state"
	TopicAgentStep        = "agent.step"
	TopicSafetyDecision   = "safety.decision"
	TopicApprovalRequired = "approval.required"
	TopicApprovalResolved = "approval.resolved"
	TopicHealthReport     = "health.report"
	TopicCacheInvalidate  = "cache.invalidate"
)

// Message is the envelope delivered to subscribers.
type Message struct {
	Topic     string
	Payload   any
	Timestamp time.Time
	Source    string
}

// Handler receives messages. Handlers run on the subscription's own
// goroutine; a slow handler delays only its own subscription.
type Handler func(msg Message)

// Subscription identifies a single subscribe call. Unsubscribe is
// idempotent.
type Subscription struct {
	bus     *Bus
	id      uint64
	pattern string

	mu     sync.Mutex
	queue  []Message
	notify chan struct{}
	closed bool
}

// Bus is the in-process event bus. Publish never blocks on handlers: each
// subscription owns an unbounded FIFO queue drained by a dedicated
// goroutine, so per-topic ordering from a single producer is preserved and
// no message is lost while the subscription is live.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	logger *slog.Logger

	wg sync.WaitGroup
}

// NewBus creates an event bus. logger may be nil.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[uint64]*Subscription), logger: logger}
}

// Subscribe registers a handler for a topic pattern. Patterns are either
// exact topics or a segment prefix followed by ".*" (e.g. "connection.*").
// "*" matches everything.
func (b *Bus) Subscribe(pattern string, handler Handler) *Subscription {
	b.mu.Lock()
	b.nextID++
	sub := &Subscription{
		bus:     b,
		id:      b.nextID,
		pattern: pattern,
		notify:  make(chan struct{}, 1),
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go sub.drain(handler, b.logger, &b.wg)
	return sub
}

// Publish delivers the payload to every matching subscription. The caller
// never blocks on handlers.
func (b *Bus) Publish(topic, source string, payload any) {
	msg := Message{Topic: topic, Payload: payload, Timestamp: time.Now(), Source: source}
	b.mu.RLock()
	for _, sub := range b.subs {
		if topicMatches(sub.pattern, topic) {
			sub.push(msg)
		}
	}
	b.mu.RUnlock()
}

// Close stops all subscriptions after their queued messages are delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
	b.wg.Wait()
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.close()
}

func (s *Subscription) push(msg Message) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, msg)
	}
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()
	if !alreadyClosed {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

// drain delivers queued messages in order until the subscription closes and
// its queue is empty. Handler panics are logged, never propagated.
func (s *Subscription) drain(handler Handler, logger *slog.Logger, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			<-s.notify
			continue
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(handler, logger, msg)
	}
}

func (s *Subscription) deliver(handler Handler, logger *slog.Logger, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked",
				"topic", msg.Topic, "pattern", s.pattern, "panic", fmt.Sprintf("%v", r))
		}
	}()
	handler(msg)
}

// topicMatches implements exact and trailing-wildcard matching.
func topicMatches(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(topic, prefix+".")
	}
	return false
}
