// ABOUTME: In-process Bus for tests and single-node runs
// ABOUTME: Pattern-matched fan-out over buffered channels, drop on full

package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/talkwire/talkwire/internal/metrics"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus is closed")

// Memory is an in-process Bus. Events fan out synchronously to every
// subscription whose pattern matches, so a single subscriber observes
// publishes in call order.
type Memory struct {
	mu      sync.RWMutex
	subs    map[string]*memorySubscription
	closed  bool
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMemory creates an in-process bus. metrics may be nil.
func NewMemory(m *metrics.Metrics, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		subs:    make(map[string]*memorySubscription),
		metrics: m,
		logger:  logger.With("component", "bus"),
	}
}

func (b *Memory) Publish(ctx context.Context, subject string, event Event) error {
	return b.PublishAll(ctx, subject, []Event{event})
}

func (b *Memory) PublishAll(_ context.Context, subject string, events []Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	for _, event := range events {
		b.deliver(Envelope{
			EID:     uuid.NewString(),
			Subject: subject,
			Event:   event,
		})
		b.metrics.EventPublished(SubjectKind(subject))
	}
	return nil
}

func (b *Memory) deliver(env Envelope) {
	b.mu.RLock()
	matched := make([]*memorySubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if Match(sub.pattern, env.Subject) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		sub.deliver(env, b.logger)
	}
}

func (b *Memory) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	id := uuid.NewString()
	sub := &memorySubscription{
		pattern: pattern,
		ch:      make(chan Envelope, subscriberBufferSize),
	}
	sub.remove = func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	b.logger.Debug("subscriber added", "pattern", pattern, "sub_id", id)
	return sub, nil
}

func (b *Memory) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *Memory) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	remaining := make([]*memorySubscription, 0, len(b.subs))
	for id, sub := range b.subs {
		remaining = append(remaining, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range remaining {
		sub.Unsubscribe()
	}
	b.logger.Debug("bus closed")
	return nil
}

type memorySubscription struct {
	pattern string
	remove  func()
	once    sync.Once

	mu     sync.RWMutex
	ch     chan Envelope
	closed bool
}

func (s *memorySubscription) Events() <-chan Envelope { return s.ch }

func (s *memorySubscription) deliver(env Envelope, logger *slog.Logger) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- env:
	default:
		logger.Debug("dropping event for slow subscriber",
			"subject", env.Subject,
			"eid", env.EID)
	}
}

func (s *memorySubscription) Unsubscribe() {
	s.once.Do(func() {
		s.remove()
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

var _ Bus = (*Memory)(nil)
