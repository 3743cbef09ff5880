// ABOUTME: NATS-backed Bus for multi-node deployments
// ABOUTME: Core NATS pub/sub, unlimited reconnects, one publish retry

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/talkwire/talkwire/internal/metrics"
)

// NATS is a Bus backed by core NATS pub/sub. Subjects and wildcard
// patterns map one-to-one onto NATS subjects, so cross-node delivery
// keeps the same semantics as the in-process bus.
type NATS struct {
	conn    *nats.Conn
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewNATS connects to a NATS server and keeps reconnecting forever if
// the connection drops. metrics may be nil.
func NewNATS(url string, m *metrics.Metrics, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bus")

	opts := []nats.Option{
		nats.Name("talkwire"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				logger.Warn("nats subscription error", "subject", sub.Subject, "error", err)
				return
			}
			logger.Warn("nats error", "error", err)
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	logger.Info("connected to nats", "url", conn.ConnectedUrl())

	return &NATS{conn: conn, metrics: m, logger: logger}, nil
}

func (n *NATS) Publish(ctx context.Context, subject string, event Event) error {
	return n.PublishAll(ctx, subject, []Event{event})
}

func (n *NATS) PublishAll(_ context.Context, subject string, events []Event) error {
	for _, event := range events {
		if err := n.publish(subject, event); err != nil {
			return err
		}
	}
	return nil
}

func (n *NATS) publish(subject string, event Event) error {
	env := Envelope{
		EID:     uuid.NewString(),
		Subject: subject,
		Event:   event,
	}
	data, err := json.Marshal(env)
	if err != nil {
		// An unencodable event is a programming error on our side, not
		// something the caller's command should fail over.
		n.logger.Error("marshaling event",
			"subject", subject,
			"event_type", event.Type(),
			"error", err)
		return nil
	}

	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Warn("publish failed, retrying once", "subject", subject, "error", err)
		if err := n.conn.Publish(subject, data); err != nil {
			return fmt.Errorf("publishing to %s: %w", subject, err)
		}
	}
	n.metrics.EventPublished(SubjectKind(subject))
	return nil
}

func (n *NATS) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	s := &natsSubscription{
		ch:     make(chan Envelope, subscriberBufferSize),
		logger: n.logger,
	}

	sub, err := n.conn.Subscribe(pattern, s.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", pattern, err)
	}
	s.sub = sub

	go func() {
		<-ctx.Done()
		s.Unsubscribe()
	}()

	n.logger.Debug("subscriber added", "pattern", pattern)
	return s, nil
}

func (n *NATS) Ping(context.Context) error {
	if status := n.conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats not connected: %s", status)
	}
	return nil
}

func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}

type natsSubscription struct {
	sub    *nats.Subscription
	once   sync.Once
	logger *slog.Logger

	mu     sync.RWMutex
	ch     chan Envelope
	closed bool
}

func (s *natsSubscription) Events() <-chan Envelope { return s.ch }

// handle runs on the NATS delivery goroutine for this subscription, so
// envelopes arrive here in publish order per publisher.
func (s *natsSubscription) handle(msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		s.logger.Warn("dropping undecodable event", "subject", msg.Subject, "error", err)
		return
	}
	env.Subject = msg.Subject

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- env:
	default:
		s.logger.Debug("dropping event for slow subscriber",
			"subject", msg.Subject,
			"eid", env.EID)
	}
}

func (s *natsSubscription) Unsubscribe() {
	s.once.Do(func() {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Debug("unsubscribing", "error", err)
		}
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

var _ Bus = (*NATS)(nil)
