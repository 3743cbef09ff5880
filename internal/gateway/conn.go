// ABOUTME: One websocket connection: reader/writer pumps, auth gate, teardown
// ABOUTME: Outbound frames come from two bus subscriptions plus presence snapshots

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/talkwire/talkwire/internal/bus"
	"github.com/talkwire/talkwire/internal/dedupe"
	"github.com/talkwire/talkwire/internal/metrics"
	"github.com/talkwire/talkwire/internal/presence"
)

const (
	// writeWait bounds a single outbound write.
	writeWait = 10 * time.Second

	// pongWait is how long the peer has to answer a ping.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxFrameBytes caps inbound frames. Fits any command, with room for
	// texts far beyond the split threshold.
	maxFrameBytes = 64 << 10

	// authWait is how long a connection may stay unauthenticated.
	authWait = 5 * time.Second

	// Inbound command budget per connection. The reader stalls once the
	// budget is exhausted, which backpressures the peer.
	commandRate  = rate.Limit(10)
	commandBurst = 20

	// Per-connection envelope dedupe window.
	dedupeTTL      = time.Minute
	dedupeCapacity = 4096
)

// Close codes sent with the close frame.
const (
	closePolicyViolation = websocket.ClosePolicyViolation
	closeMalformedFrame  = websocket.CloseInvalidFramePayloadData
	closeInternalError   = websocket.CloseInternalServerErr
	closeGoingAway       = websocket.CloseGoingAway
)

// Origin checks are left to the fronting proxy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Conn is one live websocket connection. The reader decodes commands
// and hands them to the dispatcher; the writer serializes bus events,
// presence snapshots, and pings. Either side can raise the close
// signal; teardown releases every held resource exactly once.
type Conn struct {
	id       string
	ws       *websocket.Conn
	bus      bus.Bus
	presence *presence.Tracker
	metrics  *metrics.Metrics
	logger   *slog.Logger

	limiter *rate.Limiter
	window  *dedupe.Window

	// writeMu serializes all writes to ws, including control frames.
	writeMu sync.Mutex

	mu              sync.Mutex
	sub             string
	notiSub         bus.Subscription
	msgSub          bus.Subscription
	presenceCh      <-chan []string
	presenceRelease func()

	// userReady closes when authenticate succeeds; the writer gates on it.
	userReady chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, b bus.Bus, tracker *presence.Tracker, m *metrics.Metrics, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	c := &Conn{
		id:        id,
		ws:        ws,
		bus:       b,
		presence:  tracker,
		metrics:   m,
		logger:    logger.With("component", "conn", "conn_id", id),
		limiter:   rate.NewLimiter(commandRate, commandBurst),
		window:    dedupe.New(dedupeTTL, dedupeCapacity),
		userReady: make(chan struct{}),
		closed:    make(chan struct{}),
	}
	m.ConnectionOpened()
	return c
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// User returns the authenticated sub, if any.
func (c *Conn) User() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub, c.sub != ""
}

// authenticate binds the connection to sub and opens its event streams:
// the notification subject, the per-talk message pattern, and presence.
// The first successful call wins; later calls are no-ops.
func (c *Conn) authenticate(ctx context.Context, sub string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != "" {
		return nil
	}
	select {
	case <-c.closed:
		return fmt.Errorf("connection already closed")
	default:
	}

	notiSub, err := c.bus.Subscribe(ctx, bus.NotiSubject(sub))
	if err != nil {
		return fmt.Errorf("subscribing notifications: %w", err)
	}
	msgSub, err := c.bus.Subscribe(ctx, bus.MessagesPattern(sub))
	if err != nil {
		notiSub.Unsubscribe()
		return fmt.Errorf("subscribing messages: %w", err)
	}
	presenceCh, release, err := c.presence.Track(ctx, sub, c.id)
	if err != nil {
		notiSub.Unsubscribe()
		msgSub.Unsubscribe()
		return fmt.Errorf("registering presence: %w", err)
	}

	c.sub = sub
	c.notiSub = notiSub
	c.msgSub = msgSub
	c.presenceCh = presenceCh
	c.presenceRelease = release
	close(c.userReady)
	c.logger.Info("connection authenticated", "sub", sub)
	return nil
}

// run pumps the connection until either side tears it down.
func (c *Conn) run(ctx context.Context, dispatcher *Dispatcher) {
	go c.writeLoop(ctx)
	c.readLoop(ctx, dispatcher)
}

func (c *Conn) readLoop(ctx context.Context, dispatcher *Dispatcher) {
	defer c.close()

	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		c.metrics.FrameIn()
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		dispatcher.Dispatch(ctx, c, data)
	}
}

func (c *Conn) writeLoop(ctx context.Context) {
	defer c.close()

	select {
	case <-c.userReady:
	case <-time.After(authWait):
		c.closeWith(closePolicyViolation, "authentication timed out")
		return
	case <-c.closed:
		return
	case <-ctx.Done():
		return
	}

	// Published by authenticate before userReady closed.
	noti := c.notiSub.Events()
	msgs := c.msgSub.Events()
	presenceCh := c.presenceCh

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-noti:
			if !ok {
				return
			}
			if err := c.writeEnvelope(env); err != nil {
				return
			}
		case env, ok := <-msgs:
			if !ok {
				return
			}
			if err := c.writeEnvelope(env); err != nil {
				return
			}
		case snapshot, ok := <-presenceCh:
			if !ok {
				presenceCh = nil
				continue
			}
			if err := c.writeEvent(bus.NotiOnlineContacts{Subs: snapshot}); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// writeEnvelope writes the envelope's event unless its eid was already
// delivered on this connection.
func (c *Conn) writeEnvelope(env bus.Envelope) error {
	if c.window.Duplicate(env.EID) {
		c.logger.Debug("dropping duplicate event", "eid", env.EID, "subject", env.Subject)
		return nil
	}
	return c.writeEvent(env.Event)
}

func (c *Conn) writeEvent(event bus.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("event marshal failed", "type", event.Type(), "error", err)
		return nil
	}
	if err := c.write(websocket.TextMessage, data); err != nil {
		return err
	}
	c.metrics.FrameOut()
	return nil
}

func (c *Conn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}

// closeWith sends a close frame with the given code, then tears down.
func (c *Conn) closeWith(code int, reason string) {
	_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.close()
}

// close tears the connection down: bus subscriptions, the presence
// registration, and the socket are released exactly once.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.notiSub != nil {
			c.notiSub.Unsubscribe()
		}
		if c.msgSub != nil {
			c.msgSub.Unsubscribe()
		}
		if c.presenceRelease != nil {
			c.presenceRelease()
		}
		c.mu.Unlock()
		_ = c.ws.Close()
		c.metrics.ConnectionClosed()
		c.logger.Info("connection closed")
	})
}
