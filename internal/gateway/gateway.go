// ABOUTME: Gateway orchestrator: builds store/cache/bus/services from config
// ABOUTME: Owns the HTTP server and the run/graceful-shutdown lifecycle

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/talkwire/talkwire/internal/bus"
	"github.com/talkwire/talkwire/internal/cache"
	"github.com/talkwire/talkwire/internal/config"
	"github.com/talkwire/talkwire/internal/identity"
	"github.com/talkwire/talkwire/internal/message"
	"github.com/talkwire/talkwire/internal/metrics"
	"github.com/talkwire/talkwire/internal/presence"
	"github.com/talkwire/talkwire/internal/session"
	"github.com/talkwire/talkwire/internal/store"
	"github.com/talkwire/talkwire/internal/talk"
)

const shutdownTimeout = 5 * time.Second

// Gateway wires every component together and serves the HTTP surface:
// the websocket endpoint, the talk REST API, health, and metrics.
type Gateway struct {
	config  *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	store store.Store
	cache cache.Cache
	bus   bus.Bus

	keys     *identity.KeySet
	identity *identity.Service
	sessions *session.Store

	talks    *talk.Service
	messages *message.Service
	presence *presence.Tracker

	dispatcher *Dispatcher
	httpServer *http.Server

	connMu sync.Mutex
	conns  map[*Conn]struct{}

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New builds a gateway from config. Backends without a configured host
// fall back to in-process implementations, which keeps single-binary
// development runs working without Mongo, Redis, or NATS.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := metrics.New()

	st, err := initStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	ca, err := initCache(ctx, cfg, logger)
	if err != nil {
		st.Close(ctx)
		return nil, err
	}
	b, err := initBus(cfg, m, logger)
	if err != nil {
		ca.Close()
		st.Close(ctx)
		return nil, err
	}

	keys, err := identity.NewKeySet(ctx, cfg.Auth.JWKSEndpoint(), logger)
	if err != nil {
		b.Close()
		ca.Close()
		st.Close(ctx)
		return nil, fmt.Errorf("loading signing keys: %w", err)
	}
	verifier := identity.NewVerifier(keys, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.RequiredClaims())
	ident := identity.NewService(verifier, ca, st, cfg.Auth.UserInfoEndpoint(), logger)
	sessions := session.New(ca, logger)

	talks := talk.NewService(st, st, ca, b, logger)
	messages := message.NewService(st, talks, b, logger)
	tracker := presence.NewTracker(ca, st, m, logger)
	dispatcher := NewDispatcher(ident, talks, messages, b, m, logger)

	g := &Gateway{
		config:     cfg,
		logger:     logger.With("component", "gateway"),
		metrics:    m,
		store:      st,
		cache:      ca,
		bus:        b,
		keys:       keys,
		identity:   ident,
		sessions:   sessions,
		talks:      talks,
		messages:   messages,
		presence:   tracker,
		dispatcher: dispatcher,
		conns:      make(map[*Conn]struct{}),
		watchDone:  make(chan struct{}),
	}
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Mongo.Host == "" {
		logger.Warn("no mongo host configured, using in-memory store")
		return store.NewMemory(), nil
	}
	st, err := store.NewMongo(ctx, cfg.Mongo.URI(), cfg.Mongo.DB, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	return st, nil
}

func initCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cache.Cache, error) {
	if cfg.Redis.Host == "" {
		logger.Warn("no redis host configured, using in-memory cache")
		return cache.NewMemory(logger), nil
	}
	ca, err := cache.NewRedis(ctx, cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return ca, nil
}

func initBus(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (bus.Bus, error) {
	if cfg.NATS.Host == "" {
		logger.Warn("no nats host configured, using in-process bus")
		return bus.NewMemory(m, logger), nil
	}
	b, err := bus.NewNATS(cfg.NATS.URL(), m, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return b, nil
}

// Run serves until ctx is canceled or the server fails, then shuts
// down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	g.watchCancel = cancel
	go func() {
		defer close(g.watchDone)
		if err := g.presence.Run(watchCtx); err != nil {
			g.logger.Error("presence watch stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown drains connections with close frames, stops the HTTP server,
// and releases every backend in reverse construction order.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.closeConns()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.watchCancel != nil {
		g.watchCancel()
		<-g.watchDone
	}
	errs = appendCloseError(errs, "presence close", g.presence.Close())

	g.keys.Close()
	errs = appendCloseError(errs, "bus close", g.bus.Close())
	errs = appendCloseError(errs, "cache close", g.cache.Close())
	errs = appendCloseError(errs, "store close", g.store.Close(ctx))

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// closeConns tells every live connection the server is going away.
func (g *Gateway) closeConns() {
	g.connMu.Lock()
	conns := make([]*Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.connMu.Unlock()

	for _, c := range conns {
		c.closeWith(closeGoingAway, "server shutting down")
	}
}

func (g *Gateway) addConn(c *Conn) {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	g.conns[c] = struct{}{}
}

func (g *Gateway) removeConn(c *Conn) {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	delete(g.conns, c)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
