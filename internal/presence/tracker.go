// ABOUTME: Refcounted presence registry with online-contacts snapshots
// ABOUTME: Watches cache keyspace events and pushes per-connection diffs

package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/talkwire/talkwire/internal/cache"
	"github.com/talkwire/talkwire/internal/fault"
	"github.com/talkwire/talkwire/internal/metrics"
	"github.com/talkwire/talkwire/internal/store"
)

// contactsCacheTTL bounds how stale a cached accepted-contacts set may
// get; contact status changes applied directly to the database show up
// after at most this long.
const contactsCacheTTL = time.Hour

// ErrClosed is returned by Track after the tracker shut down.
var ErrClosed = errors.New("presence tracker is closed")

// registration is one live connection's view of its online contacts.
type registration struct {
	sub      string
	connID   string
	ch       chan []string
	snapshot []string
	closer   sync.Once
}

// deliver replaces whatever update is queued with the given snapshot.
// Callers hold the tracker mutex, so sends never race the drain.
func (r *registration) deliver(snapshot []string) {
	for {
		select {
		case r.ch <- snapshot:
			return
		default:
			select {
			case <-r.ch:
			default:
			}
		}
	}
}

func (r *registration) close() {
	r.closer.Do(func() { close(r.ch) })
}

// Tracker maintains the cluster-wide online set and tells each
// registered connection which of its accepted contacts are online.
//
// The first connection of a user adds the user to users:online, the
// last teardown removes it. Any change to that set, from this node or
// another, triggers a recomputation; a connection only hears about it
// when its own snapshot actually changed.
type Tracker struct {
	cache     cache.Cache
	contacts  store.ContactRepo
	metrics   *metrics.Metrics
	logger    *slog.Logger
	events    <-chan cache.KeyEvent
	stopWatch func()

	mu     sync.Mutex
	conns  map[string]*registration
	counts map[string]int
	closed bool
}

// NewTracker creates a presence tracker and starts buffering keyspace
// events immediately, so changes between construction and Run are not
// lost. metrics may be nil.
func NewTracker(c cache.Cache, contacts store.ContactRepo, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		cache:    c,
		contacts: contacts,
		metrics:  m,
		logger:   logger.With("component", "presence"),
		conns:    make(map[string]*registration),
		counts:   make(map[string]int),
	}
	t.events, t.stopWatch = c.Subscribe(context.Background(), cache.OnlinePrefix)
	return t
}

// Run watches the online set for changes until ctx is done. Every
// change recomputes the snapshot of every registered connection.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-t.events:
			if !ok {
				return nil
			}
			// A burst of joins or leaves coalesces into one pass.
		drain:
			for {
				select {
				case _, ok := <-t.events:
					if !ok {
						break drain
					}
				default:
					break drain
				}
			}
			t.recomputeAll(ctx)
		}
	}
}

// Track registers a connection for the given user. The returned channel
// carries online-contacts snapshots, starting with the current one; the
// release function must be called exactly once on teardown and is safe
// to call more often.
func (t *Tracker) Track(ctx context.Context, sub, connID string) (<-chan []string, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, nil, ErrClosed
	}

	t.counts[sub]++
	if t.counts[sub] == 1 {
		if err := t.cache.SAdd(ctx, cache.OnlineKey(), sub); err != nil {
			t.counts[sub]--
			if t.counts[sub] == 0 {
				delete(t.counts, sub)
			}
			return nil, nil, fault.Transient("joining online set", err)
		}
		t.metrics.UserOnline()
	}

	snapshot, err := t.onlineContacts(ctx, sub)
	if err != nil {
		// The registration stands; the next presence change repairs the
		// snapshot.
		t.logger.Warn("initial online-contacts snapshot failed", "sub", sub, "error", err)
		snapshot = nil
	}

	reg := &registration{
		sub:      sub,
		connID:   connID,
		ch:       make(chan []string, 1),
		snapshot: snapshot,
	}
	reg.deliver(snapshot)
	t.conns[connID] = reg

	var once sync.Once
	release := func() { once.Do(func() { t.release(reg) }) }
	return reg.ch, release, nil
}

func (t *Tracker) release(reg *registration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	reg.close()
	if _, ok := t.conns[reg.connID]; !ok {
		return
	}
	delete(t.conns, reg.connID)

	t.counts[reg.sub]--
	if t.counts[reg.sub] > 0 {
		return
	}
	delete(t.counts, reg.sub)

	// Teardown outlives whatever request context started the connection.
	if err := t.cache.SRem(context.Background(), cache.OnlineKey(), reg.sub); err != nil {
		t.logger.Warn("leaving online set failed", "sub", reg.sub, "error", err)
	}
	t.metrics.UserOffline()
}

// recomputeAll refreshes the snapshot of every registered connection,
// computing each user's intersection once no matter how many of their
// connections are live.
func (t *Tracker) recomputeAll(ctx context.Context) {
	t.mu.Lock()
	subs := make([]string, 0, len(t.counts))
	for sub := range t.counts {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	computed := make(map[string][]string, len(subs))
	for _, sub := range subs {
		snapshot, err := t.onlineContacts(ctx, sub)
		if err != nil {
			t.logger.Warn("online-contacts recomputation failed", "sub", sub, "error", err)
			continue
		}
		computed[sub] = snapshot
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for _, reg := range t.conns {
		snapshot, ok := computed[reg.sub]
		if !ok || slices.Equal(snapshot, reg.snapshot) {
			continue
		}
		reg.snapshot = snapshot
		reg.deliver(snapshot)
	}
}

// onlineContacts intersects the online set with the user's accepted
// contacts. The result is sorted so equal sets compare equal.
func (t *Tracker) onlineContacts(ctx context.Context, sub string) ([]string, error) {
	online, err := t.cache.SMembers(ctx, cache.OnlineKey())
	if err != nil {
		return nil, fmt.Errorf("reading online set: %w", err)
	}
	if len(online) == 0 {
		return []string{}, nil
	}

	contacts, err := t.contactsFor(ctx, sub)
	if err != nil {
		return nil, err
	}

	snapshot := make([]string, 0, len(online))
	for _, peer := range online {
		if contacts[peer] {
			snapshot = append(snapshot, peer)
		}
	}
	sort.Strings(snapshot)
	return snapshot, nil
}

// contactsFor resolves the accepted-contact peers of sub, cache first.
// An empty cached set is indistinguishable from a miss, so users with
// no accepted contacts fall through to the repository each time.
func (t *Tracker) contactsFor(ctx context.Context, sub string) (map[string]bool, error) {
	key := cache.ContactsKey(sub)
	cached, err := t.cache.SMembers(ctx, key)
	if err != nil {
		t.logger.Warn("reading cached contacts failed", "sub", sub, "error", err)
	} else if len(cached) > 0 {
		return asSet(cached), nil
	}

	peers, err := t.contacts.AcceptedSubs(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("resolving accepted contacts: %w", err)
	}
	if len(peers) > 0 {
		if err := t.cache.SAdd(ctx, key, peers...); err != nil {
			t.logger.Warn("caching contacts failed", "sub", sub, "error", err)
		} else if err := t.cache.Expire(ctx, key, contactsCacheTTL); err != nil {
			t.logger.Warn("setting contacts ttl failed", "sub", sub, "error", err)
		}
	}
	return asSet(peers), nil
}

// Close stops the keyspace watch and tears down every registration.
// Connections see their snapshot channel close; refcounts and the
// shared online set are left to the per-connection release functions,
// which stay safe to call.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.stopWatch()
	for _, reg := range t.conns {
		reg.close()
	}
	return nil
}

func asSet(members []string) map[string]bool {
	set := make(map[string]bool, len(members))
	for _, member := range members {
		set[member] = true
	}
	return set
}
