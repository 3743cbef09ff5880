// ABOUTME: In-process Cache backed by maps with TTL sweeping
// ABOUTME: Emits synthetic keyspace events so presence tracking works without Redis

package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sweepInterval is how often expired entries are collected.
const sweepInterval = time.Second

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type memSet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

func (s *memSet) expired(now time.Time) bool {
	return !s.expiresAt.IsZero() && now.After(s.expiresAt)
}

type memSubscriber struct {
	prefix string
	ch     chan KeyEvent
	closed bool
}

// Memory is an in-process Cache. It backs tests and deployments without
// a Redis endpoint; keyspace events are emitted synthetically for local
// subscribers only, so cross-node presence needs the Redis backend.
type Memory struct {
	mu     sync.RWMutex
	values map[string]memEntry
	sets   map[string]*memSet
	subs   map[string]*memSubscriber
	done   chan struct{}
	closed bool
	logger *slog.Logger
}

var _ Cache = (*Memory)(nil)

// NewMemory creates an in-process cache. A background goroutine sweeps
// expired entries; call Close to stop it. Pass nil logger for default.
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Memory{
		values: make(map[string]memEntry),
		sets:   make(map[string]*memSet),
		subs:   make(map[string]*memSubscriber),
		done:   make(chan struct{}),
		logger: logger.With("component", "cache"),
	}
	go m.sweep()
	return m
}

func (m *Memory) Set(ctx context.Context, key Key, value string) error {
	return m.SetEx(ctx, key, value, key.TTL())
}

func (m *Memory) SetEx(_ context.Context, key Key, value string, ttl time.Duration) error {
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.values[key.Render()] = e
	m.mu.Unlock()
	m.emit(key.Render(), OpSet)
	return nil
}

func (m *Memory) Get(_ context.Context, key Key) (string, error) {
	m.mu.RLock()
	e, ok := m.values[key.Render()]
	m.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return "", ErrAbsent
	}
	return e.value, nil
}

func (m *Memory) GetDel(_ context.Context, key Key) (string, error) {
	rendered := key.Render()
	m.mu.Lock()
	e, ok := m.values[rendered]
	if ok {
		delete(m.values, rendered)
	}
	m.mu.Unlock()
	if !ok || e.expired(time.Now()) {
		return "", ErrAbsent
	}
	m.emit(rendered, OpDel)
	return e.value, nil
}

func (m *Memory) Del(_ context.Context, keys ...Key) error {
	deleted := make([]string, 0, len(keys))
	m.mu.Lock()
	for _, k := range keys {
		rendered := k.Render()
		_, hadValue := m.values[rendered]
		_, hadSet := m.sets[rendered]
		if hadValue || hadSet {
			delete(m.values, rendered)
			delete(m.sets, rendered)
			deleted = append(deleted, rendered)
		}
	}
	m.mu.Unlock()
	for _, rendered := range deleted {
		m.emit(rendered, OpDel)
	}
	return nil
}

func (m *Memory) SAdd(_ context.Context, key Key, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	rendered := key.Render()
	m.mu.Lock()
	s, ok := m.sets[rendered]
	if !ok || s.expired(time.Now()) {
		s = &memSet{members: make(map[string]struct{})}
		m.sets[rendered] = s
	}
	for _, member := range members {
		s.members[member] = struct{}{}
	}
	m.mu.Unlock()
	m.emit(rendered, OpSAdd)
	return nil
}

func (m *Memory) SRem(_ context.Context, key Key, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	rendered := key.Render()
	changed := false
	m.mu.Lock()
	if s, ok := m.sets[rendered]; ok && !s.expired(time.Now()) {
		for _, member := range members {
			if _, exists := s.members[member]; exists {
				delete(s.members, member)
				changed = true
			}
		}
		if len(s.members) == 0 {
			delete(m.sets, rendered)
		}
	}
	m.mu.Unlock()
	if changed {
		m.emit(rendered, OpSRem)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key Key) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sets[key.Render()]
	if !ok || s.expired(time.Now()) {
		return nil, nil
	}
	members := make([]string, 0, len(s.members))
	for member := range s.members {
		members = append(members, member)
	}
	return members, nil
}

func (m *Memory) Expire(_ context.Context, key Key, ttl time.Duration) error {
	rendered := key.Render()
	deadline := time.Now().Add(ttl)
	m.mu.Lock()
	if e, ok := m.values[rendered]; ok {
		e.expiresAt = deadline
		m.values[rendered] = e
	}
	if s, ok := m.sets[rendered]; ok {
		s.expiresAt = deadline
	}
	m.mu.Unlock()
	return nil
}

// Subscribe delivers change events for keys under prefix until the
// returned stop function runs or ctx is done.
func (m *Memory) Subscribe(ctx context.Context, prefix string) (<-chan KeyEvent, func()) {
	id := uuid.NewString()
	sub := &memSubscriber{
		prefix: prefix,
		ch:     make(chan KeyEvent, subscriberBufferSize),
	}

	m.mu.Lock()
	m.subs[id] = sub
	m.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if s, ok := m.subs[id]; ok {
				delete(m.subs, id)
				s.closed = true
				close(s.ch)
			}
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-m.done:
		}
	}()

	return sub.ch, stop
}

func (m *Memory) Ping(context.Context) error { return nil }

// Close stops the sweeper and closes all subscriber channels.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	for id, sub := range m.subs {
		sub.closed = true
		close(sub.ch)
		delete(m.subs, id)
	}
	return nil
}

// emit fans a key event out to every subscriber whose prefix matches.
// Slow subscribers lose events rather than block the writer.
func (m *Memory) emit(key string, op Op) {
	ev := KeyEvent{Key: key, Op: op}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		if sub.closed || !strings.HasPrefix(key, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			m.logger.Debug("dropping keyspace event for slow subscriber", "key", key)
		}
	}
}

func (m *Memory) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.collectExpired()
		case <-m.done:
			return
		}
	}
}

func (m *Memory) collectExpired() {
	now := time.Now()
	var expired []string
	m.mu.Lock()
	for key, e := range m.values {
		if e.expired(now) {
			delete(m.values, key)
			expired = append(expired, key)
		}
	}
	for key, s := range m.sets {
		if s.expired(now) {
			delete(m.sets, key)
			expired = append(expired, key)
		}
	}
	m.mu.Unlock()
	for _, key := range expired {
		m.emit(key, OpExpired)
	}
}
