// ABOUTME: Redis-backed cache implementation using go-redis
// ABOUTME: Watches keys through keyspace notifications on PSUBSCRIBE

package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyspaceEventFlags enables keyspace channel events for string, set,
// generic, and expiration commands. Presence depends on these.
const keyspaceEventFlags = "K$sgx"

// Redis is a Cache backed by a Redis server.
type Redis struct {
	client *redis.Client
	db     int
	logger *slog.Logger
}

var _ Cache = (*Redis)(nil)

// NewRedis connects to the Redis server at addr and verifies the
// connection with a ping. Keyspace notifications are enabled best
// effort; managed deployments that forbid CONFIG SET must enable them
// server side.
func NewRedis(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cache")

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 2 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}

	if err := client.ConfigSet(ctx, "notify-keyspace-events", keyspaceEventFlags).Err(); err != nil {
		logger.Warn("could not enable keyspace notifications, presence updates need them configured server side",
			"error", err)
	}

	return &Redis{client: client, db: db, logger: logger}, nil
}

func (r *Redis) Set(ctx context.Context, key Key, value string) error {
	if err := r.client.Set(ctx, key.Render(), value, key.TTL()).Err(); err != nil {
		return fmt.Errorf("setting %s: %w", key.Render(), err)
	}
	return nil
}

func (r *Redis) SetEx(ctx context.Context, key Key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key.Render(), value, ttl).Err(); err != nil {
		return fmt.Errorf("setting %s: %w", key.Render(), err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key Key) (string, error) {
	val, err := r.client.Get(ctx, key.Render()).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrAbsent
	}
	if err != nil {
		return "", fmt.Errorf("getting %s: %w", key.Render(), err)
	}
	return val, nil
}

func (r *Redis) GetDel(ctx context.Context, key Key) (string, error) {
	val, err := r.client.GetDel(ctx, key.Render()).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrAbsent
	}
	if err != nil {
		return "", fmt.Errorf("consuming %s: %w", key.Render(), err)
	}
	return val, nil
}

func (r *Redis) Del(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	rendered := make([]string, len(keys))
	for i, k := range keys {
		rendered[i] = k.Render()
	}
	if err := r.client.Del(ctx, rendered...).Err(); err != nil {
		return fmt.Errorf("deleting %v: %w", rendered, err)
	}
	return nil
}

func (r *Redis) SAdd(ctx context.Context, key Key, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.client.SAdd(ctx, key.Render(), anySlice(members)...).Err(); err != nil {
		return fmt.Errorf("adding to %s: %w", key.Render(), err)
	}
	return nil
}

func (r *Redis) SRem(ctx context.Context, key Key, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.client.SRem(ctx, key.Render(), anySlice(members)...).Err(); err != nil {
		return fmt.Errorf("removing from %s: %w", key.Render(), err)
	}
	return nil
}

func (r *Redis) SMembers(ctx context.Context, key Key) ([]string, error) {
	members, err := r.client.SMembers(ctx, key.Render()).Result()
	if err != nil {
		return nil, fmt.Errorf("reading members of %s: %w", key.Render(), err)
	}
	return members, nil
}

func (r *Redis) Expire(ctx context.Context, key Key, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key.Render(), ttl).Err(); err != nil {
		return fmt.Errorf("expiring %s: %w", key.Render(), err)
	}
	return nil
}

// Subscribe watches every key under prefix through the keyspace
// notification channel for this database. Events stop when ctx is done
// or the returned stop function runs.
func (r *Redis) Subscribe(ctx context.Context, prefix string) (<-chan KeyEvent, func()) {
	channelPrefix := fmt.Sprintf("__keyspace@%d__:", r.db)
	pubsub := r.client.PSubscribe(ctx, channelPrefix+prefix+"*")
	ch := make(chan KeyEvent, subscriberBufferSize)

	go func() {
		defer close(ch)
		defer func() { _ = pubsub.Close() }()
		for {
			select {
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				ev := KeyEvent{
					Key: strings.TrimPrefix(msg.Channel, channelPrefix),
					Op:  Op(msg.Payload),
				}
				select {
				case ch <- ev:
				default:
					r.logger.Debug("dropping keyspace event for slow subscriber", "key", ev.Key)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() { _ = pubsub.Close() }
	return ch, stop
}

// Ping reports whether the Redis server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func anySlice(members []string) []any {
	out := make([]any, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}
