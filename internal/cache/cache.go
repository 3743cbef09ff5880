// ABOUTME: Shared cache contract with typed keys and keyspace watch support
// ABOUTME: Backed by Redis in deployments and by an in-process map in tests

package cache

import (
	"context"
	"errors"
	"time"
)

// ErrAbsent reports that a key does not exist. Cache-aside callers treat
// any error as a miss; ErrAbsent lets them tell plain absence from a
// backend failure when deciding what to log.
var ErrAbsent = errors.New("cache: key absent")

// subscriberBufferSize is the per-subscriber event channel capacity.
// Events are dropped for subscribers that fall this far behind.
const subscriberBufferSize = 64

// Kind enumerates the key families the fabric stores.
type Kind int

const (
	KindSession Kind = iota
	KindCSRF
	KindUserInfo
	KindContacts
	KindTalkMembers
	KindOnline
)

// Default TTLs per key kind. Sessions are written with the configured
// token TTL via SetEx, so KindSession carries no default here.
const (
	userInfoTTL    = time.Hour
	csrfTTL        = 120 * time.Second
	talkMembersTTL = time.Hour
)

// Key is a cache key with a kind that decides its rendered prefix and
// default TTL.
type Key struct {
	kind Kind
	id   string
}

func SessionKey(sid string) Key { return Key{kind: KindSession, id: sid} }

func CSRFKey(nonce string) Key { return Key{kind: KindCSRF, id: nonce} }

func UserInfoKey(sub string) Key { return Key{kind: KindUserInfo, id: sub} }

func ContactsKey(sub string) Key { return Key{kind: KindContacts, id: sub} }

func TalkMembersKey(talkID string) Key { return Key{kind: KindTalkMembers, id: talkID} }

func OnlineKey() Key { return Key{kind: KindOnline} }

// OnlinePrefix is the rendered form of the online-users key, used as a
// Subscribe prefix by presence tracking.
const OnlinePrefix = "users:online"

// Render returns the key as stored in the backend.
func (k Key) Render() string {
	switch k.kind {
	case KindSession:
		return "session:" + k.id
	case KindCSRF:
		return "csrf:" + k.id
	case KindUserInfo:
		return "userinfo:" + k.id
	case KindContacts:
		return "contacts:" + k.id
	case KindTalkMembers:
		return "talk:" + k.id
	case KindOnline:
		return OnlinePrefix
	default:
		return k.id
	}
}

// TTL returns the default lifetime for the key's kind. Zero means the
// key persists until deleted.
func (k Key) TTL() time.Duration {
	switch k.kind {
	case KindUserInfo:
		return userInfoTTL
	case KindCSRF:
		return csrfTTL
	case KindTalkMembers:
		return talkMembersTTL
	default:
		return 0
	}
}

// Op identifies what happened to a watched key.
type Op string

const (
	OpSet     Op = "set"
	OpDel     Op = "del"
	OpExpired Op = "expired"
	OpSAdd    Op = "sadd"
	OpSRem    Op = "srem"
)

// KeyEvent reports a change to a key under a watched prefix.
type KeyEvent struct {
	Key string
	Op  Op
}

// Cache is the backend-agnostic surface the services use. Values are
// strings; set operations back membership lists such as online users
// and accepted contacts.
//
// Set applies the key's default TTL; SetEx overrides it. Get and GetDel
// return ErrAbsent for missing keys. Subscribe delivers change events
// for every key under prefix until ctx is done or the returned stop
// function is called; slow subscribers lose events rather than block
// writers.
type Cache interface {
	Set(ctx context.Context, key Key, value string) error
	SetEx(ctx context.Context, key Key, value string, ttl time.Duration) error
	Get(ctx context.Context, key Key) (string, error)
	GetDel(ctx context.Context, key Key) (string, error)
	Del(ctx context.Context, keys ...Key) error
	SAdd(ctx context.Context, key Key, members ...string) error
	SRem(ctx context.Context, key Key, members ...string) error
	SMembers(ctx context.Context, key Key) ([]string, error)
	Expire(ctx context.Context, key Key, ttl time.Duration) error
	Subscribe(ctx context.Context, prefix string) (<-chan KeyEvent, func())
	Ping(ctx context.Context) error
	Close() error
}
