// ABOUTME: Opaque session handles and single-use CSRF nonces on the shared cache
// ABOUTME: Sessions bind a session id to a bearer token for its remaining lifetime

package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/talkwire/talkwire/internal/cache"
	"github.com/talkwire/talkwire/internal/fault"
)

// Store keeps session and CSRF state in the shared cache, so any node
// can resolve a cookie minted by any other node.
type Store struct {
	cache  cache.Cache
	logger *slog.Logger
}

func New(c cache.Cache, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cache:  c,
		logger: logger.With("component", "session"),
	}
}

// NewSessionID returns a fresh random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// Put binds token to sid for ttl. The ttl should not outlive the token
// itself, or lookups would hand back credentials that no longer verify.
func (s *Store) Put(ctx context.Context, sid, token string, ttl time.Duration) error {
	if err := s.cache.SetEx(ctx, cache.SessionKey(sid), token, ttl); err != nil {
		return fault.Transient("storing session", err)
	}
	return nil
}

// Lookup returns the token bound to sid.
func (s *Store) Lookup(ctx context.Context, sid string) (string, error) {
	token, err := s.cache.Get(ctx, cache.SessionKey(sid))
	if errors.Is(err, cache.ErrAbsent) {
		return "", fault.Unauthorized(fault.CodeNoSession, "no such session")
	}
	if err != nil {
		return "", fault.Transient("reading session", err)
	}
	return token, nil
}

// Revoke forgets sid. Revoking an absent or expired session is not an
// error, so logout is idempotent.
func (s *Store) Revoke(ctx context.Context, sid string) error {
	if err := s.cache.Del(ctx, cache.SessionKey(sid)); err != nil {
		return fault.Transient("revoking session", err)
	}
	return nil
}

// PutCSRF stores handshake state under a nonce for the CSRF window.
func (s *Store) PutCSRF(ctx context.Context, nonce, state string) error {
	if err := s.cache.Set(ctx, cache.CSRFKey(nonce), state); err != nil {
		return fault.Transient("storing csrf state", err)
	}
	return nil
}

// ConsumeCSRF returns and deletes the state bound to nonce. A nonce is
// redeemable exactly once; replays and expired nonces both fail.
func (s *Store) ConsumeCSRF(ctx context.Context, nonce string) (string, error) {
	state, err := s.cache.GetDel(ctx, cache.CSRFKey(nonce))
	if errors.Is(err, cache.ErrAbsent) {
		return "", fault.Unauthorized(fault.CodeBadToken, "unknown or expired csrf nonce")
	}
	if err != nil {
		return "", fault.Transient("consuming csrf state", err)
	}
	return state, nil
}
