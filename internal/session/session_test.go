// ABOUTME: Tests for session and CSRF stores
// ABOUTME: Covers lookup faults, expiry, revocation idempotency, single-use nonces

package session_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkwire/talkwire/internal/cache"
	"github.com/talkwire/talkwire/internal/fault"
	"github.com/talkwire/talkwire/internal/session"
)

func newStore(t *testing.T) *session.Store {
	t.Helper()
	mem := cache.NewMemory(nil)
	t.Cleanup(func() { _ = mem.Close() })
	return session.New(mem, nil)
}

func TestNewSessionID_IsRandomUUID(t *testing.T) {
	a := session.NewSessionID()
	b := session.NewSessionID()

	_, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestStore_PutThenLookup(t *testing.T) {
	s := newStore(t)

	sid := session.NewSessionID()
	require.NoError(t, s.Put(t.Context(), sid, "bearer-token", time.Hour))

	token, err := s.Lookup(t.Context(), sid)
	require.NoError(t, err)
	assert.Equal(t, "bearer-token", token)
}

func TestStore_LookupUnknownSessionIsUnauthorized(t *testing.T) {
	s := newStore(t)

	_, err := s.Lookup(t.Context(), "never-issued")
	require.Error(t, err)
	assert.Equal(t, fault.KindUnauthorized, fault.KindOf(err))
	assert.Equal(t, fault.CodeNoSession, fault.CodeOf(err))
}

func TestStore_SessionExpires(t *testing.T) {
	s := newStore(t)

	sid := session.NewSessionID()
	require.NoError(t, s.Put(t.Context(), sid, "bearer-token", 10*time.Millisecond))

	time.Sleep(20 * time.Millisecond)

	_, err := s.Lookup(t.Context(), sid)
	assert.Equal(t, fault.CodeNoSession, fault.CodeOf(err))
}

func TestStore_RevokeIsIdempotent(t *testing.T) {
	s := newStore(t)

	sid := session.NewSessionID()
	require.NoError(t, s.Put(t.Context(), sid, "bearer-token", time.Hour))

	require.NoError(t, s.Revoke(t.Context(), sid))
	_, err := s.Lookup(t.Context(), sid)
	assert.Equal(t, fault.CodeNoSession, fault.CodeOf(err))

	// A second revoke, or revoking a session that never existed, is fine.
	assert.NoError(t, s.Revoke(t.Context(), sid))
	assert.NoError(t, s.Revoke(t.Context(), "never-issued"))
}

func TestStore_CSRFNonceIsSingleUse(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.PutCSRF(t.Context(), "nonce-1", "oauth-state"))

	state, err := s.ConsumeCSRF(t.Context(), "nonce-1")
	require.NoError(t, err)
	assert.Equal(t, "oauth-state", state)

	_, err = s.ConsumeCSRF(t.Context(), "nonce-1")
	require.Error(t, err, "a consumed nonce must not be redeemable again")
	assert.Equal(t, fault.KindUnauthorized, fault.KindOf(err))
}

func TestStore_CSRFUnknownNonceFails(t *testing.T) {
	s := newStore(t)

	_, err := s.ConsumeCSRF(t.Context(), "never-issued")
	require.Error(t, err)
	assert.Equal(t, fault.CodeBadToken, fault.CodeOf(err))
}
