// ABOUTME: Tests for the talk service
// ABOUTME: Covers chat uniqueness, group membership rules, fan-out, cascades

package talk_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/talkwire/talkwire/internal/bus"
	"github.com/talkwire/talkwire/internal/cache"
	"github.com/talkwire/talkwire/internal/fault"
	"github.com/talkwire/talkwire/internal/store"
	"github.com/talkwire/talkwire/internal/talk"
)

type env struct {
	store *store.Memory
	cache *cache.Memory
	bus   *bus.Memory
	svc   *talk.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemory()
	mem := cache.NewMemory(nil)
	b := bus.NewMemory(nil, nil)
	t.Cleanup(func() {
		_ = b.Close()
		_ = mem.Close()
	})
	return &env{
		store: st,
		cache: mem,
		bus:   b,
		svc:   talk.NewService(st, st, mem, b, nil),
	}
}

func receiveEnvelope(t *testing.T, ch <-chan bus.Envelope) bus.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		require.True(t, ok, "subscription channel closed early")
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return bus.Envelope{}
	}
}

func TestCreateChat_PersistsAndAnnouncesToBothMembers(t *testing.T) {
	e := newEnv(t)

	aliceNoti, err := e.bus.Subscribe(t.Context(), bus.NotiSubject("alice"))
	require.NoError(t, err)
	bobNoti, err := e.bus.Subscribe(t.Context(), bus.NotiSubject("bob"))
	require.NoError(t, err)

	created, err := e.svc.CreateChat(t.Context(), "alice", "bob")
	require.NoError(t, err)
	assert.False(t, created.ID.IsZero())
	assert.Equal(t, store.KindChat, created.Kind)
	assert.ElementsMatch(t, []string{"alice", "bob"}, created.Subs)

	for _, sub := range []bus.Subscription{aliceNoti, bobNoti} {
		env := receiveEnvelope(t, sub.Events())
		newTalk, ok := env.Event.(bus.NotiNewTalk)
		require.True(t, ok, "expected NotiNewTalk, got %T", env.Event)
		assert.Equal(t, created.ID, newTalk.Talk.ID)
	}
}

func TestCreateChat_RejectsSelfChat(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.CreateChat(t.Context(), "alice", "alice")
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalid, fault.KindOf(err))
	assert.Equal(t, fault.CodeNotEnoughMembers, fault.CodeOf(err))
}

func TestCreateChat_PairIsUniqueRegardlessOfOrder(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.CreateChat(t.Context(), "alice", "bob")
	require.NoError(t, err)

	_, err = e.svc.CreateChat(t.Context(), "bob", "alice")
	require.Error(t, err)
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))
	assert.Equal(t, fault.CodeAlreadyExists, fault.CodeOf(err))
}

func TestCreateGroup_ForcesCreatorIntoMemberSet(t *testing.T) {
	e := newEnv(t)

	created, err := e.svc.CreateGroup(t.Context(), "alice", "plans", "pic.png",
		[]string{"bob", "carol", "bob"})
	require.NoError(t, err)
	assert.Equal(t, store.KindGroup, created.Kind)
	assert.Equal(t, []string{"alice", "bob", "carol"}, created.Subs)
	require.NotNil(t, created.Group)
	assert.Equal(t, "alice", created.Group.Owner)
	assert.Equal(t, "plans", created.Group.Name)
}

func TestCreateGroup_RequiresThreeMembers(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.CreateGroup(t.Context(), "alice", "plans", "", []string{"bob"})
	require.Error(t, err)
	assert.Equal(t, fault.CodeNotEnoughMembers, fault.CodeOf(err))

	// Listing the creator twice does not help.
	_, err = e.svc.CreateGroup(t.Context(), "alice", "plans", "", []string{"alice", "bob"})
	require.Error(t, err)
	assert.Equal(t, fault.CodeNotEnoughMembers, fault.CodeOf(err))
}

func TestCreateGroup_AnnouncesToEveryMember(t *testing.T) {
	e := newEnv(t)

	subs := make(map[string]bus.Subscription)
	for _, member := range []string{"alice", "bob", "carol"} {
		s, err := e.bus.Subscribe(t.Context(), bus.NotiSubject(member))
		require.NoError(t, err)
		subs[member] = s
	}

	_, err := e.svc.CreateGroup(t.Context(), "alice", "plans", "", []string{"bob", "carol"})
	require.NoError(t, err)

	for member, s := range subs {
		env := receiveEnvelope(t, s.Events())
		_, ok := env.Event.(bus.NotiNewTalk)
		assert.True(t, ok, "member %s should receive a new_talk event", member)
	}
}

func TestGet_EnforcesMembership(t *testing.T) {
	e := newEnv(t)

	created, err := e.svc.CreateChat(t.Context(), "alice", "bob")
	require.NoError(t, err)

	got, err := e.svc.Get(t.Context(), "alice", created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = e.svc.Get(t.Context(), "mallory", created.ID)
	require.Error(t, err)
	assert.Equal(t, fault.KindForbidden, fault.KindOf(err))
	assert.Equal(t, fault.CodeNotMember, fault.CodeOf(err))
}

func TestLookup_AbsentTalkIsNotFound(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.Lookup(t.Context(), primitive.NewObjectID())
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestListBySub_ReturnsOnlyOwnTalks(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.CreateChat(t.Context(), "alice", "bob")
	require.NoError(t, err)
	_, err = e.svc.CreateChat(t.Context(), "bob", "carol")
	require.NoError(t, err)

	talks, err := e.svc.ListBySub(t.Context(), "alice")
	require.NoError(t, err)
	require.Len(t, talks, 1)
	assert.ElementsMatch(t, []string{"alice", "bob"}, talks[0].Subs)

	talks, err = e.svc.ListBySub(t.Context(), "bob")
	require.NoError(t, err)
	assert.Len(t, talks, 2)
}

func TestDelete_RequiresMembership(t *testing.T) {
	e := newEnv(t)

	created, err := e.svc.CreateChat(t.Context(), "alice", "bob")
	require.NoError(t, err)

	err = e.svc.Delete(t.Context(), "mallory", created.ID)
	require.Error(t, err)
	assert.Equal(t, fault.KindForbidden, fault.KindOf(err))

	_, err = e.svc.Lookup(t.Context(), created.ID)
	assert.NoError(t, err, "a forbidden delete must not remove the talk")
}

func TestDelete_CascadesToMessages(t *testing.T) {
	e := newEnv(t)

	created, err := e.svc.CreateChat(t.Context(), "alice", "bob")
	require.NoError(t, err)

	msg := &store.Message{TalkID: created.ID, Owner: "alice", Text: "hi", Timestamp: time.Now().UTC()}
	require.NoError(t, e.store.InsertMessage(t.Context(), msg))

	require.NoError(t, e.svc.Delete(t.Context(), "alice", created.ID))

	_, err = e.svc.Lookup(t.Context(), created.ID)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	remaining, err := e.store.FindMessagesByTalk(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestMembers_CachesAfterFirstResolve(t *testing.T) {
	e := newEnv(t)

	created, err := e.svc.CreateChat(t.Context(), "alice", "bob")
	require.NoError(t, err)

	members, err := e.svc.Members(t.Context(), created.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, members)

	// Remove the talk behind the service's back; the cached set still
	// answers until it ages out.
	require.NoError(t, e.store.DeleteTalk(t.Context(), created.ID))

	members, err = e.svc.Members(t.Context(), created.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, members)
}

func TestMembers_UnknownTalkIsNotFound(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.Members(t.Context(), primitive.NewObjectID())
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestSetLastMessage_UpdatesTalk(t *testing.T) {
	e := newEnv(t)

	created, err := e.svc.CreateChat(t.Context(), "alice", "bob")
	require.NoError(t, err)

	msg := &store.Message{TalkID: created.ID, Owner: "alice", Text: "latest", Timestamp: time.Now().UTC()}
	require.NoError(t, e.store.InsertMessage(t.Context(), msg))
	require.NoError(t, e.svc.SetLastMessage(t.Context(), created.ID, msg))

	got, err := e.svc.Lookup(t.Context(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "latest", got.LastMessage.Text)
	assert.Equal(t, msg.ID, got.LastMessage.ID)
}

func TestSetLastMessage_UnknownTalkIsNotFound(t *testing.T) {
	e := newEnv(t)

	msg := &store.Message{ID: store.NewID(), Owner: "alice", Text: "x", Timestamp: time.Now().UTC()}
	err := e.svc.SetLastMessage(t.Context(), primitive.NewObjectID(), msg)
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestMarkLastMessageSeen_FlipsDenormalizedCopy(t *testing.T) {
	e := newEnv(t)

	created, err := e.svc.CreateChat(t.Context(), "alice", "bob")
	require.NoError(t, err)

	msg := &store.Message{TalkID: created.ID, Owner: "alice", Text: "hi", Timestamp: time.Now().UTC()}
	require.NoError(t, e.store.InsertMessage(t.Context(), msg))
	require.NoError(t, e.svc.SetLastMessage(t.Context(), created.ID, msg))

	require.NoError(t, e.svc.MarkLastMessageSeen(t.Context(), created.ID))

	got, err := e.svc.Lookup(t.Context(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessage)
	assert.True(t, got.LastMessage.Seen)
}

func TestRefreshLastMessage_RecomputesFromPersistedMessages(t *testing.T) {
	e := newEnv(t)

	created, err := e.svc.CreateChat(t.Context(), "alice", "bob")
	require.NoError(t, err)

	older := &store.Message{TalkID: created.ID, Owner: "alice", Text: "older", Timestamp: time.Now().UTC().Add(-time.Minute)}
	newer := &store.Message{TalkID: created.ID, Owner: "bob", Text: "newer", Timestamp: time.Now().UTC()}
	require.NoError(t, e.store.InsertMessages(t.Context(), []*store.Message{older, newer}))
	require.NoError(t, e.svc.SetLastMessage(t.Context(), created.ID, newer))

	// Deleting the newest message leaves the older one as most recent.
	_, err = e.store.DeleteMessage(t.Context(), newer.ID)
	require.NoError(t, err)
	require.NoError(t, e.svc.RefreshLastMessage(t.Context(), created.ID))

	got, err := e.svc.Lookup(t.Context(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, older.ID, got.LastMessage.ID)

	// With no messages left the last message clears entirely.
	_, err = e.store.DeleteMessage(t.Context(), older.ID)
	require.NoError(t, err)
	require.NoError(t, e.svc.RefreshLastMessage(t.Context(), created.ID))

	got, err = e.svc.Lookup(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastMessage)
}
