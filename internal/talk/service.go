// ABOUTME: Talk lifecycle service: chats, groups, listing, membership, last message
// ABOUTME: Creation fans a NotiNewTalk out to every member, creator included

package talk

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/talkwire/talkwire/internal/bus"
	"github.com/talkwire/talkwire/internal/cache"
	"github.com/talkwire/talkwire/internal/fault"
	"github.com/talkwire/talkwire/internal/store"
)

const membersCacheTTL = time.Hour

// Service owns talk lifecycle and membership resolution. Message
// cascades (deleting a talk deletes its messages, recomputing the last
// message after a delete) live here because the talk is the aggregate
// root.
type Service struct {
	talks    store.TalkRepo
	messages store.MessageRepo
	cache    cache.Cache
	bus      bus.Bus
	logger   *slog.Logger
}

func NewService(talks store.TalkRepo, messages store.MessageRepo, c cache.Cache, b bus.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		talks:    talks,
		messages: messages,
		cache:    c,
		bus:      b,
		logger:   logger.With("component", "talk"),
	}
}

// CreateChat creates the one-to-one talk between creator and other. At
// most one chat exists per unordered pair, no matter who creates it.
func (s *Service) CreateChat(ctx context.Context, creator, other string) (*store.Talk, error) {
	if other == "" || creator == other {
		return nil, fault.Invalid(fault.CodeNotEnoughMembers, "a chat needs two distinct members")
	}

	members := []string{creator, other}
	exists, err := s.talks.ChatExists(ctx, members)
	if err != nil {
		return nil, fault.Transient("checking chat uniqueness", err)
	}
	if exists {
		return nil, fault.Conflict(fault.CodeAlreadyExists, "a chat between these members already exists")
	}

	t := &store.Talk{Kind: store.KindChat, Subs: members}
	if err := s.talks.CreateTalk(ctx, t); err != nil {
		return nil, fault.Transient("creating chat", err)
	}

	s.announce(ctx, t)
	return t, nil
}

// CreateGroup creates a named group owned by creator. The creator is
// always a member, whether or not the member list names them.
func (s *Service) CreateGroup(ctx context.Context, creator, name, picture string, members []string) (*store.Talk, error) {
	subs := dedupeSubs(creator, members)
	if len(subs) < 3 {
		return nil, fault.Invalid(fault.CodeNotEnoughMembers, "a group needs at least three members")
	}

	t := &store.Talk{
		Kind: store.KindGroup,
		Subs: subs,
		Group: &store.GroupDetails{
			Name:    name,
			Picture: picture,
			Owner:   creator,
		},
	}
	if err := s.talks.CreateTalk(ctx, t); err != nil {
		return nil, fault.Transient("creating group", err)
	}

	s.announce(ctx, t)
	return t, nil
}

// dedupeSubs builds the member set with creator first and duplicates
// removed, preserving the given order otherwise.
func dedupeSubs(creator string, members []string) []string {
	seen := map[string]bool{creator: true}
	subs := []string{creator}
	for _, m := range members {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		subs = append(subs, m)
	}
	return subs
}

// announce tells every member about their new talk. Delivery is best
// effort; a member with no live connection learns of the talk on their
// next listing.
func (s *Service) announce(ctx context.Context, t *store.Talk) {
	for _, member := range t.Members() {
		if err := s.bus.Publish(ctx, bus.NotiSubject(member), bus.NotiNewTalk{Talk: t}); err != nil {
			s.logger.Warn("announcing talk failed", "talk_id", t.ID.Hex(), "member", member, "error", err)
		}
	}
}

// Get returns the talk only if sub is a member.
func (s *Service) Get(ctx context.Context, sub string, talkID primitive.ObjectID) (*store.Talk, error) {
	t, err := s.talks.FindTalkByIDAndSub(ctx, talkID, sub)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.Forbidden(fault.CodeNotMember, "not a member of this talk")
	}
	if err != nil {
		return nil, fault.Transient("loading talk", err)
	}
	return t, nil
}

// Lookup returns the talk regardless of membership. Callers that act on
// behalf of a user should prefer Get.
func (s *Service) Lookup(ctx context.Context, talkID primitive.ObjectID) (*store.Talk, error) {
	t, err := s.talks.FindTalkByID(ctx, talkID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.NotFound(fault.CodeNotFound, "talk not found")
	}
	if err != nil {
		return nil, fault.Transient("loading talk", err)
	}
	return t, nil
}

// ListBySub returns sub's talks, most recently active first.
func (s *Service) ListBySub(ctx context.Context, sub string) ([]*store.Talk, error) {
	talks, err := s.talks.FindTalksBySub(ctx, sub)
	if err != nil {
		return nil, fault.Transient("listing talks", err)
	}
	return talks, nil
}

// Delete removes the talk and all its messages. Only members may
// delete; the membership check and the read share one query.
func (s *Service) Delete(ctx context.Context, sub string, talkID primitive.ObjectID) error {
	if _, err := s.Get(ctx, sub, talkID); err != nil {
		return err
	}

	if err := s.messages.DeleteMessagesByTalk(ctx, talkID); err != nil {
		return fault.Transient("deleting talk messages", err)
	}
	if err := s.talks.DeleteTalk(ctx, talkID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fault.Transient("deleting talk", err)
	}
	if err := s.cache.Del(ctx, cache.TalkMembersKey(talkID.Hex())); err != nil {
		s.logger.Warn("dropping member cache failed", "talk_id", talkID.Hex(), "error", err)
	}
	return nil
}

// Members resolves the talk's member subs, cache first. The cached set
// lives for an hour; membership is fixed after creation, so staleness
// only matters across a delete, which drops the key.
func (s *Service) Members(ctx context.Context, talkID primitive.ObjectID) ([]string, error) {
	key := cache.TalkMembersKey(talkID.Hex())

	members, err := s.cache.SMembers(ctx, key)
	if err == nil && len(members) > 0 {
		return members, nil
	}
	if err != nil && !errors.Is(err, cache.ErrAbsent) {
		s.logger.Warn("member cache read failed", "talk_id", talkID.Hex(), "error", err)
	}

	t, err := s.Lookup(ctx, talkID)
	if err != nil {
		return nil, err
	}

	if err := s.cache.SAdd(ctx, key, t.Members()...); err != nil {
		s.logger.Warn("member cache write failed", "talk_id", talkID.Hex(), "error", err)
	} else if err := s.cache.Expire(ctx, key, membersCacheTTL); err != nil {
		s.logger.Warn("member cache expire failed", "talk_id", talkID.Hex(), "error", err)
	}
	return t.Members(), nil
}

// SetLastMessage records msg as the talk's most recent activity.
func (s *Service) SetLastMessage(ctx context.Context, talkID primitive.ObjectID, msg *store.Message) error {
	if err := s.talks.UpdateLastMessage(ctx, talkID, store.LastMessageOf(msg)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fault.NotFound(fault.CodeNotFound, "talk not found")
		}
		return fault.Transient("updating last message", err)
	}
	return nil
}

// MarkLastMessageSeen flips the denormalized last message to seen. A
// talk whose last message is already seen, or that has none, is left
// alone.
func (s *Service) MarkLastMessageSeen(ctx context.Context, talkID primitive.ObjectID) error {
	if err := s.talks.MarkLastMessageSeen(ctx, talkID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fault.Transient("marking last message seen", err)
	}
	return nil
}

// RefreshLastMessage recomputes the talk's last message from what is
// actually persisted, clearing it when the talk has no messages left.
// Used after message deletes.
func (s *Service) RefreshLastMessage(ctx context.Context, talkID primitive.ObjectID) error {
	recent, err := s.messages.FindMostRecentMessage(ctx, talkID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		recent = nil
	case err != nil:
		return fault.Transient("finding most recent message", err)
	}

	var lm *store.LastMessage
	if recent != nil {
		lm = store.LastMessageOf(recent)
	}
	if err := s.talks.UpdateLastMessage(ctx, talkID, lm); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fault.Transient("updating last message", err)
	}
	return nil
}
