// ABOUTME: Message service: create with splitting, edit, delete, seen tracking, queries
// ABOUTME: Events fan out per recipient; the author learns results synchronously

package message

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/talkwire/talkwire/internal/bus"
	"github.com/talkwire/talkwire/internal/fault"
	"github.com/talkwire/talkwire/internal/store"
)

// TalkDirectory is the slice of the talk service messages need:
// membership checks, fan-out targets, last-message bookkeeping.
type TalkDirectory interface {
	Members(ctx context.Context, talkID primitive.ObjectID) ([]string, error)
	Lookup(ctx context.Context, talkID primitive.ObjectID) (*store.Talk, error)
	Get(ctx context.Context, sub string, talkID primitive.ObjectID) (*store.Talk, error)
	SetLastMessage(ctx context.Context, talkID primitive.ObjectID, msg *store.Message) error
	MarkLastMessageSeen(ctx context.Context, talkID primitive.ObjectID) error
}

// Service owns message lifecycle inside talks.
type Service struct {
	messages store.MessageRepo
	talks    TalkDirectory
	bus      bus.Bus
	logger   *slog.Logger
}

func NewService(messages store.MessageRepo, talks TalkDirectory, b bus.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		messages: messages,
		talks:    talks,
		bus:      b,
		logger:   logger.With("component", "message"),
	}
}

// Create persists text as one or more sibling messages in the talk and
// fans them out to every other member. Over-long text is split; all
// chunks share one server-assigned timestamp, and the returned slice is
// in chunk order.
func (s *Service) Create(ctx context.Context, author string, talkID primitive.ObjectID, text string) ([]*store.Message, error) {
	if text == "" {
		return nil, fault.Invalid(fault.CodeEmptyText, "message text is empty")
	}

	members, err := s.talks.Members(ctx, talkID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(members, author) {
		return nil, fault.Forbidden(fault.CodeNotMember, "not a member of this talk")
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	chunks := Split(text)
	msgs := make([]*store.Message, len(chunks))
	for i, chunk := range chunks {
		msgs[i] = &store.Message{
			ID:        store.NewID(),
			TalkID:    talkID,
			Owner:     author,
			Text:      chunk,
			Timestamp: now,
		}
	}

	if len(msgs) == 1 {
		err = s.messages.InsertMessage(ctx, msgs[0])
	} else {
		err = s.messages.InsertMessages(ctx, msgs)
	}
	if err != nil {
		return nil, fault.Transient("persisting message", err)
	}

	last := msgs[len(msgs)-1]
	if err := s.talks.SetLastMessage(ctx, talkID, last); err != nil {
		// The message is already persisted; a stale talk listing beats
		// a spurious error for a send that worked.
		s.logger.Warn("updating last message failed", "talk_id", talkID.Hex(), "error", err)
	}

	events := make([]bus.Event, len(msgs))
	for i, msg := range msgs {
		events[i] = bus.MessageNew{Message: msg}
	}
	summary := bus.NotiNewMessage{TalkID: talkID, LastMessage: store.LastMessageOf(last)}

	for _, recipient := range members {
		if recipient == author {
			continue
		}
		if err := s.bus.PublishAll(ctx, bus.MessagesSubject(recipient, talkID), events); err != nil {
			s.logger.Warn("message fan-out failed", "talk_id", talkID.Hex(), "recipient", recipient, "error", err)
		}
		if err := s.bus.Publish(ctx, bus.NotiSubject(recipient), summary); err != nil {
			s.logger.Warn("summary fan-out failed", "talk_id", talkID.Hex(), "recipient", recipient, "error", err)
		}
	}
	return msgs, nil
}

// Edit replaces a message's text. Only the owner may edit, and the new
// text must fit in a single message.
func (s *Service) Edit(ctx context.Context, author string, messageID primitive.ObjectID, text string) (*store.Message, error) {
	if text == "" {
		return nil, fault.Invalid(fault.CodeEmptyText, "message text is empty")
	}
	if Length(text) > MaxMessageLength {
		return nil, fault.Invalid(fault.CodeTextTooLong, "message text exceeds the single-message limit")
	}

	msg, err := s.messages.FindMessageByID(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.NotFound(fault.CodeNotFound, "message not found")
	}
	if err != nil {
		return nil, fault.Transient("loading message", err)
	}
	if msg.Owner != author {
		return nil, fault.Forbidden(fault.CodeNotOwner, "only the owner may edit a message")
	}

	if err := s.messages.UpdateMessageText(ctx, messageID, text); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.NotFound(fault.CodeNotFound, "message not found")
		}
		return nil, fault.Transient("updating message", err)
	}
	msg.Text = text

	s.fanOut(ctx, msg.TalkID, author, bus.MessageUpdated{Message: msg, By: author})
	return msg, nil
}

// Delete removes a message the author owns and returns it. The caller
// is responsible for recomputing the talk's last message afterwards.
func (s *Service) Delete(ctx context.Context, author string, messageID primitive.ObjectID) (*store.Message, error) {
	msg, err := s.messages.FindMessageByID(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.NotFound(fault.CodeNotFound, "message not found")
	}
	if err != nil {
		return nil, fault.Transient("loading message", err)
	}

	members, err := s.talks.Members(ctx, msg.TalkID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(members, author) || msg.Owner != author {
		return nil, fault.Forbidden(fault.CodeNotOwner, "only the owner may delete a message")
	}

	count, err := s.messages.DeleteMessage(ctx, messageID)
	if err != nil {
		return nil, fault.Transient("deleting message", err)
	}
	if count == 0 {
		return nil, fault.NotFound(fault.CodeNotFound, "message already deleted")
	}

	s.fanOut(ctx, msg.TalkID, author, bus.MessageDeleted{ID: messageID})
	return msg, nil
}

// MarkSeen transitions the given messages to seen on viewer's behalf
// and tells each owner. Messages the viewer owns, or that are already
// seen, are skipped. Eligible entries in msgs are flipped in place so
// callers observe post-transition state. Returns how many transitioned.
func (s *Service) MarkSeen(ctx context.Context, viewer string, msgs []*store.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	var eligible []*store.Message
	for _, msg := range msgs {
		if msg.Owner == viewer || msg.Seen {
			continue
		}
		eligible = append(eligible, msg)
	}
	if len(eligible) == 0 {
		return 0, nil
	}

	ids := make([]primitive.ObjectID, len(eligible))
	for i, msg := range eligible {
		ids[i] = msg.ID
	}
	if err := s.messages.MarkMessagesSeen(ctx, ids); err != nil {
		return 0, fault.Transient("marking messages seen", err)
	}

	seenByID := make(map[primitive.ObjectID]bool, len(eligible))
	for _, msg := range eligible {
		msg.Seen = true
		seenByID[msg.ID] = true
		if err := s.bus.Publish(ctx, bus.MessagesSubject(msg.Owner, msg.TalkID), bus.MessageSeen{Message: msg}); err != nil {
			s.logger.Warn("seen fan-out failed", "message_id", msg.ID.Hex(), "error", err)
		}
	}

	s.markLastMessagesSeen(ctx, eligible, seenByID)
	return len(eligible), nil
}

// MarkSeenByID loads one message and runs it through MarkSeen. Returns
// how many transitioned (0 or 1).
func (s *Service) MarkSeenByID(ctx context.Context, viewer string, messageID primitive.ObjectID) (int, error) {
	msg, err := s.messages.FindMessageByID(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fault.NotFound(fault.CodeNotFound, "no such message")
	}
	if err != nil {
		return 0, fault.Transient("loading message", err)
	}
	return s.MarkSeen(ctx, viewer, []*store.Message{msg})
}

// markLastMessagesSeen flips each affected talk's denormalized last
// message when it was among the transitions.
func (s *Service) markLastMessagesSeen(ctx context.Context, eligible []*store.Message, seenByID map[primitive.ObjectID]bool) {
	done := make(map[primitive.ObjectID]bool)
	for _, msg := range eligible {
		if done[msg.TalkID] {
			continue
		}
		done[msg.TalkID] = true

		t, err := s.talks.Lookup(ctx, msg.TalkID)
		if err != nil {
			s.logger.Warn("loading talk for seen bookkeeping failed", "talk_id", msg.TalkID.Hex(), "error", err)
			continue
		}
		if t.LastMessage == nil || !seenByID[t.LastMessage.ID] {
			continue
		}
		if err := s.talks.MarkLastMessageSeen(ctx, msg.TalkID); err != nil {
			s.logger.Warn("marking last message seen failed", "talk_id", msg.TalkID.Hex(), "error", err)
		}
	}
}

// FindByTalk returns the talk's messages ascending by time, bounded by
// the optional limit and before arguments (zero values mean unbounded).
// Opening a talk is how messages become seen: whatever comes back that
// others sent is marked on the way out, and the count reports how many
// actually transitioned.
func (s *Service) FindByTalk(ctx context.Context, viewer string, talkID primitive.ObjectID, limit int, before time.Time) ([]*store.Message, int, error) {
	if _, err := s.talks.Get(ctx, viewer, talkID); err != nil {
		return nil, 0, err
	}

	var msgs []*store.Message
	var err error
	switch {
	case limit > 0 && !before.IsZero():
		msgs, err = s.messages.FindMessagesByTalkLimitedBefore(ctx, talkID, limit, before)
	case limit > 0:
		msgs, err = s.messages.FindMessagesByTalkLimited(ctx, talkID, limit)
	case !before.IsZero():
		msgs, err = s.messages.FindMessagesByTalkBefore(ctx, talkID, before)
	default:
		msgs, err = s.messages.FindMessagesByTalk(ctx, talkID)
	}
	if err != nil {
		return nil, 0, fault.Transient("querying messages", err)
	}

	seen, err := s.MarkSeen(ctx, viewer, msgs)
	if err != nil {
		return nil, 0, err
	}
	return msgs, seen, nil
}

// fanOut publishes event on every member's talk subject except skip's.
func (s *Service) fanOut(ctx context.Context, talkID primitive.ObjectID, skip string, event bus.Event) {
	members, err := s.talks.Members(ctx, talkID)
	if err != nil {
		s.logger.Warn("resolving fan-out members failed", "talk_id", talkID.Hex(), "error", err)
		return
	}
	for _, member := range members {
		if member == skip {
			continue
		}
		if err := s.bus.Publish(ctx, bus.MessagesSubject(member, talkID), event); err != nil {
			s.logger.Warn("event fan-out failed", "talk_id", talkID.Hex(), "recipient", member, "error", err)
		}
	}
}
