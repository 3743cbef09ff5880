// ABOUTME: In-memory Store implementation for tests and single-node runs
// ABOUTME: Mirrors the Mongo repository semantics without a database

package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Memory is an in-memory Store. All methods copy values in and out so
// callers can never mutate stored state through returned pointers.
type Memory struct {
	mu       sync.RWMutex
	users    map[string]*UserProfile         // keyed by sub
	contacts map[string]*Contact             // keyed by "subA|subB" normalized
	talks    map[primitive.ObjectID]*Talk    // keyed by talk ID
	messages map[primitive.ObjectID]*Message // keyed by message ID
	order    map[primitive.ObjectID]int      // message insertion order, for stable tie-breaks
	inserted int
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]*UserProfile),
		contacts: make(map[string]*Contact),
		talks:    make(map[primitive.ObjectID]*Talk),
		messages: make(map[primitive.ObjectID]*Message),
		order:    make(map[primitive.ObjectID]int),
	}
}

// UpsertUser stores a copy of the profile keyed by sub.
func (m *Memory) UpsertUser(_ context.Context, profile *UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := *profile
	m.users[p.Sub] = &p
	return nil
}

// FindUserBySub retrieves a profile by sub.
func (m *Memory) FindUserBySub(_ context.Context, sub string) (*UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.users[sub]
	if !ok {
		return nil, ErrNotFound
	}
	result := *p
	return &result, nil
}

// UpsertContact stores the contact under its normalized pair.
func (m *Memory) UpsertContact(_ context.Context, contact *Contact) error {
	if contact.SubA == contact.SubB {
		return fmt.Errorf("contact pair must be distinct: %s", contact.SubA)
	}
	if !contact.Status.Valid() {
		return fmt.Errorf("unsupported contact status %q", contact.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := *contact
	c.SubA, c.SubB = normalizePair(contact.SubA, contact.SubB)
	if existing, ok := m.contacts[c.SubA+"|"+c.SubB]; ok {
		c.ID = existing.ID
	} else if c.ID.IsZero() {
		c.ID = NewID()
	}
	m.contacts[c.SubA+"|"+c.SubB] = &c
	return nil
}

// FindContactBySubs retrieves the contact for an unordered pair.
func (m *Memory) FindContactBySubs(_ context.Context, subA, subB string) (*Contact, error) {
	a, b := normalizePair(subA, subB)

	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contacts[a+"|"+b]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// FindContactsBySubAndStatus retrieves all of sub's contacts in a given state.
func (m *Memory) FindContactsBySubAndStatus(_ context.Context, sub string, status ContactStatus) ([]*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Contact
	for _, c := range m.contacts {
		if c.Status != status {
			continue
		}
		if c.SubA != sub && c.SubB != sub {
			continue
		}
		contactCopy := *c
		result = append(result, &contactCopy)
	}
	return result, nil
}

// AcceptedSubs returns the peers of sub across accepted contacts.
func (m *Memory) AcceptedSubs(ctx context.Context, sub string) ([]string, error) {
	contacts, err := m.FindContactsBySubAndStatus(ctx, sub, StatusAccepted)
	if err != nil {
		return nil, err
	}
	subs := make([]string, 0, len(contacts))
	for _, c := range contacts {
		subs = append(subs, c.Peer(sub))
	}
	return subs, nil
}

// CreateTalk stores a copy of the talk, assigning an id when absent.
func (m *Memory) CreateTalk(_ context.Context, talk *Talk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if talk.ID.IsZero() {
		talk.ID = NewID()
	}
	m.talks[talk.ID] = copyTalk(talk)
	return nil
}

// FindTalkByID retrieves a talk by id.
func (m *Memory) FindTalkByID(_ context.Context, id primitive.ObjectID) (*Talk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.talks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTalk(t), nil
}

// FindTalkByIDAndSub retrieves a talk only when sub is a member.
func (m *Memory) FindTalkByIDAndSub(_ context.Context, id primitive.ObjectID, sub string) (*Talk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.talks[id]
	if !ok || !t.IsMember(sub) {
		return nil, ErrNotFound
	}
	return copyTalk(t), nil
}

// FindTalksBySub returns sub's talks newest-activity first. Talks without
// a last message sort after those with one.
func (m *Memory) FindTalksBySub(_ context.Context, sub string) ([]*Talk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var talks []*Talk
	for _, t := range m.talks {
		if t.IsMember(sub) {
			talks = append(talks, copyTalk(t))
		}
	}

	sort.Slice(talks, func(i, j int) bool {
		li, lj := talks[i].LastMessage, talks[j].LastMessage
		switch {
		case li == nil && lj == nil:
			return lessID(talks[i].ID, talks[j].ID)
		case li == nil:
			return false
		case lj == nil:
			return true
		default:
			return li.Timestamp.After(lj.Timestamp)
		}
	})

	return talks, nil
}

// ChatExists reports whether a chat-kind talk covers exactly these subs.
func (m *Memory) ChatExists(_ context.Context, subs []string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.talks {
		if t.Kind != KindChat || len(t.Subs) != len(subs) {
			continue
		}
		all := true
		for _, s := range subs {
			if !t.IsMember(s) {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

// DeleteTalk removes a talk.
func (m *Memory) DeleteTalk(_ context.Context, id primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.talks, id)
	return nil
}

// UpdateLastMessage replaces the talk's last message; nil clears it.
func (m *Memory) UpdateLastMessage(_ context.Context, id primitive.ObjectID, lm *LastMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.talks[id]
	if !ok {
		return ErrNotFound
	}
	if lm == nil {
		t.LastMessage = nil
		return nil
	}
	lmCopy := *lm
	t.LastMessage = &lmCopy
	return nil
}

// MarkLastMessageSeen flips the embedded last message to seen.
func (m *Memory) MarkLastMessageSeen(_ context.Context, id primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.talks[id]
	if !ok || t.LastMessage == nil {
		return nil
	}
	t.LastMessage.Seen = true
	return nil
}

// InsertMessage stores a copy of the message, assigning an id when absent.
func (m *Memory) InsertMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertLocked(msg)
	return nil
}

// InsertMessages stores a batch in slice order.
func (m *Memory) InsertMessages(_ context.Context, msgs []*Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range msgs {
		m.insertLocked(msg)
	}
	return nil
}

func (m *Memory) insertLocked(msg *Message) {
	if msg.ID.IsZero() {
		msg.ID = NewID()
	}
	msgCopy := *msg
	m.messages[msg.ID] = &msgCopy
	m.order[msg.ID] = m.inserted
	m.inserted++
}

// FindMessageByID retrieves a message by id.
func (m *Memory) FindMessageByID(_ context.Context, id primitive.ObjectID) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *msg
	return &result, nil
}

// FindMostRecentMessage returns the newest message of a talk. The
// insertion-order tie-break keeps the last chunk of a batch ahead of its
// siblings.
func (m *Memory) FindMostRecentMessage(_ context.Context, talkID primitive.ObjectID) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var newest *Message
	for _, msg := range m.messages {
		if msg.TalkID != talkID {
			continue
		}
		if newest == nil || m.newerLocked(msg, newest) {
			newest = msg
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	result := *newest
	return &result, nil
}

func (m *Memory) newerLocked(a, b *Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return m.order[a.ID] > m.order[b.ID]
}

// FindMessagesByTalk returns every message of a talk, oldest first.
func (m *Memory) FindMessagesByTalk(_ context.Context, talkID primitive.ObjectID) ([]*Message, error) {
	return m.queryMessages(talkID, 0, nil), nil
}

// FindMessagesByTalkLimited returns the newest limit messages, oldest first.
func (m *Memory) FindMessagesByTalkLimited(_ context.Context, talkID primitive.ObjectID, limit int) ([]*Message, error) {
	return m.queryMessages(talkID, limit, nil), nil
}

// FindMessagesByTalkBefore returns messages older than before, oldest first.
func (m *Memory) FindMessagesByTalkBefore(_ context.Context, talkID primitive.ObjectID, before time.Time) ([]*Message, error) {
	return m.queryMessages(talkID, 0, &before), nil
}

// FindMessagesByTalkLimitedBefore returns the newest limit messages older
// than before, oldest first.
func (m *Memory) FindMessagesByTalkLimitedBefore(_ context.Context, talkID primitive.ObjectID, limit int, before time.Time) ([]*Message, error) {
	return m.queryMessages(talkID, limit, &before), nil
}

func (m *Memory) queryMessages(talkID primitive.ObjectID, limit int, before *time.Time) []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var msgs []*Message
	for _, msg := range m.messages {
		if msg.TalkID != talkID {
			continue
		}
		if before != nil && !msg.Timestamp.Before(*before) {
			continue
		}
		msgCopy := *msg
		msgs = append(msgs, &msgCopy)
	}

	// Ascending by timestamp, insertion order breaking ties
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return m.order[msgs[i].ID] < m.order[msgs[j].ID]
	})

	// Limited forms keep the newest limit entries
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	return msgs
}

// UpdateMessageText replaces a message's text.
func (m *Memory) UpdateMessageText(_ context.Context, id primitive.ObjectID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Text = text
	return nil
}

// DeleteMessage removes a message and reports how many entries matched.
func (m *Memory) DeleteMessage(_ context.Context, id primitive.ObjectID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[id]; !ok {
		return 0, nil
	}
	delete(m.messages, id)
	delete(m.order, id)
	return 1, nil
}

// DeleteMessagesByTalk removes every message of a talk.
func (m *Memory) DeleteMessagesByTalk(_ context.Context, talkID primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, msg := range m.messages {
		if msg.TalkID == talkID {
			delete(m.messages, id)
			delete(m.order, id)
		}
	}
	return nil
}

// MarkMessagesSeen flips seen to true for the given ids.
func (m *Memory) MarkMessagesSeen(_ context.Context, ids []primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if msg, ok := m.messages[id]; ok {
			msg.Seen = true
		}
	}
	return nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op for Memory.
func (m *Memory) Close(context.Context) error { return nil }

func copyTalk(t *Talk) *Talk {
	talkCopy := *t
	talkCopy.Subs = append([]string(nil), t.Subs...)
	if t.Group != nil {
		groupCopy := *t.Group
		talkCopy.Group = &groupCopy
	}
	if t.LastMessage != nil {
		lmCopy := *t.LastMessage
		talkCopy.LastMessage = &lmCopy
	}
	return &talkCopy
}

func lessID(a, b primitive.ObjectID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
