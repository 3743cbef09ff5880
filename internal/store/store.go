// ABOUTME: Repository interfaces and data types for talkwire persistence
// ABOUTME: Defines UserProfile, Contact, Talk, Message and the Store interface

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// NewID returns a fresh unique identifier.
func NewID() primitive.ObjectID { return primitive.NewObjectID() }

// ParseID parses a 24-character hex identifier as received from clients.
func ParseID(s string) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(s)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("parsing id %q: %w", s, err)
	}
	return id, nil
}

// UserProfile mirrors the identity provider's view of a user. Immutable
// from this system's perspective; refreshed from the provider.
type UserProfile struct {
	Sub      string `bson:"sub" json:"sub"`
	Nickname string `bson:"nickname" json:"nickname"`
	Name     string `bson:"name" json:"name"`
	Picture  string `bson:"picture" json:"picture"`
	Email    string `bson:"email" json:"email"`
}

// ContactStatus values for a contact pair.
const (
	StatusPending  ContactStatus = "pending"
	StatusAccepted ContactStatus = "accepted"
	StatusRejected ContactStatus = "rejected"
	StatusBlocked  ContactStatus = "blocked"
)

// ContactStatus is the state of a contact relationship.
type ContactStatus string

// Valid reports whether the status is one of the known values.
func (s ContactStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusBlocked:
		return true
	}
	return false
}

// Contact links an unordered pair of subs. SubA/SubB are stored in
// lexicographic order so at most one row exists per pair. Initiator is
// set for pending and blocked states.
type Contact struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SubA      string             `bson:"subA" json:"subA"`
	SubB      string             `bson:"subB" json:"subB"`
	Status    ContactStatus      `bson:"status" json:"status"`
	Initiator string             `bson:"initiator,omitempty" json:"initiator,omitempty"`
}

// Peer returns the other side of the contact pair.
func (c *Contact) Peer(sub string) string {
	if c.SubA == sub {
		return c.SubB
	}
	return c.SubA
}

// TalkKind discriminates one-to-one chats from named groups.
type TalkKind string

// Talk kinds.
const (
	KindChat  TalkKind = "chat"
	KindGroup TalkKind = "group"
)

// GroupDetails carries the group-only fields of a talk.
type GroupDetails struct {
	Name    string `bson:"name" json:"name"`
	Picture string `bson:"picture" json:"picture"`
	Owner   string `bson:"owner" json:"owner"`
}

// Talk is the persistence root for messages: a chat (exactly two subs)
// or a group (three or more, owner included). Subs is the authoritative
// member list for both kinds; membership is fixed after creation.
// LastMessage denormalizes the most recent message to avoid joins on
// listing.
type Talk struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Kind        TalkKind           `bson:"kind" json:"kind"`
	Subs        []string           `bson:"subs" json:"subs"`
	Group       *GroupDetails      `bson:"group,omitempty" json:"group,omitempty"`
	LastMessage *LastMessage       `bson:"lastMessage,omitempty" json:"last_message,omitempty"`
}

// Members returns the subs participating in the talk.
func (t *Talk) Members() []string { return t.Subs }

// IsMember reports whether sub participates in the talk.
func (t *Talk) IsMember(sub string) bool {
	for _, s := range t.Subs {
		if s == sub {
			return true
		}
	}
	return false
}

// Message is a single persisted message. Timestamp is server-assigned
// at create; Seen only ever transitions false to true.
type Message struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	TalkID    primitive.ObjectID `bson:"talkId" json:"talkId"`
	Owner     string             `bson:"owner" json:"owner"`
	Text      string             `bson:"text" json:"text"`
	Timestamp time.Time          `bson:"timestamp" json:"timestamp"`
	Seen      bool               `bson:"seen" json:"seen"`
}

// LastMessage is the denormalized view of a talk's most recent message,
// embedded in the owning Talk.
type LastMessage struct {
	ID        primitive.ObjectID `bson:"id" json:"id"`
	Text      string             `bson:"text" json:"text"`
	Owner     string             `bson:"owner" json:"owner"`
	Timestamp time.Time          `bson:"timestamp" json:"timestamp"`
	Seen      bool               `bson:"seen" json:"seen"`
}

// LastMessageOf builds the denormalized view of msg.
func LastMessageOf(msg *Message) *LastMessage {
	if msg == nil {
		return nil
	}
	return &LastMessage{
		ID:        msg.ID,
		Text:      msg.Text,
		Owner:     msg.Owner,
		Timestamp: msg.Timestamp,
		Seen:      msg.Seen,
	}
}

// UserRepo persists identity-provider profiles.
type UserRepo interface {
	UpsertUser(ctx context.Context, profile *UserProfile) error
	FindUserBySub(ctx context.Context, sub string) (*UserProfile, error)
}

// ContactRepo persists contact pairs.
type ContactRepo interface {
	UpsertContact(ctx context.Context, contact *Contact) error
	FindContactBySubs(ctx context.Context, subA, subB string) (*Contact, error)
	FindContactsBySubAndStatus(ctx context.Context, sub string, status ContactStatus) ([]*Contact, error)
	// AcceptedSubs returns the peers of sub across accepted contacts.
	AcceptedSubs(ctx context.Context, sub string) ([]string, error)
}

// TalkRepo persists talks and their denormalized last message.
type TalkRepo interface {
	CreateTalk(ctx context.Context, talk *Talk) error
	FindTalkByID(ctx context.Context, id primitive.ObjectID) (*Talk, error)
	// FindTalkByIDAndSub enforces membership at the storage layer.
	FindTalkByIDAndSub(ctx context.Context, id primitive.ObjectID, sub string) (*Talk, error)
	// FindTalksBySub returns sub's talks ordered by last activity, newest first.
	FindTalksBySub(ctx context.Context, sub string) ([]*Talk, error)
	// ChatExists reports whether a chat-kind talk exists with exactly these subs.
	ChatExists(ctx context.Context, subs []string) (bool, error)
	DeleteTalk(ctx context.Context, id primitive.ObjectID) error
	// UpdateLastMessage replaces the talk's last message; nil clears it.
	UpdateLastMessage(ctx context.Context, id primitive.ObjectID, lm *LastMessage) error
	MarkLastMessageSeen(ctx context.Context, id primitive.ObjectID) error
}

// MessageRepo persists messages. The FindMessagesByTalk* variants all
// return messages ascending by timestamp; the Limited forms select the
// newest limit messages and reverse them into ascending order.
type MessageRepo interface {
	InsertMessage(ctx context.Context, msg *Message) error
	// InsertMessages persists a batch preserving slice order.
	InsertMessages(ctx context.Context, msgs []*Message) error
	FindMessageByID(ctx context.Context, id primitive.ObjectID) (*Message, error)
	FindMostRecentMessage(ctx context.Context, talkID primitive.ObjectID) (*Message, error)
	FindMessagesByTalk(ctx context.Context, talkID primitive.ObjectID) ([]*Message, error)
	FindMessagesByTalkLimited(ctx context.Context, talkID primitive.ObjectID, limit int) ([]*Message, error)
	FindMessagesByTalkBefore(ctx context.Context, talkID primitive.ObjectID, before time.Time) ([]*Message, error)
	FindMessagesByTalkLimitedBefore(ctx context.Context, talkID primitive.ObjectID, limit int, before time.Time) ([]*Message, error)
	UpdateMessageText(ctx context.Context, id primitive.ObjectID, text string) error
	// DeleteMessage returns the number of documents removed (0 or 1).
	DeleteMessage(ctx context.Context, id primitive.ObjectID) (int64, error)
	DeleteMessagesByTalk(ctx context.Context, talkID primitive.ObjectID) error
	MarkMessagesSeen(ctx context.Context, ids []primitive.ObjectID) error
}

// Store combines every repository behind one handle.
type Store interface {
	UserRepo
	ContactRepo
	TalkRepo
	MessageRepo

	// Ping reports whether the backing database is reachable.
	Ping(ctx context.Context) error
	// Close releases any resources held by the store
	Close(ctx context.Context) error
}

// normalizePair orders an unordered sub pair lexicographically.
func normalizePair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
