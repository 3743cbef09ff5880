// ABOUTME: MongoDB Store implementation over users/contacts/talks/messages collections
// ABOUTME: Connects, ensures indexes, and maps driver errors to store sentinels

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const connectTimeout = 10 * time.Second

// Mongo is the production Store backed by MongoDB.
type Mongo struct {
	client   *mongo.Client
	users    *mongo.Collection
	contacts *mongo.Collection
	talks    *mongo.Collection
	messages *mongo.Collection
	logger   *slog.Logger
}

var _ Store = (*Mongo)(nil)

// NewMongo connects to uri, verifies the server is reachable, and ensures
// the indexes the repositories rely on. Pass nil logger for default.
func NewMongo(ctx context.Context, uri, db string, logger *slog.Logger) (*Mongo, error) {
	if logger == nil {
		logger = slog.Default()
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	database := client.Database(db)
	m := &Mongo{
		client:   client,
		users:    database.Collection("users"),
		contacts: database.Collection("contacts"),
		talks:    database.Collection("talks"),
		messages: database.Collection("messages"),
		logger:   logger.With("component", "store"),
	}

	if err := m.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	m.logger.Info("connected to mongo", "db", db)
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)

	if _, err := m.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "sub", Value: 1}},
		Options: unique,
	}); err != nil {
		return fmt.Errorf("creating users index: %w", err)
	}

	if _, err := m.contacts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "subA", Value: 1}, {Key: "subB", Value: 1}},
		Options: unique,
	}); err != nil {
		return fmt.Errorf("creating contacts index: %w", err)
	}

	if _, err := m.talks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "subs", Value: 1}},
	}); err != nil {
		return fmt.Errorf("creating talks index: %w", err)
	}

	if _, err := m.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "talkId", Value: 1}, {Key: "timestamp", Value: 1}},
	}); err != nil {
		return fmt.Errorf("creating messages index: %w", err)
	}

	return nil
}

// UpsertUser inserts or replaces the profile for its sub.
func (m *Mongo) UpsertUser(ctx context.Context, profile *UserProfile) error {
	_, err := m.users.UpdateOne(ctx,
		bson.M{"sub": profile.Sub},
		bson.M{"$set": profile},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upserting user %s: %w", profile.Sub, err)
	}
	return nil
}

// FindUserBySub retrieves a profile by sub.
func (m *Mongo) FindUserBySub(ctx context.Context, sub string) (*UserProfile, error) {
	var profile UserProfile
	err := m.users.FindOne(ctx, bson.M{"sub": sub}).Decode(&profile)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding user %s: %w", sub, err)
	}
	return &profile, nil
}

// UpsertContact writes the contact for its normalized pair.
func (m *Mongo) UpsertContact(ctx context.Context, contact *Contact) error {
	if contact.SubA == contact.SubB {
		return fmt.Errorf("contact pair must be distinct: %s", contact.SubA)
	}
	if !contact.Status.Valid() {
		return fmt.Errorf("unsupported contact status %q", contact.Status)
	}
	subA, subB := normalizePair(contact.SubA, contact.SubB)
	_, err := m.contacts.UpdateOne(ctx,
		bson.M{"subA": subA, "subB": subB},
		bson.M{"$set": bson.M{"status": contact.Status, "initiator": contact.Initiator}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upserting contact %s/%s: %w", subA, subB, err)
	}
	return nil
}

// FindContactBySubs retrieves the contact for an unordered pair.
func (m *Mongo) FindContactBySubs(ctx context.Context, subA, subB string) (*Contact, error) {
	a, b := normalizePair(subA, subB)
	var contact Contact
	err := m.contacts.FindOne(ctx, bson.M{"subA": a, "subB": b}).Decode(&contact)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding contact %s/%s: %w", a, b, err)
	}
	return &contact, nil
}

// FindContactsBySubAndStatus retrieves all of sub's contacts in a given state.
func (m *Mongo) FindContactsBySubAndStatus(ctx context.Context, sub string, status ContactStatus) ([]*Contact, error) {
	filter := bson.M{
		"$or":    bson.A{bson.M{"subA": sub}, bson.M{"subB": sub}},
		"status": status,
	}
	cursor, err := m.contacts.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("finding contacts for %s: %w", sub, err)
	}
	var contacts []*Contact
	if err := cursor.All(ctx, &contacts); err != nil {
		return nil, fmt.Errorf("decoding contacts for %s: %w", sub, err)
	}
	return contacts, nil
}

// AcceptedSubs returns the peers of sub across accepted contacts.
func (m *Mongo) AcceptedSubs(ctx context.Context, sub string) ([]string, error) {
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

// CreateTalk persists a new talk, assigning an id when absent.
func (m *Mongo) CreateTalk(ctx context.Context, talk *Talk) error {
	if talk.ID.IsZero() {
		talk.ID = NewID()
	}
	if _, err := m.talks.InsertOne(ctx, talk); err != nil {
		return fmt.Errorf("inserting talk: %w", err)
	}
	return nil
}

// FindTalkByID retrieves a talk by id.
func (m *Mongo) FindTalkByID(ctx context.Context, id primitive.ObjectID) (*Talk, error) {
	var talk Talk
	err := m.talks.FindOne(ctx, bson.M{"_id": id}).Decode(&talk)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding talk %s: %w", id.Hex(), err)
	}
	return &talk, nil
}

// FindTalkByIDAndSub retrieves a talk only when sub is a member.
func (m *Mongo) FindTalkByIDAndSub(ctx context.Context, id primitive.ObjectID, sub string) (*Talk, error) {
	var talk Talk
	err := m.talks.FindOne(ctx, bson.M{"_id": id, "subs": sub}).Decode(&talk)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding talk %s for %s: %w", id.Hex(), sub, err)
	}
	return &talk, nil
}

// FindTalksBySub returns sub's talks newest-activity first. Talks without
// a last message sort after those with one.
func (m *Mongo) FindTalksBySub(ctx context.Context, sub string) ([]*Talk, error) {
	opts := options.Find().SetSort(bson.D{{Key: "lastMessage.timestamp", Value: -1}})
	cursor, err := m.talks.Find(ctx, bson.M{"subs": sub}, opts)
	if err != nil {
		return nil, fmt.Errorf("finding talks for %s: %w", sub, err)
	}
	var talks []*Talk
	if err := cursor.All(ctx, &talks); err != nil {
		return nil, fmt.Errorf("decoding talks for %s: %w", sub, err)
	}
	return talks, nil
}

// ChatExists reports whether a chat-kind talk covers exactly these subs.
func (m *Mongo) ChatExists(ctx context.Context, subs []string) (bool, error) {
	filter := bson.M{
		"kind": KindChat,
		"subs": bson.M{"$all": subs, "$size": len(subs)},
	}
	count, err := m.talks.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("checking chat existence: %w", err)
	}
	return count > 0, nil
}

// DeleteTalk removes a talk document.
func (m *Mongo) DeleteTalk(ctx context.Context, id primitive.ObjectID) error {
	if _, err := m.talks.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("deleting talk %s: %w", id.Hex(), err)
	}
	return nil
}

// UpdateLastMessage replaces the talk's denormalized last message; nil clears it.
func (m *Mongo) UpdateLastMessage(ctx context.Context, id primitive.ObjectID, lm *LastMessage) error {
	var update bson.M
	if lm == nil {
		update = bson.M{"$unset": bson.M{"lastMessage": ""}}
	} else {
		update = bson.M{"$set": bson.M{"lastMessage": lm}}
	}
	result, err := m.talks.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("updating last message of %s: %w", id.Hex(), err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkLastMessageSeen flips the embedded last message to seen.
func (m *Mongo) MarkLastMessageSeen(ctx context.Context, id primitive.ObjectID) error {
	filter := bson.M{"_id": id, "lastMessage": bson.M{"$exists": true}}
	_, err := m.talks.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"lastMessage.seen": true}})
	if err != nil {
		return fmt.Errorf("marking last message seen for %s: %w", id.Hex(), err)
	}
	return nil
}

// InsertMessage persists a single message, assigning an id when absent.
func (m *Mongo) InsertMessage(ctx context.Context, msg *Message) error {
	if msg.ID.IsZero() {
		msg.ID = NewID()
	}
	if _, err := m.messages.InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// InsertMessages persists a batch in slice order.
func (m *Mongo) InsertMessages(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	docs := make([]any, len(msgs))
	for i, msg := range msgs {
		if msg.ID.IsZero() {
			msg.ID = NewID()
		}
		docs[i] = msg
	}
	if _, err := m.messages.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		return fmt.Errorf("inserting %d messages: %w", len(msgs), err)
	}
	return nil
}

// FindMessageByID retrieves a message by id.
func (m *Mongo) FindMessageByID(ctx context.Context, id primitive.ObjectID) (*Message, error) {
	var msg Message
	err := m.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding message %s: %w", id.Hex(), err)
	}
	return &msg, nil
}

// FindMostRecentMessage returns the newest message of a talk. The id
// tie-break keeps the last chunk of a batch ahead of its siblings.
func (m *Mongo) FindMostRecentMessage(ctx context.Context, talkID primitive.ObjectID) (*Message, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}})
	var msg Message
	err := m.messages.FindOne(ctx, bson.M{"talkId": talkID}, opts).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding most recent message of %s: %w", talkID.Hex(), err)
	}
	return &msg, nil
}

var ascending = bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}

// FindMessagesByTalk returns every message of a talk, oldest first.
func (m *Mongo) FindMessagesByTalk(ctx context.Context, talkID primitive.ObjectID) ([]*Message, error) {
	return m.findMessages(ctx, bson.M{"talkId": talkID}, options.Find().SetSort(ascending))
}

// FindMessagesByTalkLimited returns the newest limit messages, oldest first.
func (m *Mongo) FindMessagesByTalkLimited(ctx context.Context, talkID primitive.ObjectID, limit int) ([]*Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	msgs, err := m.findMessages(ctx, bson.M{"talkId": talkID}, opts)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// FindMessagesByTalkBefore returns messages older than before, oldest first.
func (m *Mongo) FindMessagesByTalkBefore(ctx context.Context, talkID primitive.ObjectID, before time.Time) ([]*Message, error) {
	filter := bson.M{"talkId": talkID, "timestamp": bson.M{"$lt": before}}
	return m.findMessages(ctx, filter, options.Find().SetSort(ascending))
}

// FindMessagesByTalkLimitedBefore returns the newest limit messages older
// than before, oldest first.
func (m *Mongo) FindMessagesByTalkLimitedBefore(ctx context.Context, talkID primitive.ObjectID, limit int, before time.Time) ([]*Message, error) {
	filter := bson.M{"talkId": talkID, "timestamp": bson.M{"$lt": before}}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	msgs, err := m.findMessages(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func (m *Mongo) findMessages(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*Message, error) {
	cursor, err := m.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("finding messages: %w", err)
	}
	var msgs []*Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}
	return msgs, nil
}

// UpdateMessageText replaces a message's text.
func (m *Mongo) UpdateMessageText(ctx context.Context, id primitive.ObjectID, text string) error {
	result, err := m.messages.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"text": text}})
	if err != nil {
		return fmt.Errorf("updating message %s: %w", id.Hex(), err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage removes a message and reports how many documents matched.
func (m *Mongo) DeleteMessage(ctx context.Context, id primitive.ObjectID) (int64, error) {
	result, err := m.messages.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return 0, fmt.Errorf("deleting message %s: %w", id.Hex(), err)
	}
	return result.DeletedCount, nil
}

// DeleteMessagesByTalk removes every message of a talk.
func (m *Mongo) DeleteMessagesByTalk(ctx context.Context, talkID primitive.ObjectID) error {
	if _, err := m.messages.DeleteMany(ctx, bson.M{"talkId": talkID}); err != nil {
		return fmt.Errorf("deleting messages of %s: %w", talkID.Hex(), err)
	}
	return nil
}

// MarkMessagesSeen flips seen to true for the given ids.
func (m *Mongo) MarkMessagesSeen(ctx context.Context, ids []primitive.ObjectID) error {
	if len(ids) == 0 {
		return nil
	}
	filter := bson.M{"_id": bson.M{"$in": ids}}
	if _, err := m.messages.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"seen": true}}); err != nil {
		return fmt.Errorf("marking %d messages seen: %w", len(ids), err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (m *Mongo) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("pinging mongo: %w", err)
	}
	return nil
}

// Close disconnects from the database.
func (m *Mongo) Close(ctx context.Context) error {
	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnecting from mongo: %w", err)
	}
	return nil
}

func reverse(msgs []*Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
