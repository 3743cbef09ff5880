// ABOUTME: Bus interface, subject builders, and wildcard pattern matching
// ABOUTME: Subjects are dot-separated, per-recipient: noti.<sub>, messages.<sub>.<talkId>

package bus

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// subscriberBufferSize is the per-subscription channel depth. When a
// subscriber's buffer is full, further events for it are dropped rather
// than stalling the publisher.
const subscriberBufferSize = 64

// Bus routes events from publishers to live subscribers. Delivery is
// at-most-once: events published while nobody listens are gone, and a
// slow subscriber loses events rather than slowing everyone else down.
type Bus interface {
	// Publish sends one event on subject, assigning it a fresh envelope id.
	Publish(ctx context.Context, subject string, event Event) error

	// PublishAll sends events on subject in order. It stops at the first
	// failure, so any delivered prefix preserves the given order.
	PublishAll(ctx context.Context, subject string, events []Event) error

	// Subscribe registers interest in every subject the pattern covers.
	// The subscription ends when ctx is done or Unsubscribe is called.
	Subscribe(ctx context.Context, pattern string) (Subscription, error)

	// Ping reports whether the bus can currently deliver.
	Ping(ctx context.Context) error

	// Close tears down the bus and every open subscription.
	Close() error
}

// Subscription is one subscriber's view of the bus.
type Subscription interface {
	// Events yields matching envelopes in publish order per publisher.
	// The channel is closed once the subscription ends.
	Events() <-chan Envelope

	// Unsubscribe ends the subscription. Safe to call more than once.
	Unsubscribe()
}

// NotiSubject addresses one user's notification stream.
func NotiSubject(sub string) string {
	return "noti." + sub
}

// MessagesSubject addresses one recipient's view of one talk.
func MessagesSubject(sub string, talkID primitive.ObjectID) string {
	return "messages." + sub + "." + talkID.Hex()
}

// MessagesPattern covers every talk subject addressed to sub.
func MessagesPattern(sub string) string {
	return "messages." + sub + ".>"
}

// SubjectKind returns a subject's leading namespace token, used for
// metric labels.
func SubjectKind(subject string) string {
	if i := strings.IndexByte(subject, '.'); i >= 0 {
		return subject[:i]
	}
	return subject
}

// Match reports whether pattern covers subject. Patterns use token
// wildcards: * stands in for exactly one token, a trailing > for one or
// more remaining tokens.
func Match(pattern, subject string) bool {
	ptoks := strings.Split(pattern, ".")
	stoks := strings.Split(subject, ".")
	for i, tok := range ptoks {
		if tok == ">" {
			return i < len(stoks)
		}
		if i >= len(stoks) {
			return false
		}
		if tok != "*" && tok != stoks[i] {
			return false
		}
	}
	return len(ptoks) == len(stoks)
}
