// ABOUTME: Typed events carried over the bus and their JSON wire frames
// ABOUTME: One frame shape per variant, discriminated by the type field

package bus

import (
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/talkwire/talkwire/internal/store"
)

// Event type discriminators as they appear on the wire.
const (
	TypeNew            = "new"
	TypeUpdated        = "updated"
	TypeDeleted        = "deleted"
	TypeSeen           = "seen"
	TypeNewTalk        = "new_talk"
	TypeNewMessage     = "new_message"
	TypeOnlineContacts = "online_contacts"
	TypeError          = "error"
)

// Event is the closed set of payloads the bus carries. Each variant
// marshals to its client frame, so an Event can be written to a
// connection as-is. The "message" key holds an object in message frames
// and a string in error frames, which is why every variant owns its
// frame shape instead of sharing one struct.
type Event interface {
	json.Marshaler
	Type() string
}

// MessageNew announces a newly persisted message.
type MessageNew struct {
	Message *store.Message
}

func (MessageNew) Type() string { return TypeNew }

func (e MessageNew) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string         `json:"type"`
		Message *store.Message `json:"message"`
	}{TypeNew, e.Message})
}

// MessageUpdated announces an edit, with the editing sub in By.
type MessageUpdated struct {
	Message *store.Message
	By      string
}

func (MessageUpdated) Type() string { return TypeUpdated }

func (e MessageUpdated) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string         `json:"type"`
		Message *store.Message `json:"message"`
		By      string         `json:"by"`
	}{TypeUpdated, e.Message, e.By})
}

// MessageDeleted announces a removal by message id.
type MessageDeleted struct {
	ID primitive.ObjectID
}

func (MessageDeleted) Type() string { return TypeDeleted }

func (e MessageDeleted) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string             `json:"type"`
		ID   primitive.ObjectID `json:"id"`
	}{TypeDeleted, e.ID})
}

// MessageSeen announces a seen transition.
type MessageSeen struct {
	Message *store.Message
}

func (MessageSeen) Type() string { return TypeSeen }

func (e MessageSeen) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string         `json:"type"`
		Message *store.Message `json:"message"`
	}{TypeSeen, e.Message})
}

// NotiNewTalk announces a talk the receiving sub was just added to.
type NotiNewTalk struct {
	Talk *store.Talk
}

func (NotiNewTalk) Type() string { return TypeNewTalk }

func (e NotiNewTalk) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string      `json:"type"`
		Talk *store.Talk `json:"talk"`
	}{TypeNewTalk, e.Talk})
}

// NotiNewMessage summarizes fresh activity in a talk for its list view.
type NotiNewMessage struct {
	TalkID      primitive.ObjectID
	LastMessage *store.LastMessage
}

func (NotiNewMessage) Type() string { return TypeNewMessage }

func (e NotiNewMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type        string             `json:"type"`
		TalkID      primitive.ObjectID `json:"talkId"`
		LastMessage *store.LastMessage `json:"last_message"`
	}{TypeNewMessage, e.TalkID, e.LastMessage})
}

// NotiOnlineContacts carries a full online-contacts snapshot.
type NotiOnlineContacts struct {
	Subs []string
}

func (NotiOnlineContacts) Type() string { return TypeOnlineContacts }

func (e NotiOnlineContacts) MarshalJSON() ([]byte, error) {
	subs := e.Subs
	if subs == nil {
		subs = []string{}
	}
	return json.Marshal(struct {
		Type string   `json:"type"`
		Subs []string `json:"subs"`
	}{TypeOnlineContacts, subs})
}

// NotiError reports a failed command back to its origin user.
type NotiError struct {
	Code    string
	Message string
}

func (NotiError) Type() string { return TypeError }

func (e NotiError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}{TypeError, e.Code, e.Message})
}

// Unmarshal decodes a wire frame back into its Event variant.
func Unmarshal(data []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decoding event head: %w", err)
	}

	switch head.Type {
	case TypeNew:
		var f struct {
			Message *store.Message `json:"message"`
		}
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decoding new frame: %w", err)
		}
		return MessageNew{Message: f.Message}, nil

	case TypeUpdated:
		var f struct {
			Message *store.Message `json:"message"`
			By      string         `json:"by"`
		}
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decoding updated frame: %w", err)
		}
		return MessageUpdated{Message: f.Message, By: f.By}, nil

	case TypeDeleted:
		var f struct {
			ID primitive.ObjectID `json:"id"`
		}
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decoding deleted frame: %w", err)
		}
		return MessageDeleted{ID: f.ID}, nil

	case TypeSeen:
		var f struct {
			Message *store.Message `json:"message"`
		}
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decoding seen frame: %w", err)
		}
		return MessageSeen{Message: f.Message}, nil

	case TypeNewTalk:
		var f struct {
			Talk *store.Talk `json:"talk"`
		}
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decoding new_talk frame: %w", err)
		}
		return NotiNewTalk{Talk: f.Talk}, nil

	case TypeNewMessage:
		var f struct {
			TalkID      primitive.ObjectID `json:"talkId"`
			LastMessage *store.LastMessage `json:"last_message"`
		}
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decoding new_message frame: %w", err)
		}
		return NotiNewMessage{TalkID: f.TalkID, LastMessage: f.LastMessage}, nil

	case TypeOnlineContacts:
		var f struct {
			Subs []string `json:"subs"`
		}
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decoding online_contacts frame: %w", err)
		}
		return NotiOnlineContacts{Subs: f.Subs}, nil

	case TypeError:
		var f struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decoding error frame: %w", err)
		}
		return NotiError{Code: f.Code, Message: f.Message}, nil

	default:
		return nil, fmt.Errorf("unknown event type %q", head.Type)
	}
}

// Envelope pairs an event with its delivery metadata. EID is assigned
// once at publish and survives retries, so connections can drop
// duplicate deliveries by id.
type Envelope struct {
	EID     string `json:"eid"`
	Subject string `json:"-"`
	Event   Event  `json:"event"`
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		EID   string          `json:"eid"`
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding envelope: %w", err)
	}
	event, err := Unmarshal(raw.Event)
	if err != nil {
		return err
	}
	e.EID = raw.EID
	e.Event = event
	return nil
}
