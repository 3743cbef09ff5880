// ABOUTME: Wire-frame tests for bus events
// ABOUTME: Pins the exact JSON shapes clients parse, plus envelope round-trips

package bus_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/talkwire/talkwire/internal/bus"
	"github.com/talkwire/talkwire/internal/store"
)

func testMessage(t *testing.T) *store.Message {
	t.Helper()
	id, err := primitive.ObjectIDFromHex("65a8e27d8a9d8f0001234567")
	require.NoError(t, err)
	talkID, err := primitive.ObjectIDFromHex("65a8e27d8a9d8f0001234568")
	require.NoError(t, err)
	return &store.Message{
		ID:        id,
		TalkID:    talkID,
		Owner:     "user-a",
		Text:      "hello there",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Seen:      false,
	}
}

func TestMessageNew_WireFrame(t *testing.T) {
	data, err := json.Marshal(bus.MessageNew{Message: testMessage(t)})
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"type": "new",
		"message": {
			"id": "65a8e27d8a9d8f0001234567",
			"talkId": "65a8e27d8a9d8f0001234568",
			"owner": "user-a",
			"text": "hello there",
			"timestamp": "2026-03-01T12:00:00Z",
			"seen": false
		}
	}`, string(data))
}

func TestMessageUpdated_WireFrameCarriesEditor(t *testing.T) {
	data, err := json.Marshal(bus.MessageUpdated{Message: testMessage(t), By: "user-a"})
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "updated", frame["type"])
	assert.Equal(t, "user-a", frame["by"])
	assert.IsType(t, map[string]any{}, frame["message"])
}

func TestMessageDeleted_WireFrame(t *testing.T) {
	id, err := primitive.ObjectIDFromHex("65a8e27d8a9d8f0001234567")
	require.NoError(t, err)

	data, err := json.Marshal(bus.MessageDeleted{ID: id})
	require.NoError(t, err)

	assert.JSONEq(t, `{"type":"deleted","id":"65a8e27d8a9d8f0001234567"}`, string(data))
}

func TestNotiError_MessageKeyIsAString(t *testing.T) {
	data, err := json.Marshal(bus.NotiError{Code: "not_found", Message: "talk not found"})
	require.NoError(t, err)

	assert.JSONEq(t, `{"type":"error","code":"not_found","message":"talk not found"}`, string(data))
}

func TestNotiNewMessage_WireFrame(t *testing.T) {
	msg := testMessage(t)
	data, err := json.Marshal(bus.NotiNewMessage{
		TalkID:      msg.TalkID,
		LastMessage: store.LastMessageOf(msg),
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"type": "new_message",
		"talkId": "65a8e27d8a9d8f0001234568",
		"last_message": {
			"id": "65a8e27d8a9d8f0001234567",
			"text": "hello there",
			"owner": "user-a",
			"timestamp": "2026-03-01T12:00:00Z",
			"seen": false
		}
	}`, string(data))
}

func TestNotiOnlineContacts_NilSubsMarshalsAsEmptyArray(t *testing.T) {
	data, err := json.Marshal(bus.NotiOnlineContacts{})
	require.NoError(t, err)

	assert.JSONEq(t, `{"type":"online_contacts","subs":[]}`, string(data))
}

func TestNotiNewTalk_WireFrameIncludesMembers(t *testing.T) {
	talkID, err := primitive.ObjectIDFromHex("65a8e27d8a9d8f0001234568")
	require.NoError(t, err)

	data, err := json.Marshal(bus.NotiNewTalk{Talk: &store.Talk{
		ID:   talkID,
		Kind: store.KindChat,
		Subs: []string{"user-a", "user-b"},
	}})
	require.NoError(t, err)

	var frame struct {
		Type string `json:"type"`
		Talk struct {
			Subs []string `json:"subs"`
		} `json:"talk"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "new_talk", frame.Type)
	assert.Equal(t, []string{"user-a", "user-b"}, frame.Talk.Subs)
}

func TestUnmarshal_RecoversEachVariant(t *testing.T) {
	msg := testMessage(t)
	events := []bus.Event{
		bus.MessageNew{Message: msg},
		bus.MessageUpdated{Message: msg, By: "user-a"},
		bus.MessageDeleted{ID: msg.ID},
		bus.MessageSeen{Message: msg},
		bus.NotiNewMessage{TalkID: msg.TalkID, LastMessage: store.LastMessageOf(msg)},
		bus.NotiOnlineContacts{Subs: []string{"user-b"}},
		bus.NotiError{Code: "internal_error", Message: "boom"},
	}

	for _, event := range events {
		t.Run(event.Type(), func(t *testing.T) {
			data, err := json.Marshal(event)
			require.NoError(t, err)

			decoded, err := bus.Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, event, decoded)
		})
	}
}

func TestUnmarshal_UnknownTypeIsAnError(t *testing.T) {
	_, err := bus.Unmarshal([]byte(`{"type":"surprise"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")
}

func TestUnmarshal_RejectsMalformedFrame(t *testing.T) {
	_, err := bus.Unmarshal([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestEnvelope_RoundTrip(t *testing.T) {
	original := bus.Envelope{
		EID:     "eid-1234",
		Subject: "noti.user-a",
		Event:   bus.NotiError{Code: "forbidden", Message: "not yours"},
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(data), fmt.Sprintf("%q", "eid-1234"))

	var decoded bus.Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original.EID, decoded.EID)
	assert.Equal(t, original.Event, decoded.Event)
	// Subject travels in the transport layer, not the payload.
	assert.Empty(t, decoded.Subject)
}
