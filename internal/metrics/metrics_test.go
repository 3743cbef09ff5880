// ABOUTME: Tests for metric recording and nil-receiver tolerance
// ABOUTME: Reads collector values back through the exposition handler

package metrics_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkwire/talkwire/internal/metrics"
)

func TestMetrics_RecordsThroughHandler(t *testing.T) {
	m := metrics.New()

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.FrameIn()
	m.FrameOut()
	m.FrameOut()
	m.EventPublished("noti")
	m.EventPublished("messages")
	m.EventPublished("messages")
	m.UserOnline()
	m.CommandHandled("create_message", "ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "talkwire_connections_active 1")
	assert.Contains(t, body, "talkwire_frames_out_total 2")
	assert.Contains(t, body, `talkwire_events_published_total{subject_kind="messages"} 2`)
	assert.Contains(t, body, "talkwire_online_users 1")
	assert.Contains(t, body, `talkwire_commands_total{result="ok",type="create_message"} 1`)
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.FrameIn()
		m.FrameOut()
		m.EventPublished("noti")
		m.UserOnline()
		m.UserOffline()
		m.CommandHandled("auth", "ignored")
	})
}
