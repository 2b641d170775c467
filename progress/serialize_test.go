package progress

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TechSquidTV/Hermes/models"
)

func nested(levels int) map[string]any {
	m := map[string]any{"leaf": true}
	for i := 0; i < levels; i++ {
		m = map[string]any{"child": m}
	}
	return m
}

func TestNormalizeConvertsTimes(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.FixedZone("CET", 3600))

	got := normalize(map[string]any{
		"at":    ts,
		"ptr":   &ts,
		"list":  []any{ts, "x"},
		"inner": map[string]any{"at": ts},
		"n":     42,
	}, 0)

	m := got.(map[string]any)
	assert.Equal(t, "2024-03-01T11:30:00Z", m["at"])
	assert.Equal(t, "2024-03-01T11:30:00Z", m["ptr"])
	assert.Equal(t, []any{"2024-03-01T11:30:00Z", "x"}, m["list"])
	assert.Equal(t, map[string]any{"at": "2024-03-01T11:30:00Z"}, m["inner"])
	assert.Equal(t, 42, m["n"])
}

func TestNormalizeDepthLimit(t *testing.T) {
	assert.NotPanics(t, func() {
		normalize(nested(maxDepth), 0)
	})

	assert.Panics(t, func() {
		normalize(nested(maxDepth+1), 0)
	})
}

func TestEncodeDecodeMessage(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	data, err := encodeMessage(models.SystemNotification{
		NotificationType: "warning",
		Message:          "disk almost full",
		Extra:            map[string]any{"checked_at": now},
	}, now)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "system_notification", wire["type"])
	assert.Equal(t, "2024-03-01T12:00:00Z", wire["timestamp"])
	assert.Equal(t, "2024-03-01T12:00:00Z", wire["data"].(map[string]any)["checked_at"])

	ev, err := decodeMessage(models.ChannelSystemNotifications, string(data))
	require.NoError(t, err)
	assert.Equal(t, models.ChannelSystemNotifications, ev.Channel)
	assert.Equal(t, models.EventSystemNotification, ev.Type)
	assert.True(t, now.Equal(ev.Timestamp))

	n := ev.Payload.(models.SystemNotification)
	assert.Equal(t, "disk almost full", n.Message)
	assert.Equal(t, "2024-03-01T12:00:00Z", n.Extra["checked_at"])
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	_, err := decodeMessage("c", "not json")
	assert.Error(t, err)

	_, err = decodeMessage("c", `{"type":"nope","data":{},"timestamp":"2024-03-01T12:00:00Z"}`)
	assert.Error(t, err)

	_, err = decodeMessage("c", `{"type":"heartbeat","data":{},"timestamp":"yesterday"}`)
	assert.Error(t, err)
}

func TestEncodeEventData(t *testing.T) {
	ev := models.NewEvent(models.ChannelQueueUpdates,
		models.QueueUpdate{Action: "removed", DownloadID: "abc"},
		time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	raw, err := EncodeEventData(ev)
	require.NoError(t, err)

	var data map[string]any
	require.NoError(t, json.Unmarshal(raw, &data))
	assert.Equal(t, map[string]any{"action": "removed", "download_id": "abc"}, data)

	_, err = EncodeEventData(models.Event{Type: models.EventQueueUpdate})
	require.Error(t, err)
}
