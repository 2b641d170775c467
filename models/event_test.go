package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadEventTypes(t *testing.T) {
	tests := []struct {
		payload Payload
		want    EventType
	}{
		{DownloadProgress{}, EventDownloadProgress},
		{QueueUpdate{}, EventQueueUpdate},
		{SystemNotification{}, EventSystemNotification},
		{Connected{}, EventConnected},
		{Heartbeat{}, EventHeartbeat},
		{ErrorPayload{}, EventError},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.payload.EventType())
			assert.Equal(t, tt.want, NewEvent("c", tt.payload, time.Now()).Type)
		})
	}
}

func TestDownloadProgressFields(t *testing.T) {
	p := DownloadProgress{
		DownloadID: "abc",
		Progress: ProgressInfo{
			Percentage:      Float64(42.5),
			Status:          StatusDownloading,
			DownloadedBytes: 425,
			TotalBytes:      1000,
			Speed:           12.5,
			ETA:             3,
		},
	}

	fields := p.Fields()
	assert.Equal(t, "abc", fields["download_id"])
	assert.Equal(t, "downloading", fields["status"])

	progress, ok := fields["progress"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 42.5, progress["percentage"])
	assert.Equal(t, int64(1000), progress["total_bytes"])
	assert.NotContains(t, fields, "result")
}

func TestDecodePayloadRoundTripsWireFields(t *testing.T) {
	data, err := json.Marshal(QueueUpdate{
		Action:     QueueActionStatusChanged,
		DownloadID: "abc",
		Status:     StatusProcessing,
		Extra:      map[string]any{"position": 3},
	}.Fields())
	require.NoError(t, err)

	p, err := DecodePayload(EventQueueUpdate, data)
	require.NoError(t, err)

	q, ok := p.(QueueUpdate)
	require.True(t, ok)
	assert.Equal(t, "abc", q.DownloadID)
	assert.Equal(t, StatusProcessing, q.Status)
	assert.Equal(t, map[string]any{"position": float64(3)}, q.Extra)
}

func TestDecodePayloadDownloadProgressNullPercentage(t *testing.T) {
	raw := `{"download_id":"x","progress":{"percentage":null,"status":"downloading","downloaded_bytes":10,"total_bytes":0,"speed":0,"eta":0}}`

	p, err := DecodePayload(EventDownloadProgress, []byte(raw))
	require.NoError(t, err)

	dp := p.(DownloadProgress)
	assert.Nil(t, dp.Progress.Percentage)
	assert.Equal(t, int64(10), dp.Progress.DownloadedBytes)
}

func TestDecodePayloadUnknownType(t *testing.T) {
	_, err := DecodePayload(EventType("bogus"), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")
}

func TestWebhookStatusEvent(t *testing.T) {
	assert.Equal(t, WebhookDownloadCompleted, WebhookStatusEvent(StatusCompleted))
	assert.Equal(t, WebhookDownloadCancelled, WebhookStatusEvent(StatusCancelled))
	assert.Equal(t, WebhookDownloadFailed, WebhookStatusEvent(StatusFailed))
}
