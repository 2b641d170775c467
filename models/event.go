package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates the payload carried by an Event.
type EventType string

const (
	EventDownloadProgress   EventType = "download_progress"
	EventQueueUpdate        EventType = "queue_update"
	EventSystemNotification EventType = "system_notification"
	EventConnected          EventType = "connected"
	EventHeartbeat          EventType = "heartbeat"
	EventError              EventType = "error"
)

// Pub/sub channel vocabulary.
const (
	ChannelDownloadUpdates     = "download:updates"
	ChannelQueueUpdates        = "queue:updates"
	ChannelSystemNotifications = "system:notifications"
)

// AllChannels lists every channel a stream may subscribe to.
var AllChannels = []string{ChannelDownloadUpdates, ChannelQueueUpdates, ChannelSystemNotifications}

// Error codes carried by EventError payloads.
const (
	ErrCodeMaxConnections = "MAX_CONNECTIONS"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// Queue update actions.
const (
	QueueActionAdded         = "added"
	QueueActionRemoved       = "removed"
	QueueActionStatusChanged = "status_changed"
)

// Payload is implemented by each event kind. Fields returns the flat wire
// representation that is both serialized and matched against stream filters.
type Payload interface {
	EventType() EventType
	Fields() map[string]any
}

// Event is one published message.
type Event struct {
	Channel   string
	Type      EventType
	Payload   Payload
	Timestamp time.Time
}

// NewEvent builds an Event whose type tag is taken from the payload.
func NewEvent(channel string, p Payload, ts time.Time) Event {
	return Event{
		Channel:   channel,
		Type:      p.EventType(),
		Payload:   p,
		Timestamp: ts,
	}
}

// Fields returns the payload's field map, or an empty map for an event
// without a payload.
func (e Event) Fields() map[string]any {
	if e.Payload == nil {
		return map[string]any{}
	}

	return e.Payload.Fields()
}

// DownloadProgress is published on the download updates channel.
type DownloadProgress struct {
	DownloadID string         `json:"download_id"`
	Progress   ProgressInfo   `json:"progress"`
	Result     *ResultSummary `json:"result,omitempty"`
}

func (DownloadProgress) EventType() EventType { return EventDownloadProgress }

func (p DownloadProgress) Fields() map[string]any {
	progress := map[string]any{
		"percentage":       nil,
		"status":           string(p.Progress.Status),
		"downloaded_bytes": p.Progress.DownloadedBytes,
		"total_bytes":      p.Progress.TotalBytes,
		"speed":            p.Progress.Speed,
		"eta":              p.Progress.ETA,
	}
	if p.Progress.Percentage != nil {
		progress["percentage"] = *p.Progress.Percentage
	}

	m := map[string]any{
		"download_id": p.DownloadID,
		"status":      string(p.Progress.Status),
		"progress":    progress,
	}

	if p.Result != nil {
		m["result"] = map[string]any{
			"title":     p.Result.Title,
			"thumbnail": p.Result.Thumbnail,
			"extractor": p.Result.Extractor,
			"duration":  p.Result.Duration,
		}
	}

	return m
}

// QueueUpdate is published on the queue updates channel.
type QueueUpdate struct {
	Action     string         `json:"action"`
	DownloadID string         `json:"download_id"`
	Status     JobStatus      `json:"status,omitempty"`
	Extra      map[string]any `json:"-"`
}

func (QueueUpdate) EventType() EventType { return EventQueueUpdate }

func (q QueueUpdate) Fields() map[string]any {
	m := make(map[string]any, len(q.Extra)+3)
	for k, v := range q.Extra {
		m[k] = v
	}

	m["action"] = q.Action
	m["download_id"] = q.DownloadID

	if q.Status != "" {
		m["status"] = string(q.Status)
	}

	return m
}

// SystemNotification is published on the system notifications channel.
type SystemNotification struct {
	NotificationType string         `json:"notification_type"`
	Message          string         `json:"message"`
	Extra            map[string]any `json:"-"`
}

func (SystemNotification) EventType() EventType { return EventSystemNotification }

func (s SystemNotification) Fields() map[string]any {
	m := make(map[string]any, len(s.Extra)+2)
	for k, v := range s.Extra {
		m[k] = v
	}

	m["notification_type"] = s.NotificationType
	m["message"] = s.Message

	return m
}

// Connected is the first event on every admitted stream.
type Connected struct {
	ConnectionID string    `json:"connection_id"`
	Timestamp    time.Time `json:"timestamp"`
}

func (Connected) EventType() EventType { return EventConnected }

func (c Connected) Fields() map[string]any {
	return map[string]any{
		"connection_id": c.ConnectionID,
		"timestamp":     c.Timestamp,
	}
}

// Heartbeat keeps idle streams observable.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
}

func (Heartbeat) EventType() EventType { return EventHeartbeat }

func (h Heartbeat) Fields() map[string]any {
	return map[string]any{"timestamp": h.Timestamp}
}

// ErrorPayload terminates a stream.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (ErrorPayload) EventType() EventType { return EventError }

func (e ErrorPayload) Fields() map[string]any {
	return map[string]any{
		"error": e.Error,
		"code":  e.Code,
	}
}

// DecodePayload rebuilds a typed payload from its wire form.
func DecodePayload(t EventType, data []byte) (Payload, error) {
	switch t {
	case EventDownloadProgress:
		var p DownloadProgress
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", t, err)
		}

		return p, nil
	case EventQueueUpdate:
		var q QueueUpdate
		if err := json.Unmarshal(data, &q); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", t, err)
		}

		extra, err := extraFields(data, "action", "download_id", "status")
		if err != nil {
			return nil, err
		}

		q.Extra = extra

		return q, nil
	case EventSystemNotification:
		var s SystemNotification
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", t, err)
		}

		extra, err := extraFields(data, "notification_type", "message")
		if err != nil {
			return nil, err
		}

		s.Extra = extra

		return s, nil
	case EventConnected:
		var c Connected
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", t, err)
		}

		return c, nil
	case EventHeartbeat:
		var h Heartbeat
		if err := json.Unmarshal(data, &h); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", t, err)
		}

		return h, nil
	case EventError:
		var e ErrorPayload
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", t, err)
		}

		return e, nil
	default:
		return nil, fmt.Errorf("unknown event type: %q", t)
	}
}

func extraFields(data []byte, known ...string) (map[string]any, error) {
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload fields: %w", err)
	}

	for _, k := range known {
		delete(all, k)
	}

	if len(all) == 0 {
		return nil, nil
	}

	return all, nil
}
