package progress

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/TechSquidTV/Hermes/models"
)

const (
	// maxDepth bounds how far normalize walks nested maps and slices.
	maxDepth = 10

	// TimeFormat is the textual form every timestamp takes on the wire.
	TimeFormat = time.RFC3339Nano
)

type wireMessage struct {
	Type      models.EventType `json:"type"`
	Data      any              `json:"data"`
	Timestamp string           `json:"timestamp"`
}

type rawMessage struct {
	Type      models.EventType `json:"type"`
	Data      json.RawMessage  `json:"data"`
	Timestamp string           `json:"timestamp"`
}

// normalize returns a copy of v in which every time value is replaced by its
// UTC text in TimeFormat. Maps and slices are walked recursively; nesting
// deeper than maxDepth panics.
func normalize(v any, depth int) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(TimeFormat)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(TimeFormat)
	case map[string]any:
		checkDepth(depth)
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e, depth+1)
		}
		return out
	case []any:
		checkDepth(depth)
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e, depth+1)
		}
		return out
	case []map[string]any:
		checkDepth(depth)
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e, depth+1)
		}
		return out
	default:
		return v
	}
}

func checkDepth(depth int) {
	if depth > maxDepth {
		panic(fmt.Sprintf("progress: value nested deeper than %d levels", maxDepth))
	}
}

func encodeMessage(p models.Payload, ts time.Time) ([]byte, error) {
	msg := wireMessage{
		Type:      p.EventType(),
		Data:      normalize(p.Fields(), 0),
		Timestamp: ts.UTC().Format(TimeFormat),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", msg.Type, err)
	}

	return data, nil
}

func decodeMessage(channel, payload string) (models.Event, error) {
	var raw rawMessage
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return models.Event{}, fmt.Errorf("failed to unmarshal pub/sub message: %w", err)
	}

	p, err := models.DecodePayload(raw.Type, raw.Data)
	if err != nil {
		return models.Event{}, err
	}

	ts, err := time.Parse(TimeFormat, raw.Timestamp)
	if err != nil {
		return models.Event{}, fmt.Errorf("invalid event timestamp %q: %w", raw.Timestamp, err)
	}

	return models.NewEvent(channel, p, ts), nil
}

// EncodeEventData renders only the payload fields of ev. The event type
// travels separately on the SSE "event:" line.
func EncodeEventData(ev models.Event) ([]byte, error) {
	if ev.Payload == nil {
		return nil, fmt.Errorf("event %s has no payload", ev.Type)
	}

	data, err := json.Marshal(normalize(ev.Payload.Fields(), 0))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event data: %w", ev.Type, err)
	}

	return data, nil
}
