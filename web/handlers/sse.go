package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/TechSquidTV/Hermes/events"
	"github.com/TechSquidTV/Hermes/models"
	"github.com/TechSquidTV/Hermes/progress"
)

// serveStream writes every event of a stream as an SSE frame until the
// stream ends or the client goes away.
func serveStream(w http.ResponseWriter, r *http.Request, svc StreamService, log *zap.Logger, channels []string, filter events.Filter) {
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	_ = rc.SetWriteDeadline(time.Time{})

	if err := rc.Flush(); err != nil {
		log.Error("streaming unsupported", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for ev := range svc.Stream(ctx, channels, filter) {
		if err := writeEvent(w, ev); err != nil {
			log.Debug("event stream closed by client", zap.Error(err))
			return
		}

		if err := rc.Flush(); err != nil {
			log.Debug("failed to flush event", zap.Error(err))
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev models.Event) error {
	data, err := progress.EncodeEventData(ev)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)

	return err
}
