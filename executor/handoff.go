package executor

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const defaultHandoffBuffer = 64

// handoff moves store writes off the engine's callback goroutine onto a
// single consumer goroutine owned by the job. submit never blocks; when the
// buffer is full the write is dropped and logged.
type handoff struct {
	log *zap.Logger

	mu     sync.RWMutex
	closed bool
	tasks  chan func(context.Context)
	done   chan struct{}
}

func newHandoff(size int, log *zap.Logger) *handoff {
	if size <= 0 {
		size = defaultHandoffBuffer
	}

	return &handoff{
		log:   log,
		tasks: make(chan func(context.Context), size),
		done:  make(chan struct{}),
	}
}

// start runs the consumer until close is called and the buffer is drained.
func (h *handoff) start(ctx context.Context) {
	go func() {
		defer close(h.done)

		for task := range h.tasks {
			task(ctx)
		}
	}()
}

func (h *handoff) submit(name string, task func(context.Context)) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return false
	}

	select {
	case h.tasks <- task:
		return true
	default:
		h.log.Warn("progress hand-off full, dropping update", zap.String("tier", name))
		return false
	}
}

// close stops accepting work and waits for queued writes to finish.
func (h *handoff) close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.tasks)
	}
	h.mu.Unlock()

	<-h.done
}
