package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TechSquidTV/Hermes/executor"
	"github.com/TechSquidTV/Hermes/models"
	"github.com/TechSquidTV/Hermes/redis/tasks"
	"github.com/TechSquidTV/Hermes/testcontainers"
)

func zapNop() *zap.Logger { return zap.NewNop() }

type recordingRunner struct {
	mu  sync.Mutex
	ran []string
	ch  chan string
}

func (r *recordingRunner) Run(_ context.Context, id string) (executor.Outcome, error) {
	r.mu.Lock()
	r.ran = append(r.ran, id)
	r.mu.Unlock()

	r.ch <- id

	return executor.Outcome{DownloadID: id, Status: models.StatusCompleted}, nil
}

func TestServer(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testcontainers.WithTestContext(t, func(tc *testcontainers.TestContext) {
		cfg := testConfig(tc)

		server, err := NewServer(cfg, nil)
		require.NoError(t, err)

		runner := &recordingRunner{ch: make(chan string, 4)}
		mux := asynq.NewServeMux()
		tasks.NewHandler(runner).Register(mux)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		require.NoError(t, server.Start(ctx, mux))
		defer server.Shutdown(context.Background())

		assert.True(t, server.IsHealthy(ctx))

		client, err := NewClient(cfg, nil)
		require.NoError(t, err)
		defer client.Close()

		require.NoError(t, client.EnqueueDownload(ctx, tasks.DownloadPayload{DownloadID: "job-srv", URL: "https://example.com"}))

		select {
		case id := <-runner.ch:
			assert.Equal(t, "job-srv", id)
		case <-time.After(20 * time.Second):
			t.Fatal("download task was not processed")
		}
	}, testcontainers.Redis)
}
