package web_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TechSquidTV/Hermes/events"
	"github.com/TechSquidTV/Hermes/models"
	"github.com/TechSquidTV/Hermes/redis"
	"github.com/TechSquidTV/Hermes/redis/tasks"
	"github.com/TechSquidTV/Hermes/tokens"
	"github.com/TechSquidTV/Hermes/web"
	"github.com/TechSquidTV/Hermes/web/handlers"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeTokens struct {
	mu       sync.Mutex
	issueErr error
	tokens   map[string]models.Token
	revoked  []string
}

func (f *fakeTokens) Issue(_ context.Context, principal, scope string, ttl time.Duration) (models.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.issueErr != nil {
		return models.Token{}, f.issueErr
	}

	tok := models.Token{
		Token:       "sse_test",
		Scope:       scope,
		PrincipalID: principal,
		Permissions: []models.Permission{models.PermissionRead},
		CreatedAt:   fixedNow,
		ExpiresAt:   fixedNow.Add(ttl),
	}

	return tok, nil
}

func (f *fakeTokens) Authenticate(_ context.Context, token string) (models.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tok, ok := f.tokens[token]
	if !ok {
		return models.Token{}, tokens.ErrTokenNotFound
	}

	return tok, nil
}

func (f *fakeTokens) Validate(ctx context.Context, token, required string) (models.Token, error) {
	tok, err := f.Authenticate(ctx, token)
	if err != nil {
		return models.Token{}, err
	}

	if !tokens.ScopeMatches(tok.Scope, required) {
		return models.Token{}, tokens.ErrInsufficientScope
	}

	return tok, nil
}

func (f *fakeTokens) Revoke(_ context.Context, principal, scopePrefix string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.revoked = append(f.revoked, principal+"|"+scopePrefix)

	return 2, nil
}

type streamCall struct {
	channels []string
	filter   events.Filter
}

type fakeStreams struct {
	mu     sync.Mutex
	calls  []streamCall
	events []models.Event
}

func (f *fakeStreams) Stream(_ context.Context, channels []string, filter events.Filter) <-chan models.Event {
	f.mu.Lock()
	f.calls = append(f.calls, streamCall{channels: channels, filter: filter})
	f.mu.Unlock()

	out := make(chan models.Event, len(f.events))
	for _, ev := range f.events {
		out <- ev
	}

	close(out)

	return out
}

func (f *fakeStreams) lastCall() streamCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[len(f.calls)-1]
}

func (f *fakeStreams) ActiveConnections() int64         { return 3 }
func (f *fakeStreams) MaxConnections() int64            { return 1000 }
func (f *fakeStreams) HeartbeatInterval() time.Duration { return 30 * time.Second }

type fakeJobs struct {
	mu        sync.Mutex
	jobs      map[string]models.Job
	createErr error
	updates   []models.StatusUpdate
}

func (f *fakeJobs) Create(_ context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return f.createErr
	}

	job.ID = fmt.Sprintf("job-%d", len(f.jobs)+1)
	f.jobs[job.ID] = *job

	return nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, models.ErrJobNotFound
	}

	return job, nil
}

func (f *fakeJobs) UpdateStatus(_ context.Context, id string, update models.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}

	next, err := job.Status.Transition(update.Status)
	if err != nil {
		return err
	}

	job.Status = next
	f.jobs[id] = job
	f.updates = append(f.updates, update)

	return nil
}

type queueUpdate struct {
	action string
	id     string
	status models.JobStatus
}

type fakeProgress struct {
	mu        sync.Mutex
	snapshots map[string]models.Snapshot
	published []queueUpdate
}

func (f *fakeProgress) GetSnapshot(_ context.Context, id string) (models.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap, ok := f.snapshots[id]

	return snap, ok
}

func (f *fakeProgress) PublishQueueUpdate(_ context.Context, action, id string, status models.JobStatus, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.published = append(f.published, queueUpdate{action: action, id: id, status: status})
}

type fakeQueue struct {
	mu         sync.Mutex
	enqueued   []tasks.DownloadPayload
	enqueueErr error
	cancel     redis.CancelResult
}

func (f *fakeQueue) EnqueueDownload(_ context.Context, p tasks.DownloadPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.enqueueErr != nil {
		return f.enqueueErr
	}

	f.enqueued = append(f.enqueued, p)

	return nil
}

func (f *fakeQueue) CancelDownload(_ context.Context, _ string) (redis.CancelResult, error) {
	return f.cancel, nil
}

type fixture struct {
	tokens   *fakeTokens
	streams  *fakeStreams
	jobs     *fakeJobs
	progress *fakeProgress
	queue    *fakeQueue
	handler  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		tokens:   &fakeTokens{tokens: map[string]models.Token{}},
		streams:  &fakeStreams{},
		jobs:     &fakeJobs{jobs: map[string]models.Job{}},
		progress: &fakeProgress{snapshots: map[string]models.Snapshot{}},
		queue:    &fakeQueue{cancel: redis.CancelNotFound},
	}

	srv := web.New(web.Config{
		Addr: ":0",
		Deps: handlers.Dependencies{
			Tokens:   f.tokens,
			Streams:  f.streams,
			Jobs:     f.jobs,
			Progress: f.progress,
			Queue:    f.queue,
			Now:      func() time.Time { return fixedNow },
		},
	})

	f.handler = srv.Handler()

	return f
}

func (f *fixture) do(method, target, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))

	return v
}

func TestCreateToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		user     string
		body     string
		issueErr error
		wantCode int
		wantTTL  int
	}{
		{name: "default ttl", user: "u1", body: `{"scope":"queue"}`, wantCode: http.StatusCreated, wantTTL: 300},
		{name: "explicit ttl", user: "u1", body: `{"scope":"system","ttl":120}`, wantCode: http.StatusCreated, wantTTL: 120},
		{name: "no user", body: `{"scope":"queue"}`, wantCode: http.StatusUnauthorized},
		{name: "bad body", user: "u1", body: `{`, wantCode: http.StatusBadRequest},
		{name: "bad scope", user: "u1", body: `{"scope":"nope"}`, issueErr: tokens.ErrInvalidScope, wantCode: http.StatusBadRequest},
		{name: "ttl out of range", user: "u1", body: `{"scope":"queue","ttl":5}`, issueErr: tokens.ErrTTLOutOfRange, wantCode: http.StatusBadRequest},
		{name: "unknown download", user: "u1", body: `{"scope":"download:x"}`, issueErr: tokens.ErrJobNotFound, wantCode: http.StatusNotFound},
		{name: "store failure", user: "u1", body: `{"scope":"queue"}`, issueErr: errors.New("redis down"), wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.tokens.issueErr = tt.issueErr

			rec := f.do(http.MethodPost, "/api/v1/events/token", tt.user, tt.body)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())

			if tt.wantCode != http.StatusCreated {
				apiErr := decode[models.APIError](t, rec)
				assert.Equal(t, tt.wantCode, apiErr.Code)

				return
			}

			resp := decode[models.TokenResponse](t, rec)
			assert.Equal(t, "sse_test", resp.Token)
			assert.Equal(t, tt.wantTTL, resp.TTL)
			assert.Equal(t, []models.Permission{models.PermissionRead}, resp.Permissions)
			assert.True(t, resp.ExpiresAt.Equal(fixedNow.Add(time.Duration(tt.wantTTL)*time.Second)))
		})
	}
}

func TestRevokeTokens(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(http.MethodDelete, "/api/v1/events/token?scope_prefix=download:", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[models.RevokeTokensResponse](t, rec).Revoked)
	assert.Equal(t, []string{"u1|download:"}, f.tokens.revoked)

	rec = f.do(http.MethodDelete, "/api/v1/events/token", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func readFrames(t *testing.T, body string) []string {
	t.Helper()

	var frames []string

	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		if after, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			frames = append(frames, after)
		}
	}

	return frames
}

func TestStreamScopeNarrowsChannels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		scope        string
		query        string
		wantChannels []string
		wantFilter   events.Filter
	}{
		{
			name:         "download scope",
			scope:        "download:abc",
			query:        "&download_id=other",
			wantChannels: []string{models.ChannelDownloadUpdates},
			wantFilter:   events.Filter{"download_id": "abc"},
		},
		{
			name:         "queue scope",
			scope:        "queue",
			wantChannels: []string{models.ChannelQueueUpdates},
		},
		{
			name:         "system scope",
			scope:        "system",
			query:        "&channels=queue:updates",
			wantChannels: []string{models.ChannelSystemNotifications},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.tokens.tokens["tok"] = models.Token{Token: "tok", Scope: tt.scope, PrincipalID: "u1"}
			f.streams.events = []models.Event{
				models.NewEvent(models.ChannelQueueUpdates, models.QueueUpdate{Action: "added", DownloadID: "abc"}, fixedNow),
			}

			rec := f.do(http.MethodGet, "/api/v1/events/stream?token=tok"+tt.query, "", "")
			require.Equal(t, http.StatusOK, rec.Code)

			assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
			assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
			assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

			call := f.streams.lastCall()
			assert.Equal(t, tt.wantChannels, call.channels)
			assert.Equal(t, tt.wantFilter, call.filter)

			assert.Equal(t, []string{"queue_update"}, readFrames(t, rec.Body.String()))
			assert.Contains(t, rec.Body.String(), `data: {`)
			assert.True(t, strings.HasSuffix(rec.Body.String(), "\n\n"))
		})
	}
}

func TestStreamDataCarriesPayloadFields(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.tokens.tokens["tok"] = models.Token{Token: "tok", Scope: "queue", PrincipalID: "u1"}
	f.streams.events = []models.Event{
		models.NewEvent(models.ChannelQueueUpdates, models.QueueUpdate{Action: "added", DownloadID: "abc"}, fixedNow),
	}

	rec := f.do(http.MethodGet, "/api/v1/events/stream?token=tok", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var line string

	sc := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for sc.Scan() {
		if after, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			line = after
		}
	}

	require.NotEmpty(t, line)

	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &data))

	assert.Equal(t, "abc", data["download_id"])
	assert.Equal(t, "added", data["action"])
	assert.NotContains(t, data, "type")
	assert.NotContains(t, data, "timestamp")
}

func TestStreamRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		target   string
		wantCode int
	}{
		{name: "missing token", target: "/api/v1/events/stream", wantCode: http.StatusUnauthorized},
		{name: "unknown token", target: "/api/v1/events/stream?token=nope", wantCode: http.StatusUnauthorized},
		{name: "unknown channel", target: "/api/v1/events/stream?token=q&channels=bogus", wantCode: http.StatusBadRequest},
		{name: "download stream wrong scope", target: "/api/v1/events/downloads/abc?token=q", wantCode: http.StatusForbidden},
		{name: "download stream other id", target: "/api/v1/events/downloads/xyz?token=d", wantCode: http.StatusForbidden},
		{name: "queue stream wrong scope", target: "/api/v1/events/queue?token=d", wantCode: http.StatusForbidden},
		{name: "queue stream without token", target: "/api/v1/events/queue", wantCode: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.tokens.tokens["q"] = models.Token{Token: "q", Scope: "queue"}
			f.tokens.tokens["d"] = models.Token{Token: "d", Scope: "download:abc"}

			rec := f.do(http.MethodGet, tt.target, "", "")
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Empty(t, f.streams.calls)
		})
	}
}

func TestDownloadAndQueueStreams(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.tokens.tokens["d"] = models.Token{Token: "d", Scope: "download:abc"}
	f.tokens.tokens["q"] = models.Token{Token: "q", Scope: "queue"}

	rec := f.do(http.MethodGet, "/api/v1/events/downloads/abc?token=d", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	call := f.streams.lastCall()
	assert.Equal(t, []string{models.ChannelDownloadUpdates}, call.channels)
	assert.Equal(t, events.Filter{"download_id": "abc"}, call.filter)

	rec = f.do(http.MethodGet, "/api/v1/events/queue?token=q", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	call = f.streams.lastCall()
	assert.Equal(t, []string{models.ChannelQueueUpdates}, call.channels)
	assert.Nil(t, call.filter)
}

func TestStreamHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/events/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[models.StreamHealthResponse](t, rec)
	assert.Equal(t, int64(3), resp.ActiveConnections)
	assert.Equal(t, int64(1000), resp.MaxConnections)
	assert.InDelta(t, 30.0, resp.HeartbeatInterval, 0.001)
}

func TestCreateDownload(t *testing.T) {
	t.Parallel()

	t.Run("queues a pending job", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)

		rec := f.do(http.MethodPost, "/api/v1/downloads", "u1", `{"url":"https://example.com/watch?v=1"}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		resp := decode[models.CreateDownloadResponse](t, rec)
		assert.Equal(t, "job-1", resp.ID)
		assert.Equal(t, models.StatusPending, resp.Status)

		require.Len(t, f.queue.enqueued, 1)
		assert.Equal(t, tasks.DownloadPayload{DownloadID: "job-1", URL: "https://example.com/watch?v=1", Format: "best"}, f.queue.enqueued[0])
		assert.Equal(t, []queueUpdate{{action: models.QueueActionAdded, id: "job-1", status: models.StatusPending}}, f.progress.published)
		assert.Equal(t, "u1", f.jobs.jobs["job-1"].OwnerID)
	})

	t.Run("rejects invalid urls", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)

		for _, body := range []string{`{}`, `{"url":"ftp://example.com/a"}`, `{"url":"not a url"}`} {
			rec := f.do(http.MethodPost, "/api/v1/downloads", "u1", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		}

		assert.Empty(t, f.jobs.jobs)
	})

	t.Run("enqueue failure marks the job failed", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.queue.enqueueErr = errors.New("redis down")

		rec := f.do(http.MethodPost, "/api/v1/downloads", "u1", `{"url":"https://example.com/v"}`)
		require.Equal(t, http.StatusInternalServerError, rec.Code)

		assert.Equal(t, models.StatusFailed, f.jobs.jobs["job-1"].Status)
		assert.Empty(t, f.progress.published)
	})

	t.Run("requires a user", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)

		rec := f.do(http.MethodPost, "/api/v1/downloads", "", `{"url":"https://example.com/v"}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestGetProgress(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.progress.snapshots["live"] = models.Snapshot{
		DownloadID: "live",
		Progress:   models.ProgressInfo{Percentage: models.Float64(42), Status: models.StatusDownloading},
		UpdatedAt:  fixedNow,
	}

	started := fixedNow.Add(-time.Minute)
	f.jobs.jobs["stored"] = models.Job{
		ID:        "stored",
		Status:    models.StatusDownloading,
		Progress:  models.Float64(10),
		Title:     "Clip",
		CreatedAt: fixedNow.Add(-time.Hour),
		StartedAt: &started,
	}

	rec := f.do(http.MethodGet, "/api/v1/downloads/live/progress", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	snap := decode[models.Snapshot](t, rec)
	require.NotNil(t, snap.Progress.Percentage)
	assert.InDelta(t, 42.0, *snap.Progress.Percentage, 0.001)

	rec = f.do(http.MethodGet, "/api/v1/downloads/stored/progress", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	snap = decode[models.Snapshot](t, rec)
	assert.Equal(t, "stored", snap.DownloadID)
	assert.Equal(t, models.StatusDownloading, snap.Progress.Status)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "Clip", snap.Result.Title)
	assert.True(t, snap.UpdatedAt.Equal(started))

	rec = f.do(http.MethodGet, "/api/v1/downloads/missing/progress", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelDownload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     models.JobStatus
		result     redis.CancelResult
		wantCode   int
		wantStatus models.JobStatus
		wantAction string
	}{
		{name: "pending job removed", status: models.StatusPending, result: redis.CancelRemoved, wantCode: http.StatusOK, wantStatus: models.StatusCancelled, wantAction: models.QueueActionRemoved},
		{name: "orphaned running job", status: models.StatusDownloading, result: redis.CancelNotFound, wantCode: http.StatusOK, wantStatus: models.StatusCancelled, wantAction: models.QueueActionStatusChanged},
		{name: "running task signalled", status: models.StatusDownloading, result: redis.CancelSignalled, wantCode: http.StatusAccepted, wantStatus: models.StatusDownloading},
		{name: "finished job", status: models.StatusCompleted, result: redis.CancelNotFound, wantCode: http.StatusConflict, wantStatus: models.StatusCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.jobs.jobs["j"] = models.Job{ID: "j", Status: tt.status}
			f.queue.cancel = tt.result

			rec := f.do(http.MethodPost, "/api/v1/downloads/j/cancel", "u1", "")
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantStatus, f.jobs.jobs["j"].Status)

			if tt.wantAction == "" {
				assert.Empty(t, f.progress.published)
				return
			}

			require.Len(t, f.progress.published, 1)
			assert.Equal(t, tt.wantAction, f.progress.published[0].action)
			assert.Equal(t, models.StatusCancelled, f.progress.published[0].status)
		})
	}

	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/v1/downloads/missing/cancel", "u1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/events/token", nil)
	req.Header.Set("Origin", "https://app.example.com")

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-User-ID")
}
