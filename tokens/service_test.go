package tokens

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TechSquidTV/Hermes/models"
	"github.com/TechSquidTV/Hermes/progress"
)

type memoryStore struct {
	mu     sync.Mutex
	tokens map[string]models.Token
	ttls   map[string]time.Duration
	err    error
	calls  int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		tokens: make(map[string]models.Token),
		ttls:   make(map[string]time.Duration),
	}
}

func (m *memoryStore) StoreToken(_ context.Context, tok models.Token, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return m.err
	}
	m.tokens[tok.Token] = tok
	m.ttls[tok.Token] = ttl
	return nil
}

func (m *memoryStore) GetToken(_ context.Context, token string) (models.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return models.Token{}, m.err
	}
	tok, ok := m.tokens[token]
	if !ok {
		return models.Token{}, progress.ErrNotFound
	}
	return tok, nil
}

func (m *memoryStore) DeleteToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	delete(m.tokens, token)
	return nil
}

func (m *memoryStore) RevokeTokens(_ context.Context, principal, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	n := 0
	for k, tok := range m.tokens {
		if principal != "" && tok.PrincipalID != principal {
			continue
		}
		if !strings.HasPrefix(tok.Scope, prefix) {
			continue
		}
		delete(m.tokens, k)
		n++
	}
	return n, nil
}

func (m *memoryStore) RevokeScope(_ context.Context, scope string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	n := 0
	for k, tok := range m.tokens {
		if tok.Scope != scope {
			continue
		}
		delete(m.tokens, k)
		n++
	}
	return n, nil
}

type jobSet struct {
	ids     map[string]bool
	err     error
	lookups int
}

func (j *jobSet) Exists(_ context.Context, id string) (bool, error) {
	j.lookups++
	if j.err != nil {
		return false, j.err
	}
	return j.ids[id], nil
}

func TestScopeMatches(t *testing.T) {
	tests := []struct {
		scope    string
		required string
		want     bool
	}{
		{"download:abc", "download:abc", true},
		{"download:abc", "download:*", true},
		{"download:abc", "queue", false},
		{"queue", "queue", true},
		{"queue", "download:*", false},
		{"download:abc", "download:abd", false},
		{"queue", "queue:*", false},
		{"system", "queue", false},
	}

	for _, tt := range tests {
		t.Run(tt.scope+"~"+tt.required, func(t *testing.T) {
			assert.Equal(t, tt.want, ScopeMatches(tt.scope, tt.required))
		})
	}
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		in      string
		want    Scope
		wantErr bool
	}{
		{in: "queue", want: Scope{Kind: ScopeQueue}},
		{in: "system", want: Scope{Kind: ScopeSystem}},
		{in: "download:abc-123", want: Scope{Kind: ScopeDownload, DownloadID: "abc-123"}},
		{in: "download:a:b", want: Scope{Kind: ScopeDownload, DownloadID: "a:b"}},
		{in: "download:", wantErr: true},
		{in: "download", wantErr: true},
		{in: "queues", wantErr: true},
		{in: "", wantErr: true},
		{in: "QUEUE", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseScope(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidScope)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func newTestService(store *memoryStore, jobs *jobSet, now time.Time) *Service {
	return New(store, jobs,
		WithClock(func() time.Time { return now }),
		WithRandom(bytes.NewReader(bytes.Repeat([]byte{0xAB}, 1024))),
	)
}

func TestIssue(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("default ttl and read only", func(t *testing.T) {
		store := newMemoryStore()
		svc := newTestService(store, &jobSet{}, now)

		tok, err := svc.Issue(context.Background(), "user-1", "queue", 0)
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(tok.Token, Prefix))
		assert.Equal(t, "queue", tok.Scope)
		assert.Equal(t, []models.Permission{models.PermissionRead}, tok.Permissions)
		assert.Equal(t, now.Add(DefaultTTL), tok.ExpiresAt)
		assert.Equal(t, DefaultTTL, store.ttls[tok.Token])
	})

	t.Run("queue and system never check job existence", func(t *testing.T) {
		jobs := &jobSet{err: errors.New("db down")}
		svc := newTestService(newMemoryStore(), jobs, now)

		for _, scope := range []string{"queue", "system"} {
			_, err := svc.Issue(context.Background(), "user-1", scope, time.Minute)
			require.NoError(t, err)
		}

		assert.Zero(t, jobs.lookups)
	})

	t.Run("download scope requires existing job", func(t *testing.T) {
		store := newMemoryStore()
		jobs := &jobSet{ids: map[string]bool{"known": true}}
		svc := newTestService(store, jobs, now)

		_, err := svc.Issue(context.Background(), "user-1", "download:missing", time.Minute)
		assert.ErrorIs(t, err, ErrJobNotFound)
		assert.Zero(t, store.calls)

		tok, err := svc.Issue(context.Background(), "user-1", "download:known", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "download:known", tok.Scope)
	})

	t.Run("job lookup failure is not a not-found", func(t *testing.T) {
		svc := newTestService(newMemoryStore(), &jobSet{err: errors.New("db down")}, now)

		_, err := svc.Issue(context.Background(), "user-1", "download:x", time.Minute)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("malformed input never reaches the store", func(t *testing.T) {
		tests := []struct {
			name      string
			principal string
			scope     string
			ttl       time.Duration
			want      error
		}{
			{"bad scope", "u", "downloads:x", time.Minute, ErrInvalidScope},
			{"empty download id", "u", "download:", time.Minute, ErrInvalidScope},
			{"ttl too short", "u", "queue", 59 * time.Second, ErrTTLOutOfRange},
			{"ttl too long", "u", "queue", 3601 * time.Second, ErrTTLOutOfRange},
			{"negative ttl", "u", "queue", -time.Second, ErrTTLOutOfRange},
			{"empty principal", "", "queue", time.Minute, ErrEmptyPrincipal},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				store := newMemoryStore()
				jobs := &jobSet{}
				svc := newTestService(store, jobs, now)

				_, err := svc.Issue(context.Background(), tt.principal, tt.scope, tt.ttl)
				assert.ErrorIs(t, err, tt.want)
				assert.True(t, IsMalformed(err))
				assert.Zero(t, store.calls)
				assert.Zero(t, jobs.lookups)
			})
		}
	})

	t.Run("ttl bounds are inclusive", func(t *testing.T) {
		svc := newTestService(newMemoryStore(), &jobSet{}, now)

		_, err := svc.Issue(context.Background(), "u", "system", MinTTL)
		assert.NoError(t, err)

		_, err = svc.Issue(context.Background(), "u", "system", MaxTTL)
		assert.NoError(t, err)
	})

	t.Run("store failure surfaces", func(t *testing.T) {
		store := newMemoryStore()
		store.err = errors.New("connection refused")
		svc := newTestService(store, &jobSet{}, now)

		_, err := svc.Issue(context.Background(), "u", "queue", time.Minute)
		require.Error(t, err)
		assert.False(t, IsMalformed(err))
	})
}

func TestValidate(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := newMemoryStore()
	jobs := &jobSet{ids: map[string]bool{"abc": true}}
	svc := newTestService(store, jobs, now)

	tok, err := svc.Issue(context.Background(), "user-1", "download:abc", time.Minute)
	require.NoError(t, err)

	t.Run("exact scope", func(t *testing.T) {
		got, err := svc.Validate(context.Background(), tok.Token, "download:abc")
		require.NoError(t, err)
		assert.Equal(t, "user-1", got.PrincipalID)
	})

	t.Run("wildcard scope", func(t *testing.T) {
		_, err := svc.Validate(context.Background(), tok.Token, "download:*")
		assert.NoError(t, err)
	})

	t.Run("scope mismatch is authorization failure", func(t *testing.T) {
		_, err := svc.Validate(context.Background(), tok.Token, "queue")
		assert.ErrorIs(t, err, ErrInsufficientScope)
		assert.False(t, IsAuthentication(err))
	})

	t.Run("unknown token is authentication failure", func(t *testing.T) {
		_, err := svc.Validate(context.Background(), "sse_nope", "queue")
		assert.ErrorIs(t, err, ErrTokenNotFound)
		assert.True(t, IsAuthentication(err))

		_, err = svc.Validate(context.Background(), "", "queue")
		assert.ErrorIs(t, err, ErrTokenNotFound)
	})

	t.Run("authenticate ignores scope", func(t *testing.T) {
		got, err := svc.Authenticate(context.Background(), tok.Token)
		require.NoError(t, err)
		assert.Equal(t, "download:abc", got.Scope)

		_, err = svc.Authenticate(context.Background(), "sse_nope")
		assert.ErrorIs(t, err, ErrTokenNotFound)
	})

	t.Run("expired token is rejected even if still stored", func(t *testing.T) {
		later := New(store, jobs, WithClock(func() time.Time { return now.Add(2 * time.Minute) }))

		_, err := later.Validate(context.Background(), tok.Token, "download:abc")
		assert.ErrorIs(t, err, ErrTokenExpired)
		assert.True(t, IsAuthentication(err))

		_, err = store.GetToken(context.Background(), tok.Token)
		assert.ErrorIs(t, err, progress.ErrNotFound)
	})
}

func TestRevoke(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := newMemoryStore()
	jobs := &jobSet{ids: map[string]bool{"J1": true, "J2": true, "K1": true}}
	svc := New(store, jobs, WithClock(func() time.Time { return now }))

	issue := func(principal, scope string) models.Token {
		tok, err := svc.Issue(context.Background(), principal, scope, time.Minute)
		require.NoError(t, err)
		return tok
	}

	pJ1 := issue("P", "download:J1")
	pJ2 := issue("P", "download:J2")
	pK1 := issue("P", "download:K1")
	pQueue := issue("P", "queue")
	qJ1 := issue("Q", "download:J1")

	n, err := svc.Revoke(context.Background(), "P", "download:J")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, gone := range []models.Token{pJ1, pJ2} {
		_, err := svc.Validate(context.Background(), gone.Token, gone.Scope)
		assert.ErrorIs(t, err, ErrTokenNotFound)
	}

	for _, kept := range []models.Token{pK1, pQueue, qJ1} {
		_, err := svc.Validate(context.Background(), kept.Token, kept.Scope)
		assert.NoError(t, err)
	}

	_, err = svc.Revoke(context.Background(), "", "download:")
	assert.ErrorIs(t, err, ErrEmptyPrincipal)

	n, err = svc.RevokeJob(context.Background(), "J1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = svc.Revoke(context.Background(), "P", "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRevokeJobMatchesScopeExactly(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := newMemoryStore()
	jobs := &jobSet{ids: map[string]bool{"job-1": true, "job-10": true, "job-1x": true}}
	svc := New(store, jobs, WithClock(func() time.Time { return now }))

	issue := func(principal, scope string) models.Token {
		tok, err := svc.Issue(context.Background(), principal, scope, time.Minute)
		require.NoError(t, err)
		return tok
	}

	own := issue("P", "download:job-1")
	other := issue("Q", "download:job-1")
	ten := issue("P", "download:job-10")
	x := issue("P", "download:job-1x")

	n, err := svc.RevokeJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, gone := range []models.Token{own, other} {
		_, err := svc.Authenticate(context.Background(), gone.Token)
		assert.ErrorIs(t, err, ErrTokenNotFound)
	}

	for _, kept := range []models.Token{ten, x} {
		_, err := svc.Validate(context.Background(), kept.Token, kept.Scope)
		assert.NoError(t, err, kept.Scope)
	}

	_, err = svc.RevokeJob(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidScope)
}
