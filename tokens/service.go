// Package tokens issues and validates ephemeral, scope restricted stream
// tokens.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/TechSquidTV/Hermes/models"
	"github.com/TechSquidTV/Hermes/progress"
)

const (
	// Prefix marks every issued token identifier.
	Prefix = "sse_"

	DefaultTTL = 300 * time.Second
	MinTTL     = 60 * time.Second
	MaxTTL     = 3600 * time.Second

	tokenBytes = 32
)

var (
	ErrInvalidScope      = errors.New("invalid scope")
	ErrTTLOutOfRange     = fmt.Errorf("ttl must be between %d and %d seconds", int(MinTTL.Seconds()), int(MaxTTL.Seconds()))
	ErrJobNotFound       = errors.New("download not found")
	ErrEmptyPrincipal    = errors.New("principal is required")
	ErrTokenNotFound     = errors.New("token not found")
	ErrTokenExpired      = errors.New("token expired")
	ErrInsufficientScope = errors.New("token scope does not grant access")
)

// Store persists tokens under time bound keys.
type Store interface {
	StoreToken(ctx context.Context, tok models.Token, ttl time.Duration) error
	GetToken(ctx context.Context, token string) (models.Token, error)
	DeleteToken(ctx context.Context, token string) error
	RevokeTokens(ctx context.Context, principal, scopePrefix string) (int, error)
	RevokeScope(ctx context.Context, scope string) (int, error)
}

// JobLookup reports whether a download exists.
type JobLookup interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Service issues, validates and revokes stream tokens.
type Service struct {
	store  Store
	jobs   JobLookup
	log    *zap.Logger
	now    func() time.Time
	random io.Reader
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.log = l
	}
}

// WithClock overrides the clock used for issuance and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithRandom overrides the source of token entropy.
func WithRandom(r io.Reader) Option {
	return func(s *Service) {
		s.random = r
	}
}

// New creates a token service.
func New(store Store, jobs JobLookup, opts ...Option) *Service {
	s := &Service{
		store:  store,
		jobs:   jobs,
		log:    zap.NewNop(),
		now:    time.Now,
		random: rand.Reader,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// IsAuthentication reports whether err means the token is unusable
// (absent or expired), as opposed to lacking the required scope.
func IsAuthentication(err error) bool {
	return errors.Is(err, ErrTokenNotFound) || errors.Is(err, ErrTokenExpired)
}

// IsMalformed reports whether err is an input validation failure.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrInvalidScope) || errors.Is(err, ErrTTLOutOfRange) || errors.Is(err, ErrEmptyPrincipal)
}

// Issue creates a read-only token for principal. A zero ttl selects
// DefaultTTL. Download scopes require the download to exist.
func (s *Service) Issue(ctx context.Context, principal, scope string, ttl time.Duration) (models.Token, error) {
	if principal == "" {
		return models.Token{}, ErrEmptyPrincipal
	}

	if ttl == 0 {
		ttl = DefaultTTL
	}

	if ttl < MinTTL || ttl > MaxTTL {
		return models.Token{}, ErrTTLOutOfRange
	}

	parsed, err := ParseScope(scope)
	if err != nil {
		return models.Token{}, err
	}

	if parsed.Kind == ScopeDownload {
		exists, err := s.jobs.Exists(ctx, parsed.DownloadID)
		if err != nil {
			return models.Token{}, fmt.Errorf("failed to look up download: %w", err)
		}

		if !exists {
			s.log.Warn("token denied for unknown download",
				zap.String("download_id", parsed.DownloadID),
				zap.String("user_id", principal),
			)

			return models.Token{}, fmt.Errorf("%w: %s", ErrJobNotFound, parsed.DownloadID)
		}
	}

	id, err := s.generate()
	if err != nil {
		return models.Token{}, err
	}

	now := s.now().UTC()
	tok := models.Token{
		Token:       id,
		Scope:       parsed.String(),
		PrincipalID: principal,
		Permissions: []models.Permission{models.PermissionRead},
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	if err := s.store.StoreToken(ctx, tok, ttl); err != nil {
		return models.Token{}, fmt.Errorf("failed to create token: %w", err)
	}

	s.log.Info("created stream token",
		zap.String("token_prefix", id[:12]),
		zap.String("scope", tok.Scope),
		zap.String("user_id", principal),
		zap.Duration("ttl", ttl),
	)

	return tok, nil
}

// Authenticate checks that token exists and has not expired, without
// looking at its scope.
func (s *Service) Authenticate(ctx context.Context, token string) (models.Token, error) {
	if token == "" {
		return models.Token{}, ErrTokenNotFound
	}

	tok, err := s.store.GetToken(ctx, token)
	if err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			return models.Token{}, ErrTokenNotFound
		}

		return models.Token{}, fmt.Errorf("failed to read token: %w", err)
	}

	if tok.IsExpired(s.now()) {
		if err := s.store.DeleteToken(ctx, token); err != nil {
			s.log.Error("failed to delete expired token", zap.Error(err))
		}

		return models.Token{}, ErrTokenExpired
	}

	return tok, nil
}

// Validate checks that token exists, has not expired and grants required.
func (s *Service) Validate(ctx context.Context, token, required string) (models.Token, error) {
	tok, err := s.Authenticate(ctx, token)
	if err != nil {
		return models.Token{}, err
	}

	if !ScopeMatches(tok.Scope, required) {
		s.log.Warn("token scope mismatch",
			zap.String("scope", tok.Scope),
			zap.String("required_scope", required),
			zap.String("user_id", tok.PrincipalID),
		)

		return models.Token{}, fmt.Errorf("%w: have %q, need %q", ErrInsufficientScope, tok.Scope, required)
	}

	return tok, nil
}

// Revoke deletes every token owned by principal whose scope starts with
// scopePrefix, returning how many were removed.
func (s *Service) Revoke(ctx context.Context, principal, scopePrefix string) (int, error) {
	if principal == "" {
		return 0, ErrEmptyPrincipal
	}

	n, err := s.store.RevokeTokens(ctx, principal, scopePrefix)
	if err != nil {
		return n, fmt.Errorf("failed to revoke tokens: %w", err)
	}

	s.log.Info("revoked stream tokens",
		zap.String("user_id", principal),
		zap.String("scope_prefix", scopePrefix),
		zap.Int("count", n),
	)

	return n, nil
}

// RevokeJob deletes the tokens of every principal scoped to exactly one
// download.
func (s *Service) RevokeJob(ctx context.Context, downloadID string) (int, error) {
	if downloadID == "" {
		return 0, fmt.Errorf("%w: empty download id", ErrInvalidScope)
	}

	n, err := s.store.RevokeScope(ctx, DownloadScope(downloadID))
	if err != nil {
		return n, fmt.Errorf("failed to revoke download tokens: %w", err)
	}

	if n > 0 {
		s.log.Info("revoked download tokens", zap.String("download_id", downloadID), zap.Int("count", n))
	}

	return n, nil
}

func (s *Service) generate() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	return Prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
