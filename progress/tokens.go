package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/TechSquidTV/Hermes/models"
)

const (
	tokenKeyPrefix = "sse_token:"
	scanBatch      = 100
)

func tokenKey(token string) string {
	return tokenKeyPrefix + token
}

// StoreToken writes tok under its identifier with the given TTL.
func (s *Store) StoreToken(ctx context.Context, tok models.Token, ttl time.Duration) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := s.rdb.Set(ctx, tokenKey(tok.Token), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	return nil
}

// GetToken reads a token. ErrNotFound is returned when the key is absent.
func (s *Store) GetToken(ctx context.Context, token string) (models.Token, error) {
	data, err := s.rdb.Get(ctx, tokenKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.Token{}, ErrNotFound
		}

		return models.Token{}, fmt.Errorf("failed to get token: %w", err)
	}

	var tok models.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return models.Token{}, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return tok, nil
}

// DeleteToken removes a token. Deleting a missing token is not an error.
func (s *Store) DeleteToken(ctx context.Context, token string) error {
	if err := s.rdb.Del(ctx, tokenKey(token)).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	return nil
}

// RevokeTokens scans every stored token and deletes those owned by
// principal whose scope starts with scopePrefix. An empty principal matches
// every owner; an empty prefix matches every scope. It returns the number of
// tokens removed.
func (s *Store) RevokeTokens(ctx context.Context, principal, scopePrefix string) (int, error) {
	return s.revokeMatching(ctx, func(tok models.Token) bool {
		if principal != "" && tok.PrincipalID != principal {
			return false
		}

		return strings.HasPrefix(tok.Scope, scopePrefix)
	})
}

// RevokeScope deletes every token whose scope equals scope, whatever its
// owner.
func (s *Store) RevokeScope(ctx context.Context, scope string) (int, error) {
	return s.revokeMatching(ctx, func(tok models.Token) bool {
		return tok.Scope == scope
	})
}

func (s *Store) revokeMatching(ctx context.Context, match func(models.Token) bool) (int, error) {
	var (
		cursor  uint64
		revoked int
	)

	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, tokenKeyPrefix+"*", scanBatch).Result()
		if err != nil {
			return revoked, fmt.Errorf("failed to scan tokens: %w", err)
		}

		for _, key := range keys {
			ok, err := s.revokeKey(ctx, key, match)
			if err != nil {
				s.log.Error("failed to revoke token", zap.String("key", key), zap.Error(err))
				continue
			}

			if ok {
				revoked++
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return revoked, nil
}

func (s *Store) revokeKey(ctx context.Context, key string, match func(models.Token) bool) (bool, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}

		return false, err
	}

	var tok models.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return false, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	if !match(tok) {
		return false, nil
	}

	n, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}
