package service

import (
	"context"
	"errors"
	"log/slog"

	"filedrop/internal/server/config"
	"filedrop/internal/server/database"
)

// ErrTokenExists is returned when issuing a token whose ID is taken.
var ErrTokenExists = errors.New("token already exists")

// TokenService manages bearer tokens: issuance, revocation, seeding.
type TokenService struct {
	tokens TokenRecords
}

// NewTokenService creates a new token service.
func NewTokenService(tokens TokenRecords) *TokenService {
	return &TokenService{tokens: tokens}
}

// Issue creates a new token with an optional byte ceiling.
func (s *TokenService) Issue(ctx context.Context, id string, allowedBytes *int64, details string) (*database.Token, error) {
	token := &database.Token{
		ID:           id,
		AllowedBytes: allowedBytes,
		Details:      details,
	}
	if err := s.tokens.Create(ctx, token); err != nil {
		if errors.Is(err, database.ErrDuplicateToken) {
			return nil, ErrTokenExists
		}
		return nil, err
	}

	slog.Info("token issued", "token", truncateToken(id), "details", details)
	return token, nil
}

// Revoke soft-deletes a token. Files it owns stay retrievable; the token
// can no longer authorize uploads.
func (s *TokenService) Revoke(ctx context.Context, id string) error {
	if err := s.tokens.SoftDelete(ctx, id); err != nil {
		if errors.Is(err, database.ErrTokenNotFound) {
			return ErrNotFound
		}
		return err
	}
	slog.Info("token revoked", "token", truncateToken(id))
	return nil
}

// List returns every token, including soft-deleted ones.
func (s *TokenService) List(ctx context.Context) ([]*database.Token, error) {
	return s.tokens.ListAll(ctx)
}

// Seed inserts config-declared tokens that are not present yet.
func (s *TokenService) Seed(ctx context.Context, seeds []config.TokenSeed) error {
	for _, seed := range seeds {
		token := &database.Token{
			ID:           seed.ID,
			AllowedBytes: seed.AllowedBytes,
			Details:      seed.Details,
		}
		if err := s.tokens.CreateIfAbsent(ctx, token); err != nil {
			return err
		}
	}
	if len(seeds) > 0 {
		slog.Info("seeded tokens from config", "count", len(seeds))
	}
	return nil
}
