package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrTokenNotFound  = errors.New("token not found")
	ErrDuplicateToken = errors.New("token already exists")
	ErrQuotaExceeded  = errors.New("quota exceeded")
)

const tokenColumns = `id, uploaded_bytes, allowed_bytes, file_count, details,
	   deleted, created_at, updated_at`

// TokenRepository provides CRUD and quota accounting for bearer tokens.
type TokenRepository struct {
	db *DB
}

// NewTokenRepository creates a new TokenRepository.
func NewTokenRepository(db *DB) *TokenRepository {
	return &TokenRepository{db: db}
}

func scanToken(row pgx.Row) (*Token, error) {
	t := &Token{}
	err := row.Scan(
		&t.ID,
		&t.UploadedBytes,
		&t.AllowedBytes,
		&t.FileCount,
		&t.Details,
		&t.Deleted,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetActive retrieves a token by ID, excluding soft-deleted tokens.
func (r *TokenRepository) GetActive(ctx context.Context, id string) (*Token, error) {
	token, err := scanToken(r.db.Pool.QueryRow(ctx,
		"SELECT "+tokenColumns+" FROM tokens WHERE id = $1 AND NOT deleted", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return token, nil
}

// Create inserts a new token.
func (r *TokenRepository) Create(ctx context.Context, token *Token) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO tokens (id, allowed_bytes, details, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
	`, token.ID, token.AllowedBytes, token.Details)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateToken
		}
		return fmt.Errorf("failed to create token: %w", err)
	}
	return nil
}

// CreateIfAbsent inserts a token, ignoring it if the ID is already present.
// Used to seed config-declared tokens at startup.
func (r *TokenRepository) CreateIfAbsent(ctx context.Context, token *Token) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO tokens (id, allowed_bytes, details, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
	`, token.ID, token.AllowedBytes, token.Details)
	if err != nil {
		return fmt.Errorf("failed to seed token: %w", err)
	}
	return nil
}

// SoftDelete marks a token deleted. Existing files stay retrievable; the
// token can no longer authorize uploads.
func (r *TokenRepository) SoftDelete(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE tokens SET deleted = TRUE, updated_at = NOW() WHERE id = $1 AND NOT deleted", id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// ReserveUsage adds size to the token's uploaded-bytes counter if and only
// if the ceiling permits it. The check and the increment are a single
// conditional UPDATE, so concurrent uploads by the same token can never
// drive usage past the ceiling. A zero-row result is disambiguated with a
// follow-up read: the token is either gone or over quota.
func (r *TokenRepository) ReserveUsage(ctx context.Context, id string, size int64) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE tokens
		SET uploaded_bytes = uploaded_bytes + $2, updated_at = NOW()
		WHERE id = $1 AND NOT deleted
		  AND (allowed_bytes IS NULL OR uploaded_bytes + $2 <= allowed_bytes)
	`, id, size)
	if err != nil {
		return fmt.Errorf("failed to reserve quota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetActive(ctx, id); err != nil {
			return err
		}
		return ErrQuotaExceeded
	}
	return nil
}

// ReleaseUsage subtracts size from the token's uploaded-bytes counter,
// clamping at zero. A clamp means the counter no longer equals the sum of
// owned file sizes, which is logged as corruption rather than surfaced.
func (r *TokenRepository) ReleaseUsage(ctx context.Context, id string, size int64) error {
	var prev int64
	err := r.db.Pool.QueryRow(ctx, `
		UPDATE tokens t
		SET uploaded_bytes = GREATEST(t.uploaded_bytes - $2, 0), updated_at = NOW()
		FROM (SELECT uploaded_bytes FROM tokens WHERE id = $1 FOR UPDATE) prev
		WHERE t.id = $1
		RETURNING prev.uploaded_bytes
	`, id, size).Scan(&prev)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTokenNotFound
		}
		return fmt.Errorf("failed to release quota: %w", err)
	}
	if prev < size {
		slog.Error("quota counter corruption: release would drive usage negative",
			"token", id, "usage", prev, "release", size)
	}
	return nil
}

// AppendOwnedFile records that a file now belongs to the token.
func (r *TokenRepository) AppendOwnedFile(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE tokens SET file_count = file_count + 1, updated_at = NOW() WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to update file count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// RemoveOwnedFile records that a file no longer belongs to the token.
func (r *TokenRepository) RemoveOwnedFile(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE tokens SET file_count = GREATEST(file_count - 1, 0), updated_at = NOW() WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to update file count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// ListAll returns every token, including soft-deleted ones, newest first.
func (r *TokenRepository) ListAll(ctx context.Context) ([]*Token, error) {
	rows, err := r.db.Pool.Query(ctx,
		"SELECT "+tokenColumns+" FROM tokens ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}
