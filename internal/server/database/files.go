package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrFileNotFound = errors.New("file not found")
	ErrDuplicateID  = errors.New("identifier already exists")
)

const fileColumns = `id, content_type, size, hits, bot_hits, ip, delete_key,
	   hash, original_name, token_id, deleted, created_at, updated_at`

// FileRepository provides CRUD operations for file records.
type FileRepository struct {
	db *DB
}

// NewFileRepository creates a new FileRepository.
func NewFileRepository(db *DB) *FileRepository {
	return &FileRepository{db: db}
}

func scanFile(row pgx.Row) (*File, error) {
	f := &File{}
	err := row.Scan(
		&f.ID,
		&f.ContentType,
		&f.Size,
		&f.Hits,
		&f.BotHits,
		&f.IP,
		&f.DeleteKey,
		&f.Hash,
		&f.OriginalName,
		&f.TokenID,
		&f.Deleted,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Create inserts a new file record. The primary-key constraint makes the
// create atomic: a concurrent insert of the same identifier yields
// ErrDuplicateID instead of silently overwriting.
func (r *FileRepository) Create(ctx context.Context, file *File) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO files (
			id, content_type, size, ip, delete_key, hash,
			original_name, token_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`,
		file.ID,
		file.ContentType,
		file.Size,
		file.IP,
		file.DeleteKey,
		file.Hash,
		file.OriginalName,
		file.TokenID,
		file.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateID
		}
		return fmt.Errorf("failed to create file record: %w", err)
	}
	return nil
}

// Exists reports whether an identifier has ever been assigned, including to
// soft-deleted records. Used by the ID allocator so identifiers are never
// reused across a record's full history.
func (r *FileRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM files WHERE id = $1)", id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check identifier: %w", err)
	}
	return exists, nil
}

// GetActive retrieves a file record by ID, excluding soft-deleted records.
// Absent and deleted identifiers are indistinguishable to callers.
func (r *FileRepository) GetActive(ctx context.Context, id string) (*File, error) {
	file, err := scanFile(r.db.Pool.QueryRow(ctx,
		"SELECT "+fileColumns+" FROM files WHERE id = $1 AND NOT deleted", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return file, nil
}

// FindByIDAndDeleteKey retrieves an active record only when both the
// identifier and the delete key match.
func (r *FileRepository) FindByIDAndDeleteKey(ctx context.Context, id, key string) (*File, error) {
	file, err := scanFile(r.db.Pool.QueryRow(ctx,
		"SELECT "+fileColumns+" FROM files WHERE id = $1 AND delete_key = $2 AND NOT deleted",
		id, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to find file by delete key: %w", err)
	}
	return file, nil
}

// AddHits atomically adds the given deltas to the hit counters of an active
// record. The increment happens in SQL so concurrent retrievals never lose
// updates.
func (r *FileRepository) AddHits(ctx context.Context, id string, humanDelta, botDelta int) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE files
		SET hits = hits + $2, bot_hits = bot_hits + $3, updated_at = NOW()
		WHERE id = $1 AND NOT deleted
	`, id, humanDelta, botDelta)
	if err != nil {
		return fmt.Errorf("failed to update hit counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

// SoftDelete marks a record deleted. Returns ErrFileNotFound if the record
// is absent or already deleted, making deletion idempotent at the caller.
func (r *FileRepository) SoftDelete(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE files SET deleted = TRUE, updated_at = NOW() WHERE id = $1 AND NOT deleted", id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

// ListAll returns every record, including soft-deleted ones, newest first.
// Administrative tooling only.
func (r *FileRepository) ListAll(ctx context.Context) ([]*File, error) {
	rows, err := r.db.Pool.Query(ctx,
		"SELECT "+fileColumns+" FROM files ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, file)
	}
	return files, rows.Err()
}

// GetStats returns aggregate server statistics.
func (r *FileRepository) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE NOT deleted),
			COALESCE(SUM(hits), 0),
			COALESCE(SUM(bot_hits), 0),
			COALESCE(SUM(size) FILTER (WHERE NOT deleted), 0)
		FROM files
	`).Scan(
		&stats.TotalFiles,
		&stats.ActiveFiles,
		&stats.TotalHits,
		&stats.TotalBots,
		&stats.StorageUsed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}
