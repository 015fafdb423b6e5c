package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"filedrop/internal/server/config"
	"filedrop/internal/server/database"
	"filedrop/internal/server/storage"
)

// Sentinel errors for the service layer.
var (
	ErrNotFound      = errors.New("file not found")
	ErrUnauthorized  = errors.New("no authorized token given")
	ErrQuotaExceeded = errors.New("token quota exceeded")
	ErrFileTooLarge  = errors.New("file exceeds maximum allowed size")
)

const deleteKeyLength = 64

// FileRecords is the slice of the record store the file flows consume.
type FileRecords interface {
	Create(ctx context.Context, file *database.File) error
	Exists(ctx context.Context, id string) (bool, error)
	GetActive(ctx context.Context, id string) (*database.File, error)
	FindByIDAndDeleteKey(ctx context.Context, id, key string) (*database.File, error)
	AddHits(ctx context.Context, id string, humanDelta, botDelta int) error
	SoftDelete(ctx context.Context, id string) error
	ListAll(ctx context.Context) ([]*database.File, error)
	GetStats(ctx context.Context) (*database.Stats, error)
}

// TokenRecords is the slice of the record store covering token accounting.
type TokenRecords interface {
	GetActive(ctx context.Context, id string) (*database.Token, error)
	Create(ctx context.Context, token *database.Token) error
	CreateIfAbsent(ctx context.Context, token *database.Token) error
	SoftDelete(ctx context.Context, id string) error
	ReserveUsage(ctx context.Context, id string, size int64) error
	ReleaseUsage(ctx context.Context, id string, size int64) error
	AppendOwnedFile(ctx context.Context, id string) error
	RemoveOwnedFile(ctx context.Context, id string) error
	ListAll(ctx context.Context) ([]*database.Token, error)
}

// UploadInput carries one incoming upload.
type UploadInput struct {
	Filename    string
	ContentType string
	Size        int64
	IP          string
	Data        io.Reader
}

// UploadResult is returned after a successful upload.
type UploadResult struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	Type         string `json:"type"`
	Size         int64  `json:"size"`
	IP           string `json:"ip"`
	DeleteKey    string `json:"deleteKey"`
	Hash         string `json:"hash"`
	OriginalName string `json:"originalName"`
}

// FileService contains the business logic for the file lifecycle:
// absent -> active -> deleted, with no resurrection.
type FileService struct {
	records FileRecords
	tokens  TokenRecords
	store   storage.Store
	idgen   *IDGenerator
	cfg     *config.Config
}

// NewFileService creates a new file service.
func NewFileService(records FileRecords, tokens TokenRecords, store storage.Store, cfg *config.Config) *FileService {
	return &FileService{
		records: records,
		tokens:  tokens,
		store:   store,
		idgen:   NewIDGenerator(records.Exists),
		cfg:     cfg,
	}
}

// Upload runs the full upload flow: token check, atomic quota reservation,
// identifier allocation, blob persistence, record creation. Any failure
// after the reservation releases it, and any failure after the blob write
// removes the blob, so no step leaves a dangling record or dangling blob.
func (s *FileService) Upload(ctx context.Context, token string, in UploadInput) (*UploadResult, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	tok, err := s.tokens.GetActive(ctx, token)
	if err != nil {
		if errors.Is(err, database.ErrTokenNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}

	if s.cfg.Upload.MaxFileSize > 0 && in.Size > s.cfg.Upload.MaxFileSize {
		return nil, ErrFileTooLarge
	}

	// Derive everything from client input before reserving quota or writing
	// the blob, so no request-shaped surprise can strand either.
	originalName := sanitizeFilename(in.Filename)

	// Check-and-increment is a single conditional update in the store, so
	// concurrent uploads by the same token cannot overshoot the ceiling.
	if err := s.tokens.ReserveUsage(ctx, tok.ID, in.Size); err != nil {
		if errors.Is(err, database.ErrQuotaExceeded) {
			return nil, ErrQuotaExceeded
		}
		if errors.Is(err, database.ErrTokenNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}

	id, err := s.idgen.Allocate(ctx)
	if err != nil {
		s.releaseQuota(ctx, tok.ID, in.Size)
		return nil, err
	}

	deleteKey, err := randomString(deleteKeyLength)
	if err != nil {
		s.releaseQuota(ctx, tok.ID, in.Size)
		return nil, err
	}

	hasher := md5.New()
	written, err := s.store.Save(id, io.TeeReader(in.Data, hasher))
	if err != nil {
		s.releaseQuota(ctx, tok.ID, in.Size)
		return nil, fmt.Errorf("failed to store blob: %w", err)
	}
	if written != in.Size {
		s.cleanupBlob(id)
		s.releaseQuota(ctx, tok.ID, in.Size)
		return nil, fmt.Errorf("short write: declared %d bytes, stored %d", in.Size, written)
	}
	hash := hex.EncodeToString(hasher.Sum(nil))

	file := &database.File{
		ID:           id,
		ContentType:  in.ContentType,
		Size:         in.Size,
		IP:           in.IP,
		DeleteKey:    deleteKey,
		Hash:         hash,
		OriginalName: originalName,
		TokenID:      &tok.ID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.records.Create(ctx, file); err != nil {
		s.cleanupBlob(id)
		s.releaseQuota(ctx, tok.ID, in.Size)
		return nil, fmt.Errorf("failed to create file record: %w", err)
	}

	if err := s.tokens.AppendOwnedFile(ctx, tok.ID); err != nil {
		slog.Error("failed to record file ownership", "token", tok.ID, "id", id, "error", err)
	}

	slog.Info("upload accepted",
		"id", id,
		"type", file.ContentType,
		"size", file.Size,
		"ip", file.IP,
		"token", truncateToken(tok.ID),
	)

	return &UploadResult{
		ID:           file.ID,
		URL:          fmt.Sprintf("%s/%s", s.cfg.Server.BaseURL, file.ID),
		Type:         file.ContentType,
		Size:         file.Size,
		IP:           file.IP,
		DeleteKey:    file.DeleteKey,
		Hash:         file.Hash,
		OriginalName: file.OriginalName,
	}, nil
}

// Fetch returns the record and blob path for an active identifier.
// Absent and soft-deleted identifiers are indistinguishable: both yield
// ErrNotFound.
func (s *FileService) Fetch(ctx context.Context, id string) (*database.File, string, error) {
	file, err := s.records.GetActive(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}

	path, err := s.store.Path(id)
	if err != nil {
		return nil, "", fmt.Errorf("blob missing for active record %s: %w", id, err)
	}

	return file, path, nil
}

// RecordHit increments the matching counter by exactly one. Callers skip
// this entirely for range requests.
func (s *FileService) RecordHit(ctx context.Context, id string, class Classification) error {
	if class == Bot {
		return s.records.AddHits(ctx, id, 0, 1)
	}
	return s.records.AddHits(ctx, id, 1, 0)
}

// Delete transitions a file to its terminal state when the identifier and
// delete key both match. The quota is released, the blob unlinked
// best-effort. A second delete with the same key finds no active record
// and reports ErrNotFound.
func (s *FileService) Delete(ctx context.Context, id, key string) (*database.File, error) {
	file, err := s.records.FindByIDAndDeleteKey(ctx, id, key)
	if err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := s.records.SoftDelete(ctx, id); err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			// Lost a race with a concurrent delete; terminal either way.
			return nil, ErrNotFound
		}
		return nil, err
	}

	if file.TokenID != nil {
		s.releaseQuota(ctx, *file.TokenID, file.Size)
		if err := s.tokens.RemoveOwnedFile(ctx, *file.TokenID); err != nil {
			slog.Error("failed to update file ownership", "token", *file.TokenID, "id", id, "error", err)
		}
	}

	// Best-effort: the record is already gone from the client's
	// perspective, so an unlink failure is logged, not surfaced.
	if err := s.store.Delete(id); err != nil {
		slog.Error("failed to unlink blob", "id", id, "error", err)
	}

	slog.Info("file deleted", "id", id)
	return file, nil
}

// BlobStatus resolves an identifier for the sweeper: no record at all means
// the blob is an orphan from a failed upload, a soft-deleted record means
// the blob outlived its unlink.
func (s *FileService) BlobStatus(ctx context.Context, id string) (storage.BlobStatus, error) {
	exists, err := s.records.Exists(ctx, id)
	if err != nil {
		return storage.BlobActive, err
	}
	if !exists {
		return storage.BlobOrphaned, nil
	}

	if _, err := s.records.GetActive(ctx, id); err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return storage.BlobDeleted, nil
		}
		return storage.BlobActive, err
	}
	return storage.BlobActive, nil
}

// ListFiles returns every record, including soft-deleted ones.
func (s *FileService) ListFiles(ctx context.Context) ([]*database.File, error) {
	return s.records.ListAll(ctx)
}

// Stats returns aggregate server statistics.
func (s *FileService) Stats(ctx context.Context) (*database.Stats, error) {
	return s.records.GetStats(ctx)
}

func (s *FileService) releaseQuota(ctx context.Context, token string, size int64) {
	if err := s.tokens.ReleaseUsage(ctx, token, size); err != nil {
		slog.Error("failed to release quota", "token", token, "size", size, "error", err)
	}
}

func (s *FileService) cleanupBlob(id string) {
	if err := s.store.Delete(id); err != nil {
		slog.Error("failed to remove blob after aborted upload", "id", id, "error", err)
	}
}

const maxFilenameLen = 255

// sanitizeFilename strips directory components and limits length. The
// filename is client-controlled, so truncation must hold for any input:
// an extension longer than the cap is dropped entirely, and the stem is
// trimmed on rune boundaries so the result stays valid UTF-8.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes before filepath.Base, which is
	// platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	if len(name) > maxFilenameLen {
		ext := filepath.Ext(name)
		if len(ext) > maxFilenameLen {
			ext = ""
		}
		stem := strings.TrimSuffix(name, ext)
		limit := maxFilenameLen - len(ext)
		for len(stem) > limit {
			_, size := utf8.DecodeLastRuneInString(stem)
			stem = stem[:len(stem)-size]
		}
		name = stem + ext
	}

	if name == "" || name == "." || name == "/" {
		name = "file"
	}

	return name
}

func truncateToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}
