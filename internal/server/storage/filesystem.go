package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BlobInfo describes one stored blob, for the sweeper.
type BlobInfo struct {
	ID      string
	ModTime time.Time
}

// Store defines the interface for blob storage backends.
// This allows swapping the filesystem for S3 or other backends later.
type Store interface {
	Save(id string, data io.Reader) (int64, error)
	Path(id string) (string, error)
	Delete(id string) error
	List() ([]BlobInfo, error)
	EnsureDir() error
}

// FileSystemStore keeps uploaded blobs on the local filesystem, one file
// per identifier. Each blob is exclusively owned by its record.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Save streams data to a temporary file and renames it into place, so a
// blob is either fully present under its identifier or not present at all.
// Returns the number of bytes written.
func (fs *FileSystemStore) Save(id string, data io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(fs.basePath, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to write blob: %w", err)
	}

	if err := os.Rename(tmpPath, fs.blobPath(id)); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename blob into place: %w", err)
	}

	return n, nil
}

// Path returns the absolute path to a stored blob.
// Returns an error if the blob does not exist.
func (fs *FileSystemStore) Path(id string) (string, error) {
	path := fs.blobPath(id)

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("blob not found for %s", id)
		}
		return "", fmt.Errorf("failed to stat blob: %w", err)
	}

	return path, nil
}

// Delete removes the stored blob for an identifier.
func (fs *FileSystemStore) Delete(id string) error {
	path := fs.blobPath(id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob %s: %w", path, err)
	}
	return nil
}

// List returns every blob in the storage directory. In-flight temp files
// are excluded.
func (fs *FileSystemStore) List() ([]BlobInfo, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage directory: %w", err)
	}

	var blobs []BlobInfo
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		blobs = append(blobs, BlobInfo{ID: e.Name(), ModTime: info.ModTime()})
	}
	return blobs, nil
}

func (fs *FileSystemStore) blobPath(id string) string {
	return filepath.Join(fs.basePath, id)
}
