package service

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"filedrop/internal/server/config"
	"filedrop/internal/server/database"
	"filedrop/internal/server/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- In-memory fakes ---

type memFiles struct {
	mu        sync.Mutex
	files     map[string]*database.File
	createErr error
}

func newMemFiles() *memFiles {
	return &memFiles{files: make(map[string]*database.File)}
}

func (m *memFiles) Create(ctx context.Context, file *database.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.files[file.ID]; ok {
		return database.ErrDuplicateID
	}
	cp := *file
	m.files[file.ID] = &cp
	return nil
}

func (m *memFiles) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[id]
	return ok, nil
}

func (m *memFiles) GetActive(ctx context.Context, id string) (*database.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok || f.Deleted {
		return nil, database.ErrFileNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *memFiles) FindByIDAndDeleteKey(ctx context.Context, id, key string) (*database.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok || f.Deleted || f.DeleteKey != key {
		return nil, database.ErrFileNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *memFiles) AddHits(ctx context.Context, id string, humanDelta, botDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok || f.Deleted {
		return database.ErrFileNotFound
	}
	f.Hits += humanDelta
	f.BotHits += botDelta
	return nil
}

func (m *memFiles) SoftDelete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok || f.Deleted {
		return database.ErrFileNotFound
	}
	f.Deleted = true
	return nil
}

func (m *memFiles) ListAll(ctx context.Context) ([]*database.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*database.File
	for _, f := range m.files {
		cp := *f
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memFiles) GetStats(ctx context.Context) (*database.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &database.Stats{}
	for _, f := range m.files {
		stats.TotalFiles++
		stats.TotalHits += int64(f.Hits)
		stats.TotalBots += int64(f.BotHits)
		if !f.Deleted {
			stats.ActiveFiles++
			stats.StorageUsed += f.Size
		}
	}
	return stats, nil
}

type memTokens struct {
	mu     sync.Mutex
	tokens map[string]*database.Token
}

func newMemTokens() *memTokens {
	return &memTokens{tokens: make(map[string]*database.Token)}
}

func (m *memTokens) GetActive(ctx context.Context, id string) (*database.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || t.Deleted {
		return nil, database.ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTokens) Create(ctx context.Context, token *database.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token.ID]; ok {
		return database.ErrDuplicateToken
	}
	cp := *token
	m.tokens[token.ID] = &cp
	return nil
}

func (m *memTokens) CreateIfAbsent(ctx context.Context, token *database.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token.ID]; ok {
		return nil
	}
	cp := *token
	m.tokens[token.ID] = &cp
	return nil
}

func (m *memTokens) SoftDelete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || t.Deleted {
		return database.ErrTokenNotFound
	}
	t.Deleted = true
	return nil
}

func (m *memTokens) ReserveUsage(ctx context.Context, id string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || t.Deleted {
		return database.ErrTokenNotFound
	}
	if t.AllowedBytes != nil && t.UploadedBytes+size > *t.AllowedBytes {
		return database.ErrQuotaExceeded
	}
	t.UploadedBytes += size
	return nil
}

func (m *memTokens) ReleaseUsage(ctx context.Context, id string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return database.ErrTokenNotFound
	}
	t.UploadedBytes -= size
	if t.UploadedBytes < 0 {
		t.UploadedBytes = 0
	}
	return nil
}

func (m *memTokens) AppendOwnedFile(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return database.ErrTokenNotFound
	}
	t.FileCount++
	return nil
}

func (m *memTokens) RemoveOwnedFile(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return database.ErrTokenNotFound
	}
	if t.FileCount > 0 {
		t.FileCount--
	}
	return nil
}

func (m *memTokens) ListAll(ctx context.Context) ([]*database.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*database.Token
	for _, t := range m.tokens {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memTokens) usage(id string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[id].UploadedBytes
}

type memStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{blobs: make(map[string][]byte)}
}

func (m *memStore) Save(id string, data io.Reader) (int64, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[id] = b
	return int64(len(b)), nil
}

func (m *memStore) Path(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[id]; !ok {
		return "", errors.New("blob not found")
	}
	return "/blobs/" + id, nil
}

func (m *memStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, id)
	return nil
}

func (m *memStore) List() ([]storage.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.BlobInfo
	for id := range m.blobs {
		out = append(out, storage.BlobInfo{ID: id})
	}
	return out, nil
}

func (m *memStore) EnsureDir() error { return nil }

func (m *memStore) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[id]
	return ok
}

// --- Harness ---

func ptr(n int64) *int64 { return &n }

func newTestService(t *testing.T) (*FileService, *memFiles, *memTokens, *memStore) {
	t.Helper()
	files := newMemFiles()
	tokens := newMemTokens()
	store := newMemStore()
	cfg := &config.Config{}
	cfg.Server.BaseURL = "http://localhost:8080"
	cfg.Upload.MaxFileSize = 1 << 20
	return NewFileService(files, tokens, store, cfg), files, tokens, store
}

func seedToken(t *testing.T, tokens *memTokens, id string, ceiling *int64, usage int64) {
	t.Helper()
	require.NoError(t, tokens.Create(context.Background(), &database.Token{
		ID:            id,
		AllowedBytes:  ceiling,
		UploadedBytes: usage,
	}))
}

func mustUpload(t *testing.T, svc *FileService, token, name, mime, content string) *UploadResult {
	t.Helper()
	res, err := svc.Upload(context.Background(), token, UploadInput{
		Filename:    name,
		ContentType: mime,
		Size:        int64(len(content)),
		IP:          "203.0.113.7",
		Data:        strings.NewReader(content),
	})
	require.NoError(t, err)
	return res
}

// --- Upload ---

func TestUpload(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		svc, files, tokens, store := newTestService(t)
		seedToken(t, tokens, "tok-1", nil, 0)

		content := "hello filedrop"
		res := mustUpload(t, svc, "tok-1", "notes.txt", "text/plain", content)

		assert.Len(t, res.ID, 7)
		assert.Len(t, res.DeleteKey, 64)
		assert.Equal(t, "text/plain", res.Type)
		assert.Equal(t, int64(len(content)), res.Size)
		assert.Equal(t, "notes.txt", res.OriginalName)
		assert.Equal(t, "http://localhost:8080/"+res.ID, res.URL)

		sum := md5.Sum([]byte(content))
		assert.Equal(t, hex.EncodeToString(sum[:]), res.Hash)

		assert.True(t, store.has(res.ID))
		exists, _ := files.Exists(context.Background(), res.ID)
		assert.True(t, exists)
		assert.Equal(t, int64(len(content)), tokens.usage("tok-1"))
	})

	t.Run("missing token is unauthorized", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)
		_, err := svc.Upload(context.Background(), "", UploadInput{Size: 1, Data: strings.NewReader("x")})
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("unknown token is unauthorized", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)
		_, err := svc.Upload(context.Background(), "nope", UploadInput{Size: 1, Data: strings.NewReader("x")})
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("revoked token is unauthorized", func(t *testing.T) {
		svc, _, tokens, _ := newTestService(t)
		seedToken(t, tokens, "tok-1", nil, 0)
		require.NoError(t, tokens.SoftDelete(context.Background(), "tok-1"))

		_, err := svc.Upload(context.Background(), "tok-1", UploadInput{Size: 1, Data: strings.NewReader("x")})
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("oversized file is rejected", func(t *testing.T) {
		svc, _, tokens, _ := newTestService(t)
		seedToken(t, tokens, "tok-1", nil, 0)

		_, err := svc.Upload(context.Background(), "tok-1", UploadInput{
			Size: 2 << 20,
			Data: strings.NewReader("x"),
		})
		assert.ErrorIs(t, err, ErrFileTooLarge)
		assert.Equal(t, int64(0), tokens.usage("tok-1"))
	})

	t.Run("record failure leaves no dangling blob or usage", func(t *testing.T) {
		svc, files, tokens, store := newTestService(t)
		seedToken(t, tokens, "tok-1", nil, 0)
		files.createErr = errors.New("insert failed")

		_, err := svc.Upload(context.Background(), "tok-1", UploadInput{
			Filename:    "x.bin",
			ContentType: "application/octet-stream",
			Size:        4,
			Data:        strings.NewReader("data"),
		})
		require.Error(t, err)
		assert.Empty(t, store.blobs)
		assert.Equal(t, int64(0), tokens.usage("tok-1"))
	})

	t.Run("short read aborts and cleans up", func(t *testing.T) {
		svc, _, tokens, store := newTestService(t)
		seedToken(t, tokens, "tok-1", nil, 0)

		_, err := svc.Upload(context.Background(), "tok-1", UploadInput{
			Filename:    "x.bin",
			ContentType: "application/octet-stream",
			Size:        100,
			Data:        strings.NewReader("only a little"),
		})
		require.Error(t, err)
		assert.Empty(t, store.blobs)
		assert.Equal(t, int64(0), tokens.usage("tok-1"))
	})
}

func TestUploadQuota(t *testing.T) {
	t.Run("denies when the ceiling would be exceeded", func(t *testing.T) {
		svc, _, tokens, _ := newTestService(t)
		seedToken(t, tokens, "tok-1", ptr(1000), 950)

		_, err := svc.Upload(context.Background(), "tok-1", UploadInput{
			Filename: "big.bin",
			Size:     100,
			Data:     bytes.NewReader(make([]byte, 100)),
		})
		assert.ErrorIs(t, err, ErrQuotaExceeded)
		assert.Equal(t, int64(950), tokens.usage("tok-1"))
	})

	t.Run("allows within the ceiling", func(t *testing.T) {
		svc, _, tokens, _ := newTestService(t)
		seedToken(t, tokens, "tok-1", ptr(1000), 950)

		_, err := svc.Upload(context.Background(), "tok-1", UploadInput{
			Filename: "small.bin",
			Size:     40,
			Data:     bytes.NewReader(make([]byte, 40)),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(990), tokens.usage("tok-1"))
	})

	t.Run("concurrent uploads never overshoot the ceiling", func(t *testing.T) {
		svc, _, tokens, _ := newTestService(t)
		seedToken(t, tokens, "tok-1", ptr(1000), 0)

		// 20 uploads of 100 bytes against a 1000-byte ceiling: exactly 10
		// can land, the rest must see the quota error, and usage must end
		// exactly at the ceiling.
		const (
			workers  = 20
			partSize = 100
		)
		var (
			wg       sync.WaitGroup
			accepted atomic.Int64
			rejected atomic.Int64
			failures atomic.Int64
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Upload(context.Background(), "tok-1", UploadInput{
					Filename:    "part.bin",
					ContentType: "application/octet-stream",
					Size:        partSize,
					Data:        bytes.NewReader(make([]byte, partSize)),
				})
				switch {
				case err == nil:
					accepted.Add(1)
				case errors.Is(err, ErrQuotaExceeded):
					rejected.Add(1)
				default:
					failures.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(0), failures.Load())
		assert.Equal(t, int64(10), accepted.Load())
		assert.Equal(t, int64(10), rejected.Load())
		assert.Equal(t, int64(1000), tokens.usage("tok-1"))
	})

	t.Run("token with no ceiling always allows", func(t *testing.T) {
		svc, _, tokens, _ := newTestService(t)
		seedToken(t, tokens, "tok-1", nil, 1<<40)

		_, err := svc.Upload(context.Background(), "tok-1", UploadInput{
			Filename: "f.bin",
			Size:     10,
			Data:     bytes.NewReader(make([]byte, 10)),
		})
		assert.NoError(t, err)
	})
}

// --- Fetch / hit accounting ---

func TestFetch(t *testing.T) {
	t.Run("returns record and path for active files", func(t *testing.T) {
		svc, _, tokens, _ := newTestService(t)
		seedToken(t, tokens, "tok-1", nil, 0)
		res := mustUpload(t, svc, "tok-1", "a.txt", "text/plain", "abc")

		file, path, err := svc.Fetch(context.Background(), res.ID)
		require.NoError(t, err)
		assert.Equal(t, res.ID, file.ID)
		assert.Equal(t, "/blobs/"+res.ID, path)
	})

	t.Run("unknown identifier is not found", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)
		_, _, err := svc.Fetch(context.Background(), "zzzzzzz")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRecordHit(t *testing.T) {
	svc, files, tokens, _ := newTestService(t)
	seedToken(t, tokens, "tok-1", nil, 0)
	res := mustUpload(t, svc, "tok-1", "a.txt", "text/plain", "abc")

	require.NoError(t, svc.RecordHit(context.Background(), res.ID, Human))
	require.NoError(t, svc.RecordHit(context.Background(), res.ID, Bot))
	require.NoError(t, svc.RecordHit(context.Background(), res.ID, Bot))

	f, err := files.GetActive(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Hits)
	assert.Equal(t, 2, f.BotHits)
}

// --- Delete ---

func TestDelete(t *testing.T) {
	t.Run("releases quota by exactly the file size", func(t *testing.T) {
		svc, _, tokens, store := newTestService(t)
		seedToken(t, tokens, "tok-1", ptr(1000), 0)
		res := mustUpload(t, svc, "tok-1", "a.bin", "application/octet-stream", strings.Repeat("x", 300))
		require.Equal(t, int64(300), tokens.usage("tok-1"))

		file, err := svc.Delete(context.Background(), res.ID, res.DeleteKey)
		require.NoError(t, err)
		assert.Equal(t, int64(300), file.Size)
		assert.Equal(t, int64(0), tokens.usage("tok-1"))
		assert.False(t, store.has(res.ID))
	})

	t.Run("wrong key is not found", func(t *testing.T) {
		svc, _, tokens, _ := newTestService(t)
		seedToken(t, tokens, "tok-1", nil, 0)
		res := mustUpload(t, svc, "tok-1", "a.txt", "text/plain", "abc")

		_, err := svc.Delete(context.Background(), res.ID, "wrong")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("second delete with the same key is not found", func(t *testing.T) {
		svc, _, tokens, _ := newTestService(t)
		seedToken(t, tokens, "tok-1", nil, 0)
		res := mustUpload(t, svc, "tok-1", "a.txt", "text/plain", "abc")

		_, err := svc.Delete(context.Background(), res.ID, res.DeleteKey)
		require.NoError(t, err)
		_, err = svc.Delete(context.Background(), res.ID, res.DeleteKey)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("fetch after delete is not found", func(t *testing.T) {
		svc, _, tokens, _ := newTestService(t)
		seedToken(t, tokens, "tok-1", nil, 0)
		res := mustUpload(t, svc, "tok-1", "a.txt", "text/plain", "abc")

		_, err := svc.Delete(context.Background(), res.ID, res.DeleteKey)
		require.NoError(t, err)
		_, _, err = svc.Fetch(context.Background(), res.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("release clamps usage at zero", func(t *testing.T) {
		svc, _, tokens, _ := newTestService(t)
		seedToken(t, tokens, "tok-1", nil, 0)
		res := mustUpload(t, svc, "tok-1", "a.bin", "application/octet-stream", strings.Repeat("x", 300))

		// Simulate a corrupted counter lower than the owned file's size.
		tokens.mu.Lock()
		tokens.tokens["tok-1"].UploadedBytes = 100
		tokens.mu.Unlock()

		_, err := svc.Delete(context.Background(), res.ID, res.DeleteKey)
		require.NoError(t, err)
		assert.Equal(t, int64(0), tokens.usage("tok-1"))
	})

	t.Run("identifier is never reused after delete", func(t *testing.T) {
		svc, files, tokens, _ := newTestService(t)
		seedToken(t, tokens, "tok-1", nil, 0)
		res := mustUpload(t, svc, "tok-1", "a.txt", "text/plain", "abc")

		_, err := svc.Delete(context.Background(), res.ID, res.DeleteKey)
		require.NoError(t, err)

		// The record survives soft-deleted, so the allocator still sees it.
		exists, err := files.Exists(context.Background(), res.ID)
		require.NoError(t, err)
		assert.True(t, exists)
	})
}

// --- Sweeper support ---

func TestBlobStatus(t *testing.T) {
	svc, _, tokens, store := newTestService(t)
	seedToken(t, tokens, "tok-1", nil, 0)
	res := mustUpload(t, svc, "tok-1", "a.txt", "text/plain", "abc")

	status, err := svc.BlobStatus(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.BlobActive, status)

	status, err = svc.BlobStatus(context.Background(), "noSuch1")
	require.NoError(t, err)
	assert.Equal(t, storage.BlobOrphaned, status)

	_, err = svc.Delete(context.Background(), res.ID, res.DeleteKey)
	require.NoError(t, err)
	// Delete already unlinked the blob; re-add one to mimic a failed unlink.
	_, err = store.Save(res.ID, strings.NewReader("abc"))
	require.NoError(t, err)

	status, err = svc.BlobStatus(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.BlobDeleted, status)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple name", "file.png", "file.png"},
		{"strips directory", "/path/to/file.png", "file.png"},
		{"strips windows directory", `C:\Users\me\file.png`, "file.png"},
		{"empty name", "", "file"},
		{"dot", ".", "file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeFilename(tt.input))
		})
	}

	t.Run("long name keeps its extension", func(t *testing.T) {
		got := sanitizeFilename(strings.Repeat("a", 300) + ".png")
		assert.LessOrEqual(t, len(got), maxFilenameLen)
		assert.True(t, strings.HasSuffix(got, ".png"))
	})

	t.Run("extension longer than the cap", func(t *testing.T) {
		got := sanitizeFilename("a." + strings.Repeat("b", 300))
		assert.LessOrEqual(t, len(got), maxFilenameLen)
		assert.NotEmpty(t, got)
	})

	t.Run("multi-byte runes truncate on rune boundaries", func(t *testing.T) {
		got := sanitizeFilename(strings.Repeat("é", 200) + ".txt")
		assert.LessOrEqual(t, len(got), maxFilenameLen)
		assert.True(t, utf8.ValidString(got))
		assert.True(t, strings.HasSuffix(got, ".txt"))
	})
}
