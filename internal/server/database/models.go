package database

import "time"

// File represents a hosted file record.
// The identifier is immutable once assigned and never reused, even after
// soft deletion.
type File struct {
	ID           string
	ContentType  string
	Size         int64
	Hits         int
	BotHits      int
	IP           string
	DeleteKey    string
	Hash         string
	OriginalName string
	TokenID      *string // nil when the file has no owning token
	Deleted      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Token represents a bearer credential that authorizes uploads and scopes
// a byte quota. UploadedBytes tracks the sum of sizes of all non-deleted
// files owned by the token; AllowedBytes, when set, is a hard ceiling.
type Token struct {
	ID            string
	UploadedBytes int64
	AllowedBytes  *int64 // nil means unlimited
	FileCount     int
	Details       string
	Deleted       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Stats holds aggregate server statistics for the admin view.
type Stats struct {
	TotalFiles  int64
	ActiveFiles int64
	TotalHits   int64
	TotalBots   int64
	StorageUsed int64
}
