package storage

import (
	"context"
	"log/slog"
	"time"
)

// BlobStatus reports what the record store knows about an identifier.
type BlobStatus int

const (
	BlobActive BlobStatus = iota
	BlobOrphaned
	BlobDeleted
)

// StatusFunc resolves an identifier to its record status.
type StatusFunc func(ctx context.Context, id string) (BlobStatus, error)

// Sweeper periodically reconciles the blob directory against the record
// store: blobs with no record (a crashed upload) and blobs whose record is
// soft-deleted are removed. A grace period on modification time keeps the
// sweeper from racing an upload whose record insert has not landed yet.
type Sweeper struct {
	store    Store
	status   StatusFunc
	interval time.Duration
	grace    time.Duration
	done     chan struct{}
}

// NewSweeper creates a new sweeper.
func NewSweeper(store Store, status StatusFunc, interval, grace time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		status:   status,
		interval: interval,
		grace:    grace,
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	slog.Info("blob sweeper started", "interval", s.interval, "grace", s.grace)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		// Run once immediately on start
		s.runSweep(ctx)

		for {
			select {
			case <-ticker.C:
				s.runSweep(ctx)
			case <-ctx.Done():
				slog.Info("blob sweeper stopping")
				close(s.done)
				return
			}
		}
	}()
}

// Wait blocks until the sweeper has fully stopped.
func (s *Sweeper) Wait() {
	<-s.done
}

func (s *Sweeper) runSweep(ctx context.Context) {
	blobs, err := s.store.List()
	if err != nil {
		slog.Error("sweep failed to list blobs", "error", err)
		return
	}

	cutoff := time.Now().Add(-s.grace)
	var removed, failed int
	for _, blob := range blobs {
		if blob.ModTime.After(cutoff) {
			continue
		}

		status, err := s.status(ctx, blob.ID)
		if err != nil {
			slog.Error("sweep failed to resolve blob status", "id", blob.ID, "error", err)
			failed++
			continue
		}
		if status == BlobActive {
			continue
		}

		if err := s.store.Delete(blob.ID); err != nil {
			slog.Error("sweep failed to delete blob", "id", blob.ID, "error", err)
			failed++
			continue
		}
		removed++
		slog.Info("swept blob", "id", blob.ID, "orphaned", status == BlobOrphaned)
	}

	if removed > 0 || failed > 0 {
		slog.Info("sweep cycle complete", "removed", removed, "failed", failed, "scanned", len(blobs))
	}
}
