package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	// Public identifiers are 7 alphanumeric characters: 62^7 possible
	// values, so collisions are astronomically unlikely in practice.
	idLength = 7

	// Hard cap on allocation attempts. Hitting it means the keyspace is
	// effectively exhausted or the store is misbehaving; fail loudly
	// instead of looping forever.
	maxAllocateAttempts = 32

	idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// ErrIDSpaceExhausted is returned when allocation repeatedly collides.
var ErrIDSpaceExhausted = errors.New("identifier space exhausted")

// reservedPrefixes are names an identifier must never shadow, since they
// would collide with routes served ahead of the catch-all file route.
var reservedPrefixes = []string{"admin", "upload", "delete", "robots", "health"}

// ExistsFunc reports whether an identifier has ever been assigned,
// including to soft-deleted records.
type ExistsFunc func(ctx context.Context, id string) (bool, error)

// IDGenerator allocates collision-free public identifiers.
type IDGenerator struct {
	exists ExistsFunc
}

// NewIDGenerator creates a generator backed by the given existence check.
func NewIDGenerator(exists ExistsFunc) *IDGenerator {
	return &IDGenerator{exists: exists}
}

// Allocate produces an identifier that is neither reserved nor present in
// the record store. Historical (soft-deleted) identifiers are never reused.
func (g *IDGenerator) Allocate(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxAllocateAttempts; attempt++ {
		id, err := randomString(idLength)
		if err != nil {
			return "", err
		}

		if isReserved(id) {
			continue
		}

		used, err := g.exists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("failed to check identifier availability: %w", err)
		}
		if !used {
			return id, nil
		}
	}
	return "", ErrIDSpaceExhausted
}

func isReserved(id string) bool {
	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}

// randomString produces a random alphanumeric string of the given length.
func randomString(length int) (string, error) {
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(idAlphabet))))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = idAlphabet[n.Int64()]
	}
	return string(result), nil
}
