// Package store provides storage interfaces and implementations for the token registry.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrTokenNotFound   = errors.New("token not found")
	ErrTokenExists     = errors.New("token already exists")
	ErrSubjectMismatch = errors.New("token does not belong to subject")
	ErrDeviceLimit     = errors.New("device limit reached")
	ErrValidation      = errors.New("validation failed")
	ErrNotInitialized  = errors.New("store scripts not initialized")
	ErrCircuitOpen     = errors.New("circuit breaker is open")

	// A corrupt stored payload is a validation kind too, so
	// errors.Is(err, ErrValidation) matches it.
	ErrInvalidPayload = fmt.Errorf("%w: stored token payload is invalid", ErrValidation)
)

// TokenRecord is the persisted refresh-token entity. A record is uniquely
// addressed by its token string; IssuedAt is set once at save and never
// rewritten.
type TokenRecord struct {
	Subject  string            `json:"subject" validate:"required,min=1,max=255"`
	DeviceID string            `json:"deviceId" validate:"required,min=1,max=255"`
	IssuedAt int64             `json:"issuedAt" validate:"required,gt=0"` // epoch milliseconds
	Used     bool              `json:"used"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// CreateData carries the caller-supplied fields for a new token record.
type CreateData struct {
	Subject  string            `json:"subject" validate:"required,min=1,max=255"`
	DeviceID string            `json:"deviceId" validate:"required,min=1,max=255"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// BatchEntry pairs a token string with its record for batch saves.
type BatchEntry struct {
	Token  string
	Record *TokenRecord
}

// UserStats is the per-subject aggregate the stats script computes. When
// Estimated is true the counters are scaled extrapolations from a capped
// scan and were not written back to the stats cache.
type UserStats struct {
	Active    int64 `json:"active"`
	Total     int64 `json:"total"`
	Devices   int64 `json:"devices"`
	Estimated bool  `json:"estimated,omitempty"`
}

// StatsOptions controls how the stats script runs.
type StatsOptions struct {
	// DisableCache skips both the read and the write of the stats hash.
	DisableCache bool
	// MaxBatchSize is the MGET fan-out size inside the script.
	MaxBatchSize int
	// CacheTTL is the stats hash freshness window.
	CacheTTL time.Duration
}

// DefaultStatsOptions returns the documented option defaults.
func DefaultStatsOptions() StatsOptions {
	return StatsOptions{
		MaxBatchSize: 100,
		CacheTTL:     300 * time.Second,
	}
}

// TokenStore is the registry's single interface to the KV backend. The
// store owns key naming; callers address records by token and subject only.
// Every mutation is atomic on the backend: for a given token, the order of
// save, mark-used and delete is globally observable with no intermediate
// states.
type TokenStore interface {
	// SaveToken conditionally creates a record (fail-if-exists) with the
	// given TTL and adds its key to the subject's user index. Returns
	// ErrTokenExists when the token is already present and
	// ErrSubjectMismatch when the record's subject disagrees with the
	// record payload.
	SaveToken(ctx context.Context, token string, record *TokenRecord, ttl time.Duration) error

	// SaveBatch conditionally creates a batch of records for one subject
	// and returns the number that won the insert race. Duplicates within
	// the batch are tolerated silently.
	SaveBatch(ctx context.Context, subject string, entries []BatchEntry, ttl time.Duration) (int64, error)

	// MarkTokenUsed flips the record's used flag exactly once, shortens
	// its TTL to usedTTL and removes it from the user index. Returns false
	// when the token is absent, already used, or owned by another subject.
	MarkTokenUsed(ctx context.Context, token, subject string, usedTTL time.Duration) (bool, error)

	// DeleteToken removes the record and its index entry when the subject
	// matches. Returns false otherwise.
	DeleteToken(ctx context.Context, token, subject string) (bool, error)

	// RevokeAll removes every record referenced by the subject's user
	// index, then the index itself. Returns the index cardinality.
	RevokeAll(ctx context.Context, subject string) (int64, error)

	// RevokeByDevice removes the subject's records for one device and
	// prunes orphaned index entries encountered on the way. Returns the
	// number of matched records.
	RevokeByDevice(ctx context.Context, subject, deviceID string) (int64, error)

	// CleanupExpired removes index entries whose record has expired.
	// Records present without a TTL violate the data model and are
	// deleted as well. Returns the number of entries removed.
	CleanupExpired(ctx context.Context, subject string) (int64, error)

	// Stats computes the subject's active/total/device counters, serving
	// from the co-located stats cache when fresh.
	Stats(ctx context.Context, subject string, opts StatsOptions) (*UserStats, error)

	// InvalidateStats drops the subject's cached stats.
	InvalidateStats(ctx context.Context, subject string) error

	// ScanSubjects enumerates subjects that have a user index, one cursor
	// page at a time. A returned cursor of zero ends the iteration.
	ScanSubjects(ctx context.Context, cursor uint64, count int64) ([]string, uint64, error)

	// Get returns the record for a token, or nil when it does not exist.
	Get(ctx context.Context, token string) (*TokenRecord, error)

	// DeleteKey removes a raw backend key. Maintenance use only.
	DeleteKey(ctx context.Context, key string) error

	// TokenKey returns the backend key a token record is stored under.
	TokenKey(token string) string

	// Lifecycle
	Close() error
	IsHealthy(ctx context.Context) bool
}

// IsDomainError reports whether err is one of the registry's own error
// kinds. Domain errors pass through the circuit breaker without counting
// toward its failure budget; everything else the backend driver raises is
// infrastructure.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrTokenNotFound) ||
		errors.Is(err, ErrTokenExists) ||
		errors.Is(err, ErrSubjectMismatch) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrDeviceLimit) ||
		errors.Is(err, ErrValidation)
}
