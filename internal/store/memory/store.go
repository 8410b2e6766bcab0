// Package memory provides an in-memory TokenStore implementation for tests
// and local development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tokenforge/token-registry/internal/config"
	"github.com/tokenforge/token-registry/internal/store"
)

func init() {
	store.Register(store.BackendTypeMemory, func(cfg *config.Config) (store.TokenStore, error) {
		return NewStore(cfg.Tokens), nil
	})
}

// entry is a stored record with its expiry deadline.
type entry struct {
	record    store.TokenRecord
	expiresAt time.Time
}

// statsEntry is a cached per-subject aggregate.
type statsEntry struct {
	stats     store.UserStats
	updatedAt time.Time
	ttl       time.Duration
}

// Store implements store.TokenStore using in-memory data structures with
// TTL emulation. Mutations take the store lock, which mirrors the
// single-threaded execution of backend scripts.
type Store struct {
	mu     sync.RWMutex
	tokens config.TokensConfig

	// records are keyed by backend token key, the same key family the
	// Redis adapter writes, so index members and DeleteKey behave
	// identically across backends.
	records map[string]*entry

	// indices map subject to the set of live token keys.
	indices map[string]map[string]struct{}

	statsCache map[string]*statsEntry
}

// NewStore creates a new in-memory store.
func NewStore(tokens config.TokensConfig) *Store {
	return &Store{
		tokens:     tokens,
		records:    make(map[string]*entry),
		indices:    make(map[string]map[string]struct{}),
		statsCache: make(map[string]*statsEntry),
	}
}

// TokenKey returns the backend key a token record is stored under.
func (s *Store) TokenKey(token string) string {
	return s.tokens.TokenPrefix + ":" + token
}

// live returns the entry for a key if it exists and has not expired.
// Callers must hold at least the read lock.
func (s *Store) live(key string) *entry {
	e, ok := s.records[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil
	}
	return e
}

// SaveToken conditionally creates a record and indexes it.
func (s *Store) SaveToken(ctx context.Context, token string, record *store.TokenRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.TokenKey(token)
	if s.live(key) != nil {
		return store.ErrTokenExists
	}

	clone := *record
	s.records[key] = &entry{record: clone, expiresAt: time.Now().Add(ttl)}

	idx, ok := s.indices[record.Subject]
	if !ok {
		idx = make(map[string]struct{})
		s.indices[record.Subject] = idx
	}
	idx[key] = struct{}{}

	return nil
}

// SaveBatch conditionally creates several records for one subject.
func (s *Store) SaveBatch(ctx context.Context, subject string, entries []store.BatchEntry, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.indices[subject]
	if !ok {
		idx = make(map[string]struct{})
		s.indices[subject] = idx
	}

	var saved int64
	for _, be := range entries {
		key := s.TokenKey(be.Token)
		if s.live(key) != nil {
			continue
		}
		clone := *be.Record
		s.records[key] = &entry{record: clone, expiresAt: time.Now().Add(ttl)}
		idx[key] = struct{}{}
		saved++
	}
	return saved, nil
}

// MarkTokenUsed flips used exactly once and shortens the TTL to the grace
// window.
func (s *Store) MarkTokenUsed(ctx context.Context, token, subject string, usedTTL time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.TokenKey(token)
	e := s.live(key)
	if e == nil || e.record.Used || e.record.Subject != subject {
		return false, nil
	}

	e.record.Used = true
	e.expiresAt = time.Now().Add(usedTTL)
	if idx, ok := s.indices[subject]; ok {
		delete(idx, key)
	}
	return true, nil
}

// DeleteToken removes the record and its index entry when the subject matches.
func (s *Store) DeleteToken(ctx context.Context, token, subject string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.TokenKey(token)
	e := s.live(key)
	if e == nil || e.record.Subject != subject {
		return false, nil
	}

	delete(s.records, key)
	if idx, ok := s.indices[subject]; ok {
		delete(idx, key)
	}
	return true, nil
}

// RevokeAll removes every record referenced by the subject's index, then
// the index itself. Returns the index cardinality.
func (s *Store) RevokeAll(ctx context.Context, subject string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indices[subject]
	count := int64(len(idx))
	for key := range idx {
		delete(s.records, key)
	}
	delete(s.indices, subject)
	return count, nil
}

// RevokeByDevice removes the subject's records for one device and prunes
// orphans encountered on the way.
func (s *Store) RevokeByDevice(ctx context.Context, subject, deviceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indices[subject]
	var removed int64
	for key := range idx {
		e := s.live(key)
		if e == nil {
			delete(idx, key)
			continue
		}
		if e.record.DeviceID == deviceID {
			delete(s.records, key)
			delete(idx, key)
			removed++
		}
	}
	return removed, nil
}

// CleanupExpired removes index entries whose record has expired.
func (s *Store) CleanupExpired(ctx context.Context, subject string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indices[subject]
	var removed int64
	for key := range idx {
		if s.live(key) == nil {
			delete(s.records, key)
			delete(idx, key)
			removed++
		}
	}
	return removed, nil
}

// Stats computes the subject's counters with a short-lived cache. The
// memory backend always scans the full index; the scan cap only matters
// for the scripted backend.
func (s *Store) Stats(ctx context.Context, subject string, opts store.StatsOptions) (*store.UserStats, error) {
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = s.tokens.StatsTTL()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !opts.DisableCache {
		if cached, ok := s.statsCache[subject]; ok && time.Since(cached.updatedAt) < cached.ttl {
			result := cached.stats
			return &result, nil
		}
	}

	idx := s.indices[subject]
	stats := store.UserStats{Total: int64(len(idx))}
	devices := make(map[string]struct{})
	orphans := make([]string, 0)

	for key := range idx {
		e := s.live(key)
		if e == nil {
			orphans = append(orphans, key)
			continue
		}
		stats.Active++
		devices[e.record.DeviceID] = struct{}{}
	}
	stats.Devices = int64(len(devices))

	for _, key := range orphans {
		delete(idx, key)
	}

	if !opts.DisableCache {
		s.statsCache[subject] = &statsEntry{stats: stats, updatedAt: time.Now(), ttl: cacheTTL}
	}

	result := stats
	return &result, nil
}

// InvalidateStats drops the subject's cached stats.
func (s *Store) InvalidateStats(ctx context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statsCache, subject)
	return nil
}

// ScanSubjects enumerates subjects in pages. The cursor is an offset into
// the sorted subject list; a returned cursor of zero ends the iteration.
func (s *Store) ScanSubjects(ctx context.Context, cursor uint64, count int64) ([]string, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subjects := make([]string, 0, len(s.indices))
	for subject := range s.indices {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)

	start := int(cursor)
	if start >= len(subjects) {
		return nil, 0, nil
	}
	end := start + int(count)
	if end >= len(subjects) {
		return subjects[start:], 0, nil
	}
	return subjects[start:end], uint64(end), nil
}

// Get returns the record for a token, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, token string) (*store.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.live(s.TokenKey(token))
	if e == nil {
		return nil, nil
	}
	record := e.record
	return &record, nil
}

// DeleteKey removes a raw backend key without touching the user index,
// which is exactly how natural TTL expiry produces orphans.
func (s *Store) DeleteKey(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.HasPrefix(key, s.tokens.UserPrefix+":stats:") {
		delete(s.statsCache, strings.TrimPrefix(key, s.tokens.UserPrefix+":stats:"))
		return nil
	}
	delete(s.records, key)
	return nil
}

// Close is a no-op for the memory backend.
func (s *Store) Close() error {
	return nil
}

// IsHealthy always reports true for the memory backend.
func (s *Store) IsHealthy(ctx context.Context) bool {
	return true
}
