// Package redis provides the canonical Redis-backed TokenStore.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tokenforge/token-registry/internal/config"
	"github.com/tokenforge/token-registry/internal/store"
)

func init() {
	store.Register(store.BackendTypeRedis, func(cfg *config.Config) (store.TokenStore, error) {
		return New(cfg, slog.Default())
	})
}

// Store implements store.TokenStore against a Redis-compatible backend.
// All multi-key mutations run as server-side scripts, which gives per-key
// linearizability without external locking. Enumeration uses SCAN, never
// KEYS.
type Store struct {
	client *redis.Client
	tokens config.TokensConfig
	logger *slog.Logger

	// Script registration is lazy, once per instance. A registration
	// failure is cached and every operation fails fast on it until
	// IsHealthy re-attempts initialization.
	initMu  sync.Mutex
	ready   bool
	initErr error

	saveToken      *redis.Script
	saveBatch      *redis.Script
	markUsed       *redis.Script
	deleteToken    *redis.Script
	revokeAll      *redis.Script
	revokeByDevice *redis.Script
	cleanupExpired *redis.Script
	stats          *redis.Script
}

// New creates a Redis-backed TokenStore and verifies connectivity.
func New(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	rc := cfg.Storage.Redis
	client := redis.NewClient(&redis.Options{
		Addr:         rc.Addr,
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     rc.PoolSize,
		DialTimeout:  time.Duration(rc.DialTimeout) * time.Second,
		ReadTimeout:  time.Duration(rc.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(rc.WriteTimeout) * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewWithClient(client, cfg.Tokens, logger), nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of
// connection configuration; Close still closes the client.
func NewWithClient(client *redis.Client, tokens config.TokensConfig, logger *slog.Logger) *Store {
	return &Store{
		client:         client,
		tokens:         tokens,
		logger:         logger,
		saveToken:      redis.NewScript(saveTokenScript),
		saveBatch:      redis.NewScript(saveBatchScript),
		markUsed:       redis.NewScript(markUsedScript),
		deleteToken:    redis.NewScript(deleteTokenScript),
		revokeAll:      redis.NewScript(revokeAllScript),
		revokeByDevice: redis.NewScript(revokeByDeviceScript),
		cleanupExpired: redis.NewScript(cleanupExpiredScript),
		stats:          redis.NewScript(statsScript),
	}
}

// TokenKey returns the backend key a token record is stored under.
func (s *Store) TokenKey(token string) string {
	return s.tokens.TokenPrefix + ":" + token
}

// userIndexKey returns the key of the subject's index set.
func (s *Store) userIndexKey(subject string) string {
	return s.tokens.UserPrefix + ":" + subject
}

// statsKey returns the key of the subject's stats hash.
func (s *Store) statsKey(subject string) string {
	return s.tokens.UserPrefix + ":stats:" + subject
}

// ensureReady registers the scripts on first use. A failed registration is
// cached so subsequent operations fail fast instead of hammering a broken
// backend; IsHealthy resets the cached failure.
func (s *Store) ensureReady(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.ready {
		return nil
	}
	if s.initErr != nil {
		return s.initErr
	}

	scripts := []*redis.Script{
		s.saveToken, s.saveBatch, s.markUsed, s.deleteToken,
		s.revokeAll, s.revokeByDevice, s.cleanupExpired, s.stats,
	}
	for _, script := range scripts {
		if err := script.Load(ctx, s.client).Err(); err != nil {
			s.initErr = fmt.Errorf("%w: %v", store.ErrNotInitialized, err)
			s.logger.Error("script registration failed", slog.String("error", err.Error()))
			return s.initErr
		}
	}

	s.ready = true
	s.logger.Debug("token store scripts registered", slog.Int("count", len(scripts)))
	return nil
}

// resetInit clears a cached initialization failure so registration can be
// retried.
func (s *Store) resetInit() {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if !s.ready {
		s.initErr = nil
	}
}

func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// SaveToken conditionally creates a record and adds it to the user index.
func (s *Store) SaveToken(ctx context.Context, token string, record *store.TokenRecord, ttl time.Duration) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidPayload, err)
	}

	keys := []string{s.TokenKey(token), s.userIndexKey(record.Subject)}
	code, err := s.saveToken.Run(ctx, s.client, keys, payload, record.Subject, ttlSeconds(ttl)).Int64()
	if err != nil {
		return fmt.Errorf("save token script: %w", err)
	}

	switch code {
	case scriptOK:
		return nil
	case scriptConflict:
		return store.ErrTokenExists
	case scriptSubjectMismatch:
		return store.ErrSubjectMismatch
	case scriptInvalidPayload:
		return store.ErrInvalidPayload
	default:
		return fmt.Errorf("save token script: unexpected result %d", code)
	}
}

// SaveBatch conditionally creates several records for one subject in a
// single round trip and returns how many won the insert race.
func (s *Store) SaveBatch(ctx context.Context, subject string, entries []store.BatchEntry, ttl time.Duration) (int64, error) {
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(entries)+1)
	keys = append(keys, s.userIndexKey(subject))
	args := make([]interface{}, 0, len(entries)+1)
	args = append(args, ttlSeconds(ttl))

	for _, entry := range entries {
		payload, err := json.Marshal(entry.Record)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", store.ErrInvalidPayload, err)
		}
		keys = append(keys, s.TokenKey(entry.Token))
		args = append(args, payload)
	}

	saved, err := s.saveBatch.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("save batch script: %w", err)
	}
	return saved, nil
}

// MarkTokenUsed flips used exactly once and shortens the TTL to the grace
// window. Returns false for absent, already-used or foreign tokens.
func (s *Store) MarkTokenUsed(ctx context.Context, token, subject string, usedTTL time.Duration) (bool, error) {
	if err := s.ensureReady(ctx); err != nil {
		return false, err
	}

	keys := []string{s.TokenKey(token), s.userIndexKey(subject)}
	code, err := s.markUsed.Run(ctx, s.client, keys, subject, ttlSeconds(usedTTL)).Int64()
	if err != nil {
		return false, fmt.Errorf("mark used script: %w", err)
	}
	return code == scriptOK, nil
}

// DeleteToken removes the record and its index entry when the subject matches.
func (s *Store) DeleteToken(ctx context.Context, token, subject string) (bool, error) {
	if err := s.ensureReady(ctx); err != nil {
		return false, err
	}

	keys := []string{s.TokenKey(token), s.userIndexKey(subject)}
	code, err := s.deleteToken.Run(ctx, s.client, keys, subject).Int64()
	if err != nil {
		return false, fmt.Errorf("delete token script: %w", err)
	}
	return code == scriptOK, nil
}

// RevokeAll removes every record referenced by the subject's index, then
// the index itself. Returns the index cardinality.
func (s *Store) RevokeAll(ctx context.Context, subject string) (int64, error) {
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}

	count, err := s.revokeAll.Run(ctx, s.client, []string{s.userIndexKey(subject)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("revoke all script: %w", err)
	}
	return count, nil
}

// RevokeByDevice removes the subject's records for one device.
func (s *Store) RevokeByDevice(ctx context.Context, subject, deviceID string) (int64, error) {
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}

	count, err := s.revokeByDevice.Run(ctx, s.client, []string{s.userIndexKey(subject)}, deviceID).Int64()
	if err != nil {
		return 0, fmt.Errorf("revoke by device script: %w", err)
	}
	return count, nil
}

// CleanupExpired prunes index entries whose record has expired.
func (s *Store) CleanupExpired(ctx context.Context, subject string) (int64, error) {
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}

	count, err := s.cleanupExpired.Run(ctx, s.client, []string{s.userIndexKey(subject)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("cleanup script: %w", err)
	}
	return count, nil
}

// Stats computes the subject's counters, serving from the stats hash while
// it is fresh. Now is passed in as an argument to keep the script
// deterministic for replication.
func (s *Store) Stats(ctx context.Context, subject string, opts store.StatsOptions) (*store.UserStats, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}

	maxBatch := opts.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = store.DefaultStatsOptions().MaxBatchSize
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = s.tokens.StatsTTL()
	}

	statsKey := ""
	if !opts.DisableCache {
		statsKey = s.statsKey(subject)
	}

	keys := []string{s.userIndexKey(subject), statsKey}
	res, err := s.stats.Run(ctx, s.client, keys, maxBatch, ttlSeconds(cacheTTL), time.Now().Unix()).Slice()
	if err != nil {
		return nil, fmt.Errorf("stats script: %w", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("stats script: unexpected result length %d", len(res))
	}

	values := make([]int64, 4)
	for i, v := range res {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("stats script: unexpected result type %T", v)
		}
		values[i] = n
	}

	return &store.UserStats{
		Active:    values[0],
		Total:     values[1],
		Devices:   values[2],
		Estimated: values[3] == 1,
	}, nil
}

// InvalidateStats drops the subject's cached stats hash.
func (s *Store) InvalidateStats(ctx context.Context, subject string) error {
	if err := s.client.Del(ctx, s.statsKey(subject)).Err(); err != nil {
		return fmt.Errorf("invalidate stats: %w", err)
	}
	return nil
}

// ScanSubjects enumerates subjects with a user index, one cursor page at a
// time. Stats hashes share the user prefix and are filtered out.
func (s *Store) ScanSubjects(ctx context.Context, cursor uint64, count int64) ([]string, uint64, error) {
	match := s.tokens.UserPrefix + ":*"
	keys, next, err := s.client.Scan(ctx, cursor, match, count).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("scan user indices: %w", err)
	}

	prefix := s.tokens.UserPrefix + ":"
	subjects := make([]string, 0, len(keys))
	for _, key := range keys {
		subject := strings.TrimPrefix(key, prefix)
		if strings.HasPrefix(subject, "stats:") {
			continue
		}
		subjects = append(subjects, subject)
	}
	return subjects, next, nil
}

// Get returns the record for a token, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, token string) (*store.TokenRecord, error) {
	raw, err := s.client.Get(ctx, s.TokenKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}

	var record store.TokenRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidPayload, err)
	}
	return &record, nil
}

// DeleteKey removes a raw backend key. Maintenance use only.
func (s *Store) DeleteKey(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Close closes the backend connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// IsHealthy reports backend reachability. A cached script-registration
// failure is cleared first so a recovered backend can reinitialize.
func (s *Store) IsHealthy(ctx context.Context) bool {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return false
	}
	s.resetInit()
	return s.ensureReady(ctx) == nil
}
