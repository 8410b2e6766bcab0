// Package registry provides the core refresh-token registry service.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tokenforge/token-registry/internal/config"
	"github.com/tokenforge/token-registry/internal/metrics"
	"github.com/tokenforge/token-registry/internal/stats"
	"github.com/tokenforge/token-registry/internal/store"
	"github.com/tokenforge/token-registry/internal/validation"
)

// Registry is the public contract of the token registry. It orchestrates
// validation, the device limit, the backend store, stats invalidation and
// event fan-out. The store it holds may or may not be breaker-wrapped;
// the facade cannot tell and does not care.
type Registry struct {
	store   store.TokenStore
	stats   *stats.Engine
	tokens  config.TokensConfig
	events  *Dispatcher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Registry. m may be nil.
func New(st store.TokenStore, engine *stats.Engine, tokens config.TokensConfig, events *Dispatcher, m *metrics.Metrics, logger *slog.Logger) *Registry {
	return &Registry{
		store:   st,
		stats:   engine,
		tokens:  tokens,
		events:  events,
		metrics: m,
		logger:  logger,
	}
}

// observe records one finished operation.
func (r *Registry) observe(op string, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.metrics.OperationsTotal.WithLabelValues(op, status).Inc()
	r.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Stats exposes the stats engine for collaborators that only aggregate.
func (r *Registry) Stats() *stats.Engine {
	return r.stats
}

// wrapStoreErr passes domain errors through untouched and wraps
// everything else as an operation failure. Both the wrapper and the inner
// cause stay matchable with errors.Is.
func wrapStoreErr(op string, err error) error {
	if store.IsDomainError(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrOperationFailed, op, err)
}

// invalidateStats drops the subject's cached stats after a write.
// Best-effort: a failed invalidation only delays freshness by the cache
// TTL.
func (r *Registry) invalidateStats(ctx context.Context, subject string) {
	if err := r.store.InvalidateStats(ctx, subject); err != nil {
		r.logger.Warn("stats invalidation failed",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
	}
}

// Save issues a new refresh token. It enforces the advisory device limit,
// stamps issuedAt exactly once, and fails with ErrTokenExists when the
// token string is already registered.
func (r *Registry) Save(ctx context.Context, token string, data *store.CreateData) (record *store.TokenRecord, err error) {
	defer func(start time.Time) { r.observe("save", start, err) }(time.Now())

	if err := validation.Token(token, r.tokens.MaxTokenLength); err != nil {
		return nil, err
	}
	if err := validation.CreateData(data); err != nil {
		return nil, err
	}

	atLimit, err := r.stats.AtDeviceLimit(ctx, data.Subject)
	if err != nil {
		// The limit is advisory; issuing is preferred over failing closed.
		r.logger.Warn("device limit check failed",
			slog.String("subject", data.Subject),
			slog.String("error", err.Error()),
		)
	} else if atLimit {
		return nil, fmt.Errorf("%w: subject %q", store.ErrDeviceLimit, data.Subject)
	}

	record = &store.TokenRecord{
		Subject:  data.Subject,
		DeviceID: data.DeviceID,
		IssuedAt: time.Now().UnixMilli(),
		Used:     false,
		Meta:     data.Meta,
	}

	if err := r.store.SaveToken(ctx, token, record, r.tokens.TokenTTL()); err != nil {
		return nil, wrapStoreErr("save", err)
	}

	r.invalidateStats(ctx, data.Subject)
	r.events.TokenCreated(Event{
		Token:    token,
		Subject:  record.Subject,
		DeviceID: record.DeviceID,
		At:       time.Now(),
	})
	return record, nil
}

// BatchItem pairs a token string with its creation data for SaveBatch.
type BatchItem struct {
	Token string
	Data  *store.CreateData
}

// SaveBatch issues many tokens in one call. Entries are grouped by
// subject and saved one atomic batch per subject, so groups never
// cross-contaminate: a failing subject is counted out and its siblings
// proceed. Invalid entries are dropped silently; exceeding the batch cap
// is a hard error. Returns the number of tokens actually created.
func (r *Registry) SaveBatch(ctx context.Context, items []BatchItem) (saved int64, err error) {
	defer func(start time.Time) { r.observe("saveBatch", start, err) }(time.Now())

	now := time.Now().UnixMilli()
	entries := make([]store.BatchEntry, 0, len(items))
	for _, item := range items {
		if item.Data == nil {
			continue
		}
		entries = append(entries, store.BatchEntry{
			Token: item.Token,
			Record: &store.TokenRecord{
				Subject:  item.Data.Subject,
				DeviceID: item.Data.DeviceID,
				IssuedAt: now,
				Meta:     item.Data.Meta,
			},
		})
	}

	survivors, err := validation.Batch(entries, r.tokens.MaxBatchSize, r.tokens.MaxTokenLength)
	if err != nil {
		return 0, err
	}

	groups := make(map[string][]store.BatchEntry)
	for _, entry := range survivors {
		groups[entry.Record.Subject] = append(groups[entry.Record.Subject], entry)
	}

	for subject, group := range groups {
		count, err := r.store.SaveBatch(ctx, subject, group, r.tokens.TokenTTL())
		if err != nil {
			r.logger.Warn("batch save failed for subject",
				slog.String("subject", subject),
				slog.String("error", err.Error()),
			)
			continue
		}
		saved += count
		r.invalidateStats(ctx, subject)
		if count > 0 {
			r.events.TokenCreated(Event{Subject: subject, Count: count, At: time.Now()})
		}
	}
	return saved, nil
}

// GetTokenData looks a token up and checks the stored payload's shape.
// Blank and unknown tokens yield (nil, nil); a malformed payload is a
// validation error. A used token remains readable during its grace window
// so callers can observe the replay-detected condition.
func (r *Registry) GetTokenData(ctx context.Context, token string) (record *store.TokenRecord, err error) {
	defer func(start time.Time) { r.observe("getTokenData", start, err) }(time.Now())

	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	if err := validation.Token(token, r.tokens.MaxTokenLength); err != nil {
		return nil, err
	}

	record, err = r.store.Get(ctx, token)
	if err != nil {
		return nil, wrapStoreErr("get", err)
	}
	if record == nil {
		return nil, nil
	}
	if err := validation.Record(record); err != nil {
		return nil, err
	}
	return record, nil
}

// MarkUsed flips the token's used flag. Returns true on exactly the
// first transition; a second call, an unknown token, or a foreign subject
// all return false.
func (r *Registry) MarkUsed(ctx context.Context, token, subject string) (used bool, err error) {
	defer func(start time.Time) { r.observe("markUsed", start, err) }(time.Now())

	if err := validation.Token(token, r.tokens.MaxTokenLength); err != nil {
		return false, err
	}
	if err := validation.Subject(subject); err != nil {
		return false, err
	}

	used, err = r.store.MarkTokenUsed(ctx, token, subject, r.tokens.UsedTTL())
	if err != nil {
		return false, wrapStoreErr("markUsed", err)
	}
	if used {
		r.invalidateStats(ctx, subject)
		r.events.TokenAccessed(Event{Token: token, Subject: subject, At: time.Now()})
	}
	return used, nil
}

// Delete removes a token. Idempotent; only deletes when the subject
// matches.
func (r *Registry) Delete(ctx context.Context, token, subject string) (deleted bool, err error) {
	defer func(start time.Time) { r.observe("delete", start, err) }(time.Now())

	if err := validation.Token(token, r.tokens.MaxTokenLength); err != nil {
		return false, err
	}
	if err := validation.Subject(subject); err != nil {
		return false, err
	}

	deleted, err = r.store.DeleteToken(ctx, token, subject)
	if err != nil {
		return false, wrapStoreErr("delete", err)
	}
	if deleted {
		r.invalidateStats(ctx, subject)
		r.events.TokenRevoked(Event{Token: token, Subject: subject, Count: 1, At: time.Now()})
	}
	return deleted, nil
}

// RevokeAllUserTokens removes every token of a subject and returns how
// many index entries were removed.
func (r *Registry) RevokeAllUserTokens(ctx context.Context, subject string) (count int64, err error) {
	defer func(start time.Time) { r.observe("revokeAll", start, err) }(time.Now())

	if err := validation.Subject(subject); err != nil {
		return 0, err
	}

	count, err = r.store.RevokeAll(ctx, subject)
	if err != nil {
		return 0, wrapStoreErr("revokeAll", err)
	}
	r.invalidateStats(ctx, subject)
	if count > 0 {
		r.events.TokenRevoked(Event{Subject: subject, Count: count, At: time.Now()})
	}
	return count, nil
}

// RevokeDeviceTokens removes the subject's tokens for one device and
// returns how many were removed.
func (r *Registry) RevokeDeviceTokens(ctx context.Context, subject, deviceID string) (count int64, err error) {
	defer func(start time.Time) { r.observe("revokeDevice", start, err) }(time.Now())

	if err := validation.Subject(subject); err != nil {
		return 0, err
	}
	if strings.TrimSpace(deviceID) == "" {
		return 0, fmt.Errorf("%w: device id must not be empty", store.ErrValidation)
	}

	count, err = r.store.RevokeByDevice(ctx, subject, deviceID)
	if err != nil {
		return 0, wrapStoreErr("revokeByDevice", err)
	}
	r.invalidateStats(ctx, subject)
	if count > 0 {
		r.events.TokenRevoked(Event{Subject: subject, DeviceID: deviceID, Count: count, At: time.Now()})
	}
	return count, nil
}

// Exists reports whether a token is currently retrievable. Errors are
// swallowed to false.
func (r *Registry) Exists(ctx context.Context, token string) bool {
	record, err := r.GetTokenData(ctx, token)
	return err == nil && record != nil
}

// IsUsed reports whether a token has been used, defaulting to false on
// any failure.
func (r *Registry) IsUsed(ctx context.Context, token string) bool {
	record, err := r.GetTokenData(ctx, token)
	if err != nil || record == nil {
		return false
	}
	return record.Used
}
