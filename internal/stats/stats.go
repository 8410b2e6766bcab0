// Package stats aggregates per-subject token statistics.
package stats

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tokenforge/token-registry/internal/config"
	"github.com/tokenforge/token-registry/internal/store"
)

const (
	// batchConcurrency caps the fan-out of a batch stats request.
	batchConcurrency = 10
	// excessiveTokenThreshold triggers a warning log for subjects holding
	// an unusual number of tokens.
	excessiveTokenThreshold = 200
)

// Engine computes per-subject statistics on top of the token store's
// scripted aggregation, with the short-TTL cache co-located with the user
// index.
type Engine struct {
	store  store.TokenStore
	tokens config.TokensConfig
	logger *slog.Logger
}

// New creates a stats engine.
func New(st store.TokenStore, tokens config.TokensConfig, logger *slog.Logger) *Engine {
	return &Engine{store: st, tokens: tokens, logger: logger}
}

// options resolves the effective stats options.
func (e *Engine) options(opts ...store.StatsOptions) store.StatsOptions {
	resolved := store.StatsOptions{
		MaxBatchSize: store.DefaultStatsOptions().MaxBatchSize,
		CacheTTL:     e.tokens.StatsTTL(),
	}
	if len(opts) > 0 {
		opt := opts[0]
		resolved.DisableCache = opt.DisableCache
		if opt.MaxBatchSize > 0 {
			resolved.MaxBatchSize = opt.MaxBatchSize
		}
		if opt.CacheTTL > 0 {
			resolved.CacheTTL = opt.CacheTTL
		}
	}
	return resolved
}

// UserStats returns the subject's active/total/device counters.
func (e *Engine) UserStats(ctx context.Context, subject string, opts ...store.StatsOptions) (*store.UserStats, error) {
	result, err := e.store.Stats(ctx, subject, e.options(opts...))
	if err != nil {
		return nil, err
	}

	if result.Total > excessiveTokenThreshold {
		e.logger.Warn("excessive tokens for subject",
			slog.String("subject", subject),
			slog.Int64("total", result.Total),
		)
	}
	return result, nil
}

// ForcedStats invalidates the cached stats before reading, guaranteeing a
// fresh aggregate.
func (e *Engine) ForcedStats(ctx context.Context, subject string, opts ...store.StatsOptions) (*store.UserStats, error) {
	if err := e.store.InvalidateStats(ctx, subject); err != nil {
		return nil, err
	}
	return e.UserStats(ctx, subject, opts...)
}

// BatchStats fans out UserStats over many subjects with bounded
// concurrency. One subject's failure never contaminates its siblings: the
// faulty subject reports all-zero counters and the batch completes.
func (e *Engine) BatchStats(ctx context.Context, subjects []string, opts ...store.StatsOptions) map[string]*store.UserStats {
	results := make([]*store.UserStats, len(subjects))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, subject := range subjects {
		i, subject := i, subject
		g.Go(func() error {
			stats, err := e.UserStats(gctx, subject, opts...)
			if err != nil {
				e.logger.Warn("stats failed for subject",
					slog.String("subject", subject),
					slog.String("error", err.Error()),
				)
				results[i] = &store.UserStats{}
				return nil
			}
			results[i] = stats
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	out := make(map[string]*store.UserStats, len(subjects))
	for i, subject := range subjects {
		out[subject] = results[i]
	}
	return out
}

// AggregateStats summarizes a set of subjects.
type AggregateStats struct {
	Subjects     int     `json:"subjects"`
	TotalActive  int64   `json:"totalActive"`
	TotalTokens  int64   `json:"totalTokens"`
	TotalDevices int64   `json:"totalDevices"`
	MeanActive   float64 `json:"meanActive"`
	MeanDevices  float64 `json:"meanDevices"`
}

// Aggregate computes totals and arithmetic means over the given subjects.
func (e *Engine) Aggregate(ctx context.Context, subjects []string) *AggregateStats {
	agg := &AggregateStats{Subjects: len(subjects)}
	if len(subjects) == 0 {
		return agg
	}

	for _, stats := range e.BatchStats(ctx, subjects) {
		agg.TotalActive += stats.Active
		agg.TotalTokens += stats.Total
		agg.TotalDevices += stats.Devices
	}
	agg.MeanActive = float64(agg.TotalActive) / float64(len(subjects))
	agg.MeanDevices = float64(agg.TotalDevices) / float64(len(subjects))
	return agg
}

// DeviceCount returns the number of distinct devices holding active tokens
// for the subject.
func (e *Engine) DeviceCount(ctx context.Context, subject string) (int64, error) {
	stats, err := e.UserStats(ctx, subject)
	if err != nil {
		return 0, err
	}
	return stats.Devices, nil
}

// AtDeviceLimit reports whether the subject has reached the configured
// device limit. The check-then-write race on save is accepted: the limit
// is an advisory denial-of-service softener, not a security boundary.
func (e *Engine) AtDeviceLimit(ctx context.Context, subject string) (bool, error) {
	count, err := e.DeviceCount(ctx, subject)
	if err != nil {
		return false, err
	}
	return count >= int64(e.tokens.MaxDevicesPerUser), nil
}
