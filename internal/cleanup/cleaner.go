// Package cleanup sweeps orphaned user-index entries left behind by
// natural TTL expiry.
package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tokenforge/token-registry/internal/config"
	"github.com/tokenforge/token-registry/internal/metrics"
	"github.com/tokenforge/token-registry/internal/store"
)

// Cleaner periodically scans user indices and removes references whose
// target record has expired. Sweeps are idempotent: two overlapping runs
// would at worst repeat the same removals. Scanning is cursor-based and
// never blocks the serving path.
type Cleaner struct {
	store   store.TokenStore
	cfg     config.CleanupConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	lastCleanup time.Time
	lastRemoved int64

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// New creates a cleaner. metrics may be nil.
func New(st store.TokenStore, cfg config.CleanupConfig, logger *slog.Logger, m *metrics.Metrics) *Cleaner {
	return &Cleaner{
		store:   st,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the scheduled sweep when enabled. Manual sweeps via
// RunOnce work regardless of the schedule.
func (c *Cleaner) Start() {
	if !c.cfg.Enabled {
		c.logger.Info("scheduled cleanup disabled")
		return
	}
	c.started = true
	go c.run()
}

// Stop terminates the schedule. An in-flight sweep completes before Stop
// returns.
func (c *Cleaner) Stop() {
	if !c.started {
		return
	}
	close(c.stopCh)
	<-c.doneCh
}

// run waits until the next interval boundary in UTC, then sweeps on a
// fixed cadence. Hourly intervals land on the top of the hour.
func (c *Cleaner) run() {
	defer close(c.doneCh)

	interval := time.Duration(c.cfg.Interval) * time.Second
	first := time.NewTimer(time.Until(nextBoundary(time.Now().UTC(), interval)))
	defer first.Stop()

	select {
	case <-c.stopCh:
		return
	case <-first.C:
	}
	c.sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// nextBoundary returns the next multiple of interval after now, measured
// from midnight UTC.
func nextBoundary(now time.Time, interval time.Duration) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	elapsed := now.Sub(midnight)
	next := midnight.Add((elapsed/interval + 1) * interval)
	return next
}

func (c *Cleaner) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	removed, err := c.RunOnce(ctx)
	if err != nil {
		c.logger.Error("cleanup sweep failed", slog.String("error", err.Error()))
		if c.metrics != nil {
			c.metrics.CleanupRunsTotal.WithLabelValues("error").Inc()
		}
		return
	}
	if c.metrics != nil {
		c.metrics.CleanupRunsTotal.WithLabelValues("ok").Inc()
		c.metrics.CleanupRemovedTotal.Add(float64(removed))
	}
}

// RunOnce performs a single full sweep over all user indices. Per-subject
// errors are logged and skipped; they never abort the sweep. Returns the
// number of index entries removed.
func (c *Cleaner) RunOnce(ctx context.Context) (int64, error) {
	var removed int64
	var cursor uint64

	for {
		subjects, next, err := c.store.ScanSubjects(ctx, cursor, int64(c.cfg.ScanCount))
		if err != nil {
			return removed, err
		}

		for _, subject := range subjects {
			n, err := c.store.CleanupExpired(ctx, subject)
			if err != nil {
				c.logger.Warn("cleanup failed for subject",
					slog.String("subject", subject),
					slog.String("error", err.Error()),
				)
				continue
			}
			removed += n
		}

		if next == 0 {
			break
		}
		cursor = next
	}

	c.mu.Lock()
	c.lastCleanup = time.Now()
	c.lastRemoved = removed
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Info("cleanup sweep removed orphaned entries", slog.Int64("removed", removed))
	}
	return removed, nil
}

// LastRun reports the completion time and removal count of the most recent
// sweep. The zero time means no sweep has completed yet.
func (c *Cleaner) LastRun() (time.Time, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCleanup, c.lastRemoved
}
