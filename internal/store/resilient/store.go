// Package resilient wraps a TokenStore with per-operation circuit breakers.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tokenforge/token-registry/internal/config"
	"github.com/tokenforge/token-registry/internal/store"
)

// Operation names, one breaker each.
const (
	opSaveToken      = "saveToken"
	opSaveBatch      = "saveBatch"
	opMarkUsed       = "markTokenUsed"
	opDeleteToken    = "deleteToken"
	opRevokeAll      = "revokeAll"
	opRevokeByDevice = "revokeByDevice"
	opCleanup        = "cleanupExpired"
	opStats          = "stats"
	opScan           = "scanSubjects"
	opGet            = "get"
	opInvalidate     = "invalidateStats"
	opDeleteKey      = "deleteKey"
	opHealth         = "health"
)

// StateChangeFunc observes breaker state transitions, for telemetry.
type StateChangeFunc func(op string, from, to gobreaker.State)

// Store decorates an inner TokenStore with a named circuit breaker per
// operation. Domain errors pass through without feeding the failure
// budget; only infrastructure failures can open a breaker. A plain store
// and a wrapped store satisfy the same interface, so callers never know
// which they hold.
type Store struct {
	inner    store.TokenStore
	logger   *slog.Logger
	breakers map[string]*gobreaker.CircuitBreaker
	timeouts map[string]time.Duration
}

var _ store.TokenStore = (*Store)(nil)

// Wrap builds the decorated store. onStateChange may be nil.
func Wrap(inner store.TokenStore, cfg config.BreakerConfig, logger *slog.Logger, onStateChange StateChangeFunc) *Store {
	s := &Store{
		inner:    inner,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		timeouts: make(map[string]time.Duration),
	}

	defaultTimeout := time.Duration(cfg.Timeout) * time.Second
	perOp := map[string]time.Duration{
		opSaveToken:      defaultTimeout,
		opSaveBatch:      time.Duration(cfg.BatchTimeout) * time.Second,
		opMarkUsed:       defaultTimeout,
		opDeleteToken:    defaultTimeout,
		opRevokeAll:      defaultTimeout,
		opRevokeByDevice: defaultTimeout,
		opCleanup:        defaultTimeout,
		opStats:          time.Duration(cfg.StatsTimeout) * time.Second,
		opScan:           defaultTimeout,
		opGet:            defaultTimeout,
		opInvalidate:     defaultTimeout,
		opDeleteKey:      defaultTimeout,
		opHealth:         time.Duration(cfg.HealthTimeout) * time.Second,
	}

	threshold := float64(cfg.ErrorThresholdPercentage) / 100.0
	minRequests := uint32(cfg.MinRequests)

	for op, timeout := range perOp {
		op := op
		s.timeouts[op] = timeout
		s.breakers[op] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        op,
			MaxRequests: 1, // one half-open probe
			Interval:    time.Duration(cfg.RollingWindow) * time.Second,
			Timeout:     time.Duration(cfg.ResetTimeout) * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < minRequests {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= threshold
			},
			// Domain errors were never the breaker's business, and
			// caller-side cancellation is neither success nor failure.
			IsSuccessful: func(err error) bool {
				return err == nil || store.IsDomainError(err) || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					slog.String("operation", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
				if onStateChange != nil {
					onStateChange(name, from, to)
				}
			},
		})
	}

	return s
}

// execute routes a call through the operation's breaker with its timeout.
func (s *Store) execute(ctx context.Context, op string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeouts[op])
	defer cancel()

	res, err := s.breakers[op].Execute(func() (interface{}, error) {
		return fn(cctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", store.ErrCircuitOpen, op)
	}
	return res, err
}

// State returns the current breaker state for an operation name.
func (s *Store) State(op string) (gobreaker.State, bool) {
	br, ok := s.breakers[op]
	if !ok {
		return gobreaker.StateClosed, false
	}
	return br.State(), true
}

func (s *Store) SaveToken(ctx context.Context, token string, record *store.TokenRecord, ttl time.Duration) error {
	_, err := s.execute(ctx, opSaveToken, func(ctx context.Context) (interface{}, error) {
		return nil, s.inner.SaveToken(ctx, token, record, ttl)
	})
	return err
}

func (s *Store) SaveBatch(ctx context.Context, subject string, entries []store.BatchEntry, ttl time.Duration) (int64, error) {
	res, err := s.execute(ctx, opSaveBatch, func(ctx context.Context) (interface{}, error) {
		return s.inner.SaveBatch(ctx, subject, entries, ttl)
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (s *Store) MarkTokenUsed(ctx context.Context, token, subject string, usedTTL time.Duration) (bool, error) {
	res, err := s.execute(ctx, opMarkUsed, func(ctx context.Context) (interface{}, error) {
		return s.inner.MarkTokenUsed(ctx, token, subject, usedTTL)
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (s *Store) DeleteToken(ctx context.Context, token, subject string) (bool, error) {
	res, err := s.execute(ctx, opDeleteToken, func(ctx context.Context) (interface{}, error) {
		return s.inner.DeleteToken(ctx, token, subject)
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (s *Store) RevokeAll(ctx context.Context, subject string) (int64, error) {
	res, err := s.execute(ctx, opRevokeAll, func(ctx context.Context) (interface{}, error) {
		return s.inner.RevokeAll(ctx, subject)
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (s *Store) RevokeByDevice(ctx context.Context, subject, deviceID string) (int64, error) {
	res, err := s.execute(ctx, opRevokeByDevice, func(ctx context.Context) (interface{}, error) {
		return s.inner.RevokeByDevice(ctx, subject, deviceID)
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (s *Store) CleanupExpired(ctx context.Context, subject string) (int64, error) {
	res, err := s.execute(ctx, opCleanup, func(ctx context.Context) (interface{}, error) {
		return s.inner.CleanupExpired(ctx, subject)
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (s *Store) Stats(ctx context.Context, subject string, opts store.StatsOptions) (*store.UserStats, error) {
	res, err := s.execute(ctx, opStats, func(ctx context.Context) (interface{}, error) {
		return s.inner.Stats(ctx, subject, opts)
	})
	if err != nil {
		return nil, err
	}
	return res.(*store.UserStats), nil
}

func (s *Store) InvalidateStats(ctx context.Context, subject string) error {
	_, err := s.execute(ctx, opInvalidate, func(ctx context.Context) (interface{}, error) {
		return nil, s.inner.InvalidateStats(ctx, subject)
	})
	return err
}

func (s *Store) ScanSubjects(ctx context.Context, cursor uint64, count int64) ([]string, uint64, error) {
	type page struct {
		subjects []string
		next     uint64
	}
	res, err := s.execute(ctx, opScan, func(ctx context.Context) (interface{}, error) {
		subjects, next, err := s.inner.ScanSubjects(ctx, cursor, count)
		if err != nil {
			return nil, err
		}
		return page{subjects: subjects, next: next}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	p := res.(page)
	return p.subjects, p.next, nil
}

func (s *Store) Get(ctx context.Context, token string) (*store.TokenRecord, error) {
	res, err := s.execute(ctx, opGet, func(ctx context.Context) (interface{}, error) {
		return s.inner.Get(ctx, token)
	})
	if err != nil {
		return nil, err
	}
	return res.(*store.TokenRecord), nil
}

func (s *Store) DeleteKey(ctx context.Context, key string) error {
	_, err := s.execute(ctx, opDeleteKey, func(ctx context.Context) (interface{}, error) {
		return nil, s.inner.DeleteKey(ctx, key)
	})
	return err
}

func (s *Store) TokenKey(token string) string {
	return s.inner.TokenKey(token)
}

func (s *Store) Close() error {
	return s.inner.Close()
}

func (s *Store) IsHealthy(ctx context.Context) bool {
	res, err := s.execute(ctx, opHealth, func(ctx context.Context) (interface{}, error) {
		return s.inner.IsHealthy(ctx), nil
	})
	if err != nil {
		return false
	}
	return res.(bool)
}
