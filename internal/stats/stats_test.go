package stats

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tokenforge/token-registry/internal/config"
	"github.com/tokenforge/token-registry/internal/store"
	"github.com/tokenforge/token-registry/internal/store/memory"
)

func newTestEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	tokens := config.DefaultConfig().Tokens
	st := memory.NewStore(tokens)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, tokens, logger), st
}

func seed(t *testing.T, st *memory.Store, subject string, devices ...string) {
	t.Helper()
	for i, device := range devices {
		record := &store.TokenRecord{Subject: subject, DeviceID: device, IssuedAt: time.Now().UnixMilli()}
		if err := st.SaveToken(context.Background(), subject+"-tok-"+device+string(rune('a'+i)), record, time.Hour); err != nil {
			t.Fatalf("SaveToken failed: %v", err)
		}
	}
}

func TestUserStats(t *testing.T) {
	e, st := newTestEngine(t)
	seed(t, st, "alice", "phone", "laptop", "phone")

	stats, err := e.UserStats(context.Background(), "alice")
	if err != nil {
		t.Fatalf("UserStats failed: %v", err)
	}
	if stats.Active != 3 || stats.Total != 3 {
		t.Errorf("Expected 3 active/total, got %+v", stats)
	}
	if stats.Devices != 2 {
		t.Errorf("Expected 2 devices, got %d", stats.Devices)
	}
}

func TestUserStats_EmptySubject(t *testing.T) {
	e, _ := newTestEngine(t)

	stats, err := e.UserStats(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("UserStats failed: %v", err)
	}
	if stats.Active != 0 || stats.Total != 0 || stats.Devices != 0 {
		t.Errorf("Expected zero stats, got %+v", stats)
	}
}

func TestForcedStats_BypassesCache(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	seed(t, st, "alice", "phone")

	// Populate the cache
	if _, err := e.UserStats(ctx, "alice"); err != nil {
		t.Fatalf("UserStats failed: %v", err)
	}

	seed(t, st, "alice", "laptop")

	// Cached read misses the new token
	stats, _ := e.UserStats(ctx, "alice")
	if stats.Active != 1 {
		t.Errorf("Expected cached active 1, got %d", stats.Active)
	}

	// Forced read sees it
	stats, err := e.ForcedStats(ctx, "alice")
	if err != nil {
		t.Fatalf("ForcedStats failed: %v", err)
	}
	if stats.Active != 2 {
		t.Errorf("Expected fresh active 2, got %d", stats.Active)
	}
}

// failingStore wraps a TokenStore and fails Stats for one subject.
type failingStore struct {
	store.TokenStore
	failFor string
}

func (f *failingStore) Stats(ctx context.Context, subject string, opts store.StatsOptions) (*store.UserStats, error) {
	if subject == f.failFor {
		return nil, errors.New("backend unavailable")
	}
	return f.TokenStore.Stats(ctx, subject, opts)
}

func TestBatchStats_IsolatesFailures(t *testing.T) {
	tokens := config.DefaultConfig().Tokens
	inner := memory.NewStore(tokens)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(&failingStore{TokenStore: inner, failFor: "bob"}, tokens, logger)
	ctx := context.Background()

	seed(t, inner, "alice", "phone", "laptop")
	seed(t, inner, "carol", "tablet")

	results := e.BatchStats(ctx, []string{"alice", "bob", "carol"})
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	if results["alice"].Active != 2 {
		t.Errorf("Expected alice active 2, got %+v", results["alice"])
	}
	// The failing subject reports zeros instead of poisoning the batch
	if results["bob"].Active != 0 || results["bob"].Total != 0 {
		t.Errorf("Expected zero stats for bob, got %+v", results["bob"])
	}
	if results["carol"].Active != 1 {
		t.Errorf("Expected carol active 1, got %+v", results["carol"])
	}
}

func TestAggregate(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	seed(t, st, "alice", "phone", "laptop")
	seed(t, st, "bob", "phone")

	agg := e.Aggregate(ctx, []string{"alice", "bob"})
	if agg.Subjects != 2 {
		t.Errorf("Expected 2 subjects, got %d", agg.Subjects)
	}
	if agg.TotalActive != 3 || agg.TotalTokens != 3 {
		t.Errorf("Expected 3 total active/tokens, got %+v", agg)
	}
	if agg.TotalDevices != 3 {
		t.Errorf("Expected 3 total devices, got %d", agg.TotalDevices)
	}
	if agg.MeanActive != 1.5 {
		t.Errorf("Expected mean active 1.5, got %v", agg.MeanActive)
	}
}

func TestAggregate_Empty(t *testing.T) {
	e, _ := newTestEngine(t)

	agg := e.Aggregate(context.Background(), nil)
	if agg.Subjects != 0 || agg.TotalActive != 0 {
		t.Errorf("Expected empty aggregate, got %+v", agg)
	}
}

func TestAtDeviceLimit(t *testing.T) {
	tokens := config.DefaultConfig().Tokens
	tokens.MaxDevicesPerUser = 2
	st := memory.NewStore(tokens)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(st, tokens, logger)
	ctx := context.Background()

	seed(t, st, "alice", "phone")

	atLimit, err := e.AtDeviceLimit(ctx, "alice")
	if err != nil {
		t.Fatalf("AtDeviceLimit failed: %v", err)
	}
	if atLimit {
		t.Error("Expected below limit with 1 device")
	}

	seed(t, st, "alice", "laptop")
	if err := st.InvalidateStats(ctx, "alice"); err != nil {
		t.Fatalf("InvalidateStats failed: %v", err)
	}

	atLimit, err = e.AtDeviceLimit(ctx, "alice")
	if err != nil {
		t.Fatalf("AtDeviceLimit failed: %v", err)
	}
	if !atLimit {
		t.Error("Expected at limit with 2 devices")
	}
}

func TestDeviceCount(t *testing.T) {
	e, st := newTestEngine(t)
	seed(t, st, "alice", "phone", "laptop", "phone")

	count, err := e.DeviceCount(context.Background(), "alice")
	if err != nil {
		t.Fatalf("DeviceCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 devices, got %d", count)
	}
}
