package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tokenforge/token-registry/internal/config"
	"github.com/tokenforge/token-registry/internal/store"
)

func newTestStore() *Store {
	return NewStore(config.DefaultConfig().Tokens)
}

func record(subject, device string) *store.TokenRecord {
	return &store.TokenRecord{
		Subject:  subject,
		DeviceID: device,
		IssuedAt: time.Now().UnixMilli(),
	}
}

func TestSaveToken_Uniqueness(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	if err := s.SaveToken(ctx, "tok-1", record("alice", "phone"), time.Hour); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	err := s.SaveToken(ctx, "tok-1", record("alice", "laptop"), time.Hour)
	if !errors.Is(err, store.ErrTokenExists) {
		t.Errorf("Expected ErrTokenExists, got %v", err)
	}
}

func TestTokenLifecycle(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	if err := s.SaveToken(ctx, "tok-1", record("alice", "phone"), time.Hour); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	got, err := s.Get(ctx, "tok-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || got.Subject != "alice" || got.Used {
		t.Fatalf("Unexpected record: %+v", got)
	}

	used, err := s.MarkTokenUsed(ctx, "tok-1", "alice", time.Minute)
	if err != nil || !used {
		t.Fatalf("MarkTokenUsed = (%v, %v), want (true, nil)", used, err)
	}

	// Second use is rejected
	used, err = s.MarkTokenUsed(ctx, "tok-1", "alice", time.Minute)
	if err != nil || used {
		t.Errorf("Second MarkTokenUsed = (%v, %v), want (false, nil)", used, err)
	}

	// Still readable during the grace window
	got, err = s.Get(ctx, "tok-1")
	if err != nil || got == nil || !got.Used {
		t.Errorf("Expected used record in grace window, got (%+v, %v)", got, err)
	}

	deleted, err := s.DeleteToken(ctx, "tok-1", "alice")
	if err != nil || !deleted {
		t.Fatalf("DeleteToken = (%v, %v), want (true, nil)", deleted, err)
	}

	// Idempotent delete
	deleted, err = s.DeleteToken(ctx, "tok-1", "alice")
	if err != nil || deleted {
		t.Errorf("Second DeleteToken = (%v, %v), want (false, nil)", deleted, err)
	}
}

func TestMarkTokenUsed_SubjectMismatch(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	if err := s.SaveToken(ctx, "tok-1", record("alice", "phone"), time.Hour); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	used, err := s.MarkTokenUsed(ctx, "tok-1", "mallory", time.Minute)
	if err != nil || used {
		t.Errorf("MarkTokenUsed for wrong subject = (%v, %v), want (false, nil)", used, err)
	}

	// The record is untouched
	got, _ := s.Get(ctx, "tok-1")
	if got == nil || got.Used {
		t.Errorf("Record should remain unused, got %+v", got)
	}
}

func TestSaveBatch(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	// Pre-existing token loses the insert race
	if err := s.SaveToken(ctx, "tok-1", record("alice", "phone"), time.Hour); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	entries := []store.BatchEntry{
		{Token: "tok-1", Record: record("alice", "phone")},
		{Token: "tok-2", Record: record("alice", "laptop")},
		{Token: "tok-3", Record: record("alice", "tablet")},
	}
	saved, err := s.SaveBatch(ctx, "alice", entries, time.Hour)
	if err != nil {
		t.Fatalf("SaveBatch failed: %v", err)
	}
	if saved != 2 {
		t.Errorf("Expected 2 saved, got %d", saved)
	}
}

func TestRevokeAll(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	for _, tok := range []string{"tok-1", "tok-2", "tok-3"} {
		if err := s.SaveToken(ctx, tok, record("alice", "phone"), time.Hour); err != nil {
			t.Fatalf("SaveToken failed: %v", err)
		}
	}
	if err := s.SaveToken(ctx, "tok-bob", record("bob", "phone"), time.Hour); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	count, err := s.RevokeAll(ctx, "alice")
	if err != nil {
		t.Fatalf("RevokeAll failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 revoked, got %d", count)
	}

	// Alice's tokens are gone, Bob's survive
	if got, _ := s.Get(ctx, "tok-1"); got != nil {
		t.Error("Expected tok-1 gone after RevokeAll")
	}
	if got, _ := s.Get(ctx, "tok-bob"); got == nil {
		t.Error("Expected tok-bob to survive RevokeAll for alice")
	}
}

func TestRevokeByDevice(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	if err := s.SaveToken(ctx, "tok-phone-1", record("alice", "phone"), time.Hour); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}
	if err := s.SaveToken(ctx, "tok-phone-2", record("alice", "phone"), time.Hour); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}
	if err := s.SaveToken(ctx, "tok-laptop", record("alice", "laptop"), time.Hour); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	removed, err := s.RevokeByDevice(ctx, "alice", "phone")
	if err != nil {
		t.Fatalf("RevokeByDevice failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}
	if got, _ := s.Get(ctx, "tok-laptop"); got == nil {
		t.Error("Expected laptop token to survive")
	}
}

func TestCleanupExpired(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	if err := s.SaveToken(ctx, "tok-live", record("alice", "phone"), time.Hour); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}
	if err := s.SaveToken(ctx, "tok-dead", record("alice", "laptop"), time.Hour); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	// Simulate natural expiry: the record vanishes, the index entry stays
	if err := s.DeleteKey(ctx, s.TokenKey("tok-dead")); err != nil {
		t.Fatalf("DeleteKey failed: %v", err)
	}

	removed, err := s.CleanupExpired(ctx, "alice")
	if err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 orphan removed, got %d", removed)
	}

	// Second sweep finds nothing
	removed, err = s.CleanupExpired(ctx, "alice")
	if err != nil || removed != 0 {
		t.Errorf("Second sweep = (%d, %v), want (0, nil)", removed, err)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	if err := s.SaveToken(ctx, "tok-1", record("alice", "phone"), time.Hour); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}
	if err := s.SaveToken(ctx, "tok-2", record("alice", "laptop"), time.Hour); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	stats, err := s.Stats(ctx, "alice", store.StatsOptions{})
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Active != 2 || stats.Total != 2 || stats.Devices != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	// Cached result survives a write until invalidated
	if err := s.SaveToken(ctx, "tok-3", record("alice", "tablet"), time.Hour); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}
	stats, _ = s.Stats(ctx, "alice", store.StatsOptions{})
	if stats.Active != 2 {
		t.Errorf("Expected cached active 2, got %d", stats.Active)
	}

	if err := s.InvalidateStats(ctx, "alice"); err != nil {
		t.Fatalf("InvalidateStats failed: %v", err)
	}
	stats, _ = s.Stats(ctx, "alice", store.StatsOptions{})
	if stats.Active != 3 {
		t.Errorf("Expected fresh active 3, got %d", stats.Active)
	}
}

func TestStats_CountsOrphansInTotal(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	if err := s.SaveToken(ctx, "tok-1", record("alice", "phone"), time.Hour); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}
	if err := s.SaveToken(ctx, "tok-2", record("alice", "laptop"), time.Hour); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}
	if err := s.DeleteKey(ctx, s.TokenKey("tok-2")); err != nil {
		t.Fatalf("DeleteKey failed: %v", err)
	}

	stats, err := s.Stats(ctx, "alice", store.StatsOptions{DisableCache: true})
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 2 || stats.Active != 1 {
		t.Errorf("Expected total 2 active 1, got %+v", stats)
	}
}

func TestScanSubjects(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	for _, subject := range []string{"alice", "bob", "carol"} {
		if err := s.SaveToken(ctx, "tok-"+subject, record(subject, "phone"), time.Hour); err != nil {
			t.Fatalf("SaveToken failed: %v", err)
		}
	}

	var all []string
	var cursor uint64
	for {
		page, next, err := s.ScanSubjects(ctx, cursor, 2)
		if err != nil {
			t.Fatalf("ScanSubjects failed: %v", err)
		}
		all = append(all, page...)
		if next == 0 {
			break
		}
		cursor = next
	}

	if len(all) != 3 {
		t.Fatalf("Expected 3 subjects, got %v", all)
	}
	for i, want := range []string{"alice", "bob", "carol"} {
		if all[i] != want {
			t.Errorf("Expected subject %s at %d, got %s", want, i, all[i])
		}
	}
}
