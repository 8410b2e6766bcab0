package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/tokenforge/token-registry/internal/cleanup"
	"github.com/tokenforge/token-registry/internal/config"
	"github.com/tokenforge/token-registry/internal/metrics"
	"github.com/tokenforge/token-registry/internal/registry"
	"github.com/tokenforge/token-registry/internal/stats"
	"github.com/tokenforge/token-registry/internal/store"
	"github.com/tokenforge/token-registry/internal/store/memory"
)

func setupTestServer(t *testing.T) (*Server, *registry.Registry, *memory.Store) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Storage.Type = "memory"

	st := memory.NewStore(cfg.Tokens)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	engine := stats.New(st, cfg.Tokens, logger)
	dispatcher := registry.NewDispatcher(logger, nil)
	reg := registry.New(st, engine, cfg.Tokens, dispatcher, nil, logger)
	cleaner := cleanup.New(st, cfg.Cleanup, logger, nil)

	return NewServer(cfg, reg, st, cleaner, metrics.New(), logger), reg, st
}

func doRequest(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	return w
}

func seedToken(t *testing.T, reg *registry.Registry, token, subject, device string) {
	t.Helper()
	if _, err := reg.Save(context.Background(), token, &store.CreateData{Subject: subject, DeviceID: device}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
}

func TestHealthEndpoints(t *testing.T) {
	server, _, _ := setupTestServer(t)

	w := doRequest(t, server, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 from /healthz, got %d", w.Code)
	}

	w = doRequest(t, server, http.MethodGet, "/readyz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 from /readyz, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _, _ := setupTestServer(t)

	w := doRequest(t, server, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 from /metrics, got %d", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	server, reg, _ := setupTestServer(t)

	seedToken(t, reg, "tok-1", "alice", "phone")
	seedToken(t, reg, "tok-2", "alice", "laptop")

	w := doRequest(t, server, http.MethodGet, "/stats/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result store.UserStats
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if result.Active != 2 || result.Devices != 2 {
		t.Errorf("Unexpected stats: %+v", result)
	}
}

func TestStatsEndpoint_Fresh(t *testing.T) {
	server, reg, _ := setupTestServer(t)

	seedToken(t, reg, "tok-1", "alice", "phone")

	// Warm the cache, then add a token behind its back
	doRequest(t, server, http.MethodGet, "/stats/alice", nil)
	seedToken(t, reg, "tok-2", "alice", "laptop")

	w := doRequest(t, server, http.MethodGet, "/stats/alice?fresh=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var result store.UserStats
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if result.Active != 2 {
		t.Errorf("Expected fresh active 2, got %d", result.Active)
	}
}

func TestAggregateStatsEndpoint(t *testing.T) {
	server, reg, _ := setupTestServer(t)

	seedToken(t, reg, "tok-1", "alice", "phone")
	seedToken(t, reg, "tok-2", "bob", "phone")

	w := doRequest(t, server, http.MethodPost, "/stats/aggregate", map[string]interface{}{
		"subjects": []string{"alice", "bob"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result stats.AggregateStats
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if result.Subjects != 2 || result.TotalActive != 2 {
		t.Errorf("Unexpected aggregate: %+v", result)
	}
}

func TestAggregateStatsEndpoint_BadRequest(t *testing.T) {
	server, _, _ := setupTestServer(t)

	w := doRequest(t, server, http.MethodPost, "/stats/aggregate", map[string]interface{}{
		"subjects": []string{},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty subjects, got %d", w.Code)
	}
}

func TestRevokeAllEndpoint(t *testing.T) {
	server, reg, _ := setupTestServer(t)

	seedToken(t, reg, "tok-1", "alice", "phone")
	seedToken(t, reg, "tok-2", "alice", "laptop")

	w := doRequest(t, server, http.MethodDelete, "/subjects/alice/tokens", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result revokeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if result.Revoked != 2 {
		t.Errorf("Expected 2 revoked, got %d", result.Revoked)
	}

	if reg.Exists(context.Background(), "tok-1") {
		t.Error("Expected tokens gone after revoke-all")
	}
}

func TestRevokeDeviceEndpoint(t *testing.T) {
	server, reg, _ := setupTestServer(t)

	seedToken(t, reg, "tok-phone", "alice", "phone")
	seedToken(t, reg, "tok-laptop", "alice", "laptop")

	w := doRequest(t, server, http.MethodDelete, "/subjects/alice/devices/phone/tokens", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result revokeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if result.Revoked != 1 {
		t.Errorf("Expected 1 revoked, got %d", result.Revoked)
	}

	if !reg.Exists(context.Background(), "tok-laptop") {
		t.Error("Expected laptop token to survive")
	}
}

func TestCleanupEndpoint(t *testing.T) {
	server, reg, st := setupTestServer(t)
	ctx := context.Background()

	seedToken(t, reg, "tok-dead", "alice", "phone")
	// Simulate natural expiry: the record vanishes, the index entry stays
	if err := st.DeleteKey(ctx, st.TokenKey("tok-dead")); err != nil {
		t.Fatalf("DeleteKey failed: %v", err)
	}

	w := doRequest(t, server, http.MethodPost, "/cleanup", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result cleanupResponse
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if result.Removed != 1 {
		t.Errorf("Expected 1 removed, got %d", result.Removed)
	}
	if result.FinishedAt.IsZero() {
		t.Error("Expected a finished-at timestamp")
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	server, _, _ := setupTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown before Start failed: %v", err)
	}
}
