package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/savesbot/savesbot/internal/savesbot/app"
	"github.com/savesbot/savesbot/internal/savesbot/records"
)

type fakeStatus struct {
	users, guilds int
	stats         records.Stats
	err           error
}

func (f *fakeStatus) Counts(context.Context) (int, int, error) { return f.users, f.guilds, f.err }
func (f *fakeStatus) Stats() records.Stats                     { return f.stats }

type fakePending int

func (f fakePending) Len() int { return int(f) }

func get(t *testing.T, hs http.Handler, path string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	hs.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("%s: expected 200, got %d", path, w.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestHealthServer_Health(t *testing.T) {
	hs := app.NewHealthServer("127.0.0.1:0", &fakeStatus{}, fakePending(0), nil)
	resp := get(t, hs, "/health")
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
	if _, ok := resp["version"]; !ok {
		t.Error("missing version")
	}
}

func TestHealthServer_Status(t *testing.T) {
	last := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	hs := app.NewHealthServer("127.0.0.1:0", &fakeStatus{
		users:  7,
		guilds: 2,
		stats:  records.Stats{LastRefresh: last, LastDuration: 42 * time.Millisecond},
	}, fakePending(3), nil)

	resp := get(t, hs, "/status")
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
	if int(resp["users"].(float64)) != 7 || int(resp["guilds"].(float64)) != 2 {
		t.Errorf("counts = %v/%v", resp["users"], resp["guilds"])
	}
	if int(resp["pending_triggers"].(float64)) != 3 {
		t.Errorf("pending_triggers = %v", resp["pending_triggers"])
	}
	if int(resp["last_refresh_ms"].(float64)) != 42 {
		t.Errorf("last_refresh_ms = %v", resp["last_refresh_ms"])
	}
	if resp["last_refresh"] != "2024-03-01T10:00:00Z" {
		t.Errorf("last_refresh = %v", resp["last_refresh"])
	}
}

func TestHealthServer_StatusDegraded(t *testing.T) {
	hs := app.NewHealthServer("127.0.0.1:0", &fakeStatus{
		stats: records.Stats{LastRefresh: time.Now(), LastError: errors.New("disk full")},
	}, nil, nil)

	resp := get(t, hs, "/status")
	if resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
	if resp["last_refresh_error"] != "disk full" {
		t.Errorf("last_refresh_error = %v", resp["last_refresh_error"])
	}
}

func TestHealthServer_StatusBusy(t *testing.T) {
	hs := app.NewHealthServer("127.0.0.1:0", &fakeStatus{err: context.DeadlineExceeded}, nil, nil)
	if resp := get(t, hs, "/status"); resp["status"] != "busy" {
		t.Errorf("status = %v, want busy", resp["status"])
	}
}

func TestHealthServer_StartStop(t *testing.T) {
	hs := app.NewHealthServer("127.0.0.1:0", &fakeStatus{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := hs.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	hs.Stop()
}
