package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestReadyRequiresFlagAndDependencies(t *testing.T) {
	h := New()
	h.Register(NewPingChecker("redis", func(context.Context) error { return nil }))

	if got := h.Ready(context.Background()).Status; got != StatusDown {
		t.Fatalf("expected down before SetReady, got %s", got)
	}

	h.SetReady(true)
	if got := h.Ready(context.Background()).Status; got != StatusUp {
		t.Fatalf("expected up, got %s", got)
	}

	h.Register(NewPingChecker("postgres", func(context.Context) error { return errors.New("refused") }))
	resp := h.Ready(context.Background())
	if resp.Status != StatusDegraded {
		t.Fatalf("expected degraded with a failing dependency, got %s", resp.Status)
	}
	if resp.Dependencies["postgres"].Message != "refused" {
		t.Fatalf("unexpected dependency result %+v", resp.Dependencies["postgres"])
	}
}

func TestPostgresCheckerNilDB(t *testing.T) {
	res := NewPostgresChecker(nil).Check(context.Background())
	if res.Status != StatusDown {
		t.Fatalf("expected down for nil db, got %s", res.Status)
	}
}

func TestLoopChecker(t *testing.T) {
	m := &LoopMonitor{}
	c := NewLoopChecker("reconciler", m, time.Minute)

	if got := c.Check(context.Background()).Status; got != StatusDown {
		t.Fatalf("expected down before first tick, got %s", got)
	}

	m.Tick()
	if got := c.Check(context.Background()).Status; got != StatusUp {
		t.Fatalf("expected up after tick, got %s", got)
	}

	m.SetError(errors.New("claim due watches: connection reset"))
	res := c.Check(context.Background())
	if res.Status != StatusDegraded || res.Message == "" {
		t.Fatalf("expected degraded with message, got %+v", res)
	}

	m.SetError(nil)
	if got := c.Check(context.Background()).Status; got != StatusUp {
		t.Fatalf("expected error to clear, got %s", got)
	}
}

func TestLiveHandler(t *testing.T) {
	h := New()
	rec := httptest.NewRecorder()
	h.LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != StatusUp {
		t.Fatalf("unexpected status %s", resp.Status)
	}

	rec = httptest.NewRecorder()
	h.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", rec.Code)
	}
}
