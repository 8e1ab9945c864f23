package health

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func okPing(ctx context.Context) error   { return nil }
func failPing(ctx context.Context) error { return errors.New("connection refused") }

func TestOverallHealthy(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register(NewPingChecker("redis", true, okPing))
	m.Register(NewPingChecker("postgres", false, okPing))

	overall := m.Overall(context.Background())
	if overall.Status != StatusHealthy || !overall.Ready {
		t.Fatalf("unexpected overall: %+v", overall)
	}
	if len(overall.Checks) != 2 {
		t.Fatalf("expected 2 check results, got %d", len(overall.Checks))
	}
}

func TestCriticalFailureMakesUnready(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register(NewPingChecker("redis", true, failPing))

	overall := m.Overall(context.Background())
	if overall.Status != StatusUnhealthy || overall.Ready {
		t.Fatalf("critical failure ignored: %+v", overall)
	}
}

func TestNonCriticalFailureDegrades(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register(NewPingChecker("redis", true, okPing))
	m.Register(NewPingChecker("postgres", false, failPing))

	overall := m.Overall(context.Background())
	if overall.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", overall.StatusStr)
	}
	if !overall.Ready {
		t.Fatal("non-critical failure must not affect readiness")
	}
}

func TestSlowPingDegrades(t *testing.T) {
	c := NewPingChecker("redis", true, func(ctx context.Context) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	c.slowAt = time.Millisecond
	result := c.Check(context.Background())
	if result.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", result.Status)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register(NewPingChecker("redis", true, failPing))
	h := NewHTTPHandler(m, zap.NewNop())

	rec := httptest.NewRecorder()
	h.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 503 {
		t.Fatalf("/health status = %d, want 503", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.handleReady(rec, httptest.NewRequest("GET", "/health/ready", nil))
	if rec.Code != 503 {
		t.Fatalf("/health/ready status = %d, want 503", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.handleLive(rec, httptest.NewRequest("GET", "/health/live", nil))
	if rec.Code != 200 {
		t.Fatalf("/health/live status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.handleHealth(rec, httptest.NewRequest("POST", "/health", nil))
	if rec.Code != 405 {
		t.Fatalf("POST /health status = %d, want 405", rec.Code)
	}
}
