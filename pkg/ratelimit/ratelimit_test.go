package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMiddlewareLimitsPerClient(t *testing.T) {
	l := NewLimiter(0.001, 2)
	h := l.Middleware(IPKeyFunc)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/jobs/1", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do("10.0.0.1:5000"); code != http.StatusOK {
		t.Fatalf("first request: got %d", code)
	}
	if code := do("10.0.0.1:5001"); code != http.StatusOK {
		t.Fatalf("second request within burst: got %d", code)
	}
	if code := do("10.0.0.1:5002"); code != http.StatusTooManyRequests {
		t.Fatalf("third request: expected 429, got %d", code)
	}
	if code := do("10.0.0.2:5000"); code != http.StatusOK {
		t.Fatalf("other client should not be limited, got %d", code)
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.5:4321"
	if got := IPKeyFunc(req); got != "192.168.1.5" {
		t.Errorf("got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := IPKeyFunc(req); got != "203.0.113.9" {
		t.Errorf("got %q", got)
	}
}

func TestCleanupOldLimiters(t *testing.T) {
	l := NewLimiter(10, 10)
	l.Allow("a")
	l.Allow("b")

	if removed := l.CleanupOldLimiters(time.Hour); removed != 0 {
		t.Errorf("nothing should be idle yet, removed %d", removed)
	}
	time.Sleep(5 * time.Millisecond)
	if removed := l.CleanupOldLimiters(time.Millisecond); removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if l.Size() != 0 {
		t.Errorf("expected empty limiter table, got %d", l.Size())
	}
}
