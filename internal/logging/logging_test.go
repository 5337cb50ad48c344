package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMiddlewareAssignsRequestID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	defer Replace(zap.New(core))()

	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/list", nil))

	if seen == "" {
		t.Fatal("expected a generated request id")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("X-Request-ID = %q, want %q", got, seen)
	}

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusTeapot) {
		t.Errorf("status = %v, want %d", fields["status"], http.StatusTeapot)
	}
	if fields["request_id"] != seen {
		t.Errorf("request_id = %v, want %q", fields["request_id"], seen)
	}
}

func TestMiddlewareKeepsIncomingRequestID(t *testing.T) {
	core, _ := observer.New(zap.DebugLevel)
	defer Replace(zap.New(core))()

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want abc-123", got)
	}
}

func TestMiddlewareWarnsOnServerError(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	defer Replace(zap.New(core))()

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	entries := logs.FilterMessage("request failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(entries))
	}
	if entries[0].Level != zap.WarnLevel {
		t.Errorf("level = %v, want warn", entries[0].Level)
	}
}

func TestSetLevelIgnoresGarbage(t *testing.T) {
	defer SetLevel("info")

	SetLevel("warn")
	if got := globalLevel.Level(); got != zap.WarnLevel {
		t.Fatalf("level = %v, want warn", got)
	}
	SetLevel("not-a-level")
	if got := globalLevel.Level(); got != zap.WarnLevel {
		t.Errorf("level = %v after bad input, want warn", got)
	}
}
