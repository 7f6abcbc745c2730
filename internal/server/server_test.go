package server

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"castline/internal/api"
	"castline/internal/lifecycle"
	"castline/internal/observability/metrics"
	"castline/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "castline.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reconciler, err := lifecycle.New(lifecycle.Config{Store: store, Logger: logger})
	if err != nil {
		t.Fatalf("lifecycle.New: %v", err)
	}
	handler := api.NewHandler(store, reconciler, logger)
	recorder := metrics.New()
	srv, err := New(handler, Config{Addr: "127.0.0.1:0", Logger: logger, Metrics: recorder})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	return srv
}

func TestServerRoutesStreamLifecycle(t *testing.T) {
	srv := newTestServer(t)

	body := bytes.NewReader([]byte(`{"userId":"user-1","title":"Routing Check"}`))
	req := httptest.NewRequest(http.MethodPost, "/api/streams", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d (%s)", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/streams/active", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("active status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "castline_http_requests_total") {
		t.Fatal("metrics exposition missing request counter")
	}
}

func TestRequestIDMiddlewareEchoesHeader(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = w.Header().Get("X-Request-Id")
		w.WriteHeader(http.StatusNoContent)
	})
	handler := requestIDMiddlewareWithGenerator(func() string { return "generated-id" }, inner)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "caller-id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen != "caller-id" {
		t.Fatalf("request id = %q, want caller supplied value", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-Id") != "generated-id" {
		t.Fatalf("request id = %q, want generated value", rec.Header().Get("X-Request-Id"))
	}
}
