package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"castline/internal/lifecycle"
	"castline/internal/models"
	"castline/internal/observability/metrics"
	"castline/internal/storage"
)

func newTestHandler(t *testing.T) (*Handler, *storage.Storage) {
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
	handler := NewHandler(store, reconciler, logger)
	handler.IngestHookToken = "hook-secret"
	handler.Metrics = metrics.New()
	return handler, store
}

func createTestStream(t *testing.T, store *storage.Storage, userID, title string) models.Stream {
	t.Helper()
	stream, err := store.CreateStream(context.Background(), storage.CreateStreamParams{UserID: userID, Title: title})
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	return stream
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestCreateStreamGeneratesKeyAndAttachesTags(t *testing.T) {
	handler, _ := newTestHandler(t)

	payload, _ := json.Marshal(createStreamRequest{
		UserID: "user-1",
		Title:  "Morning Show",
		Tags:   []string{"music", "talk", "music"},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/streams", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.Streams(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (%s)", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var resp streamResponse
	decodeBody(t, rec, &resp)
	if resp.StreamKey == "" {
		t.Fatal("expected a generated stream key")
	}
	if resp.Start != nil || resp.BroadcastID != nil {
		t.Fatal("new stream must be pending")
	}
	if len(resp.Tags) != 2 {
		t.Fatalf("tags = %v, want the two distinct ids", resp.Tags)
	}
}

func TestCreateStreamRecordsCreateEvent(t *testing.T) {
	handler, _ := newTestHandler(t)

	payload, _ := json.Marshal(createStreamRequest{UserID: "user-1", Title: "Metrics Check"})
	req := httptest.NewRequest(http.MethodPost, "/api/streams", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.Streams(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (%s)", rec.Code, http.StatusCreated, rec.Body.String())
	}

	var exposition bytes.Buffer
	handler.Metrics.Write(&exposition)
	want := `castline_stream_events_total{event="create"} 1`
	if !strings.Contains(exposition.String(), want) {
		t.Fatalf("exposition missing %q:\n%s", want, exposition.String())
	}
}

func TestCreateStreamRejectsMissingTitle(t *testing.T) {
	handler, _ := newTestHandler(t)

	payload, _ := json.Marshal(createStreamRequest{UserID: "user-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/streams", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.Streams(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestStreamByIDRoutes(t *testing.T) {
	handler, store := newTestHandler(t)
	stream := createTestStream(t, store, "user-1", "Evening Show")

	req := httptest.NewRequest(http.MethodGet, "/api/streams/"+stream.ID, nil)
	rec := httptest.NewRecorder()
	handler.StreamByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d (%s)", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/streams/no-such-stream", nil)
	rec = httptest.NewRecorder()
	handler.StreamByID(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing stream status = %d, want 404", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/streams/"+stream.ID+"/rotate-key", nil)
	rec = httptest.NewRecorder()
	handler.StreamByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate status = %d (%s)", rec.Code, rec.Body.String())
	}
	var rotated streamResponse
	decodeBody(t, rec, &rotated)
	if rotated.StreamKey == stream.StreamKey {
		t.Fatal("rotate-key must change the stream key")
	}
}

func TestRotateKeyRefusedWhileLive(t *testing.T) {
	handler, store := newTestHandler(t)
	stream := createTestStream(t, store, "user-1", "Live Now")
	if _, err := store.MarkStreamStarted(context.Background(), stream.ID, "cast-1"); err != nil {
		t.Fatalf("MarkStreamStarted: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/streams/"+stream.ID+"/rotate-key", nil)
	rec := httptest.NewRecorder()
	handler.StreamByID(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestActiveStreamsListsOpenSessions(t *testing.T) {
	handler, store := newTestHandler(t)
	live := createTestStream(t, store, "user-1", "Live")
	if _, err := store.MarkStreamStarted(context.Background(), live.ID, "cast-1"); err != nil {
		t.Fatalf("MarkStreamStarted: %v", err)
	}
	createTestStream(t, store, "user-2", "Pending")

	req := httptest.NewRequest(http.MethodGet, "/api/streams/active", nil)
	rec := httptest.NewRecorder()
	handler.StreamByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	var listed []storage.ActiveStream
	decodeBody(t, rec, &listed)
	if len(listed) != 2 {
		t.Fatalf("len = %d, want both open sessions", len(listed))
	}
	if body := rec.Body.String(); bytes.Contains([]byte(body), []byte("user-1")) {
		t.Fatal("active listing must not expose user ids")
	}
}

func TestUserStreamsReturnsFinishedHistory(t *testing.T) {
	handler, store := newTestHandler(t)
	stream := createTestStream(t, store, "alice-id", "Archive Me")
	if _, err := store.MarkStreamStarted(context.Background(), stream.ID, "cast-9"); err != nil {
		t.Fatalf("MarkStreamStarted: %v", err)
	}
	count, err := store.MarkStreamEnded(context.Background(), storage.EndMatch{BroadcastID: "cast-9"}, "/rec/cast-9.mp4")
	if err != nil || count != 1 {
		t.Fatalf("MarkStreamEnded: count=%d err=%v", count, err)
	}
	createTestStream(t, store, "alice-id", "Still Pending")

	req := httptest.NewRequest(http.MethodGet, "/api/users/alice-id/streams", nil)
	rec := httptest.NewRecorder()
	handler.UserStreams(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	var entries []lifecycle.HistoryEntry
	decodeBody(t, rec, &entries)
	if len(entries) != 1 {
		t.Fatalf("len = %d, want only the finished session", len(entries))
	}
	if entries[0].Path != "/rec/cast-9.mp4" {
		t.Fatalf("path = %q", entries[0].Path)
	}
}

func TestUserStreamsAllScopeIncludesEveryAttempt(t *testing.T) {
	handler, store := newTestHandler(t)
	createTestStream(t, store, "alice-id", "Pending Attempt")
	live := createTestStream(t, store, "alice-id", "Live Attempt")
	if _, err := store.MarkStreamStarted(context.Background(), live.ID, "cast-4"); err != nil {
		t.Fatalf("MarkStreamStarted: %v", err)
	}
	createTestStream(t, store, "bob-id", "Someone Else")

	req := httptest.NewRequest(http.MethodGet, "/api/users/alice-id/streams?scope=all", nil)
	rec := httptest.NewRecorder()
	handler.UserStreams(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	var attempts []models.Stream
	decodeBody(t, rec, &attempts)
	if len(attempts) != 2 {
		t.Fatalf("len = %d, want both of alice's attempts", len(attempts))
	}
	for _, attempt := range attempts {
		if attempt.UserID != "alice-id" {
			t.Fatalf("attempt %s belongs to %s", attempt.ID, attempt.UserID)
		}
	}

	req = httptest.NewRequest(http.MethodGet, "/api/users/alice-id/streams?scope=everything", nil)
	rec = httptest.NewRecorder()
	handler.UserStreams(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown scope status = %d, want 400", rec.Code)
	}
}

func TestBroadcastersRejectsBadLimit(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/broadcasters?limit=nope", nil)
	rec := httptest.NewRecorder()
	handler.Broadcasters(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHealthReportsStoreStatus(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.Health(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSweepEndpointReturnsReport(t *testing.T) {
	handler, store := newTestHandler(t)
	createTestStream(t, store, "user-1", "Pending Only")

	req := httptest.NewRequest(http.MethodPost, "/api/internal/sweep", nil)
	rec := httptest.NewRecorder()
	handler.Sweep(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	var report lifecycle.SweepReport
	decodeBody(t, rec, &report)
	if report.SkippedPending != 1 {
		t.Fatalf("SkippedPending = %d, want 1", report.SkippedPending)
	}
}
