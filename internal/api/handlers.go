package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"castline/internal/lifecycle"
	"castline/internal/observability/logging"
	"castline/internal/observability/metrics"
	"castline/internal/storage"
)

// Handler exposes the stream lifecycle over HTTP. All routes speak JSON;
// ingest callbacks additionally accept query parameters because media
// servers vary in how faithfully they post their hook bodies.
type Handler struct {
	Store      storage.Repository
	Reconciler *lifecycle.Reconciler
	Tags       *lifecycle.TagAssociator
	Active     lifecycle.ActiveStreamView
	History    lifecycle.HistoryView
	Logger     *slog.Logger
	Metrics    *metrics.Recorder

	// IngestHookToken guards the ingest callback route. When empty every
	// hook request is rejected.
	IngestHookToken string

	// RecordingsDir supplies the artifact path for unpublish callbacks
	// that do not carry one.
	RecordingsDir string
}

func NewHandler(store storage.Repository, reconciler *lifecycle.Reconciler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.WithComponent(logging.New(logging.Config{}), "api")
	}
	return &Handler{
		Store:      store,
		Reconciler: reconciler,
		Tags:       lifecycle.NewTagAssociator(store, logger),
		Active:     lifecycle.NewActiveStreamView(store),
		History:    lifecycle.NewHistoryView(store),
		Logger:     logger,
		Metrics:    metrics.Default(),
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

// statusForError maps storage failures onto HTTP statuses so handlers do
// not repeat the errors.Is ladder.
func statusForError(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case storage.IsValidation(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("store unavailable: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Sweep runs the lost-stream reconciliation pass on demand. Operators hit
// this route from cron or by hand; the periodic worker calls the
// reconciler directly.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	report, err := h.Reconciler.CloseLostStreams(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
