package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"castline/internal/storage"
)

func normalizeHookAction(action string) string {
	normalized := strings.ToLower(strings.TrimSpace(action))
	normalized = strings.TrimPrefix(normalized, "on_")
	return normalized
}

type ingestHookRequest struct {
	Action      string `json:"action"`
	Stream      string `json:"stream"`
	BroadcastID string `json:"broadcast_id,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	Path        string `json:"path,omitempty"`
}

type ingestHookResponse struct {
	Status   string `json:"status"`
	Action   string `json:"action"`
	StreamID string `json:"streamId,omitempty"`
	Closed   int    `json:"closed,omitempty"`
}

// IngestHook receives media-server callbacks. Publish binds a broadcast to
// the pending session matching the stream key; unpublish closes whatever
// open session holds the broadcast id. Bodies are decoded leniently and
// query parameters fill missing fields because hook payloads differ
// between media servers.
func (h *Handler) IngestHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if !h.ingestHookAuthorized(r) {
		h.logger().Warn("ingest hook rejected token", "path", r.URL.Path, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
		return
	}

	var req ingestHookRequest
	if r.Body != nil && r.Body != http.NoBody {
		if err := decodeJSONAllowUnknown(r, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}
	}
	if req.Action == "" {
		req.Action = r.URL.Query().Get("action")
	}
	if req.Stream == "" {
		req.Stream = r.URL.Query().Get("stream")
	}
	if req.BroadcastID == "" {
		req.BroadcastID = r.URL.Query().Get("broadcast_id")
	}
	if req.BroadcastID == "" {
		req.BroadcastID = req.ClientID
	}

	action := normalizeHookAction(req.Action)
	if action == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("action is required"))
		return
	}
	broadcastID := strings.TrimSpace(req.BroadcastID)
	if broadcastID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("broadcast id is required"))
		return
	}

	switch action {
	case "publish":
		h.handleHookPublish(w, r, strings.TrimSpace(req.Stream), broadcastID)
	case "unpublish":
		h.handleHookUnpublish(w, r, broadcastID, strings.TrimSpace(req.Path))
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown action %s", req.Action))
	}
}

func (h *Handler) handleHookPublish(w http.ResponseWriter, r *http.Request, streamKey, broadcastID string) {
	if streamKey == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("stream key is required"))
		return
	}
	stream, err := h.Store.FindStreamByKey(r.Context(), streamKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.logger().Warn("ingest hook stream rejected", "action", "publish", "remote", r.RemoteAddr)
			writeError(w, http.StatusNotFound, fmt.Errorf("stream key not recognized"))
			return
		}
		writeError(w, statusForError(err), err)
		return
	}

	// Media servers retry publish callbacks; a session already bound to
	// this broadcast is acknowledged rather than rejected.
	if stream.BroadcastID != nil && *stream.BroadcastID == broadcastID && stream.End == nil {
		writeJSON(w, http.StatusOK, ingestHookResponse{Status: "ok", Action: "on_publish", StreamID: stream.ID})
		return
	}

	started, err := h.Reconciler.StartStream(r.Context(), stream.ID, broadcastID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ingestHookResponse{Status: "ok", Action: "on_publish", StreamID: started.ID})
}

func (h *Handler) handleHookUnpublish(w http.ResponseWriter, r *http.Request, broadcastID, path string) {
	if path == "" && h.RecordingsDir != "" {
		path = filepath.Join(h.RecordingsDir, broadcastID+".mp4")
	}
	if path == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("artifact path is required"))
		return
	}
	closed, err := h.Reconciler.EndStream(r.Context(), broadcastID, path)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ingestHookResponse{Status: "ok", Action: "on_unpublish", Closed: closed})
}
