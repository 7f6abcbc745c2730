package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"castline/internal/lifecycle"
	"castline/internal/models"
	"castline/internal/storage"
)

type createStreamRequest struct {
	UserID    string   `json:"userId"`
	Title     string   `json:"title"`
	StreamKey string   `json:"streamKey"`
	Preview   string   `json:"preview"`
	Tags      []string `json:"tags"`
}

type streamResponse struct {
	models.Stream
	Tags []string `json:"tags,omitempty"`
}

func (h *Handler) newStreamResponse(r *http.Request, stream models.Stream) streamResponse {
	resp := streamResponse{Stream: stream}
	tags, err := h.Store.ListStreamTags(r.Context(), stream.ID)
	if err != nil {
		h.logger().Warn("list stream tags", "stream_id", stream.ID, "error", err)
		return resp
	}
	for _, tag := range tags {
		resp.Tags = append(resp.Tags, tag.TagID)
	}
	return resp
}

// Streams handles the collection route: POST creates a session row and
// attaches any requested tags before the response is written.
func (h *Handler) Streams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req createStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	stream, err := h.Store.CreateStream(r.Context(), storage.CreateStreamParams{
		UserID:    strings.TrimSpace(req.UserID),
		Title:     strings.TrimSpace(req.Title),
		StreamKey: strings.TrimSpace(req.StreamKey),
		Preview:   strings.TrimSpace(req.Preview),
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	if err := h.Tags.Attach(r.Context(), stream.ID, req.Tags); err != nil {
		writeError(w, statusForError(err), fmt.Errorf("stream %s created but tag attachment failed: %w", stream.ID, err))
		return
	}

	h.recorder().StreamCreated()
	writeJSON(w, http.StatusCreated, h.newStreamResponse(r, stream))
}

// StreamByID routes /api/streams/{id} and its sub-resources. The "active"
// segment is reserved for the public live listing.
func (h *Handler) StreamByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/streams/")
	parts := strings.Split(path, "/")
	for len(parts) > 1 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("stream id missing"))
		return
	}

	if parts[0] == "active" && len(parts) == 1 {
		h.activeStreams(w, r)
		return
	}

	streamID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		stream, err := h.Store.GetStream(r.Context(), streamID)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, h.newStreamResponse(r, stream))
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "rotate-key":
			h.rotateStreamKey(w, r, streamID)
			return
		case "tags":
			h.streamTags(w, r, streamID)
			return
		}
	}

	writeError(w, http.StatusNotFound, fmt.Errorf("unknown stream route"))
}

func (h *Handler) rotateStreamKey(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	stream, err := h.Store.RotateStreamKey(r.Context(), streamID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, h.newStreamResponse(r, stream))
}

type attachTagsRequest struct {
	Tags []string `json:"tags"`
}

func (h *Handler) streamTags(w http.ResponseWriter, r *http.Request, streamID string) {
	switch r.Method {
	case http.MethodGet:
		tags, err := h.Store.ListStreamTags(r.Context(), streamID)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, tags)
	case http.MethodPost:
		var req attachTagsRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
		if err := h.Tags.Attach(r.Context(), streamID, req.Tags); err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		tags, err := h.Store.ListStreamTags(r.Context(), streamID)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, tags)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) activeStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	streams, err := h.Active.List(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	if streams == nil {
		streams = []storage.ActiveStream{}
	}
	writeJSON(w, http.StatusOK, streams)
}

// UserStreams serves /api/users/{id}/streams. The default scope is the
// finished-recording history shown on a broadcaster's profile; scope=all
// returns every session attempt in any state for the owner dashboard.
func (h *Handler) UserStreams(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/users/")
	parts := strings.Split(path, "/")
	for len(parts) > 1 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) != 2 || parts[0] == "" || parts[1] != "streams" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown user route"))
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	switch scope := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("scope"))); scope {
	case "", "finished":
	case "all":
		streams, err := h.Store.ListUserStreams(r.Context(), parts[0])
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		if streams == nil {
			streams = []models.Stream{}
		}
		writeJSON(w, http.StatusOK, streams)
		return
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown scope %q", scope))
		return
	}
	entries, err := h.History.ForUser(r.Context(), parts[0])
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	if entries == nil {
		entries = []lifecycle.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Broadcasters lists users with at least one published recording, newest
// activity first. The limit query parameter caps the page size.
func (h *Handler) Broadcasters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	broadcasters, err := h.History.Broadcasters(r.Context(), limit)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	if broadcasters == nil {
		broadcasters = []storage.Broadcaster{}
	}
	writeJSON(w, http.StatusOK, broadcasters)
}
