package models

import (
	"fmt"
	"strings"
	"time"
)

// StreamState describes where a stream sits in its lifecycle.
type StreamState string

const (
	// StreamPending means the row was created but the publisher never went
	// live: no broadcast id, no start timestamp.
	StreamPending StreamState = "pending"
	// StreamActive means the ingest server confirmed the publisher and a
	// broadcast id is bound.
	StreamActive StreamState = "active"
	// StreamFinished is terminal: the broadcast ended (normally or via the
	// reconciliation sweep) and the recording artifact path is recorded.
	StreamFinished StreamState = "finished"
)

// Stream is one broadcast attempt by a user. A row is created in the
// pending state, becomes active when the ingest server assigns a broadcast
// id, and finishes exactly once.
type Stream struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	StreamKey   string     `json:"streamKey"`
	BroadcastID *string    `json:"broadcastId,omitempty"`
	Title       string     `json:"title"`
	Preview     string     `json:"preview,omitempty"`
	Start       *time.Time `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
	Path        string     `json:"path,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// State derives the lifecycle state from the timestamp pair.
func (s Stream) State() StreamState {
	switch {
	case s.End != nil:
		return StreamFinished
	case s.Start != nil:
		return StreamActive
	default:
		return StreamPending
	}
}

// Open reports whether the stream has not finished. Both pending and
// active rows are open; only active rows can be reconciled.
func (s Stream) Open() bool {
	return s.End == nil
}

// Validate enforces the structural invariants every persisted stream must
// satisfy. Stores call it before a row becomes observable.
func (s Stream) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("stream id is required")
	}
	if strings.TrimSpace(s.UserID) == "" {
		return fmt.Errorf("stream %s: user id is required", s.ID)
	}
	if strings.TrimSpace(s.StreamKey) == "" {
		return fmt.Errorf("stream %s: stream key is required", s.ID)
	}
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("stream %s: title is required", s.ID)
	}
	if (s.BroadcastID != nil) != (s.Start != nil) {
		return fmt.Errorf("stream %s: broadcast id and start must be set together", s.ID)
	}
	if s.End != nil {
		if s.Start == nil {
			return fmt.Errorf("stream %s: end set without start", s.ID)
		}
		if s.End.Before(*s.Start) {
			return fmt.Errorf("stream %s: end precedes start", s.ID)
		}
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("stream %s: finished without artifact path", s.ID)
		}
	}
	return nil
}

// Clone returns a deep copy so callers can hand rows across goroutines
// without sharing pointer fields.
func (s Stream) Clone() Stream {
	cloned := s
	if s.BroadcastID != nil {
		id := *s.BroadcastID
		cloned.BroadcastID = &id
	}
	if s.Start != nil {
		start := *s.Start
		cloned.Start = &start
	}
	if s.End != nil {
		end := *s.End
		cloned.End = &end
	}
	return cloned
}

// StreamTag links a stream to one tag from the taxonomy. Rows are written
// once at stream creation and never updated.
type StreamTag struct {
	StreamID  string    `json:"streamId"`
	TagID     string    `json:"tagId"`
	CreatedAt time.Time `json:"createdAt"`
}
