package storage

import (
	"context"
	"time"

	"castline/internal/models"
)

// CreateStreamParams carries the caller-supplied fields for a new stream
// session. StreamKey may be empty, in which case the store mints one.
type CreateStreamParams struct {
	UserID    string
	StreamKey string
	Title     string
	Preview   string
}

// ActiveStream is the public projection of an open session. It carries the
// ingest stream key for the owner's dashboard but never the user id.
type ActiveStream struct {
	ID          string     `json:"id"`
	BroadcastID *string    `json:"broadcastId,omitempty"`
	Title       string     `json:"title"`
	Start       *time.Time `json:"start,omitempty"`
	StreamKey   string     `json:"streamKey"`
	Preview     string     `json:"preview,omitempty"`
}

// Broadcaster identifies a user with at least one finished recording.
type Broadcaster struct {
	UserID   string    `json:"userId"`
	LastSeen time.Time `json:"lastSeen"`
}

// EndMatch selects the open row a MarkStreamEnded call should close.
// Exactly one of StreamID or BroadcastID must be set.
type EndMatch struct {
	StreamID    string
	BroadcastID string
}

// Repository is the persistence contract for stream sessions. The JSON file
// store backs development and tests; the Postgres driver backs production.
type Repository interface {
	CreateStream(ctx context.Context, params CreateStreamParams) (models.Stream, error)
	GetStream(ctx context.Context, id string) (models.Stream, error)
	FindStreamByKey(ctx context.Context, streamKey string) (models.Stream, error)

	// ListOpenStreams returns every row whose end timestamp is unset,
	// including pending rows that never started.
	ListOpenStreams(ctx context.Context) ([]models.Stream, error)
	ListActiveStreams(ctx context.Context) ([]ActiveStream, error)
	ListUserStreams(ctx context.Context, userID string) ([]models.Stream, error)
	ListFinishedStreams(ctx context.Context, userIDs []string) ([]models.Stream, error)
	ListBroadcasters(ctx context.Context, limit int) ([]Broadcaster, error)

	// MarkStreamStarted binds a broadcast id and stamps the start time. It
	// fails with ErrConflict when the row already started or finished, and
	// when another open row holds the same broadcast id.
	MarkStreamStarted(ctx context.Context, id, broadcastID string) (models.Stream, error)
	// MarkStreamEnded closes every open started row selected by match and
	// records the artifact path. It returns the number of rows closed; a
	// zero count is not an error.
	MarkStreamEnded(ctx context.Context, match EndMatch, path string) (int, error)
	RotateStreamKey(ctx context.Context, id string) (models.Stream, error)

	CreateStreamTag(ctx context.Context, streamID, tagID string) (models.StreamTag, error)
	ListStreamTags(ctx context.Context, streamID string) ([]models.StreamTag, error)

	Ping(ctx context.Context) error
}
