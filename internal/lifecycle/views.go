package lifecycle

import (
	"context"
	"time"

	"castline/internal/models"
	"castline/internal/storage"
)

// ActiveStreamView is the public-safe listing of live sessions. It exposes
// only the whitelisted projection fields; user ids never appear.
type ActiveStreamView struct {
	store storage.Repository
}

func NewActiveStreamView(store storage.Repository) ActiveStreamView {
	return ActiveStreamView{store: store}
}

func (v ActiveStreamView) List(ctx context.Context) ([]storage.ActiveStream, error) {
	return v.store.ListActiveStreams(ctx)
}

// HistoryEntry is one finished session in a user's history.
type HistoryEntry struct {
	ID          string     `json:"id"`
	BroadcastID *string    `json:"broadcastId,omitempty"`
	Title       string     `json:"title"`
	Preview     string     `json:"preview,omitempty"`
	Start       *time.Time `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
	Path        string     `json:"path"`
}

// HistoryView reads finished sessions and the set of users who have
// broadcast. Like ActiveStreamView it holds no state of its own.
type HistoryView struct {
	store storage.Repository
}

func NewHistoryView(store storage.Repository) HistoryView {
	return HistoryView{store: store}
}

// ForUser returns a user's finished sessions, newest first.
func (v HistoryView) ForUser(ctx context.Context, userID string) ([]HistoryEntry, error) {
	return v.ForUsers(ctx, []string{userID})
}

// ForUsers returns finished sessions for a set of users, newest first.
func (v HistoryView) ForUsers(ctx context.Context, userIDs []string) ([]HistoryEntry, error) {
	finished, err := v.store.ListFinishedStreams(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, 0, len(finished))
	for _, stream := range finished {
		entries = append(entries, projectHistory(stream))
	}
	return entries, nil
}

// Broadcasters returns the distinct users with at least one finished
// session, most recently active first, capped at limit when positive.
func (v HistoryView) Broadcasters(ctx context.Context, limit int) ([]storage.Broadcaster, error) {
	return v.store.ListBroadcasters(ctx, limit)
}

func projectHistory(stream models.Stream) HistoryEntry {
	return HistoryEntry{
		ID:          stream.ID,
		BroadcastID: stream.BroadcastID,
		Title:       stream.Title,
		Preview:     stream.Preview,
		Start:       stream.Start,
		End:         stream.End,
		Path:        stream.Path,
	}
}
