package lifecycle

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"castline/internal/storage"
)

func newViewFixture(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	return store
}

func TestActiveStreamViewNeverLeaksUserID(t *testing.T) {
	store := newViewFixture(t)
	ctx := context.Background()

	stream, err := store.CreateStream(ctx, storage.CreateStreamParams{UserID: "secret-user", Title: "live"})
	require.NoError(t, err)
	_, err = store.MarkStreamStarted(ctx, stream.ID, "bc-1")
	require.NoError(t, err)

	listing, err := NewActiveStreamView(store).List(ctx)
	require.NoError(t, err)
	require.Len(t, listing, 1)

	encoded, err := json.Marshal(listing)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "secret-user")
	assert.NotContains(t, string(encoded), "userId")
	assert.Contains(t, string(encoded), stream.StreamKey)
}

func TestHistoryViewForUserNewestFirst(t *testing.T) {
	store := newViewFixture(t)
	ctx := context.Background()
	view := NewHistoryView(store)

	finish := func(title, path string) string {
		stream, err := store.CreateStream(ctx, storage.CreateStreamParams{UserID: "alice", Title: title})
		require.NoError(t, err)
		_, err = store.MarkStreamStarted(ctx, stream.ID, "bc-"+stream.ID)
		require.NoError(t, err)
		_, err = store.MarkStreamEnded(ctx, storage.EndMatch{StreamID: stream.ID}, path)
		require.NoError(t, err)
		return stream.ID
	}

	finish("first", "/vod/1.mp4")
	// an open stream never shows up in history
	open, err := store.CreateStream(ctx, storage.CreateStreamParams{UserID: "alice", Title: "open"})
	require.NoError(t, err)

	history, err := view.ForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "first", history[0].Title)
	assert.Equal(t, "/vod/1.mp4", history[0].Path)
	require.NotNil(t, history[0].End)

	for _, entry := range history {
		assert.NotEqual(t, open.ID, entry.ID)
	}

	encoded, err := json.Marshal(history)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "streamKey")
	assert.NotContains(t, string(encoded), "alice")
}

func TestHistoryViewBroadcasters(t *testing.T) {
	store := newViewFixture(t)
	ctx := context.Background()
	view := NewHistoryView(store)

	for _, user := range []string{"alice", "bob"} {
		stream, err := store.CreateStream(ctx, storage.CreateStreamParams{UserID: user, Title: "show"})
		require.NoError(t, err)
		_, err = store.MarkStreamStarted(ctx, stream.ID, "bc-"+stream.ID)
		require.NoError(t, err)
		_, err = store.MarkStreamEnded(ctx, storage.EndMatch{StreamID: stream.ID}, "/vod/"+stream.ID+".mp4")
		require.NoError(t, err)
	}

	broadcasters, err := view.Broadcasters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, broadcasters, 2)

	limited, err := view.Broadcasters(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
