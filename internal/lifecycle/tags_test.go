package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"castline/internal/models"
	"castline/internal/storage"
)

// countingStore wraps the JSON store to count tag inserts and optionally
// fail specific tag ids.
type countingStore struct {
	storage.Repository
	inserts int
	failTag string
}

func (c *countingStore) CreateStreamTag(ctx context.Context, streamID, tagID string) (models.StreamTag, error) {
	c.inserts++
	if c.failTag != "" && tagID == c.failTag {
		return models.StreamTag{}, errors.New("insert rejected")
	}
	return c.Repository.CreateStreamTag(ctx, streamID, tagID)
}

func newTagFixture(t *testing.T) (*countingStore, string) {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	stream, err := store.CreateStream(context.Background(), storage.CreateStreamParams{UserID: "1", Title: "tagged"})
	require.NoError(t, err)
	return &countingStore{Repository: store}, stream.ID
}

func TestAttachEmptyListIsNoOp(t *testing.T) {
	store, streamID := newTagFixture(t)
	associator := NewTagAssociator(store, nil)

	require.NoError(t, associator.Attach(context.Background(), streamID, nil))
	require.NoError(t, associator.Attach(context.Background(), streamID, []string{"", "  ", "\t"}))
	assert.Zero(t, store.inserts, "blank tag ids must not reach the store")
}

func TestAttachSkipsBlanksAndDuplicates(t *testing.T) {
	store, streamID := newTagFixture(t)
	associator := NewTagAssociator(store, nil)
	ctx := context.Background()

	require.NoError(t, associator.Attach(ctx, streamID, []string{"music", "", "music", "talk"}))
	assert.Equal(t, 2, store.inserts)

	tags, err := store.ListStreamTags(ctx, streamID)
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, "music", tags[0].TagID)
	assert.Equal(t, "talk", tags[1].TagID)
}

func TestAttachReportsFirstFailureAfterAllSettle(t *testing.T) {
	store, streamID := newTagFixture(t)
	store.failTag = "bad"
	associator := NewTagAssociator(store, nil)
	ctx := context.Background()

	err := associator.Attach(ctx, streamID, []string{"good", "bad", "also-good"})
	require.Error(t, err)
	assert.Equal(t, 3, store.inserts, "every insert must be attempted")

	tags, listErr := store.ListStreamTags(ctx, streamID)
	require.NoError(t, listErr)
	assert.Len(t, tags, 2, "committed inserts are not rolled back")
}
