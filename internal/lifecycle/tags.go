package lifecycle

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"castline/internal/observability/logging"
	"castline/internal/storage"
)

// TagAssociator binds tag ids to a stream. Attachment is best-effort and not
// transactional: inserts run concurrently, failed ones are reported, and
// already-committed ones are never rolled back.
type TagAssociator struct {
	store  storage.Repository
	logger *slog.Logger
}

func NewTagAssociator(store storage.Repository, logger *slog.Logger) *TagAssociator {
	if logger == nil {
		logger = logging.WithComponent(slog.Default(), "tags")
	}
	return &TagAssociator{store: store, logger: logger}
}

// Attach creates one StreamTag row per tag id. Empty or whitespace-only ids
// are silently skipped, as are duplicates within the call. An empty list is
// a no-op. When inserts fail the first error is returned after every insert
// has settled.
func (a *TagAssociator) Attach(ctx context.Context, streamID string, tagIDs []string) error {
	cleaned := make([]string, 0, len(tagIDs))
	seen := make(map[string]struct{}, len(tagIDs))
	for _, tagID := range tagIDs {
		trimmed := strings.TrimSpace(tagID)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		cleaned = append(cleaned, trimmed)
	}
	if len(cleaned) == 0 {
		return nil
	}

	var mu sync.Mutex
	var firstErr error

	group, groupCtx := errgroup.WithContext(ctx)
	for _, tagID := range cleaned {
		tagID := tagID
		group.Go(func() error {
			if _, err := a.store.CreateStreamTag(groupCtx, streamID, tagID); err != nil {
				a.logger.Warn("tag attach failed",
					"stream_id", streamID,
					"tag_id", tagID,
					"error", err)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return firstErr
}
