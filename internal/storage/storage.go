package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"castline/internal/models"
)

type dataset struct {
	Streams    map[string]models.Stream    `json:"streams"`
	StreamTags map[string]models.StreamTag `json:"streamTags"`
}

// Storage is the JSON-file session store used in development and tests.
// Every write mutates a cloned dataset and swaps it in only after the file
// persisted, so a failed write leaves the in-memory state untouched.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	now             func() time.Time
}

func newDataset() dataset {
	return dataset{
		Streams:    make(map[string]models.Stream),
		StreamTags: make(map[string]models.StreamTag),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Streams == nil {
		s.data.Streams = make(map[string]models.Stream)
	}
	if s.data.StreamTags == nil {
		s.data.StreamTags = make(map[string]models.StreamTag)
	}
}

func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt.applyJSON(store)
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()

	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := dataset{}

	if src.Streams != nil {
		clone.Streams = make(map[string]models.Stream, len(src.Streams))
		for id, stream := range src.Streams {
			clone.Streams[id] = stream.Clone()
		}
	}

	if src.StreamTags != nil {
		clone.StreamTags = make(map[string]models.StreamTag, len(src.StreamTags))
		for key, tag := range src.StreamTags {
			clone.StreamTags[key] = tag
		}
	}

	return clone
}

func streamTagKey(streamID, tagID string) string {
	return streamID + ":" + tagID
}

func (s *Storage) CreateStream(ctx context.Context, params CreateStreamParams) (models.Stream, error) {
	userID := strings.TrimSpace(params.UserID)
	if userID == "" {
		return models.Stream{}, missingField("userId")
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Stream{}, missingField("title")
	}
	streamKey := strings.TrimSpace(params.StreamKey)
	if streamKey == "" {
		generated, err := generateStreamKey()
		if err != nil {
			return models.Stream{}, err
		}
		streamKey = generated
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stream := models.Stream{
		ID:        generateID(),
		UserID:    userID,
		StreamKey: streamKey,
		Title:     title,
		Preview:   strings.TrimSpace(params.Preview),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := stream.Validate(); err != nil {
		return models.Stream{}, err
	}

	s.data.Streams[stream.ID] = stream
	if err := s.persist(); err != nil {
		delete(s.data.Streams, stream.ID)
		return models.Stream{}, err
	}

	return stream.Clone(), nil
}

func (s *Storage) GetStream(ctx context.Context, id string) (models.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.data.Streams[id]
	if !ok {
		return models.Stream{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	return stream.Clone(), nil
}

// FindStreamByKey resolves the session a publish attempt should bind to.
// When several rows share a key the newest open row wins; finished rows
// never authenticate a publish.
func (s *Storage) FindStreamByKey(ctx context.Context, streamKey string) (models.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var match *models.Stream
	for id := range s.data.Streams {
		stream := s.data.Streams[id]
		if stream.StreamKey != streamKey || !stream.Open() {
			continue
		}
		if match == nil || stream.CreatedAt.After(match.CreatedAt) {
			cloned := stream.Clone()
			match = &cloned
		}
	}
	if match == nil {
		return models.Stream{}, fmt.Errorf("stream key: %w", ErrNotFound)
	}
	return *match, nil
}

func (s *Storage) ListOpenStreams(ctx context.Context) ([]models.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	open := make([]models.Stream, 0)
	for _, stream := range s.data.Streams {
		if stream.Open() {
			open = append(open, stream.Clone())
		}
	}
	sort.Slice(open, func(i, j int) bool {
		if open[i].CreatedAt.Equal(open[j].CreatedAt) {
			return open[i].ID < open[j].ID
		}
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})
	return open, nil
}

func (s *Storage) ListActiveStreams(ctx context.Context) ([]ActiveStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := make([]ActiveStream, 0)
	for _, stream := range s.data.Streams {
		if !stream.Open() {
			continue
		}
		active = append(active, projectActive(stream))
	}
	sort.Slice(active, func(i, j int) bool {
		left, right := active[i].Start, active[j].Start
		switch {
		case left == nil && right == nil:
			return active[i].ID < active[j].ID
		case left == nil:
			return false
		case right == nil:
			return true
		case left.Equal(*right):
			return active[i].ID < active[j].ID
		default:
			return left.After(*right)
		}
	})
	return active, nil
}

func projectActive(stream models.Stream) ActiveStream {
	cloned := stream.Clone()
	return ActiveStream{
		ID:          cloned.ID,
		BroadcastID: cloned.BroadcastID,
		Title:       cloned.Title,
		Start:       cloned.Start,
		StreamKey:   cloned.StreamKey,
		Preview:     cloned.Preview,
	}
}

func (s *Storage) ListUserStreams(ctx context.Context, userID string) ([]models.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	streams := make([]models.Stream, 0)
	for _, stream := range s.data.Streams {
		if stream.UserID == userID {
			streams = append(streams, stream.Clone())
		}
	}
	sortByUpdatedDesc(streams)
	return streams, nil
}

func (s *Storage) ListFinishedStreams(ctx context.Context, userIDs []string) ([]models.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		wanted[id] = struct{}{}
	}

	finished := make([]models.Stream, 0)
	for _, stream := range s.data.Streams {
		if stream.State() != models.StreamFinished {
			continue
		}
		if _, ok := wanted[stream.UserID]; !ok {
			continue
		}
		finished = append(finished, stream.Clone())
	}
	sortByUpdatedDesc(finished)
	return finished, nil
}

func (s *Storage) ListBroadcasters(ctx context.Context, limit int) ([]Broadcaster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]time.Time)
	for _, stream := range s.data.Streams {
		if stream.State() != models.StreamFinished {
			continue
		}
		if seen, ok := latest[stream.UserID]; !ok || stream.UpdatedAt.After(seen) {
			latest[stream.UserID] = stream.UpdatedAt
		}
	}

	broadcasters := make([]Broadcaster, 0, len(latest))
	for userID, seen := range latest {
		broadcasters = append(broadcasters, Broadcaster{UserID: userID, LastSeen: seen})
	}
	sort.Slice(broadcasters, func(i, j int) bool {
		if broadcasters[i].LastSeen.Equal(broadcasters[j].LastSeen) {
			return broadcasters[i].UserID < broadcasters[j].UserID
		}
		return broadcasters[i].LastSeen.After(broadcasters[j].LastSeen)
	})
	if limit > 0 && len(broadcasters) > limit {
		broadcasters = broadcasters[:limit]
	}
	return broadcasters, nil
}

func sortByUpdatedDesc(streams []models.Stream) {
	sort.Slice(streams, func(i, j int) bool {
		if streams[i].UpdatedAt.Equal(streams[j].UpdatedAt) {
			return streams[i].ID < streams[j].ID
		}
		return streams[i].UpdatedAt.After(streams[j].UpdatedAt)
	})
}

func (s *Storage) MarkStreamStarted(ctx context.Context, id, broadcastID string) (models.Stream, error) {
	broadcastID = strings.TrimSpace(broadcastID)
	if broadcastID == "" {
		return models.Stream{}, missingField("broadcastId")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	stream, ok := updatedData.Streams[id]
	if !ok {
		return models.Stream{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	if stream.BroadcastID != nil || stream.End != nil {
		return models.Stream{}, fmt.Errorf("stream %s already transitioned: %w", id, ErrConflict)
	}
	for otherID, other := range updatedData.Streams {
		if otherID == id || !other.Open() {
			continue
		}
		if other.BroadcastID != nil && *other.BroadcastID == broadcastID {
			return models.Stream{}, fmt.Errorf("broadcast %s already live: %w", broadcastID, ErrConflict)
		}
	}

	now := s.now()
	stream.BroadcastID = &broadcastID
	stream.Start = &now
	stream.UpdatedAt = now
	updatedData.Streams[id] = stream

	if err := s.persistDataset(updatedData); err != nil {
		return models.Stream{}, err
	}
	s.data = updatedData

	return stream.Clone(), nil
}

func (s *Storage) MarkStreamEnded(ctx context.Context, match EndMatch, path string) (int, error) {
	if (match.StreamID == "") == (match.BroadcastID == "") {
		return 0, &ValidationError{Field: "match", Reason: "set exactly one of stream id or broadcast id"}
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return 0, missingField("path")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	now := s.now()
	count := 0
	for id, stream := range updatedData.Streams {
		if !stream.Open() || stream.Start == nil {
			continue
		}
		if match.StreamID != "" && stream.ID != match.StreamID {
			continue
		}
		if match.BroadcastID != "" && (stream.BroadcastID == nil || *stream.BroadcastID != match.BroadcastID) {
			continue
		}

		end := now
		if end.Before(*stream.Start) {
			end = *stream.Start
		}
		stream.End = &end
		stream.Path = path
		stream.UpdatedAt = now
		updatedData.Streams[id] = stream
		count++
	}

	if count == 0 {
		return 0, nil
	}
	if err := s.persistDataset(updatedData); err != nil {
		return 0, err
	}
	s.data = updatedData
	return count, nil
}

// RotateStreamKey replaces the ingest secret for a session that is not
// currently live. Rotating under an active broadcast would orphan the
// running publish, so that case is refused.
func (s *Storage) RotateStreamKey(ctx context.Context, id string) (models.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	stream, ok := updatedData.Streams[id]
	if !ok {
		return models.Stream{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	if stream.State() == models.StreamActive {
		return models.Stream{}, fmt.Errorf("stream %s is live: %w", id, ErrConflict)
	}

	streamKey, err := generateStreamKey()
	if err != nil {
		return models.Stream{}, err
	}
	stream.StreamKey = streamKey
	stream.UpdatedAt = s.now()
	updatedData.Streams[id] = stream

	if err := s.persistDataset(updatedData); err != nil {
		return models.Stream{}, err
	}
	s.data = updatedData

	return stream.Clone(), nil
}

func (s *Storage) CreateStreamTag(ctx context.Context, streamID, tagID string) (models.StreamTag, error) {
	tagID = strings.TrimSpace(tagID)
	if tagID == "" {
		return models.StreamTag{}, missingField("tagId")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Streams[streamID]; !ok {
		return models.StreamTag{}, fmt.Errorf("stream %s: %w", streamID, ErrNotFound)
	}

	key := streamTagKey(streamID, tagID)
	if existing, ok := s.data.StreamTags[key]; ok {
		return existing, nil
	}

	tag := models.StreamTag{
		StreamID:  streamID,
		TagID:     tagID,
		CreatedAt: s.now(),
	}
	s.data.StreamTags[key] = tag
	if err := s.persist(); err != nil {
		delete(s.data.StreamTags, key)
		return models.StreamTag{}, err
	}

	return tag, nil
}

func (s *Storage) ListStreamTags(ctx context.Context, streamID string) ([]models.StreamTag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tags := make([]models.StreamTag, 0)
	for _, tag := range s.data.StreamTags {
		if tag.StreamID == streamID {
			tags = append(tags, tag)
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].TagID < tags[j].TagID })
	return tags, nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return nil
}

var _ Repository = (*Storage)(nil)
