package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"castline/internal/models"
)

const streamColumns = "id, user_id, stream_key, broadcast_id, title, preview, start_at, end_at, path, created_at, updated_at"

// PostgresRepository implements Repository on a pgx connection pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository. Call EnsureSchema
// before serving traffic if migrations are not managed externally.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (*PostgresRepository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	return &PostgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func scanStream(row pgx.Row) (models.Stream, error) {
	var stream models.Stream
	err := row.Scan(
		&stream.ID,
		&stream.UserID,
		&stream.StreamKey,
		&stream.BroadcastID,
		&stream.Title,
		&stream.Preview,
		&stream.Start,
		&stream.End,
		&stream.Path,
		&stream.CreatedAt,
		&stream.UpdatedAt,
	)
	return stream, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *PostgresRepository) CreateStream(ctx context.Context, params CreateStreamParams) (models.Stream, error) {
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

	now := r.cfg.Now()
	row := r.pool.QueryRow(ctx,
		"INSERT INTO streams (id, user_id, stream_key, title, preview, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING "+streamColumns,
		generateID(), userID, streamKey, title, strings.TrimSpace(params.Preview), now)
	stream, err := scanStream(row)
	if err != nil {
		return models.Stream{}, fmt.Errorf("insert stream: %w", err)
	}
	return stream, nil
}

func (r *PostgresRepository) GetStream(ctx context.Context, id string) (models.Stream, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+streamColumns+" FROM streams WHERE id = $1", id)
	stream, err := scanStream(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Stream{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	} else if err != nil {
		return models.Stream{}, fmt.Errorf("select stream: %w", err)
	}
	return stream, nil
}

func (r *PostgresRepository) FindStreamByKey(ctx context.Context, streamKey string) (models.Stream, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+streamColumns+" FROM streams WHERE stream_key = $1 AND end_at IS NULL ORDER BY created_at DESC LIMIT 1",
		streamKey)
	stream, err := scanStream(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Stream{}, fmt.Errorf("stream key: %w", ErrNotFound)
	} else if err != nil {
		return models.Stream{}, fmt.Errorf("select stream by key: %w", err)
	}
	return stream, nil
}

func (r *PostgresRepository) listStreams(ctx context.Context, query string, args ...any) ([]models.Stream, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select streams: %w", err)
	}
	defer rows.Close()

	streams := make([]models.Stream, 0)
	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		streams = append(streams, stream)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate streams: %w", err)
	}
	return streams, nil
}

func (r *PostgresRepository) ListOpenStreams(ctx context.Context) ([]models.Stream, error) {
	return r.listStreams(ctx,
		"SELECT "+streamColumns+" FROM streams WHERE end_at IS NULL ORDER BY created_at ASC, id ASC")
}

func (r *PostgresRepository) ListActiveStreams(ctx context.Context) ([]ActiveStream, error) {
	streams, err := r.listStreams(ctx,
		"SELECT "+streamColumns+" FROM streams WHERE end_at IS NULL ORDER BY start_at DESC NULLS LAST, id ASC")
	if err != nil {
		return nil, err
	}
	active := make([]ActiveStream, 0, len(streams))
	for _, stream := range streams {
		active = append(active, projectActive(stream))
	}
	return active, nil
}

func (r *PostgresRepository) ListUserStreams(ctx context.Context, userID string) ([]models.Stream, error) {
	return r.listStreams(ctx,
		"SELECT "+streamColumns+" FROM streams WHERE user_id = $1 ORDER BY updated_at DESC, id ASC", userID)
}

func (r *PostgresRepository) ListFinishedStreams(ctx context.Context, userIDs []string) ([]models.Stream, error) {
	if len(userIDs) == 0 {
		return []models.Stream{}, nil
	}
	return r.listStreams(ctx,
		"SELECT "+streamColumns+" FROM streams WHERE path IS NOT NULL AND path <> '' AND user_id = ANY($1) ORDER BY updated_at DESC, id ASC",
		userIDs)
}

func (r *PostgresRepository) ListBroadcasters(ctx context.Context, limit int) ([]Broadcaster, error) {
	query := "SELECT user_id, MAX(updated_at) AS last_seen FROM streams WHERE path IS NOT NULL AND path <> '' GROUP BY user_id ORDER BY last_seen DESC, user_id ASC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select broadcasters: %w", err)
	}
	defer rows.Close()

	broadcasters := make([]Broadcaster, 0)
	for rows.Next() {
		var b Broadcaster
		if err := rows.Scan(&b.UserID, &b.LastSeen); err != nil {
			return nil, fmt.Errorf("scan broadcaster: %w", err)
		}
		broadcasters = append(broadcasters, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate broadcasters: %w", err)
	}
	return broadcasters, nil
}

// MarkStreamStarted qualifies the update with broadcast_id IS NULL so that
// concurrent publishes for the same row race at the database and exactly one
// wins. A partial unique index keeps a broadcast id from going live twice.
func (r *PostgresRepository) MarkStreamStarted(ctx context.Context, id, broadcastID string) (models.Stream, error) {
	broadcastID = strings.TrimSpace(broadcastID)
	if broadcastID == "" {
		return models.Stream{}, missingField("broadcastId")
	}

	now := r.cfg.Now()
	row := r.pool.QueryRow(ctx,
		"UPDATE streams SET broadcast_id = $2, start_at = $3, updated_at = $3 WHERE id = $1 AND broadcast_id IS NULL AND end_at IS NULL RETURNING "+streamColumns,
		id, broadcastID, now)
	stream, err := scanStream(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// The predicate matched nothing: either the row does not exist or
		// it already transitioned.
		if _, getErr := r.GetStream(ctx, id); getErr != nil {
			return models.Stream{}, getErr
		}
		return models.Stream{}, fmt.Errorf("stream %s already transitioned: %w", id, ErrConflict)
	} else if err != nil {
		if isUniqueViolation(err) {
			return models.Stream{}, fmt.Errorf("broadcast %s already live: %w", broadcastID, ErrConflict)
		}
		return models.Stream{}, fmt.Errorf("mark stream started: %w", err)
	}
	return stream, nil
}

func (r *PostgresRepository) MarkStreamEnded(ctx context.Context, match EndMatch, path string) (int, error) {
	if (match.StreamID == "") == (match.BroadcastID == "") {
		return 0, &ValidationError{Field: "match", Reason: "set exactly one of stream id or broadcast id"}
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return 0, missingField("path")
	}

	now := r.cfg.Now()
	var tag pgconn.CommandTag
	var err error
	if match.StreamID != "" {
		tag, err = r.pool.Exec(ctx,
			"UPDATE streams SET end_at = GREATEST($2, start_at), path = $3, updated_at = $2 WHERE id = $1 AND end_at IS NULL AND start_at IS NOT NULL",
			match.StreamID, now, path)
	} else {
		tag, err = r.pool.Exec(ctx,
			"UPDATE streams SET end_at = GREATEST($2, start_at), path = $3, updated_at = $2 WHERE broadcast_id = $1 AND end_at IS NULL AND start_at IS NOT NULL",
			match.BroadcastID, now, path)
	}
	if err != nil {
		return 0, fmt.Errorf("mark stream ended: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) RotateStreamKey(ctx context.Context, id string) (models.Stream, error) {
	streamKey, err := generateStreamKey()
	if err != nil {
		return models.Stream{}, err
	}

	now := r.cfg.Now()
	row := r.pool.QueryRow(ctx,
		"UPDATE streams SET stream_key = $2, updated_at = $3 WHERE id = $1 AND NOT (start_at IS NOT NULL AND end_at IS NULL) RETURNING "+streamColumns,
		id, streamKey, now)
	stream, err := scanStream(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetStream(ctx, id); getErr != nil {
			return models.Stream{}, getErr
		}
		return models.Stream{}, fmt.Errorf("stream %s is live: %w", id, ErrConflict)
	} else if err != nil {
		return models.Stream{}, fmt.Errorf("rotate stream key: %w", err)
	}
	return stream, nil
}

func (r *PostgresRepository) CreateStreamTag(ctx context.Context, streamID, tagID string) (models.StreamTag, error) {
	tagID = strings.TrimSpace(tagID)
	if tagID == "" {
		return models.StreamTag{}, missingField("tagId")
	}

	now := r.cfg.Now()
	row := r.pool.QueryRow(ctx,
		"INSERT INTO stream_tags (stream_id, tag_id, created_at) VALUES ($1, $2, $3) ON CONFLICT (stream_id, tag_id) DO UPDATE SET tag_id = EXCLUDED.tag_id RETURNING stream_id, tag_id, created_at",
		streamID, tagID, now)
	var tag models.StreamTag
	if err := row.Scan(&tag.StreamID, &tag.TagID, &tag.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return models.StreamTag{}, fmt.Errorf("stream %s: %w", streamID, ErrNotFound)
		}
		return models.StreamTag{}, fmt.Errorf("insert stream tag: %w", err)
	}
	return tag, nil
}

func (r *PostgresRepository) ListStreamTags(ctx context.Context, streamID string) ([]models.StreamTag, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT stream_id, tag_id, created_at FROM stream_tags WHERE stream_id = $1 ORDER BY tag_id ASC", streamID)
	if err != nil {
		return nil, fmt.Errorf("select stream tags: %w", err)
	}
	defer rows.Close()

	tags := make([]models.StreamTag, 0)
	for rows.Next() {
		var tag models.StreamTag
		if err := rows.Scan(&tag.StreamID, &tag.TagID, &tag.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stream tag: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stream tags: %w", err)
	}
	return tags, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

var _ Repository = (*PostgresRepository)(nil)
