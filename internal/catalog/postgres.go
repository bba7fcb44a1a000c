package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkwell-sh/inkd/internal/core"
)

// PostgresConfig controls the connection pool behind the catalog.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// db is the slice of pgxpool.Pool the catalog uses; pgxmock satisfies it
// in tests.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Postgres implements core.Catalog on PostgreSQL. Claim queries rely on
// FOR UPDATE SKIP LOCKED so concurrent claimers never examine the same
// row; this is the single arbiter of source ownership.
//
// Expected schema:
//
//	CREATE TABLE sources (
//	    id BIGSERIAL PRIMARY KEY,
//	    slug TEXT NOT NULL UNIQUE,
//	    title TEXT NOT NULL,
//	    url TEXT NOT NULL,
//	    rule_key TEXT NOT NULL,
//	    cover_key TEXT NOT NULL DEFAULT '',
//	    processing_state TEXT NOT NULL DEFAULT 'ongoing',
//	    latest_chapter DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    check_interval_seconds BIGINT NOT NULL,
//	    last_checked_at TIMESTAMPTZ,
//	    next_check_at TIMESTAMPTZ NOT NULL,
//	    last_content_at TIMESTAMPTZ
//	);
//	CREATE TABLE chapters (
//	    id BIGSERIAL PRIMARY KEY,
//	    source_id BIGINT NOT NULL REFERENCES sources(id),
//	    number DOUBLE PRECISION NOT NULL,
//	    title TEXT NOT NULL DEFAULT '',
//	    url TEXT NOT NULL UNIQUE,
//	    state TEXT NOT NULL
//	);
//	CREATE TABLE chapter_images (
//	    chapter_id BIGINT NOT NULL REFERENCES chapters(id),
//	    page_index INT NOT NULL,
//	    object_key TEXT NOT NULL,
//	    PRIMARY KEY (chapter_id, page_index)
//	);
//	CREATE TABLE audit_log (
//	    id BIGSERIAL PRIMARY KEY,
//	    payload JSONB NOT NULL,
//	    expires_at TIMESTAMPTZ NOT NULL
//	);
type Postgres struct {
	pool db
}

const sourceColumns = `id, slug, title, url, rule_key, cover_key, processing_state,
	latest_chapter, check_interval_seconds, last_checked_at, next_check_at, last_content_at`

// NewPostgres connects a pool and wraps it in a catalog.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresWithPool constructs a catalog from an existing pool
// (primarily for testing).
func NewPostgresWithPool(pool db) (*Postgres, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (p *Postgres) Close() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.Close()
}

// ClaimDueForCheck claims one due Ongoing source, flipping it to
// Processing in the same statement.
func (p *Postgres) ClaimDueForCheck(ctx context.Context) (*core.Source, error) {
	query := `
UPDATE sources SET processing_state = $1, last_checked_at = now()
WHERE id = (
	SELECT id FROM sources
	WHERE processing_state = $2 AND next_check_at <= now()
	ORDER BY next_check_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + sourceColumns
	return p.claim(ctx, query, core.StateProcessing, core.StateOngoing)
}

// ClaimDueForDeletion claims one source pending deletion, flipping it to
// Deleting.
func (p *Postgres) ClaimDueForDeletion(ctx context.Context) (*core.Source, error) {
	query := `
UPDATE sources SET processing_state = $1
WHERE id = (
	SELECT id FROM sources
	WHERE processing_state = $2
	ORDER BY id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + sourceColumns
	return p.claim(ctx, query, core.StateDeleting, core.StatePendingDeletion)
}

func (p *Postgres) claim(ctx context.Context, query string, to, from core.ProcessingState) (*core.Source, error) {
	row := p.pool.QueryRow(ctx, query, string(to), string(from))
	src, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim source: %w", err)
	}
	return src, nil
}

func scanSource(row pgx.Row) (*core.Source, error) {
	var (
		src             core.Source
		state           string
		intervalSeconds int64
		lastChecked     *time.Time
		lastContent     *time.Time
	)
	err := row.Scan(
		&src.ID, &src.Slug, &src.Title, &src.URL, &src.RuleKey, &src.CoverKey,
		&state, &src.LatestChapter, &intervalSeconds,
		&lastChecked, &src.NextCheckAt, &lastContent,
	)
	if err != nil {
		return nil, err
	}
	src.State = core.ProcessingState(state)
	src.CheckInterval = time.Duration(intervalSeconds) * time.Second
	if lastChecked != nil {
		src.LastCheckedAt = *lastChecked
	}
	if lastContent != nil {
		src.LastContentAt = *lastContent
	}
	return &src, nil
}

// RecordChapter inserts a chapter or updates the row already holding its
// source URL.
func (p *Postgres) RecordChapter(ctx context.Context, sourceID int64, number float64, title, url string, state core.ChapterState) (int64, error) {
	query := `
INSERT INTO chapters (source_id, number, title, url, state)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (url) DO UPDATE
SET number = EXCLUDED.number, title = EXCLUDED.title, state = EXCLUDED.state
RETURNING id`
	var id int64
	if err := p.pool.QueryRow(ctx, query, sourceID, number, title, url, string(state)).Scan(&id); err != nil {
		return 0, fmt.Errorf("record chapter: %w", err)
	}
	return id, nil
}

// RecordChapterImages replaces the chapter's image rows in slice order.
func (p *Postgres) RecordChapterImages(ctx context.Context, chapterID int64, orderedKeys []string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin image tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `DELETE FROM chapter_images WHERE chapter_id = $1`, chapterID); err != nil {
		return fmt.Errorf("clear chapter images: %w", err)
	}
	for idx, key := range orderedKeys {
		if _, err := tx.Exec(ctx,
			`INSERT INTO chapter_images (chapter_id, page_index, object_key) VALUES ($1, $2, $3)`,
			chapterID, idx, key,
		); err != nil {
			return fmt.Errorf("insert chapter image %d: %w", idx, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit image tx: %w", err)
	}
	return nil
}

// SetChapterState updates one chapter's state.
func (p *Postgres) SetChapterState(ctx context.Context, chapterID int64, state core.ChapterState) error {
	if _, err := p.pool.Exec(ctx,
		`UPDATE chapters SET state = $1 WHERE id = $2`, string(state), chapterID,
	); err != nil {
		return fmt.Errorf("set chapter state: %w", err)
	}
	return nil
}

// SetCheckSchedule updates a source's state and next check time.
func (p *Postgres) SetCheckSchedule(ctx context.Context, sourceID int64, state core.ProcessingState, nextCheckAt time.Time) error {
	if _, err := p.pool.Exec(ctx,
		`UPDATE sources SET processing_state = $1, next_check_at = $2 WHERE id = $3`,
		string(state), nextCheckAt, sourceID,
	); err != nil {
		return fmt.Errorf("set check schedule: %w", err)
	}
	return nil
}

// SetLatestChapter records the source's last-known newest chapter.
func (p *Postgres) SetLatestChapter(ctx context.Context, sourceID int64, number float64) error {
	if _, err := p.pool.Exec(ctx,
		`UPDATE sources SET latest_chapter = $1 WHERE id = $2`, number, sourceID,
	); err != nil {
		return fmt.Errorf("set latest chapter: %w", err)
	}
	return nil
}

// SetProcessingState updates a source's state.
func (p *Postgres) SetProcessingState(ctx context.Context, sourceID int64, state core.ProcessingState) error {
	if _, err := p.pool.Exec(ctx,
		`UPDATE sources SET processing_state = $1 WHERE id = $2`, string(state), sourceID,
	); err != nil {
		return fmt.Errorf("set processing state: %w", err)
	}
	return nil
}

// SetLastContentAt bumps the source's new-content timestamp.
func (p *Postgres) SetLastContentAt(ctx context.Context, sourceID int64, at time.Time) error {
	if _, err := p.pool.Exec(ctx,
		`UPDATE sources SET last_content_at = $1 WHERE id = $2`, at, sourceID,
	); err != nil {
		return fmt.Errorf("set last content at: %w", err)
	}
	return nil
}

// GetSource fetches one source by id.
func (p *Postgres) GetSource(ctx context.Context, sourceID int64) (*core.Source, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, sourceID)
	src, err := scanSource(row)
	if err != nil {
		return nil, fmt.Errorf("get source %d: %w", sourceID, err)
	}
	return src, nil
}

// ListDeletableObjectKeys gathers the cover key and every chapter image
// key for a source.
func (p *Postgres) ListDeletableObjectKeys(ctx context.Context, sourceID int64) (core.DeletableKeys, error) {
	var keys core.DeletableKeys
	if err := p.pool.QueryRow(ctx,
		`SELECT cover_key FROM sources WHERE id = $1`, sourceID,
	).Scan(&keys.CoverKey); err != nil {
		return core.DeletableKeys{}, fmt.Errorf("list cover key: %w", err)
	}

	rows, err := p.pool.Query(ctx, `
SELECT ci.object_key
FROM chapter_images ci
JOIN chapters c ON c.id = ci.chapter_id
WHERE c.source_id = $1
ORDER BY c.id, ci.page_index`, sourceID)
	if err != nil {
		return core.DeletableKeys{}, fmt.Errorf("list chapter image keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return core.DeletableKeys{}, fmt.Errorf("scan image key: %w", err)
		}
		keys.ChapterKeys = append(keys.ChapterKeys, key)
	}
	if err := rows.Err(); err != nil {
		return core.DeletableKeys{}, fmt.Errorf("iterate image keys: %w", err)
	}
	return keys, nil
}

// DeleteSourceAndChildren removes images, chapters and the source row in
// dependency order inside one transaction.
func (p *Postgres) DeleteSourceAndChildren(ctx context.Context, sourceID int64) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `
DELETE FROM chapter_images
WHERE chapter_id IN (SELECT id FROM chapters WHERE source_id = $1)`, sourceID); err != nil {
		return fmt.Errorf("delete chapter images: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chapters WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("delete chapters: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sources WHERE id = $1`, sourceID); err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}

// PurgeExpired removes expired auxiliary rows.
func (p *Postgres) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM audit_log WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("purge expired rows: %w", err)
	}
	return tag.RowsAffected(), nil
}
