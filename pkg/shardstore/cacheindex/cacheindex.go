// Package cacheindex maintains a durable local index of cached shard files
// so the shard store's prune job can enumerate and remove them without
// re-walking the cache directory on every call. It intentionally does not use the teacher's
// multi-dialect (MySQL/PostgreSQL/SQLite) generated query layer: the shard
// cache index is local, single-process state, not a shared service
// registry, so a single sqlite file with hand-written queries covers it.
package cacheindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS cached_shards (
	path       TEXT PRIMARY KEY,
	size_bytes INTEGER NOT NULL,
	fetched_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cached_shards_fetched_at ON cached_shards(fetched_at);
`

// Entry is one row of the cache index.
type Entry struct {
	Path      string
	SizeBytes int64
	FetchedAt time.Time
}

// Index wraps a sqlite-backed table of cached shard metadata.
type Index struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("cacheindex: opening %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("cacheindex: migrating schema: %w", err)
	}

	return &Index{db: db}, nil
}

// Close closes the underlying database handle.
func (idx *Index) Close() error { return idx.db.Close() }

// Record upserts a cache entry; for a path already present only fetched_at
// is updated.
func (idx *Index) Record(ctx context.Context, path string, sizeBytes int64, fetchedAt time.Time) error {
	_, err := idx.db.ExecContext(ctx, `
		INSERT INTO cached_shards (path, size_bytes, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET fetched_at = excluded.fetched_at
	`, path, sizeBytes, fetchedAt.Unix())
	if err != nil {
		return fmt.Errorf("cacheindex: recording %s: %w", path, err)
	}

	return nil
}

// TotalSize returns the sum of size_bytes across all tracked entries.
func (idx *Index) TotalSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64

	if err := idx.db.QueryRowContext(ctx, `SELECT SUM(size_bytes) FROM cached_shards`).Scan(&total); err != nil {
		return 0, fmt.Errorf("cacheindex: total size: %w", err)
	}

	return total.Int64, nil
}

// OldestEntries returns up to limit entries ordered by fetched_at ascending
// (least-recently-fetched first), for LRU pruning.
func (idx *Index) OldestEntries(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := idx.db.QueryContext(ctx,
		`SELECT path, size_bytes, fetched_at FROM cached_shards ORDER BY fetched_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("cacheindex: querying oldest entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		var (
			e   Entry
			sec int64
		)

		if err := rows.Scan(&e.Path, &e.SizeBytes, &sec); err != nil {
			return nil, fmt.Errorf("cacheindex: scanning entry: %w", err)
		}

		e.FetchedAt = time.Unix(sec, 0).UTC()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Delete removes path from the index. It does not remove the file itself;
// the caller (such as the prune job) owns that.
func (idx *Index) Delete(ctx context.Context, path string) error {
	if _, err := idx.db.ExecContext(ctx, `DELETE FROM cached_shards WHERE path = ?`, path); err != nil {
		return fmt.Errorf("cacheindex: deleting %s: %w", path, err)
	}

	return nil
}

// Clear removes every tracked entry from the index.
func (idx *Index) Clear(ctx context.Context) error {
	if _, err := idx.db.ExecContext(ctx, `DELETE FROM cached_shards`); err != nil {
		return fmt.Errorf("cacheindex: clearing: %w", err)
	}

	return nil
}

// Walk calls fn for every tracked entry.
func (idx *Index) Walk(ctx context.Context, fn func(Entry) error) error {
	rows, err := idx.db.QueryContext(ctx, `SELECT path, size_bytes, fetched_at FROM cached_shards`)
	if err != nil {
		return fmt.Errorf("cacheindex: walking: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e   Entry
			sec int64
		)

		if err := rows.Scan(&e.Path, &e.SizeBytes, &sec); err != nil {
			return fmt.Errorf("cacheindex: scanning entry: %w", err)
		}

		e.FetchedAt = time.Unix(sec, 0).UTC()

		if err := fn(e); err != nil {
			return err
		}
	}

	return rows.Err()
}
