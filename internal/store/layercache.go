package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/arcabridge/arcad/internal/bridgeerr"
)

const layerCacheCols = `digest, path, size_bytes, created_at, hit_count, last_hit_at`

// SaveLayerCacheEntry inserts a freshly unpacked layer cache entry.
func (s *Store) SaveLayerCacheEntry(ctx context.Context, e *LayerCacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO layer_cache_entries (digest, path, size_bytes, created_at, hit_count, last_hit_at)
		VALUES (?, ?, ?, ?, 0, NULL)
		ON CONFLICT(digest) DO UPDATE SET path=excluded.path, size_bytes=excluded.size_bytes`,
		e.Digest, e.Path, e.SizeBytes, e.CreatedAt.Format(timeLayout))
	return dbErr(err, "store.SaveLayerCacheEntry")
}

// GetLayerCacheEntry loads one cache entry by digest.
func (s *Store) GetLayerCacheEntry(ctx context.Context, digest string) (*LayerCacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+layerCacheCols+` FROM layer_cache_entries WHERE digest=?`, digest)
	e, err := scanLayerCacheRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bridgeerr.Newf(bridgeerr.KindNotFound, "store.GetLayerCacheEntry", "layer %s", digest)
	}
	if err != nil {
		return nil, dbErr(err, "store.GetLayerCacheEntry")
	}
	return e, nil
}

// RecordLayerCacheHit bumps the hit counter and last-hit timestamp for an
// already-cached layer, observability feeding LayerCacheRecorder callers.
func (s *Store) RecordLayerCacheHit(ctx context.Context, digest string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE layer_cache_entries SET hit_count = hit_count + 1, last_hit_at=? WHERE digest=?`,
		at.Format(timeLayout), digest)
	return dbErr(err, "store.RecordLayerCacheHit")
}

// LoadAllLayerCacheEntries returns every cache entry, used by garbage
// collection to find entries no longer referenced by any image.
func (s *Store) LoadAllLayerCacheEntries(ctx context.Context) ([]*LayerCacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+layerCacheCols+` FROM layer_cache_entries ORDER BY created_at ASC`)
	if err != nil {
		return nil, dbErr(err, "store.LoadAllLayerCacheEntries")
	}
	defer rows.Close()

	var out []*LayerCacheEntry
	for rows.Next() {
		e, err := scanLayerCacheRow(rows)
		if err != nil {
			return nil, dbErr(err, "store.LoadAllLayerCacheEntries")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteLayerCacheEntry removes a cache entry row (the caller is
// responsible for deleting the backing block image file).
func (s *Store) DeleteLayerCacheEntry(ctx context.Context, digest string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM layer_cache_entries WHERE digest=?`, digest)
	return dbErr(err, "store.DeleteLayerCacheEntry")
}

func scanLayerCacheRow(row rowScanner) (*LayerCacheEntry, error) {
	var e LayerCacheEntry
	var createdAt string
	var lastHitAt sql.NullString
	if err := row.Scan(&e.Digest, &e.Path, &e.SizeBytes, &createdAt, &e.HitCount, &lastHitAt); err != nil {
		return nil, err
	}
	e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	if lastHitAt.Valid {
		t, _ := time.Parse(timeLayout, lastHitAt.String)
		e.LastHitAt = &t
	}
	return &e, nil
}
