package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/arcabridge/arcad/internal/bridgeerr"
)

const imageCols = `digest, manifest_digest, size_bytes, platform_os, platform_arch, layers_json, pulled_at`

// SaveImage inserts or replaces an image row, keyed by content digest.
func (s *Store) SaveImage(ctx context.Context, img *Image) error {
	layersJSON, err := json.Marshal(img.Layers)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindInvalidArgument, "store.SaveImage", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO images (digest, manifest_digest, size_bytes, platform_os, platform_arch, layers_json, pulled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(digest) DO UPDATE SET
			manifest_digest=excluded.manifest_digest, size_bytes=excluded.size_bytes,
			platform_os=excluded.platform_os, platform_arch=excluded.platform_arch,
			layers_json=excluded.layers_json`,
		img.Digest, img.ManifestDigest, img.SizeBytes, img.PlatformOS, img.PlatformArch,
		string(layersJSON), img.PulledAt.Format(timeLayout))
	return dbErr(err, "store.SaveImage")
}

// GetImageByDigest loads one image by its content digest.
func (s *Store) GetImageByDigest(ctx context.Context, digest string) (*Image, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+imageCols+` FROM images WHERE digest=?`, digest)
	img, err := scanImageRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bridgeerr.Newf(bridgeerr.KindNotFound, "store.GetImageByDigest", "image %s", digest)
	}
	if err != nil {
		return nil, dbErr(err, "store.GetImageByDigest")
	}
	return img, nil
}

// LoadAllImages returns every persisted image.
func (s *Store) LoadAllImages(ctx context.Context) ([]*Image, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+imageCols+` FROM images ORDER BY pulled_at ASC`)
	if err != nil {
		return nil, dbErr(err, "store.LoadAllImages")
	}
	defer rows.Close()

	var out []*Image
	for rows.Next() {
		img, err := scanImageRow(rows)
		if err != nil {
			return nil, dbErr(err, "store.LoadAllImages")
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// DeleteImage removes an image row; CASCADE removes its references.
func (s *Store) DeleteImage(ctx context.Context, digest string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE digest=?`, digest)
	if err != nil {
		return dbErr(err, "store.DeleteImage")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return bridgeerr.Newf(bridgeerr.KindNotFound, "store.DeleteImage", "image %s", digest)
	}
	return nil
}

func scanImageRow(row rowScanner) (*Image, error) {
	var img Image
	var layersJSON, pulledAt string
	err := row.Scan(&img.Digest, &img.ManifestDigest, &img.SizeBytes, &img.PlatformOS,
		&img.PlatformArch, &layersJSON, &pulledAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(layersJSON), &img.Layers); err != nil {
		return nil, err
	}
	img.PulledAt, _ = time.Parse(timeLayout, pulledAt)
	return &img, nil
}

// SaveImageReference points a human reference (e.g. "alpine:latest") at a
// digest, replacing any prior owner of that reference — tagging moves the
// reference, it does not duplicate it.
func (s *Store) SaveImageReference(ctx context.Context, reference, digest string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO image_references (reference, image_digest) VALUES (?, ?)
		ON CONFLICT(reference) DO UPDATE SET image_digest=excluded.image_digest`,
		reference, digest)
	return dbErr(err, "store.SaveImageReference")
}

// GetImageReferences returns every human reference pointing at a digest.
func (s *Store) GetImageReferences(ctx context.Context, digest string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT reference FROM image_references WHERE image_digest=? ORDER BY reference ASC`, digest)
	if err != nil {
		return nil, dbErr(err, "store.GetImageReferences")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, dbErr(err, "store.GetImageReferences")
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// ResolveImageReference returns the digest a reference currently points to.
func (s *Store) ResolveImageReference(ctx context.Context, reference string) (string, error) {
	var digest string
	err := s.db.QueryRowContext(ctx, `SELECT image_digest FROM image_references WHERE reference=?`, reference).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", bridgeerr.Newf(bridgeerr.KindNotFound, "store.ResolveImageReference", "reference %s", reference)
	}
	if err != nil {
		return "", dbErr(err, "store.ResolveImageReference")
	}
	return digest, nil
}

// DeleteImageReference removes a single reference without touching the
// underlying image row.
func (s *Store) DeleteImageReference(ctx context.Context, reference string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM image_references WHERE reference=?`, reference)
	return dbErr(err, "store.DeleteImageReference")
}

// AllImageReferences returns every (reference, digest) pair, used to list
// images grouped by digest.
func (s *Store) AllImageReferences(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT reference, image_digest FROM image_references ORDER BY image_digest, reference`)
	if err != nil {
		return nil, dbErr(err, "store.AllImageReferences")
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var ref, digest string
		if err := rows.Scan(&ref, &digest); err != nil {
			return nil, dbErr(err, "store.AllImageReferences")
		}
		out[digest] = append(out[digest], ref)
	}
	return out, rows.Err()
}

// ImageDigestInUse reports whether any container references the given
// image digest, consulted by ImageManager.Delete before a non-forced
// removal.
func (s *Store) ImageDigestInUse(ctx context.Context, digest string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM containers WHERE image_id=?`, digest).Scan(&n)
	if err != nil {
		return false, dbErr(err, "store.ImageDigestInUse")
	}
	return n > 0, nil
}
