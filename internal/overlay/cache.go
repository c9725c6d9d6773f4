// Package overlay implements the OverlayFS orchestrator described in
// spec.md §4.4: a content-addressed layer cache producing EXT4 block
// images from OCI layer tars, and the per-container mount plan + in-guest
// RPC that wires a writable upper plus ordered read-only lowers.
package overlay

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/arcabridge/arcad/internal/bridgeerr"
	"github.com/arcabridge/arcad/internal/store"
)

// Unpacker turns an OCI layer tar stream into an EXT4 block image at dest.
// The real implementation shells out to e2fsprogs; tests substitute a fake.
type Unpacker interface {
	Unpack(ctx context.Context, tar io.Reader, dest string) (sizeBytes int64, err error)
}

// LayerCacheRecorder observes cache hits/misses for external metrics or
// logging, independent of the persisted hit-count bookkeeping in the store.
type LayerCacheRecorder interface {
	OnHit(digest string)
	OnMiss(digest string)
}

type noopRecorder struct{}

func (noopRecorder) OnHit(string)  {}
func (noopRecorder) OnMiss(string) {}

// LayerCache produces and reuses one EXT4 block image per layer digest,
// keyed by content digest (spec.md §3: "a given digest corresponds to
// exactly one block image; concurrent pulls for the same digest coalesce").
type LayerCache struct {
	store    *store.Store
	root     string
	unpacker Unpacker
	recorder LayerCacheRecorder
	coalesce singleflight.Group
}

// NewLayerCache builds a cache rooted at root, backed by s for persistence.
// recorder may be nil.
func NewLayerCache(s *store.Store, root string, unpacker Unpacker, recorder LayerCacheRecorder) *LayerCache {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &LayerCache{store: s, root: root, unpacker: unpacker, recorder: recorder}
}

// FetchFunc opens the tar stream for a layer digest, e.g. from a registry
// pull already in flight. The cache only calls it on a genuine miss.
type FetchFunc func(ctx context.Context) (io.ReadCloser, error)

// Get returns the host path to digest's EXT4 block image, unpacking it via
// fetch/unpacker on a miss. Concurrent Gets for the same digest coalesce
// into a single unpack (golang.org/x/sync/singleflight).
func (c *LayerCache) Get(ctx context.Context, digest string, fetch FetchFunc) (string, error) {
	if entry, err := c.store.GetLayerCacheEntry(ctx, digest); err == nil {
		c.recorder.OnHit(digest)
		_ = c.store.RecordLayerCacheHit(ctx, digest, time.Now())
		return entry.Path, nil
	} else if bridgeerr.KindOf(err) != bridgeerr.KindNotFound {
		return "", err
	}

	c.recorder.OnMiss(digest)
	v, err, _ := c.coalesce.Do(digest, func() (any, error) {
		return c.unpackOnce(ctx, digest, fetch)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *LayerCache) unpackOnce(ctx context.Context, digest string, fetch FetchFunc) (string, error) {
	// Re-check: another goroutine may have finished the unpack for this
	// digest between our miss check and acquiring the singleflight key.
	if entry, err := c.store.GetLayerCacheEntry(ctx, digest); err == nil {
		return entry.Path, nil
	}

	dir := filepath.Join(c.root, sanitizeDigest(digest))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "overlay.LayerCache.unpackOnce", err)
	}
	dest := filepath.Join(dir, "layer.ext4")

	rc, err := fetch(ctx)
	if err != nil {
		os.RemoveAll(dir)
		return "", bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "overlay.LayerCache.unpackOnce", err)
	}
	defer rc.Close()

	size, err := c.unpacker.Unpack(ctx, rc, dest)
	if err != nil {
		os.RemoveAll(dir)
		return "", bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "overlay.LayerCache.unpackOnce", err)
	}

	entry := &store.LayerCacheEntry{Digest: digest, Path: dest, SizeBytes: size, CreatedAt: time.Now()}
	if err := c.store.SaveLayerCacheEntry(ctx, entry); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	slog.InfoContext(ctx, "overlay.LayerCache: unpacked", "digest", digest, "size_bytes", size)
	return dest, nil
}

// GC deletes every cache entry no longer referenced by any stored image,
// removing both the row and the backing block image file.
func (c *LayerCache) GC(ctx context.Context) (reclaimed int64, err error) {
	entries, err := c.store.LoadAllLayerCacheEntries(ctx)
	if err != nil {
		return 0, err
	}
	images, err := c.store.LoadAllImages(ctx)
	if err != nil {
		return 0, err
	}
	inUse := make(map[string]bool)
	for _, img := range images {
		for _, l := range img.Layers {
			inUse[l.Digest] = true
		}
	}

	for _, e := range entries {
		if inUse[e.Digest] {
			continue
		}
		if err := os.RemoveAll(filepath.Dir(e.Path)); err != nil {
			slog.WarnContext(ctx, "overlay.LayerCache.GC: cleanup failed", "digest", e.Digest, "err", err)
			continue
		}
		if err := c.store.DeleteLayerCacheEntry(ctx, e.Digest); err != nil {
			return reclaimed, err
		}
		reclaimed += e.SizeBytes
	}
	return reclaimed, nil
}

func sanitizeDigest(digest string) string {
	out := make([]byte, 0, len(digest))
	for _, r := range digest {
		if r == ':' {
			out = append(out, '_')
			continue
		}
		out = append(out, byte(r))
	}
	return string(out)
}
