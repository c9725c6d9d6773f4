package overlay

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/arcabridge/arcad/internal/store"
)

type fakeUnpacker struct {
	calls int32
}

func (f *fakeUnpacker) Unpack(ctx context.Context, tar io.Reader, dest string) (int64, error) {
	atomic.AddInt32(&f.calls, 1)
	b, err := io.ReadAll(tar)
	if err != nil {
		return 0, err
	}
	return int64(len(b)), nil
}

func newTestCache(t *testing.T, u Unpacker) *LayerCache {
	t.Helper()
	s := newTestStore(t)
	return NewLayerCache(s, t.TempDir(), u, nil)
}

func TestLayerCacheMissThenHit(t *testing.T) {
	u := &fakeUnpacker{}
	c := newTestCache(t, u)
	ctx := context.Background()

	fetch := func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader([]byte("tar-bytes"))), nil
	}

	path1, err := c.Get(ctx, "sha256:layer1", fetch)
	if err != nil {
		t.Fatalf("Get (miss): %v", err)
	}
	path2, err := c.Get(ctx, "sha256:layer1", fetch)
	if err != nil {
		t.Fatalf("Get (hit): %v", err)
	}
	if path1 != path2 {
		t.Fatalf("paths differ across hit/miss: %q vs %q", path1, path2)
	}
	if atomic.LoadInt32(&u.calls) != 1 {
		t.Fatalf("unpacker called %d times, want 1 (second Get should be a cache hit)", u.calls)
	}
}

func TestLayerCacheCoalescesConcurrentMisses(t *testing.T) {
	u := &fakeUnpacker{}
	c := newTestCache(t, u)
	ctx := context.Background()

	fetch := func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader([]byte("tar-bytes"))), nil
	}

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Get(ctx, "sha256:concurrent", fetch)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent Get: %v", err)
		}
	}
	if atomic.LoadInt32(&u.calls) != 1 {
		t.Fatalf("unpacker called %d times, want exactly 1 (coalesced)", u.calls)
	}
}

func TestLayerCacheGCRemovesUnreferenced(t *testing.T) {
	u := &fakeUnpacker{}
	s := newTestStore(t)
	c := NewLayerCache(s, t.TempDir(), u, nil)
	ctx := context.Background()

	fetch := func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader([]byte("xx"))), nil
	}
	if _, err := c.Get(ctx, "sha256:orphan", fetch); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := c.Get(ctx, "sha256:inuse", fetch); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := s.SaveImage(ctx, &store.Image{
		Digest: "sha256:image1", Layers: []store.ImageLayer{{Digest: "sha256:inuse", Size: 2}},
	}); err != nil {
		t.Fatalf("SaveImage: %v", err)
	}

	reclaimed, err := c.GC(ctx)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if reclaimed != 2 {
		t.Fatalf("reclaimed = %d, want 2", reclaimed)
	}
	if _, err := s.GetLayerCacheEntry(ctx, "sha256:orphan"); err == nil {
		t.Fatal("orphan entry should have been GC'd")
	}
	if _, err := s.GetLayerCacheEntry(ctx, "sha256:inuse"); err != nil {
		t.Fatal("in-use entry should survive GC")
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
