package overlay

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/arcabridge/arcad/internal/store"
)

type fakeWritableFormatter struct {
	formatted []string
}

func (f *fakeWritableFormatter) FormatWritable(ctx context.Context, path string, sizeBytes int64) error {
	f.formatted = append(f.formatted, path)
	return os.WriteFile(path, []byte("fake-writable-ext4"), 0o644)
}

func TestOrchestratorPlanOrdersLowersAndBuildsMounts(t *testing.T) {
	formatter := &fakeWritableFormatter{}
	s := newTestStore(t)
	u := &fakeUnpacker{}
	cache := NewLayerCache(s, filepath.Join(t.TempDir(), "cache"), u, nil)
	o := NewOrchestrator(s, cache, t.TempDir(), formatter, nil)

	layers := []store.ImageLayer{
		{Digest: "sha256:base", Size: 10},
		{Digest: "sha256:mid", Size: 20},
		{Digest: "sha256:top", Size: 30},
	}
	fetchLayer := func(digest string) FetchFunc {
		return func(ctx context.Context) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader([]byte(digest))), nil
		}
	}

	plan, err := o.Plan(context.Background(), "container1", layers, fetchLayer)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if plan.Writable.GuestDevice != "/dev/vdb" {
		t.Fatalf("writable guest device = %q, want /dev/vdb", plan.Writable.GuestDevice)
	}
	if len(plan.Lowers) != 3 {
		t.Fatalf("got %d lowers, want 3", len(plan.Lowers))
	}
	wantDevices := []string{"/dev/vdc", "/dev/vdd", "/dev/vde"}
	for i, l := range plan.Lowers {
		if l.GuestDevice != wantDevices[i] {
			t.Fatalf("lower %d guest device = %q, want %q", i, l.GuestDevice, wantDevices[i])
		}
		if !l.ReadOnly {
			t.Fatalf("lower %d must be read-only", i)
		}
	}
	if len(formatter.formatted) != 1 {
		t.Fatalf("writable formatted %d times, want 1", len(formatter.formatted))
	}

	if len(plan.Mounts) == 0 || plan.Mounts[0].Destination != "/run/container/container1/rootfs" {
		t.Fatalf("first mount must bind-mount the container rootfs staging path: %+v", plan.Mounts)
	}
	if plan.Mounts[1].Source != "/dev/vdb" {
		t.Fatalf("second mount must be the writable device: %+v", plan.Mounts[1])
	}
	for i, dev := range wantDevices {
		m := plan.Mounts[2+i]
		if m.Source != dev {
			t.Fatalf("lower mount %d source = %q, want %q", i, m.Source, dev)
		}
		if len(m.Options) != 1 || m.Options[0] != "ro" {
			t.Fatalf("lower mount %d options = %v, want [ro]", i, m.Options)
		}
	}
	if got, want := len(plan.Mounts), 2+len(wantDevices)+len(remainingContainerMounts()); got != want {
		t.Fatalf("got %d mounts, want %d (2 + %d lowers + remaining)", got, want, len(wantDevices))
	}
	lastLowerIdx := 2 + len(wantDevices)
	if plan.Mounts[lastLowerIdx].Destination != "/proc" {
		t.Fatalf("mount after lowers = %+v, want /proc", plan.Mounts[lastLowerIdx])
	}
}

func TestOrchestratorRebuildPlanReusesExistingWritableWithoutReformatting(t *testing.T) {
	formatter := &fakeWritableFormatter{}
	s := newTestStore(t)
	u := &fakeUnpacker{}
	cache := NewLayerCache(s, filepath.Join(t.TempDir(), "cache"), u, nil)
	o := NewOrchestrator(s, cache, t.TempDir(), formatter, nil)

	layers := []store.ImageLayer{
		{Digest: "sha256:base", Size: 10},
		{Digest: "sha256:top", Size: 20},
	}
	fetchLayer := func(digest string) FetchFunc {
		return func(ctx context.Context) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader([]byte(digest))), nil
		}
	}

	plan, err := o.Plan(context.Background(), "container3", layers, fetchLayer)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(formatter.formatted) != 1 {
		t.Fatalf("writable formatted %d times after Plan, want 1", len(formatter.formatted))
	}

	rebuilt, err := o.RebuildPlan(context.Background(), "container3", layers)
	if err != nil {
		t.Fatalf("RebuildPlan: %v", err)
	}
	if len(formatter.formatted) != 1 {
		t.Fatalf("writable formatted %d times after RebuildPlan, want still 1 (no reformat)", len(formatter.formatted))
	}
	if rebuilt.Writable.HostPath != plan.Writable.HostPath {
		t.Fatalf("RebuildPlan writable path = %q, want %q", rebuilt.Writable.HostPath, plan.Writable.HostPath)
	}
	if len(rebuilt.Lowers) != len(plan.Lowers) {
		t.Fatalf("RebuildPlan got %d lowers, want %d", len(rebuilt.Lowers), len(plan.Lowers))
	}
	for i := range plan.Lowers {
		if rebuilt.Lowers[i].HostPath != plan.Lowers[i].HostPath {
			t.Fatalf("lower %d path = %q, want %q", i, rebuilt.Lowers[i].HostPath, plan.Lowers[i].HostPath)
		}
	}
}

func TestOrchestratorRebuildPlanFailsWithoutExistingWritable(t *testing.T) {
	formatter := &fakeWritableFormatter{}
	s := newTestStore(t)
	u := &fakeUnpacker{}
	cache := NewLayerCache(s, filepath.Join(t.TempDir(), "cache"), u, nil)
	o := NewOrchestrator(s, cache, t.TempDir(), formatter, nil)

	if _, err := o.RebuildPlan(context.Background(), "never-planned", nil); err == nil {
		t.Fatal("expected RebuildPlan to fail when no writable image exists on disk")
	}
}

func TestOrchestratorTeardownRemovesContainerDir(t *testing.T) {
	formatter := &fakeWritableFormatter{}
	s := newTestStore(t)
	u := &fakeUnpacker{}
	cache := NewLayerCache(s, filepath.Join(t.TempDir(), "cache"), u, nil)
	root := t.TempDir()
	o := NewOrchestrator(s, cache, root, formatter, nil)

	layers := []store.ImageLayer{{Digest: "sha256:only", Size: 5}}
	fetchLayer := func(digest string) FetchFunc {
		return func(ctx context.Context) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader([]byte(digest))), nil
		}
	}
	if _, err := o.Plan(context.Background(), "container2", layers, fetchLayer); err != nil {
		t.Fatalf("Plan: %v", err)
	}

	containerDir := filepath.Join(root, "container2")
	if _, err := os.Stat(containerDir); err != nil {
		t.Fatalf("container dir should exist after Plan: %v", err)
	}
	if err := o.Teardown("container2"); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if _, err := os.Stat(containerDir); !os.IsNotExist(err) {
		t.Fatalf("container dir should be removed after Teardown, stat err = %v", err)
	}
}
