package volume

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arcabridge/arcad/internal/bridgeerr"
	"github.com/arcabridge/arcad/internal/store"
)

type fakeFormatter struct{ failOn string }

func (f fakeFormatter) Format(ctx context.Context, path string, sizeBytes int64) error {
	if f.failOn != "" && filepath.Base(filepath.Dir(path)) == f.failOn {
		return os.ErrInvalid
	}
	return os.WriteFile(path, []byte("fake-ext4"), 0o644)
}

func newTestManager(t *testing.T, formatter Formatter) (*Manager, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewManager(s, filepath.Join(dir, "volumes"), formatter), s
}

// saveTestContainer persists a container row so volume_mounts' foreign key
// to containers is satisfied.
func saveTestContainer(t *testing.T, s *store.Store, id string) {
	t.Helper()
	if err := s.SaveContainer(context.Background(), &store.Container{
		ID: id, Name: "c-" + id[:8], Image: "alpine", ImageID: "sha256:a",
		CreatedAt: time.Now(), Status: store.StatusCreated, ConfigJSON: "{}", HostConfigJSON: "{}",
	}); err != nil {
		t.Fatalf("SaveContainer: %v", err)
	}
}

func TestCreateVolumeGeneratesName(t *testing.T) {
	m, _ := newTestManager(t, fakeFormatter{})
	v, err := m.CreateVolume(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	if v.Name == "" {
		t.Fatal("expected a generated name")
	}
	if _, err := os.Stat(v.Mountpoint); err != nil {
		t.Fatalf("volume.img missing: %v", err)
	}
}

func TestCreateVolumeRejectsDuplicateName(t *testing.T) {
	m, _ := newTestManager(t, fakeFormatter{})
	ctx := context.Background()
	if _, err := m.CreateVolume(ctx, CreateOptions{Name: "data"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := m.CreateVolume(ctx, CreateOptions{Name: "data"})
	if bridgeerr.KindOf(err) != bridgeerr.KindAlreadyExists {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
}

func TestCreateVolumeRejectsUnsupportedDriver(t *testing.T) {
	m, _ := newTestManager(t, fakeFormatter{})
	_, err := m.CreateVolume(context.Background(), CreateOptions{Name: "x", Driver: "nfs"})
	if bridgeerr.KindOf(err) != bridgeerr.KindInvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestCreateVolumeCleansUpOnFormatterFailure(t *testing.T) {
	m, _ := newTestManager(t, fakeFormatter{failOn: "broken"})
	ctx := context.Background()
	_, err := m.CreateVolume(ctx, CreateOptions{Name: "broken"})
	if err == nil {
		t.Fatal("expected formatter failure to surface")
	}
	if _, statErr := os.Stat(filepath.Join(m.baseDir, "broken")); !os.IsNotExist(statErr) {
		t.Fatalf("expected volume directory to be cleaned up, stat err = %v", statErr)
	}
}

func TestDeleteVolumeRequiresForceWhenInUse(t *testing.T) {
	m, s := newTestManager(t, fakeFormatter{})
	ctx := context.Background()
	if _, err := m.CreateVolume(ctx, CreateOptions{Name: "v"}); err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	saveTestContainer(t, s, "1111111111111111111111111111111111111111111111111111111111111111")
	if err := s.SaveVolumeMount(ctx, &store.VolumeMount{
		ContainerID: "1111111111111111111111111111111111111111111111111111111111111111",
		VolumeName:  "v", ContainerPath: "/data",
	}); err != nil {
		t.Fatalf("SaveVolumeMount: %v", err)
	}

	if err := m.DeleteVolume(ctx, "v", false); bridgeerr.KindOf(err) != bridgeerr.KindStateConflict {
		t.Fatalf("expected StateConflict, got %v", err)
	}
	if err := m.DeleteVolume(ctx, "v", true); err != nil {
		t.Fatalf("forced delete: %v", err)
	}
}

func TestListVolumesFilters(t *testing.T) {
	m, _ := newTestManager(t, fakeFormatter{})
	ctx := context.Background()
	if _, err := m.CreateVolume(ctx, CreateOptions{Name: "app-data", Labels: map[string]string{"env": "prod"}}); err != nil {
		t.Fatalf("create app-data: %v", err)
	}
	if _, err := m.CreateVolume(ctx, CreateOptions{Name: "cache", Labels: map[string]string{"env": "dev"}}); err != nil {
		t.Fatalf("create cache: %v", err)
	}

	byName, err := m.ListVolumes(ctx, ListFilters{NameSubstring: "app"})
	if err != nil || len(byName) != 1 || byName[0].Name != "app-data" {
		t.Fatalf("name filter: got %v, err %v", byName, err)
	}

	byLabel, err := m.ListVolumes(ctx, ListFilters{Label: "env=prod"})
	if err != nil || len(byLabel) != 1 || byLabel[0].Name != "app-data" {
		t.Fatalf("label filter: got %v, err %v", byLabel, err)
	}

	dangling := true
	both, err := m.ListVolumes(ctx, ListFilters{Dangling: &dangling})
	if err != nil || len(both) != 2 {
		t.Fatalf("dangling filter: got %v, err %v", both, err)
	}
}

func TestPruneVolumes(t *testing.T) {
	m, s := newTestManager(t, fakeFormatter{})
	ctx := context.Background()
	if _, err := m.CreateVolume(ctx, CreateOptions{Name: "orphan"}); err != nil {
		t.Fatalf("create orphan: %v", err)
	}
	if _, err := m.CreateVolume(ctx, CreateOptions{Name: "used"}); err != nil {
		t.Fatalf("create used: %v", err)
	}
	saveTestContainer(t, s, "1111111111111111111111111111111111111111111111111111111111111111")
	if err := s.SaveVolumeMount(ctx, &store.VolumeMount{
		ContainerID: "1111111111111111111111111111111111111111111111111111111111111111",
		VolumeName:  "used", ContainerPath: "/data",
	}); err != nil {
		t.Fatalf("SaveVolumeMount: %v", err)
	}

	names, reclaimed, err := m.PruneVolumes(ctx)
	if err != nil {
		t.Fatalf("PruneVolumes: %v", err)
	}
	if len(names) != 1 || names[0] != "orphan" {
		t.Fatalf("expected only orphan pruned, got %v", names)
	}
	if reclaimed <= 0 {
		t.Fatalf("expected reclaimed bytes > 0, got %d", reclaimed)
	}
	if _, err := s.GetVolume(ctx, "used"); err != nil {
		t.Fatalf("used volume should survive prune: %v", err)
	}
}
