// Package volume implements the VolumeManager described in spec.md §4.5:
// named local volumes backed by formatted EXT4 block images.
package volume

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/arcabridge/arcad/internal/bridgeerr"
	"github.com/arcabridge/arcad/internal/idgen"
	"github.com/arcabridge/arcad/internal/store"
)

// Formatter creates an EXT4 block image at path with the given size in
// bytes. The production implementation shells out to mkfs.ext4; tests
// supply a fake.
type Formatter interface {
	Format(ctx context.Context, path string, sizeBytes int64) error
}

// execFormatter truncates a sparse file to sizeBytes then runs mkfs.ext4
// over it, matching the thin-provisioning contract in spec.md §4.5.
type execFormatter struct{}

func (execFormatter) Format(ctx context.Context, path string, sizeBytes int64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create block image: %w", err)
	}
	if err := f.Truncate(sizeBytes); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("truncate block image: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("close block image: %w", err)
	}

	cmd := exec.CommandContext(ctx, "mkfs.ext4", "-q", path)
	slog.InfoContext(ctx, "volume.Format", "path", path, "size_bytes", sizeBytes, "cmd", strings.Join(cmd.Args, " "))
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		os.Remove(path)
		return fmt.Errorf("mkfs.ext4: %w", err)
	}
	return nil
}

// Manager is the VolumeManager of spec.md §4.5.
type Manager struct {
	store     *store.Store
	formatter Formatter
	baseDir   string
}

// NewManager builds a Manager rooted at baseDir, where each volume gets its
// own "<baseDir>/<name>/volume.img". A nil formatter uses mkfs.ext4.
func NewManager(s *store.Store, baseDir string, formatter Formatter) *Manager {
	if formatter == nil {
		formatter = execFormatter{}
	}
	return &Manager{store: s, formatter: formatter, baseDir: baseDir}
}

// CreateOptions configures CreateVolume.
type CreateOptions struct {
	Name       string
	Driver     string
	DriverOpts map[string]string
	Labels     map[string]string
}

// CreateVolume creates a named (or anonymous) local volume. Only the
// "local" driver is supported; anything else fails with InvalidArgument
// tagged as an unsupported driver (spec.md §4.5).
func (m *Manager) CreateVolume(ctx context.Context, opts CreateOptions) (*store.Volume, error) {
	driver := opts.Driver
	if driver == "" {
		driver = "local"
	}
	if driver != "local" {
		return nil, bridgeerr.Newf(bridgeerr.KindInvalidArgument, "volume.CreateVolume", "unsupported driver %q", driver)
	}

	name := opts.Name
	if name == "" {
		generated, err := idgen.VolumeName()
		if err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "volume.CreateVolume", err)
		}
		name = generated
	}

	if _, err := m.store.GetVolume(ctx, name); err == nil {
		return nil, bridgeerr.Newf(bridgeerr.KindAlreadyExists, "volume.CreateVolume", "volume %q already exists", name)
	}

	sizeBytes, err := ParseSize(opts.DriverOpts["size"])
	if err != nil {
		return nil, err
	}

	volDir := filepath.Join(m.baseDir, name)
	if err := os.MkdirAll(volDir, 0o755); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "volume.CreateVolume", err)
	}

	imgPath := filepath.Join(volDir, "volume.img")
	if err := m.formatter.Format(ctx, imgPath, sizeBytes); err != nil {
		os.RemoveAll(volDir)
		return nil, bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "volume.CreateVolume", err)
	}

	labelsJSON, err := marshalLabels(opts.Labels)
	if err != nil {
		os.RemoveAll(volDir)
		return nil, err
	}
	optsJSON, err := marshalLabels(opts.DriverOpts)
	if err != nil {
		os.RemoveAll(volDir)
		return nil, err
	}

	v := &store.Volume{
		Name: name, Driver: driver, Format: "ext4", Mountpoint: imgPath,
		CreatedAt: time.Now(), LabelsJSON: labelsJSON, OptionsJSON: optsJSON,
	}
	if err := m.store.SaveVolume(ctx, v); err != nil {
		os.RemoveAll(volDir)
		return nil, err
	}
	return v, nil
}

// DeleteVolume removes a volume's row and backing directory. Fails with
// StateConflict (InUse) when containers still mount it and force is false.
func (m *Manager) DeleteVolume(ctx context.Context, name string, force bool) error {
	if !force {
		users, err := m.store.GetVolumeUsers(ctx, name)
		if err != nil {
			return err
		}
		if len(users) > 0 {
			return bridgeerr.Newf(bridgeerr.KindStateConflict, "volume.DeleteVolume", "volume %q in use by %v", name, users)
		}
	}

	v, err := m.store.GetVolume(ctx, name)
	if err != nil {
		return err
	}
	if err := m.store.DeleteVolume(ctx, name); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Dir(v.Mountpoint)); err != nil {
		slog.WarnContext(ctx, "volume.DeleteVolume: directory cleanup failed", "name", name, "err", err)
	}
	return nil
}

// ListFilters narrows ListVolumes.
type ListFilters struct {
	NameSubstring string
	Label         string // "key" or "key=value"
	Dangling      *bool
}

// ListVolumes returns all volumes matching every supplied filter.
func (m *Manager) ListVolumes(ctx context.Context, filters ListFilters) ([]*store.Volume, error) {
	all, err := m.store.LoadAllVolumes(ctx)
	if err != nil {
		return nil, err
	}

	var dangling map[string]bool
	if filters.Dangling != nil {
		d, err := m.store.GetDanglingVolumes(ctx)
		if err != nil {
			return nil, err
		}
		dangling = make(map[string]bool, len(d))
		for _, v := range d {
			dangling[v.Name] = true
		}
	}

	var out []*store.Volume
	for _, v := range all {
		if filters.NameSubstring != "" && !strings.Contains(v.Name, filters.NameSubstring) {
			continue
		}
		if filters.Label != "" && !matchesLabel(v.LabelsJSON, filters.Label) {
			continue
		}
		if filters.Dangling != nil && dangling[v.Name] != *filters.Dangling {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// PruneVolumes deletes every dangling volume and reports what it reclaimed.
func (m *Manager) PruneVolumes(ctx context.Context) (names []string, bytesReclaimed int64, err error) {
	dangling, err := m.store.GetDanglingVolumes(ctx)
	if err != nil {
		return nil, 0, err
	}

	for _, v := range dangling {
		size, statErr := fileSize(v.Mountpoint)
		if err := m.DeleteVolume(ctx, v.Name, false); err != nil {
			slog.WarnContext(ctx, "volume.PruneVolumes: delete failed", "name", v.Name, "err", err)
			continue
		}
		names = append(names, v.Name)
		if statErr == nil {
			bytesReclaimed += size
		}
	}
	return names, bytesReclaimed, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
