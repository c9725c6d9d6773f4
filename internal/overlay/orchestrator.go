package overlay

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/arcabridge/arcad/internal/bridgeerr"
	"github.com/arcabridge/arcad/internal/rpc"
	"github.com/arcabridge/arcad/internal/store"
)

// DefaultWritableSizeBytes is the default size of a container's writable
// EXT4 image (spec.md §4.4).
const DefaultWritableSizeBytes = 64 << 30

// Guest-side conventions the in-guest overlayfs agent relies on: /dev/vdb
// (the writable device) is mounted by that agent at guestWritableMount
// before MountOverlay is called, so upperDir/workDir are subdirectories of
// it rather than separate block devices.
const (
	guestWritableMount = "/mnt/writable"
	guestUpperDir      = guestWritableMount + "/upper"
	guestWorkDir       = guestWritableMount + "/work"
)

// MountSpec is one entry of the in-guest bind/block-device mount array
// built for container boot (spec.md §4.4, steps 1-4). It mirrors the OCI
// runtime mount shape the underlying VM runtime library consumes.
type MountSpec struct {
	Source      string   `json:"source"`
	Destination string   `json:"destination"`
	Options     []string `json:"options"`
}

// DiskSpec is one EXT4 block image the VM runtime library must attach as
// a guest block device before boot.
type DiskSpec struct {
	HostPath    string
	GuestDevice string
	ReadOnly    bool
}

// Plan is the full result of provisioning one container's root filesystem:
// the disks to attach and the mount array to hand the in-guest runtime.
type Plan struct {
	Writable DiskSpec
	Lowers   []DiskSpec
	Mounts   []MountSpec
}

// WritableFormatter creates an empty, thin-provisioned EXT4 image
// containing upper/ and work/ directories.
type WritableFormatter interface {
	FormatWritable(ctx context.Context, path string, sizeBytes int64) error
}

// execWritableFormatter shells out to e2fsprogs, matching the teacher's
// mkfs invocation style used elsewhere in this module (internal/volume).
type execWritableFormatter struct{}

func (execWritableFormatter) FormatWritable(ctx context.Context, path string, sizeBytes int64) error {
	scratch, err := os.MkdirTemp("", "arcad-writable-*")
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "overlay.execWritableFormatter", err)
	}
	defer os.RemoveAll(scratch)
	if err := os.MkdirAll(filepath.Join(scratch, "upper"), 0o755); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "overlay.execWritableFormatter", err)
	}
	if err := os.MkdirAll(filepath.Join(scratch, "work"), 0o755); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "overlay.execWritableFormatter", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "overlay.execWritableFormatter", err)
	}
	if err := f.Truncate(sizeBytes); err != nil {
		f.Close()
		os.Remove(path)
		return bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "overlay.execWritableFormatter", err)
	}
	f.Close()

	return mkfsFromDir(ctx, scratch, path)
}

// Orchestrator builds and drives per-container OverlayFS mounts
// (spec.md §4.4).
type Orchestrator struct {
	store        *store.Store
	cache        *LayerCache
	formatter    WritableFormatter
	diskRoot     string
	writableSize int64

	overlayDial func(ctx context.Context, cid uint32) (*rpc.OverlayFSClient, error)
}

// NewOrchestrator builds an Orchestrator. formatter may be nil to use the
// real e2fsprogs-backed implementation; overlayDial may be nil to dial the
// real vsock OverlayFS RPC port.
func NewOrchestrator(s *store.Store, cache *LayerCache, diskRoot string, formatter WritableFormatter, overlayDial func(ctx context.Context, cid uint32) (*rpc.OverlayFSClient, error)) *Orchestrator {
	if formatter == nil {
		formatter = execWritableFormatter{}
	}
	if overlayDial == nil {
		overlayDial = rpc.DialOverlayFS
	}
	return &Orchestrator{
		store: s, cache: cache, formatter: formatter, diskRoot: diskRoot,
		writableSize: DefaultWritableSizeBytes, overlayDial: overlayDial,
	}
}

// Plan builds the writable image, resolves every lower layer through the
// layer cache (fetching misses via fetchLayer), and returns the full disk
// + mount plan for containerID. Layer order is preserved as the overlay
// stacking order (spec.md §3).
func (o *Orchestrator) Plan(ctx context.Context, containerID string, layers []store.ImageLayer, fetchLayer func(digest string) FetchFunc) (*Plan, error) {
	writablePath := filepath.Join(o.diskRoot, containerID, "writable.ext4")
	if err := os.MkdirAll(filepath.Dir(writablePath), 0o755); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "overlay.Orchestrator.Plan", err)
	}
	if err := o.formatter.FormatWritable(ctx, writablePath, o.writableSize); err != nil {
		os.RemoveAll(filepath.Dir(writablePath))
		return nil, err
	}

	lowers := make([]DiskSpec, 0, len(layers))
	for i, l := range layers {
		path, err := o.cache.Get(ctx, l.Digest, fetchLayer(l.Digest))
		if err != nil {
			os.RemoveAll(filepath.Dir(writablePath))
			return nil, err
		}
		lowers = append(lowers, DiskSpec{
			HostPath:    path,
			GuestDevice: guestDeviceFor(i),
			ReadOnly:    true,
		})
	}

	plan := &Plan{
		Writable: DiskSpec{HostPath: writablePath, GuestDevice: "/dev/vdb", ReadOnly: false},
		Lowers:   lowers,
	}
	plan.Mounts = buildMounts(containerID, lowers)
	return plan, nil
}

// RebuildPlan recomputes a container's disk + mount plan from what's
// already on disk, without reformatting the writable image or re-fetching
// any layer — used to re-attach a container's existing root filesystem
// across a start-after-create or a daemon-restart reconciliation, where
// Plan's one-time formatting has already run and must not run again.
func (o *Orchestrator) RebuildPlan(ctx context.Context, containerID string, layers []store.ImageLayer) (*Plan, error) {
	writablePath := filepath.Join(o.diskRoot, containerID, "writable.ext4")
	if _, err := os.Stat(writablePath); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "overlay.Orchestrator.RebuildPlan", err)
	}

	alreadyCached := func(digest string) FetchFunc {
		return func(ctx context.Context) (io.ReadCloser, error) {
			return nil, bridgeerr.Newf(bridgeerr.KindDependencyFailed, "overlay.Orchestrator.RebuildPlan",
				"layer %s missing from cache on rebuild", digest)
		}
	}

	lowers := make([]DiskSpec, 0, len(layers))
	for i, l := range layers {
		path, err := o.cache.Get(ctx, l.Digest, alreadyCached(l.Digest))
		if err != nil {
			return nil, err
		}
		lowers = append(lowers, DiskSpec{HostPath: path, GuestDevice: guestDeviceFor(i), ReadOnly: true})
	}

	return &Plan{
		Writable: DiskSpec{HostPath: writablePath, GuestDevice: "/dev/vdb", ReadOnly: false},
		Lowers:   lowers,
		Mounts:   buildMounts(containerID, lowers),
	}, nil
}

// buildMounts returns the full mount array in the exact order the VM
// configuration requires (spec.md §4.4): the rootfs staging bind mount,
// the writable device, one read-only entry per lower layer in manifest
// order, then the remaining container mounts (proc, sys, etc).
func buildMounts(containerID string, lowers []DiskSpec) []MountSpec {
	mounts := make([]MountSpec, 0, 3+len(lowers))
	mounts = append(mounts,
		MountSpec{
			Source:      "/",
			Destination: fmt.Sprintf("/run/container/%s/rootfs", containerID),
			Options:     []string{"bind", "rw"},
		},
		MountSpec{
			Source:      "/dev/vdb",
			Destination: "",
			Options:     []string{},
		},
	)
	for _, l := range lowers {
		mounts = append(mounts, MountSpec{
			Source:      l.GuestDevice,
			Destination: "",
			Options:     []string{"ro"},
		})
	}
	mounts = append(mounts, remainingContainerMounts()...)
	return mounts
}

// remainingContainerMounts are the standard pseudo-filesystems every
// container needs mounted inside its own namespace, independent of the
// overlay stack (spec.md §4.4 step 4).
func remainingContainerMounts() []MountSpec {
	return []MountSpec{
		{Source: "proc", Destination: "/proc", Options: []string{"nosuid", "noexec", "nodev"}},
		{Source: "sysfs", Destination: "/sys", Options: []string{"nosuid", "noexec", "nodev", "ro"}},
		{Source: "tmpfs", Destination: "/dev", Options: []string{"nosuid", "strictatime", "mode=755"}},
		{Source: "devpts", Destination: "/dev/pts", Options: []string{"nosuid", "noexec"}},
		{Source: "mqueue", Destination: "/dev/mqueue", Options: []string{"nosuid", "noexec", "nodev"}},
		{Source: "tmpfs", Destination: "/dev/shm", Options: []string{"nosuid", "noexec", "nodev", "mode=1777"}},
	}
}

func guestDeviceFor(lowerIndex int) string {
	// /dev/vdc, /dev/vdd, ... in manifest (stacking) order.
	return fmt.Sprintf("/dev/vd%c", 'c'+lowerIndex)
}

// Mount dials the in-guest overlayfs agent and mounts every lower device
// plus the writable upper at "/". RPC failure surfaces as MountFailed
// (spec.md §4.4).
func (o *Orchestrator) Mount(ctx context.Context, guestCID uint32, plan *Plan) error {
	client, err := o.overlayDial(ctx, guestCID)
	if err != nil {
		return err
	}
	defer client.Close()

	lowerDevices := make([]string, 0, len(plan.Lowers))
	for _, l := range plan.Lowers {
		lowerDevices = append(lowerDevices, l.GuestDevice)
	}

	return client.MountOverlay(ctx, rpc.MountOverlayRequest{
		LowerBlockDevices: lowerDevices,
		UpperDir:          guestUpperDir,
		WorkDir:           guestWorkDir,
		Target:            "/",
	})
}

// Unmount dials the in-guest overlayfs agent and unmounts "/". RPC
// failure surfaces as UnmountFailed (spec.md §4.4).
func (o *Orchestrator) Unmount(ctx context.Context, guestCID uint32) error {
	client, err := o.overlayDial(ctx, guestCID)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.UnmountOverlay(ctx, "/")
}

// Teardown removes the writable image and its containing directory. Lower
// layer images are never removed here: they're shared, reference-counted
// through LayerCache.GC instead.
func (o *Orchestrator) Teardown(containerID string) error {
	return os.RemoveAll(filepath.Join(o.diskRoot, containerID))
}
