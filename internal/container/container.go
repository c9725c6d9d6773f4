// Package container implements the ContainerManager orchestrator of
// spec.md §4.11: the container lifecycle state machine, startup
// reconciliation, and the composition of every other core component
// (image, volume, overlay, network, portmap, logio) into create/start/
// stop/kill/rename/remove operations.
//
// Booting a guest VM and delivering OS-level signals to its init process
// is the platform virtualization library's job — "treated as a library
// dependency with the operations we invoke", the same framing
// internal/exec applies to spawning a process inside an already-running
// guest. VMLifecycle is the seam this package depends on instead of a
// concrete VM implementation.
package container

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/goombaio/namegenerator"

	"github.com/arcabridge/arcad/internal/bridgeerr"
	"github.com/arcabridge/arcad/internal/idgen"
	"github.com/arcabridge/arcad/internal/image"
	"github.com/arcabridge/arcad/internal/logio"
	"github.com/arcabridge/arcad/internal/network"
	"github.com/arcabridge/arcad/internal/overlay"
	"github.com/arcabridge/arcad/internal/portmap"
	"github.com/arcabridge/arcad/internal/store"
	"github.com/arcabridge/arcad/internal/volume"
)

// VMHandle identifies one booted guest VM backing a running container.
// Stdout/Stderr stream the init process's output for the lifetime of the
// VM, the way internal/exec.Process streams an exec'd process's output.
type VMHandle interface {
	GuestCID() uint32
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
}

// BootSpec describes the guest VM a VMLifecycle must boot for a
// container start.
type BootSpec struct {
	ContainerID string
	Plan        *overlay.Plan
	Cmd         []string
	Env         []string
	WorkDir     string
	TTY         bool
}

// Signal is the host-side representation of the Unix signal number sent
// to a container's init process, passed to VMLifecycle without
// interpretation (spec.md §4.11's "kill(signal) is passthrough").
type Signal int

const (
	SIGTERM Signal = 15
	SIGKILL Signal = 9
)

// VMLifecycle boots and controls the guest VM backing a running
// container. The production implementation lives behind the platform
// virtualization library; this interface is what Manager depends on so
// it can be faked in tests.
type VMLifecycle interface {
	Boot(ctx context.Context, spec BootSpec) (VMHandle, error)
	Signal(ctx context.Context, handle VMHandle, sig Signal) error
	// Wait blocks until the guest's init process exits, returning its
	// exit code. Callers run it in its own goroutine per container.
	Wait(ctx context.Context, handle VMHandle) (exitCode int, err error)
}

// ImageResolver is the subset of *image.Manager Create needs: resolving
// an already-pulled image to its layer list, and opening a layer's tar
// stream on an overlay cache miss.
type ImageResolver interface {
	GetImage(ctx context.Context, nameOrID string) (*image.Summary, error)
	FetchLayerBlob(ctx context.Context, reference, digest string, auth *image.Auth) (io.ReadCloser, error)
}

// VolumeProvisioner is the subset of *volume.Manager Create needs.
type VolumeProvisioner interface {
	CreateVolume(ctx context.Context, opts volume.CreateOptions) (*store.Volume, error)
	DeleteVolume(ctx context.Context, name string, force bool) error
}

// PortPublisher is the subset of *portmap.Manager Start/Remove need.
type PortPublisher interface {
	Publish(ctx context.Context, req portmap.PublishRequest) error
	Unpublish(ctx context.Context, containerID string)
}

// NetworkAttachSpec requests attaching a container to an already-existing
// network once it is running (spec.md §4.6's dynamic-attach contract).
type NetworkAttachSpec struct {
	NetworkID   string
	RequestedIP string
	Aliases     []string
}

// VolumeBindSpec mounts a volume into a container at creation. An empty
// VolumeName means create a fresh anonymous volume (spec.md §4.5).
type VolumeBindSpec struct {
	VolumeName    string
	ContainerPath string
}

// CreateOptions configures Create. ConfigJSON/HostConfigJSON are stored
// verbatim. Start reads back Cmd/Env/WorkingDir/Tty from ConfigJSON and
// PortBindings from HostConfigJSON, and the store decodes the
// RestartPolicy fragment of HostConfigJSON for GetContainersToRestart;
// every other field is opaque to the core.
type CreateOptions struct {
	Name           string
	Image          string
	ConfigJSON     string
	HostConfigJSON string
	Volumes        []VolumeBindSpec
}

// runningState is what Manager tracks in memory for a started container:
// its VM handle and open log writers, neither of which survive a daemon
// restart (spec.md §4.11 step 3 handles the resulting "running but no
// live VM handle" case).
type runningState struct {
	handle VMHandle
	stdout *logio.FileLogWriter
	stderr *logio.FileLogWriter
	exited chan struct{}
}

// Manager is the ContainerManager of spec.md §4.11, composing every
// other core component into the container lifecycle.
type Manager struct {
	store    *store.Store
	images   ImageResolver
	volumes  VolumeProvisioner
	overlay  *overlay.Orchestrator
	networks map[string]network.Backend // keyed by Backend.Driver()
	ports    PortPublisher
	logs     *logio.ContainerLogManager
	vms      VMLifecycle
	nameGen  namegenerator.Generator

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	runningMu sync.Mutex
	running   map[string]*runningState
}

// NewManager builds a Manager. networks maps each registered backend by
// its Driver() name; a container's AttachNetwork call looks up the
// backend for the target network's persisted driver.
func NewManager(
	s *store.Store,
	images ImageResolver,
	volumes VolumeProvisioner,
	ov *overlay.Orchestrator,
	networks map[string]network.Backend,
	ports PortPublisher,
	logs *logio.ContainerLogManager,
	vms VMLifecycle,
) *Manager {
	return &Manager{
		store: s, images: images, volumes: volumes, overlay: ov,
		networks: networks, ports: ports, logs: logs, vms: vms,
		nameGen: namegenerator.NewNameGenerator(1),
		locks:   make(map[string]*sync.Mutex),
		running: make(map[string]*runningState),
	}
}

// lockFor returns the per-container mutex serializing every state
// transition for id, creating one on first use. No teacher pattern
// models per-entity serialization directly; this is the general
// per-container-agent model of spec.md §5 applied to the one component
// (ContainerManager) that fans out over many containers from one Go
// value.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// IsRunning implements internal/exec's ContainerResolver, letting the
// exec manager query container state without its own status cache.
func (m *Manager) IsRunning(ctx context.Context, id string) (bool, error) {
	c, err := m.store.GetContainer(ctx, id)
	if err != nil {
		return false, err
	}
	return c.Status == store.StatusRunning, nil
}

// Create resolves the image, materializes the container's EXT4 root
// filesystem images, mounts any requested volumes, and persists the new
// container record in the created state. Any step failure rolls back
// every earlier step in reverse order (spec.md §4.11's "best-effort
// all-or-nothing").
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*store.Container, error) {
	img, err := m.images.GetImage(ctx, opts.Image)
	if err != nil {
		return nil, err
	}

	id, err := idgen.ContainerID()
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "container.Manager.Create", err)
	}
	name := opts.Name
	if name == "" {
		name = m.nameGen.Generate()
	}
	slog.InfoContext(ctx, "container.Manager.Create", "id", id, "name", name, "image", opts.Image)

	rb := newRollback()
	defer rb.run()

	fetchLayer := func(digest string) overlay.FetchFunc {
		return func(ctx context.Context) (io.ReadCloser, error) {
			return m.images.FetchLayerBlob(ctx, opts.Image, digest, nil)
		}
	}
	if _, err := m.overlay.Plan(ctx, id, img.Layers, fetchLayer); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "container.Manager.Create", err)
	}
	rb.add(func() { m.overlay.Teardown(id) })

	mounts := make([]*store.VolumeMount, 0, len(opts.Volumes))
	for _, v := range opts.Volumes {
		volName := v.VolumeName
		anonymous := volName == ""
		if anonymous {
			vol, err := m.volumes.CreateVolume(ctx, volume.CreateOptions{})
			if err != nil {
				return nil, err
			}
			volName = vol.Name
			capturedName := volName
			rb.add(func() { m.volumes.DeleteVolume(context.Background(), capturedName, true) })
		}
		mounts = append(mounts, &store.VolumeMount{
			ContainerID: id, VolumeName: volName, ContainerPath: v.ContainerPath,
			IsAnonymous: anonymous, MountedAt: time.Now(),
		})
	}

	c := &store.Container{
		ID: id, Name: name, Image: opts.Image, ImageID: img.Digest,
		CreatedAt: time.Now(), Status: store.StatusCreated,
		ConfigJSON: opts.ConfigJSON, HostConfigJSON: opts.HostConfigJSON,
	}
	if err := m.store.SaveContainer(ctx, c); err != nil {
		return nil, err
	}
	rb.add(func() { m.store.DeleteContainer(context.Background(), id) })

	for _, vm := range mounts {
		if err := m.store.SaveVolumeMount(ctx, vm); err != nil {
			return nil, err
		}
	}

	stdout, stderr, err := m.logs.CreateLogWriters(id)
	if err != nil {
		return nil, err
	}
	stdout.Close()
	stderr.Close()
	rb.add(func() { m.logs.RemoveLogs(id) })

	rb.cancel()
	return c, nil
}
