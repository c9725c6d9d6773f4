package container

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arcabridge/arcad/internal/image"
	"github.com/arcabridge/arcad/internal/logio"
	"github.com/arcabridge/arcad/internal/network"
	"github.com/arcabridge/arcad/internal/overlay"
	"github.com/arcabridge/arcad/internal/portmap"
	"github.com/arcabridge/arcad/internal/store"
	"github.com/arcabridge/arcad/internal/volume"
)

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

type fakeUnpacker struct{}

func (fakeUnpacker) Unpack(ctx context.Context, tar io.Reader, dest string) (int64, error) {
	b, err := io.ReadAll(tar)
	return int64(len(b)), err
}

type fakeWritableFormatter struct{}

func (fakeWritableFormatter) FormatWritable(ctx context.Context, path string, sizeBytes int64) error {
	return os.WriteFile(path, []byte("writable-ext4"), 0o644)
}

func newTestOrchestrator(t *testing.T, s *store.Store) *overlay.Orchestrator {
	t.Helper()
	cache := overlay.NewLayerCache(s, filepath.Join(t.TempDir(), "cache"), fakeUnpacker{}, nil)
	return overlay.NewOrchestrator(s, cache, t.TempDir(), fakeWritableFormatter{}, nil)
}

type fakeImageResolver struct {
	images map[string]*image.Summary
}

func (f *fakeImageResolver) GetImage(ctx context.Context, nameOrID string) (*image.Summary, error) {
	if img, ok := f.images[nameOrID]; ok {
		return img, nil
	}
	for _, img := range f.images {
		if img.Digest == nameOrID {
			return img, nil
		}
	}
	return nil, errors.New("image not found")
}

func (f *fakeImageResolver) FetchLayerBlob(ctx context.Context, reference, digest string, auth *image.Auth) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("layer-" + digest)), nil
}

type fakeVolumeProvisioner struct {
	store   *store.Store
	created int
	deleted []string
}

func (f *fakeVolumeProvisioner) CreateVolume(ctx context.Context, opts volume.CreateOptions) (*store.Volume, error) {
	f.created++
	name := opts.Name
	if name == "" {
		name = "anon-vol"
	}
	v := &store.Volume{Name: name, Driver: "local", Format: "ext4", Mountpoint: "/fake/" + name, CreatedAt: time.Now(), LabelsJSON: "{}", OptionsJSON: "{}"}
	if err := f.store.SaveVolume(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (f *fakeVolumeProvisioner) DeleteVolume(ctx context.Context, name string, force bool) error {
	f.deleted = append(f.deleted, name)
	return nil
}

type fakePortPublisher struct {
	published   []portmap.PublishRequest
	unpublished []string
}

func (f *fakePortPublisher) Publish(ctx context.Context, req portmap.PublishRequest) error {
	f.published = append(f.published, req)
	return nil
}

func (f *fakePortPublisher) Unpublish(ctx context.Context, containerID string) {
	f.unpublished = append(f.unpublished, containerID)
}

type fakeVMHandle struct {
	cid    uint32
	pid    int
	stdout io.Reader
	stderr io.Reader
}

func (h *fakeVMHandle) GuestCID() uint32  { return h.cid }
func (h *fakeVMHandle) PID() int          { return h.pid }
func (h *fakeVMHandle) Stdout() io.Reader { return h.stdout }
func (h *fakeVMHandle) Stderr() io.Reader { return h.stderr }

type fakeVMLifecycle struct {
	nextCID uint32
	exitCh  chan int
	signals []Signal
	booted  []BootSpec
}

func newFakeVMLifecycle() *fakeVMLifecycle {
	return &fakeVMLifecycle{nextCID: 100, exitCh: make(chan int, 1)}
}

func (f *fakeVMLifecycle) Boot(ctx context.Context, spec BootSpec) (VMHandle, error) {
	f.nextCID++
	f.booted = append(f.booted, spec)
	return &fakeVMHandle{cid: f.nextCID, pid: 4242, stdout: strings.NewReader("hello stdout\n"), stderr: strings.NewReader("")}, nil
}

func (f *fakeVMLifecycle) Signal(ctx context.Context, handle VMHandle, sig Signal) error {
	f.signals = append(f.signals, sig)
	if sig == SIGKILL || sig == SIGTERM {
		select {
		case f.exitCh <- 0:
		default:
		}
	}
	return nil
}

func (f *fakeVMLifecycle) Wait(ctx context.Context, handle VMHandle) (int, error) {
	code := <-f.exitCh
	return code, nil
}

type fakeBackend struct {
	driver       string
	attached     []network.AttachRequest
	detached     []network.DetachRequest
	reconciled   [][]*store.Network
}

func (f *fakeBackend) Driver() string { return f.driver }

func (f *fakeBackend) CreateNetwork(ctx context.Context, requestedSubnet string, labels, options map[string]string) (*store.Network, error) {
	return &store.Network{ID: "net1", Driver: f.driver, Subnet: requestedSubnet}, nil
}

func (f *fakeBackend) DeleteNetwork(ctx context.Context, n *store.Network) error { return nil }

func (f *fakeBackend) Attach(ctx context.Context, req network.AttachRequest) (*network.AttachResult, error) {
	f.attached = append(f.attached, req)
	return &network.AttachResult{IP: "172.30.0.5", MAC: "02:00:00:00:00:05"}, nil
}

func (f *fakeBackend) Detach(ctx context.Context, req network.DetachRequest) error {
	f.detached = append(f.detached, req)
	return nil
}

func (f *fakeBackend) Reconcile(ctx context.Context, networks []*store.Network) error {
	f.reconciled = append(f.reconciled, networks)
	return nil
}

type testHarness struct {
	store    *store.Store
	images   *fakeImageResolver
	volumes  *fakeVolumeProvisioner
	overlay  *overlay.Orchestrator
	backend  *fakeBackend
	ports    *fakePortPublisher
	logs     *logio.ContainerLogManager
	vms      *fakeVMLifecycle
	manager  *Manager
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	s := newTestStore(t)
	img := &fakeImageResolver{images: map[string]*image.Summary{
		"busybox": {Digest: "sha256:imgdigest", Layers: []store.ImageLayer{{Digest: "sha256:layer1", Size: 10}}},
	}}
	vols := &fakeVolumeProvisioner{store: s}
	ov := newTestOrchestrator(t, s)
	backend := &fakeBackend{driver: "bridge"}
	ports := &fakePortPublisher{}
	logs := logio.NewContainerLogManager(t.TempDir())
	vms := newFakeVMLifecycle()

	mgr := NewManager(s, img, vols, ov, map[string]network.Backend{"bridge": backend}, ports, logs, vms)
	return &testHarness{store: s, images: img, volumes: vols, overlay: ov, backend: backend, ports: ports, logs: logs, vms: vms, manager: mgr}
}

func TestCreatePersistsContainerAndVolumeMounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, err := h.manager.Create(ctx, CreateOptions{
		Name: "my-container", Image: "busybox",
		ConfigJSON: `{"Cmd":["/bin/sh"]}`, HostConfigJSON: `{}`,
		Volumes: []VolumeBindSpec{{ContainerPath: "/data"}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.Status != store.StatusCreated {
		t.Fatalf("status = %q, want created", c.Status)
	}
	if h.volumes.created != 1 {
		t.Fatalf("expected one anonymous volume created, got %d", h.volumes.created)
	}

	mounts, err := h.store.GetVolumeMounts(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetVolumeMounts: %v", err)
	}
	if len(mounts) != 1 || mounts[0].ContainerPath != "/data" {
		t.Fatalf("unexpected mounts: %+v", mounts)
	}

	fetched, err := h.store.GetContainer(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetContainer: %v", err)
	}
	if fetched.Name != "my-container" {
		t.Fatalf("name = %q, want my-container", fetched.Name)
	}
}

func TestCreateFailsWhenImageResolutionFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.manager.Create(ctx, CreateOptions{Name: "dup", Image: "busybox", ConfigJSON: "{}", HostConfigJSON: "{}"})
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_ = first

	// Emptying the image resolver after a successful Create makes the next
	// Create fail at its first step, image resolution.
	h.images.images = map[string]*image.Summary{}
	if _, err := h.manager.Create(ctx, CreateOptions{Name: "second", Image: "busybox", ConfigJSON: "{}", HostConfigJSON: "{}"}); err == nil {
		t.Fatalf("expected Create to fail when image resolution fails")
	}
}

func TestStartBootsVMAndTransitionsToRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, err := h.manager.Create(ctx, CreateOptions{Name: "web", Image: "busybox", ConfigJSON: `{"Cmd":["/bin/sh"]}`, HostConfigJSON: `{}`})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := h.manager.Start(ctx, c.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fetched, err := h.store.GetContainer(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetContainer: %v", err)
	}
	if fetched.Status != store.StatusRunning {
		t.Fatalf("status = %q, want running", fetched.Status)
	}
	if fetched.PID != 4242 {
		t.Fatalf("PID = %d, want 4242", fetched.PID)
	}
	if len(h.vms.booted) != 1 {
		t.Fatalf("expected one Boot call, got %d", len(h.vms.booted))
	}

	h.vms.exitCh <- 0
	if err := h.manager.Stop(ctx, c.ID, 50*time.Millisecond); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	fetched, err = h.store.GetContainer(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetContainer after stop: %v", err)
	}
	if fetched.Status != store.StatusExited {
		t.Fatalf("status after stop = %q, want exited", fetched.Status)
	}
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, err := h.manager.Create(ctx, CreateOptions{Name: "once", Image: "busybox", ConfigJSON: "{}", HostConfigJSON: "{}"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.manager.Start(ctx, c.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.manager.Start(ctx, c.ID); err == nil {
		t.Fatalf("expected second Start to fail")
	}
	h.vms.exitCh <- 0
}

func TestRemoveFailsWhileRunningWithoutForce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, err := h.manager.Create(ctx, CreateOptions{Name: "locked", Image: "busybox", ConfigJSON: "{}", HostConfigJSON: "{}"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.manager.Start(ctx, c.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := h.manager.Remove(ctx, c.ID, false, false); err == nil {
		t.Fatalf("expected Remove to fail without force while running")
	}

	if err := h.manager.Remove(ctx, c.ID, true, false); err != nil {
		t.Fatalf("Remove with force: %v", err)
	}
	if _, err := h.store.GetContainer(ctx, c.ID); err == nil {
		t.Fatalf("expected container to be gone after Remove")
	}
}

func TestAttachNetworkRequiresRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, err := h.manager.Create(ctx, CreateOptions{Name: "net-test", Image: "busybox", ConfigJSON: "{}", HostConfigJSON: "{}"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.manager.AttachNetwork(ctx, c.ID, NetworkAttachSpec{NetworkID: "net1"}); err == nil {
		t.Fatalf("expected AttachNetwork to fail on non-running container")
	}

	if err := h.store.SaveNetwork(ctx, &store.Network{ID: "net1", Driver: "bridge", Subnet: "172.30.0.0/24"}); err != nil {
		t.Fatalf("SaveNetwork: %v", err)
	}
	if err := h.manager.Start(ctx, c.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { h.vms.exitCh <- 0 }()

	att, err := h.manager.AttachNetwork(ctx, c.ID, NetworkAttachSpec{NetworkID: "net1"})
	if err != nil {
		t.Fatalf("AttachNetwork: %v", err)
	}
	if att.IP != "172.30.0.5" {
		t.Fatalf("attached IP = %q, want 172.30.0.5", att.IP)
	}
	if len(h.backend.attached) != 1 {
		t.Fatalf("expected one Attach call, got %d", len(h.backend.attached))
	}
}

func TestReconcileDemotesStaleRunningContainers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, err := h.manager.Create(ctx, CreateOptions{Name: "stale", Image: "busybox", ConfigJSON: "{}", HostConfigJSON: "{}"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.store.UpdateContainerStatus(ctx, c.ID, store.StatusRunning, nil, nil); err != nil {
		t.Fatalf("UpdateContainerStatus: %v", err)
	}

	if err := h.manager.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	fetched, err := h.store.GetContainer(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetContainer: %v", err)
	}
	if fetched.Status != store.StatusExited {
		t.Fatalf("status = %q, want exited after reconcile", fetched.Status)
	}
	if len(h.backend.reconciled) != 1 {
		t.Fatalf("expected backend.Reconcile called once, got %d", len(h.backend.reconciled))
	}
}
