package container

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/arcabridge/arcad/internal/bridgeerr"
	"github.com/arcabridge/arcad/internal/network"
	"github.com/arcabridge/arcad/internal/portmap"
	"github.com/arcabridge/arcad/internal/store"
)

// containerConfig is the subset of config_json this package reads back;
// the rest (labels, attach bits) is opaque and round-tripped verbatim.
type containerConfig struct {
	Cmd        []string `json:"Cmd"`
	Env        []string `json:"Env"`
	WorkingDir string   `json:"WorkingDir"`
	Tty        bool     `json:"Tty"`
}

// containerPorts is the port-binding fragment of host_config_json this
// package reads back to republish on every start (spec.md §4.1's
// "serialized host config ... port bindings"; publications themselves
// are never persisted, only re-derived from this on each start, since
// startup reconciliation's step list has no port-table counterpart to
// containers/networks/volumes/attachments).
type containerPorts struct {
	PortBindings []portmap.Binding `json:"PortBindings"`
}

// Start boots the container's guest VM, mounts its overlay root
// filesystem, republishes any configured port bindings, wires log
// writers to the VM's stdio, and transitions the container to running.
func (m *Manager) Start(ctx context.Context, id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	c, err := m.store.GetContainer(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == store.StatusRunning {
		return bridgeerr.Newf(bridgeerr.KindAlreadyRunning, "container.Manager.Start", "container %s already running", id)
	}
	if c.Status == store.StatusRemoving {
		return bridgeerr.Newf(bridgeerr.KindStateConflict, "container.Manager.Start", "container %s is being removed", id)
	}

	img, err := m.images.GetImage(ctx, c.ImageID)
	if err != nil {
		return err
	}
	plan, err := m.overlay.RebuildPlan(ctx, id, img.Layers)
	if err != nil {
		return err
	}

	var cfg containerConfig
	if err := json.Unmarshal([]byte(c.ConfigJSON), &cfg); err != nil {
		slog.WarnContext(ctx, "container.Manager.Start: config_json decode failed, booting with no command", "container", id, "err", err)
	}

	handle, err := m.vms.Boot(ctx, BootSpec{
		ContainerID: id, Plan: plan, Cmd: cfg.Cmd, Env: cfg.Env, WorkDir: cfg.WorkingDir, TTY: cfg.Tty,
	})
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "container.Manager.Start", err)
	}

	if err := m.overlay.Mount(ctx, handle.GuestCID(), plan); err != nil {
		m.vms.Signal(ctx, handle, SIGKILL)
		return err
	}

	m.reattachNetworks(ctx, id, handle.GuestCID())

	var ports containerPorts
	if err := json.Unmarshal([]byte(c.HostConfigJSON), &ports); err != nil {
		slog.WarnContext(ctx, "container.Manager.Start: host_config_json decode failed, no ports published", "container", id, "err", err)
	}
	if len(ports.PortBindings) > 0 {
		overlayIP, vmnetIP := m.attachedIPs(ctx, id)
		if err := m.ports.Publish(ctx, portmap.PublishRequest{
			ContainerID: id, OverlayIP: overlayIP, VmnetIP: vmnetIP, Bindings: ports.PortBindings, UseProxy: true,
		}); err != nil {
			slog.ErrorContext(ctx, "container.Manager.Start: port publish failed", "container", id, "err", err)
		}
	}

	stdout, stderr, err := m.logs.CreateLogWriters(id)
	if err != nil {
		m.vms.Signal(ctx, handle, SIGKILL)
		return err
	}
	if out := handle.Stdout(); out != nil {
		go io.Copy(stdout, out)
	}
	if errR := handle.Stderr(); errR != nil {
		go io.Copy(stderr, errR)
	}

	rs := &runningState{handle: handle, stdout: stdout, stderr: stderr, exited: make(chan struct{})}
	m.runningMu.Lock()
	m.running[id] = rs
	m.runningMu.Unlock()

	if err := m.store.SetPID(ctx, id, handle.PID()); err != nil {
		return err
	}
	if err := m.store.SetStoppedByUser(ctx, id, false); err != nil {
		return err
	}
	if err := m.store.UpdateContainerStatus(ctx, id, store.StatusRunning, nil, nil); err != nil {
		return err
	}

	go m.awaitExit(id, rs)
	return nil
}

// reattachNetworks re-establishes the host-side relay for every network
// this container was already attached to (e.g. across a restart), now
// that its guest CID is known. Best-effort: a single backend failure is
// logged, not fatal to Start, matching spec.md §8's "rollback... never
// masks the originating error" posture for non-create composite flows.
func (m *Manager) reattachNetworks(ctx context.Context, id string, guestCID uint32) {
	attachments, err := m.store.LoadNetworkAttachments(ctx, id)
	if err != nil {
		slog.WarnContext(ctx, "container.Manager.Start: load attachments failed", "container", id, "err", err)
		return
	}
	for _, a := range attachments {
		net, err := m.store.GetNetwork(ctx, a.NetworkID)
		if err != nil {
			slog.WarnContext(ctx, "container.Manager.Start: network missing for attachment", "container", id, "network", a.NetworkID, "err", err)
			continue
		}
		backend, ok := m.networks[net.Driver]
		if !ok {
			continue
		}
		res, err := backend.Attach(ctx, network.AttachRequest{
			Container: &store.Container{ID: id}, Network: net, RequestedIP: a.IP, GuestCID: guestCID,
		})
		if err != nil {
			slog.WarnContext(ctx, "container.Manager.Start: reattach failed", "container", id, "network", net.ID, "err", err)
			continue
		}
		a.IP, a.MAC, a.VsockPort = res.IP, res.MAC, res.Port
		if err := m.store.SaveNetworkAttachment(ctx, a); err != nil {
			slog.WarnContext(ctx, "container.Manager.Start: persist reattach failed", "container", id, "err", err)
		}
	}
}

// attachedIPs returns the container's first bridge/vlan overlay IP and
// vmnet IP, the two DNAT/proxy targets PublishRequest needs.
func (m *Manager) attachedIPs(ctx context.Context, id string) (overlayIP, vmnetIP string) {
	attachments, err := m.store.LoadNetworkAttachments(ctx, id)
	if err != nil {
		return "", ""
	}
	for _, a := range attachments {
		net, err := m.store.GetNetwork(ctx, a.NetworkID)
		if err != nil {
			continue
		}
		if net.Driver == "vmnet" {
			vmnetIP = a.IP
		} else {
			overlayIP = a.IP
		}
	}
	return overlayIP, vmnetIP
}

// awaitExit blocks for the guest VM's init process to exit, closes the
// log writers, records the exit code and flips the container back to
// exited.
func (m *Manager) awaitExit(id string, rs *runningState) {
	ctx := context.Background()
	code, err := m.vms.Wait(ctx, rs.handle)
	if err != nil {
		slog.Warn("container.Manager: VM wait failed", "container", id, "err", err)
	}

	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m.runningMu.Lock()
	delete(m.running, id)
	m.runningMu.Unlock()
	rs.stdout.Close()
	rs.stderr.Close()
	close(rs.exited)
	m.ports.Unpublish(ctx, id)

	finished := time.Now()
	if err := m.store.UpdateContainerStatus(ctx, id, store.StatusExited, &code, &finished); err != nil {
		slog.Warn("container.Manager: failed to record exit", "container", id, "err", err)
	}
}

// Stop sends SIGTERM, waits up to timeout for the container to exit, and
// sends SIGKILL if it hasn't (spec.md §4.11). A zero timeout uses the
// spec's documented default grace period of 10s.
func (m *Manager) Stop(ctx context.Context, id string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	m.runningMu.Lock()
	rs, running := m.running[id]
	m.runningMu.Unlock()
	if !running {
		return bridgeerr.Newf(bridgeerr.KindStateConflict, "container.Manager.Stop", "container %s is not running", id)
	}

	if err := m.store.SetStoppedByUser(ctx, id, true); err != nil {
		return err
	}
	if err := m.vms.Signal(ctx, rs.handle, SIGTERM); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "container.Manager.Stop", err)
	}

	select {
	case <-rs.exited:
		return nil
	case <-time.After(timeout):
	}

	if err := m.vms.Signal(ctx, rs.handle, SIGKILL); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "container.Manager.Stop", err)
	}
	<-rs.exited
	return nil
}

// Kill passes signal straight through to the container's init process
// (spec.md §4.11's "kill(signal) is passthrough").
func (m *Manager) Kill(ctx context.Context, id string, sig Signal) error {
	m.runningMu.Lock()
	rs, running := m.running[id]
	m.runningMu.Unlock()
	if !running {
		return bridgeerr.Newf(bridgeerr.KindStateConflict, "container.Manager.Kill", "container %s is not running", id)
	}
	return m.vms.Signal(ctx, rs.handle, sig)
}

// Rename changes a container's name, atomic against name uniqueness via
// the store's UNIQUE constraint.
func (m *Manager) Rename(ctx context.Context, id, newName string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return m.store.UpdateContainerName(ctx, id, newName)
}

// AttachNetwork attaches a running container to an already-existing
// network. Requires a live guest CID, so it only works while running
// (spec.md §4.6's dynamic-attach contract; vmnet rejects this outright
// via its own DynamicAttachNotSupported).
func (m *Manager) AttachNetwork(ctx context.Context, id string, spec NetworkAttachSpec) (*store.NetworkAttachment, error) {
	m.runningMu.Lock()
	rs, running := m.running[id]
	m.runningMu.Unlock()
	if !running {
		return nil, bridgeerr.Newf(bridgeerr.KindStateConflict, "container.Manager.AttachNetwork", "container %s is not running", id)
	}

	net, err := m.store.GetNetwork(ctx, spec.NetworkID)
	if err != nil {
		return nil, err
	}
	backend, ok := m.networks[net.Driver]
	if !ok {
		return nil, bridgeerr.Newf(bridgeerr.KindInvalidArgument, "container.Manager.AttachNetwork", "no backend registered for driver %q", net.Driver)
	}

	res, err := backend.Attach(ctx, network.AttachRequest{
		Container: &store.Container{ID: id}, Network: net, RequestedIP: spec.RequestedIP,
		Aliases: spec.Aliases, GuestCID: rs.handle.GuestCID(),
	})
	if err != nil {
		return nil, err
	}

	a := &store.NetworkAttachment{
		ContainerID: id, NetworkID: net.ID, IP: res.IP, MAC: res.MAC, VsockPort: res.Port, AttachedAt: time.Now(),
	}
	if err := m.store.SaveNetworkAttachment(ctx, a); err != nil {
		backend.Detach(context.Background(), network.DetachRequest{Container: &store.Container{ID: id}, Network: net, GuestCID: rs.handle.GuestCID()})
		return nil, err
	}
	return a, nil
}

// DetachNetwork detaches a container from a network it is currently
// attached to.
func (m *Manager) DetachNetwork(ctx context.Context, id, networkID string) error {
	net, err := m.store.GetNetwork(ctx, networkID)
	if err != nil {
		return err
	}
	backend, ok := m.networks[net.Driver]
	if !ok {
		return bridgeerr.Newf(bridgeerr.KindInvalidArgument, "container.Manager.DetachNetwork", "no backend registered for driver %q", net.Driver)
	}

	var guestCID uint32
	m.runningMu.Lock()
	if rs, ok := m.running[id]; ok {
		guestCID = rs.handle.GuestCID()
	}
	m.runningMu.Unlock()

	if err := backend.Detach(ctx, network.DetachRequest{Container: &store.Container{ID: id}, Network: net, GuestCID: guestCID}); err != nil {
		slog.WarnContext(ctx, "container.Manager.DetachNetwork: backend detach failed", "container", id, "network", networkID, "err", err)
	}
	return m.store.DeleteNetworkAttachment(ctx, id, networkID)
}

// Remove deletes a container. Fails if running and not force (spec.md
// §4.11); if removeVolumes is set, also removes any anonymous volume
// referenced only by this container.
func (m *Manager) Remove(ctx context.Context, id string, force, removeVolumes bool) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	c, err := m.store.GetContainer(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == store.StatusRunning {
		if !force {
			return bridgeerr.Newf(bridgeerr.KindStateConflict, "container.Manager.Remove", "container %s is running", id)
		}
		m.runningMu.Lock()
		rs, running := m.running[id]
		m.runningMu.Unlock()
		if running {
			m.vms.Signal(ctx, rs.handle, SIGKILL)
			<-rs.exited
		}
	}

	m.ports.Unpublish(ctx, id)

	attachments, err := m.store.LoadNetworkAttachments(ctx, id)
	if err == nil {
		for _, a := range attachments {
			if net, err := m.store.GetNetwork(ctx, a.NetworkID); err == nil {
				if backend, ok := m.networks[net.Driver]; ok {
					if err := backend.Detach(ctx, network.DetachRequest{Container: c, Network: net}); err != nil {
						slog.WarnContext(ctx, "container.Manager.Remove: detach failed", "container", id, "network", net.ID, "err", err)
					}
				}
			}
		}
	}

	mounts, err := m.store.GetVolumeMounts(ctx, id)
	if err == nil && removeVolumes {
		for _, vm := range mounts {
			if !vm.IsAnonymous {
				continue
			}
			users, err := m.store.GetVolumeUsers(ctx, vm.VolumeName)
			if err == nil && len(users) <= 1 {
				if err := m.volumes.DeleteVolume(ctx, vm.VolumeName, true); err != nil {
					slog.WarnContext(ctx, "container.Manager.Remove: anonymous volume cleanup failed", "volume", vm.VolumeName, "err", err)
				}
			}
		}
	}
	if err := m.store.DeleteVolumeMounts(ctx, id); err != nil {
		slog.WarnContext(ctx, "container.Manager.Remove: delete volume mounts failed", "container", id, "err", err)
	}

	if err := m.overlay.Teardown(id); err != nil {
		slog.WarnContext(ctx, "container.Manager.Remove: overlay teardown failed", "container", id, "err", err)
	}
	if err := m.logs.RemoveLogs(id); err != nil {
		slog.WarnContext(ctx, "container.Manager.Remove: log removal failed", "container", id, "err", err)
	}

	m.locksMu.Lock()
	delete(m.locks, id)
	m.locksMu.Unlock()

	return m.store.DeleteContainer(ctx, id)
}
