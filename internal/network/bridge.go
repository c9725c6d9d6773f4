package network

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/arcabridge/arcad/internal/allocator"
	"github.com/arcabridge/arcad/internal/bridgeerr"
	execpkg "github.com/arcabridge/arcad/internal/exec"
	"github.com/arcabridge/arcad/internal/netbridge"
	"github.com/arcabridge/arcad/internal/rpc"
	"github.com/arcabridge/arcad/internal/rpc/vsock"
	"github.com/arcabridge/arcad/internal/store"
)

// helperVMCID is the fixed context ID of the single shared helper VM this
// host maintains for OVN control, VLAN/NAT setup and the firewall.
const helperVMCID = 3

// vsockPortBase/Span bound the relay's vsock port allocator (~10000 ports,
// spec.md §4.2).
const (
	vsockPortBase = 20000
	vsockPortSpan = 10000
)

// tapForwarderBin is the in-guest path of the per-container TAP-forwarder
// daemon, exec'd on first attach (spec.md §4.6 step 3).
const tapForwarderBin = "/.arca/bin/arca-tap-forwarder"

// Bridge is the TAP-relay + OVN network backend (spec.md §4.6).
type Bridge struct {
	store   *store.Store
	subnets *SubnetAllocator
	ports   *allocator.Pool

	helperDial func(ctx context.Context) (*rpc.HelperVMClient, error)
	dialTAP    func(ctx context.Context, cid uint32) (*rpc.TAPForwarderClient, error)
	guestExec  execpkg.VMRuntime

	mu     sync.Mutex
	relays map[string]*netbridge.Relay // keyed by containerID+"/"+networkID
}

// NewBridge builds a Bridge backend. guestExec launches the in-guest
// TAP-forwarder daemon (step 3 of Attach); it may be nil, in which case
// Attach skips the launch and relies on the guest already running it.
// helperDial may be overridden in tests; production callers pass nil to
// get the real vsock-dialed helper client.
func NewBridge(s *store.Store, guestExec execpkg.VMRuntime, helperDial func(ctx context.Context) (*rpc.HelperVMClient, error)) *Bridge {
	if helperDial == nil {
		helperDial = func(ctx context.Context) (*rpc.HelperVMClient, error) {
			return rpc.DialHelperVM(ctx, helperVMCID)
		}
	}
	return &Bridge{
		store:      s,
		subnets:    NewSubnetAllocator(s),
		ports:      allocator.New(vsockPortBase, vsockPortSpan),
		helperDial: helperDial,
		dialTAP:    rpc.DialTAPForwarder,
		guestExec:  guestExec,
		relays:     make(map[string]*netbridge.Relay),
	}
}

func (b *Bridge) Driver() string { return "bridge" }

// CreateNetwork allocates (or accepts) a subnet and creates the OVN
// logical switch.
func (b *Bridge) CreateNetwork(ctx context.Context, requestedSubnet string, labels, options map[string]string) (*store.Network, error) {
	subnet := requestedSubnet
	if subnet == "" {
		s, err := b.subnets.Allocate(ctx)
		if err != nil {
			return nil, err
		}
		subnet = s
	}
	gateway, err := GatewayFor(subnet)
	if err != nil {
		return nil, err
	}

	helper, err := b.helperDial(ctx)
	if err != nil {
		return nil, err
	}
	defer helper.Close()

	n := &store.Network{Driver: b.Driver(), Scope: "local", Subnet: subnet, Gateway: gateway}
	// NetworkID/Name/timestamps/options/labels are filled by the caller
	// (ContainerManager's network-create orchestration) before SaveNetwork;
	// this backend only owns the control-plane side effect.
	if err := helper.CreateLogicalSwitch(ctx, rpc.CreateLogicalSwitchRequest{
		NetworkID: n.ID, Subnet: subnet, Gateway: gateway,
	}); err != nil {
		return nil, err
	}
	return n, nil
}

// DeleteNetwork removes the OVN logical switch.
func (b *Bridge) DeleteNetwork(ctx context.Context, n *store.Network) error {
	helper, err := b.helperDial(ctx)
	if err != nil {
		return err
	}
	defer helper.Close()
	return helper.DeleteLogicalSwitch(ctx, n.ID)
}

// Attach implements the 6-step dynamic attach contract of spec.md §4.6.
func (b *Bridge) Attach(ctx context.Context, req AttachRequest) (*AttachResult, error) {
	// 1. Allocate a vsock port from the port allocator.
	port, err := b.ports.Allocate()
	if err != nil {
		return nil, err
	}
	release := true
	defer func() {
		if release {
			b.ports.Release(port)
		}
	}()

	// 3. Launch the in-guest TAP-forwarder if it isn't already running.
	if err := b.launchTAPForwarder(ctx, req); err != nil {
		slog.DebugContext(ctx, "network.Bridge.Attach: TAP-forwarder launch failed, dialing anyway", "container", req.Container.ID, "err", err)
	}

	// 2. Dial its control RPC; the dial itself retries with capped
	// exponential backoff (rpc.Dial), since the daemon may still be
	// starting up right after exec.
	tap, err := b.dialTAP(ctx, req.GuestCID)
	if err != nil {
		return nil, err
	}
	defer tap.Close()

	device := fmt.Sprintf("eth-%s", req.Network.ID[:12])
	// 4. Send AttachNetwork; failure rolls back the port.
	if err := tap.AttachNetwork(ctx, rpc.AttachNetworkRequest{
		Device:    device,
		VsockPort: uint32(port),
		IP:        req.RequestedIP,
		Gateway:   req.Network.Gateway,
		Netmask:   "255.255.0.0",
		MAC:       req.MAC,
	}); err != nil {
		return nil, err
	}

	// 5. AttachContainer RPC to OVN control.
	helper, err := b.helperDial(ctx)
	if err != nil {
		return nil, err
	}
	defer helper.Close()

	assignedIP, err := helper.AttachContainer(ctx, rpc.AttachContainerRequest{
		NetworkID: req.Network.ID, ContainerID: req.Container.ID, MAC: req.MAC, IP: req.RequestedIP,
	})
	if err != nil {
		return nil, err
	}

	// 6. Start the host-side bidirectional relay.
	containerConn, err := vsock.Dial(ctx, req.GuestCID, uint32(port))
	if err != nil {
		return nil, err
	}
	helperConn, err := vsock.Dial(ctx, helperVMCID, uint32(port)+10000)
	if err != nil {
		containerConn.Close()
		return nil, err
	}

	relay := netbridge.New(containerConn, helperConn)
	key := relayKey(req.Container.ID, req.Network.ID)
	b.mu.Lock()
	b.relays[key] = relay
	b.mu.Unlock()
	go func() {
		if err := relay.Run(context.Background()); err != nil {
			slog.Error("network.Bridge: relay terminated", "container", req.Container.ID, "network", req.Network.ID, "err", err)
		}
	}()

	release = false
	return &AttachResult{IP: assignedIP, MAC: req.MAC, Port: port}, nil
}

// launchTAPForwarder execs the per-container TAP-forwarder daemon inside
// the guest. It is best-effort: a forwarder already running for this
// container (the common case on any attach past a container's first) is
// expected to make this fail, and the caller falls back to dialing the
// one already there.
func (b *Bridge) launchTAPForwarder(ctx context.Context, req AttachRequest) error {
	if b.guestExec == nil {
		return nil
	}
	proc, err := b.guestExec.StartProcess(ctx, req.Container.ID, execpkg.ProcessSpec{
		ContainerID: req.Container.ID,
		Cmd:         []string{tapForwarderBin},
	})
	if err != nil {
		return err
	}
	if out := proc.Stdout(); out != nil {
		go io.Copy(io.Discard, out)
	}
	if errR := proc.Stderr(); errR != nil {
		go io.Copy(io.Discard, errR)
	}
	go func() {
		if _, err := proc.Wait(); err != nil {
			slog.Warn("network.Bridge: TAP-forwarder process exited", "container", req.Container.ID, "err", err)
		}
	}()
	return nil
}

// Detach sends DetachNetwork, cancels the relay, releases the port, and
// deletes the OVN logical port. Every step is best-effort per spec.md
// §4.6: failures are logged, not returned, so cleanup always completes.
func (b *Bridge) Detach(ctx context.Context, req DetachRequest) error {
	key := relayKey(req.Container.ID, req.Network.ID)

	b.mu.Lock()
	relay, ok := b.relays[key]
	delete(b.relays, key)
	b.mu.Unlock()
	if ok {
		relay.Cancel()
	}

	device := fmt.Sprintf("eth-%s", req.Network.ID[:12])
	if tap, err := b.dialTAP(ctx, req.GuestCID); err == nil {
		if err := tap.DetachNetwork(ctx, device); err != nil {
			slog.WarnContext(ctx, "network.Bridge.Detach: DetachNetwork failed", "err", err)
		}
		tap.Close()
	} else {
		slog.WarnContext(ctx, "network.Bridge.Detach: dial TAP-forwarder failed", "err", err)
	}

	if helper, err := b.helperDial(ctx); err == nil {
		if err := helper.DetachContainer(ctx, rpc.DetachContainerRequest{
			NetworkID: req.Network.ID, ContainerID: req.Container.ID,
		}); err != nil {
			slog.WarnContext(ctx, "network.Bridge.Detach: DetachContainer failed", "err", err)
		}
		helper.Close()
	} else {
		slog.WarnContext(ctx, "network.Bridge.Detach: dial helper VM failed", "err", err)
	}

	return nil
}

// Reconcile re-creates each network's OVN logical switch (idempotent),
// rebuilds the in-memory vsock port allocator from persisted attachments
// (spec.md §4.7), and advances the subnet cursor past every observed
// 172.X.0.0/16 value.
func (b *Bridge) Reconcile(ctx context.Context, networks []*store.Network) error {
	helper, err := b.helperDial(ctx)
	if err != nil {
		return err
	}
	defer helper.Close()

	netIDs := make(map[string]bool, len(networks))
	for _, n := range networks {
		netIDs[n.ID] = true
		if err := helper.CreateLogicalSwitch(ctx, rpc.CreateLogicalSwitchRequest{
			NetworkID: n.ID, Subnet: n.Subnet, Gateway: n.Gateway,
		}); err != nil {
			return bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "network.Bridge.Reconcile", err)
		}
	}

	if err := b.reserveAttachedPorts(ctx, netIDs); err != nil {
		return err
	}
	return b.subnets.ReconcileCursor(ctx, networks)
}

// reserveAttachedPorts marks every vsock port recorded against a
// bridge-driven attachment as in-use, so a restart never hands out a port
// a relay surviving in the guest still holds.
func (b *Bridge) reserveAttachedPorts(ctx context.Context, netIDs map[string]bool) error {
	attachments, err := b.store.LoadAllNetworkAttachments(ctx)
	if err != nil {
		return err
	}
	for _, a := range attachments {
		if !netIDs[a.NetworkID] || a.VsockPort == 0 {
			continue
		}
		if err := b.ports.Reserve(a.VsockPort); err != nil {
			slog.WarnContext(ctx, "network.Bridge.Reconcile: stale vsock port in attachment", "container", a.ContainerID, "network", a.NetworkID, "port", a.VsockPort, "err", err)
		}
	}
	return nil
}

func relayKey(containerID, networkID string) string {
	return containerID + "/" + networkID
}
