package network

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arcabridge/arcad/internal/allocator"
	"github.com/arcabridge/arcad/internal/bridgeerr"
	"github.com/arcabridge/arcad/internal/rpc"
	"github.com/arcabridge/arcad/internal/store"
)

// VLAN ID pool bounds (spec.md §4.6): IDs below 100 are reserved for
// infrastructure use, leaving ~3995 usable tags.
const (
	vlanIDBase = 100
	vlanIDSpan = 3995
)

// VLAN is the host-bridge-VLAN-tag network backend (spec.md §4.6): each
// network gets its own 802.1Q tag, with the host's NetworkConfig agent
// creating a matching en0.<vlanID> interface inside the guest and the
// helper VM handling NAT/DHCP for the tag.
type VLAN struct {
	store   *store.Store
	subnets *SubnetAllocator
	ids     *allocator.Pool

	helperDial func(ctx context.Context) (*rpc.HelperVMClient, error)
	guestDial  func(ctx context.Context, cid uint32) (*rpc.NetworkConfigClient, error)
}

// NewVLAN builds a VLAN backend. Dial funcs may be overridden in tests.
func NewVLAN(s *store.Store, helperDial func(ctx context.Context) (*rpc.HelperVMClient, error), guestDial func(ctx context.Context, cid uint32) (*rpc.NetworkConfigClient, error)) *VLAN {
	if helperDial == nil {
		helperDial = func(ctx context.Context) (*rpc.HelperVMClient, error) {
			return rpc.DialHelperVM(ctx, helperVMCID)
		}
	}
	if guestDial == nil {
		guestDial = rpc.DialNetworkConfig
	}
	return &VLAN{
		store:      s,
		subnets:    NewSubnetAllocator(s),
		ids:        allocator.New(vlanIDBase, vlanIDSpan),
		helperDial: helperDial,
		guestDial:  guestDial,
	}
}

func (v *VLAN) Driver() string { return "vlan" }

// CreateNetwork allocates a VLAN tag and subnet, then asks the helper VM
// to provision the host-side VLAN interface plus NAT/DHCP.
func (v *VLAN) CreateNetwork(ctx context.Context, requestedSubnet string, labels, options map[string]string) (*store.Network, error) {
	vlanID, err := v.ids.Allocate()
	if err != nil {
		return nil, err
	}
	release := true
	defer func() {
		if release {
			v.ids.Release(vlanID)
		}
	}()

	subnet := requestedSubnet
	if subnet == "" {
		s, err := v.subnets.Allocate(ctx)
		if err != nil {
			return nil, err
		}
		subnet = s
	}
	gateway, err := GatewayFor(subnet)
	if err != nil {
		return nil, err
	}

	helper, err := v.helperDial(ctx)
	if err != nil {
		return nil, err
	}
	defer helper.Close()
	if err := helper.CreateVLAN(ctx, rpc.CreateVLANRequest{VLANID: vlanID, Subnet: subnet, Gateway: gateway}); err != nil {
		return nil, err
	}

	release = false
	optionsJSON, err := json.Marshal(map[string]string{"vlanId": fmt.Sprintf("%d", vlanID)})
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindInvalidArgument, "network.VLAN.CreateNetwork", err)
	}
	return &store.Network{
		Driver: v.Driver(), Scope: "local", Subnet: subnet, Gateway: gateway,
		OptionsJSON: string(optionsJSON),
	}, nil
}

// DeleteNetwork releases the VLAN tag. The helper VM's NAT/DHCP state for
// the tag is torn down along with the tag's reuse at next allocation;
// spec.md §4.6 does not require an explicit helper-side teardown RPC for
// VLAN the way bridge networks need DeleteLogicalSwitch.
func (v *VLAN) DeleteNetwork(ctx context.Context, n *store.Network) error {
	id, err := vlanIDOf(n)
	if err != nil {
		return err
	}
	v.ids.Release(id)
	return nil
}

// Attach creates the matching en0.<vlanID> interface inside the guest.
func (v *VLAN) Attach(ctx context.Context, req AttachRequest) (*AttachResult, error) {
	vlanID, err := vlanIDOf(req.Network)
	if err != nil {
		return nil, err
	}

	guest, err := v.guestDial(ctx, req.GuestCID)
	if err != nil {
		return nil, err
	}
	defer guest.Close()

	ip := req.RequestedIP
	if ip == "" {
		ip = req.Network.Gateway // placeholder until DHCP assigns one in-guest; spec leaves VLAN IP assignment to the guest's own DHCP client
	}
	if _, err := guest.CreateVLANInterface(ctx, rpc.CreateVLANInterfaceRequest{
		VLANID:  vlanID,
		IP:      ip,
		Gateway: req.Network.Gateway,
		Netmask: "255.255.0.0",
	}); err != nil {
		return nil, err
	}
	return &AttachResult{IP: ip, MAC: req.MAC}, nil
}

// Detach is a guest-local no-op: the interface disappears with the
// container VM itself, so there is no separate host-side unwiring step.
func (v *VLAN) Detach(ctx context.Context, req DetachRequest) error {
	return nil
}

// Reconcile re-reserves every in-use VLAN tag in the allocator and
// advances the subnet cursor, so a restart never reissues a tag or
// subnet that's already assigned.
func (v *VLAN) Reconcile(ctx context.Context, networks []*store.Network) error {
	for _, n := range networks {
		if n.Driver != v.Driver() {
			continue
		}
		if id, err := vlanIDOf(n); err == nil {
			_ = v.ids.Reserve(id)
		}
	}
	return v.subnets.ReconcileCursor(ctx, networks)
}

func vlanIDOf(n *store.Network) (int, error) {
	var options map[string]string
	if err := json.Unmarshal([]byte(n.OptionsJSON), &options); err != nil {
		return 0, bridgeerr.Newf(bridgeerr.KindInvalidArgument, "network.VLAN", "network %s has malformed options", n.ID)
	}
	raw, ok := options["vlanId"]
	if !ok {
		return 0, bridgeerr.Newf(bridgeerr.KindInvalidArgument, "network.VLAN", "network %s has no vlanId option", n.ID)
	}
	var id int
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
		return 0, bridgeerr.Newf(bridgeerr.KindInvalidArgument, "network.VLAN", "network %s has invalid vlanId %q", n.ID, raw)
	}
	return id, nil
}
