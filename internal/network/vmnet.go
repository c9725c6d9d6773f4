package network

import (
	"context"

	"github.com/arcabridge/arcad/internal/bridgeerr"
	"github.com/arcabridge/arcad/internal/store"
)

// defaultVmnetSubnet/Gateway is the shared-NAT subnet
// vmnet.framework/Virtualization.framework hand out for a VZNATNetworkDeviceAttachment
// when no explicit subnet is requested: "subnet is chosen by the OS, not
// us" (spec.md §4.6). There is no discovery RPC in this driver to ask the
// OS which subnet it actually picked, so CreateNetwork records this
// well-known default rather than leaving the field empty.
const (
	defaultVmnetSubnet  = "192.168.64.0/24"
	defaultVmnetGateway = "192.168.64.1"
)

// Vmnet is the macOS vmnet.framework backend (spec.md §4.6). Unlike Bridge,
// it supports exactly one network: the interface is configured before the
// VM boots, so there is no dynamic attach path.
type Vmnet struct {
	store *store.Store
}

// NewVmnet builds a Vmnet backend.
func NewVmnet(s *store.Store) *Vmnet {
	return &Vmnet{store: s}
}

func (v *Vmnet) Driver() string { return "vmnet" }

// CreateNetwork rejects a second vmnet network: the driver has no
// data-plane multiplexing, so only one network may exist at a time
// (spec.md §4.6).
func (v *Vmnet) CreateNetwork(ctx context.Context, requestedSubnet string, labels, options map[string]string) (*store.Network, error) {
	existing, err := v.store.LoadAllNetworks(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range existing {
		if n.Driver == v.Driver() {
			return nil, bridgeerr.Newf(bridgeerr.KindStateConflict, "network.Vmnet.CreateNetwork",
				"only one vmnet network may exist at a time (existing: %s)", n.ID)
		}
	}

	if requestedSubnet == "" {
		return &store.Network{Driver: v.Driver(), Scope: "local", Subnet: defaultVmnetSubnet, Gateway: defaultVmnetGateway}, nil
	}
	gateway, err := GatewayFor(requestedSubnet)
	if err != nil {
		return nil, err
	}
	return &store.Network{Driver: v.Driver(), Scope: "local", Subnet: requestedSubnet, Gateway: gateway}, nil
}

// DeleteNetwork is a pure control-plane no-op: vmnet interfaces are torn
// down with the VM itself.
func (v *Vmnet) DeleteNetwork(ctx context.Context, n *store.Network) error {
	return nil
}

// Attach always fails: vmnet interfaces are wired in before the VM starts,
// so a container cannot be attached to one once it is already running
// (spec.md §4.6's DynamicAttachNotSupported).
func (v *Vmnet) Attach(ctx context.Context, req AttachRequest) (*AttachResult, error) {
	return nil, bridgeerr.Newf(bridgeerr.KindInvalidArgument, "network.Vmnet.Attach", "dynamic attach not supported by the vmnet driver")
}

// Detach mirrors Attach: there is nothing to unwire at runtime.
func (v *Vmnet) Detach(ctx context.Context, req DetachRequest) error {
	return bridgeerr.Newf(bridgeerr.KindInvalidArgument, "network.Vmnet.Detach", "dynamic detach not supported by the vmnet driver")
}

// Reconcile is a no-op: vmnet state lives entirely in the VM's launch
// configuration, not in any host-side control plane this backend owns.
func (v *Vmnet) Reconcile(ctx context.Context, networks []*store.Network) error {
	return nil
}
