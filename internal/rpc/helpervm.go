package rpc

import (
	"context"

	"github.com/arcabridge/arcad/internal/bridgeerr"
)

// HelperVMPort is the helper-VM router/firewall RPC port (spec.md §4.6,
// §4.8). The helper VM hosts the OVN control plane, VLAN/NAT/DHCP setup,
// and the host-port firewall DNAT rules.
const HelperVMPort = 50052

// HelperVMClient calls the helper VM's router/firewall/OVN-control RPCs.
// Unlike the per-container clients above, this dials a fixed, known CID
// for the single shared helper VM.
type HelperVMClient struct{ c *Client }

// DialHelperVM opens a channel to the helper VM identified by cid.
func DialHelperVM(ctx context.Context, cid uint32) (*HelperVMClient, error) {
	c, err := Dial(ctx, cid, HelperVMPort)
	if err != nil {
		return nil, err
	}
	return &HelperVMClient{c: c}, nil
}

// CreateLogicalSwitchRequest creates (idempotently) the OVN logical switch
// backing one bridge-driver network (spec.md §4.6).
type CreateLogicalSwitchRequest struct {
	NetworkID string `json:"networkId"`
	Subnet    string `json:"subnet"`
	Gateway   string `json:"gateway"`
}

type okResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// CreateLogicalSwitch is idempotent: calling it again for an
// already-created network id is a no-op success.
func (h *HelperVMClient) CreateLogicalSwitch(ctx context.Context, req CreateLogicalSwitchRequest) error {
	var resp okResponse
	if err := h.c.Invoke(ctx, "/helpervm.v1.Router/CreateLogicalSwitch", req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return bridgeerr.Newf(bridgeerr.KindRemoteFailure, "rpc.CreateLogicalSwitch", "%s", resp.Message)
	}
	return nil
}

// DeleteLogicalSwitchRequest removes the OVN logical switch for a network.
type DeleteLogicalSwitchRequest struct {
	NetworkID string `json:"networkId"`
}

// DeleteLogicalSwitch removes the OVN logical switch for networkID.
func (h *HelperVMClient) DeleteLogicalSwitch(ctx context.Context, networkID string) error {
	var resp okResponse
	if err := h.c.Invoke(ctx, "/helpervm.v1.Router/DeleteLogicalSwitch", DeleteLogicalSwitchRequest{NetworkID: networkID}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return bridgeerr.Newf(bridgeerr.KindRemoteFailure, "rpc.DeleteLogicalSwitch", "%s", resp.Message)
	}
	return nil
}

// AttachContainerRequest mirrors spec.md §4.6 step 5: the OVN side of a
// bridge-driver attach, requesting (or letting OVN's DHCP assign) an IP.
type AttachContainerRequest struct {
	NetworkID   string `json:"networkId"`
	ContainerID string `json:"containerId"`
	MAC         string `json:"mac"`
	IP          string `json:"ip,omitempty"` // empty means DHCP-assigned
}

type attachContainerResponse struct {
	Success bool   `json:"success"`
	IP      string `json:"ip"`
	Message string `json:"message,omitempty"`
}

// AttachContainer creates the OVN logical port and returns the IP actually
// assigned (which equals req.IP when one was requested).
func (h *HelperVMClient) AttachContainer(ctx context.Context, req AttachContainerRequest) (string, error) {
	var resp attachContainerResponse
	if err := h.c.Invoke(ctx, "/helpervm.v1.Router/AttachContainer", req, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", bridgeerr.Newf(bridgeerr.KindRemoteFailure, "rpc.AttachContainer", "%s", resp.Message)
	}
	return resp.IP, nil
}

// DetachContainerRequest removes a container's OVN logical port.
type DetachContainerRequest struct {
	NetworkID   string `json:"networkId"`
	ContainerID string `json:"containerId"`
}

// DetachContainer removes the OVN logical port for a container.
func (h *HelperVMClient) DetachContainer(ctx context.Context, req DetachContainerRequest) error {
	var resp okResponse
	if err := h.c.Invoke(ctx, "/helpervm.v1.Router/DetachContainer", req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return bridgeerr.Newf(bridgeerr.KindRemoteFailure, "rpc.DetachContainer", "%s", resp.Message)
	}
	return nil
}

// CreateVLANRequest asks the helper VM to create the host-side VLAN
// interface plus NAT/DHCP for a VLAN-driver network.
type CreateVLANRequest struct {
	VLANID  int    `json:"vlanId"`
	Subnet  string `json:"subnet"`
	Gateway string `json:"gateway"`
}

// CreateVLAN provisions the helper-VM side of a VLAN network.
func (h *HelperVMClient) CreateVLAN(ctx context.Context, req CreateVLANRequest) error {
	var resp okResponse
	if err := h.c.Invoke(ctx, "/helpervm.v1.Router/CreateVLAN", req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return bridgeerr.Newf(bridgeerr.KindRemoteFailure, "rpc.CreateVLAN", "%s", resp.Message)
	}
	return nil
}

// FirewallDNATRequest installs or removes a DNAT rule for a published
// port (spec.md §4.8).
type FirewallDNATRequest struct {
	HostIP        string `json:"hostIp"`
	HostPort      int    `json:"hostPort"`
	Proto         string `json:"proto"`
	ContainerIP   string `json:"containerIp"`
	ContainerPort int    `json:"containerPort"`
}

// InstallDNAT installs a DNAT rule routing <hostIp>:<hostPort> to
// <containerIp>:<containerPort>.
func (h *HelperVMClient) InstallDNAT(ctx context.Context, req FirewallDNATRequest) error {
	var resp okResponse
	if err := h.c.Invoke(ctx, "/helpervm.v1.Firewall/InstallDNAT", req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return bridgeerr.Newf(bridgeerr.KindRemoteFailure, "rpc.InstallDNAT", "%s", resp.Message)
	}
	return nil
}

// RemoveDNAT removes a previously installed DNAT rule. Like DetachNetwork,
// failures here are logged by the caller and never abort the rest of
// unpublish cleanup (spec.md §4.8).
func (h *HelperVMClient) RemoveDNAT(ctx context.Context, req FirewallDNATRequest) error {
	var resp okResponse
	if err := h.c.Invoke(ctx, "/helpervm.v1.Firewall/RemoveDNAT", req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return bridgeerr.Newf(bridgeerr.KindRemoteFailure, "rpc.RemoveDNAT", "%s", resp.Message)
	}
	return nil
}

// Close tears down the underlying channel.
func (h *HelperVMClient) Close() error { return h.c.Close() }
