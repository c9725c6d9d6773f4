package rpc

import (
	"context"

	"github.com/arcabridge/arcad/internal/bridgeerr"
)

// NetworkConfigPort is the in-guest network-config/VLAN RPC port
// (spec.md §4.6).
const NetworkConfigPort = 50051

// NetworkConfigClient calls a container's in-guest network-config agent,
// used by the VLAN driver to create the matching en0.<vlanID> interface.
type NetworkConfigClient struct{ c *Client }

// DialNetworkConfig opens a channel to the network-config agent inside
// the guest identified by cid.
func DialNetworkConfig(ctx context.Context, cid uint32) (*NetworkConfigClient, error) {
	c, err := Dial(ctx, cid, NetworkConfigPort)
	if err != nil {
		return nil, err
	}
	return &NetworkConfigClient{c: c}, nil
}

// CreateVLANInterfaceRequest mirrors spec.md §4.6's VLAN driver contract.
type CreateVLANInterfaceRequest struct {
	VLANID  int    `json:"vlanId"`
	IP      string `json:"ip"`
	Gateway string `json:"gateway"`
	Netmask string `json:"netmask"`
}

type createVLANInterfaceResponse struct {
	Success   bool   `json:"success"`
	Interface string `json:"interface"`
	Message   string `json:"message,omitempty"`
}

// CreateVLANInterface creates en0.<vlanId> inside the guest with the
// assigned IP/gateway, returning the resulting interface name.
func (n *NetworkConfigClient) CreateVLANInterface(ctx context.Context, req CreateVLANInterfaceRequest) (string, error) {
	var resp createVLANInterfaceResponse
	if err := n.c.Invoke(ctx, "/networkconfig.v1.NetworkConfig/CreateVLANInterface", req, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", bridgeerr.Newf(bridgeerr.KindRemoteFailure, "rpc.CreateVLANInterface", "%s", resp.Message)
	}
	return resp.Interface, nil
}

// Close tears down the underlying channel.
func (n *NetworkConfigClient) Close() error { return n.c.Close() }
