package rpc

import (
	"context"

	"github.com/arcabridge/arcad/internal/bridgeerr"
)

// TAPForwarderPort is the vsock port the in-container TAP-forwarder
// control RPC listens on once launched (spec.md §4.6).
const TAPForwarderPort = 5555

// TAPForwarderClient calls a single container's in-guest TAP-forwarder.
type TAPForwarderClient struct{ c *Client }

// DialTAPForwarder opens a channel to the TAP-forwarder inside the
// container's VM, identified by cid. Dial itself retries per the capped
// backoff policy in spec.md §4.6; callers are still responsible for
// launching the forwarder process first if it isn't already running.
func DialTAPForwarder(ctx context.Context, cid uint32) (*TAPForwarderClient, error) {
	c, err := Dial(ctx, cid, TAPForwarderPort)
	if err != nil {
		return nil, err
	}
	return &TAPForwarderClient{c: c}, nil
}

// AttachNetworkRequest mirrors spec.md §4.6 step 4.
type AttachNetworkRequest struct {
	Device    string `json:"device"`
	VsockPort uint32 `json:"vsockPort"`
	IP        string `json:"ip"`
	Gateway   string `json:"gateway"`
	Netmask   string `json:"netmask"`
	MAC       string `json:"mac"`
}

type attachNetworkResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// AttachNetwork wires up the container-side TAP device.
func (t *TAPForwarderClient) AttachNetwork(ctx context.Context, req AttachNetworkRequest) error {
	var resp attachNetworkResponse
	if err := t.c.Invoke(ctx, "/tapforwarder.v1.TAPForwarder/AttachNetwork", req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return bridgeerr.Newf(bridgeerr.KindRemoteFailure, "rpc.AttachNetwork", "%s", resp.Message)
	}
	return nil
}

// DetachNetworkRequest mirrors spec.md §4.6's detach step.
type DetachNetworkRequest struct {
	Device string `json:"device"`
}

// DetachNetwork tears down the container-side TAP device. RPC failures
// here are logged by the caller and never abort the rest of cleanup
// (spec.md §4.6) — this method reports the error, it does not retry.
func (t *TAPForwarderClient) DetachNetwork(ctx context.Context, device string) error {
	var resp attachNetworkResponse
	if err := t.c.Invoke(ctx, "/tapforwarder.v1.TAPForwarder/DetachNetwork", DetachNetworkRequest{Device: device}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return bridgeerr.Newf(bridgeerr.KindRemoteFailure, "rpc.DetachNetwork", "%s", resp.Message)
	}
	return nil
}

// Close tears down the underlying channel.
func (t *TAPForwarderClient) Close() error { return t.c.Close() }
