package rpc

import "context"

// OverlayFSPort is the well-known vsock port the in-guest overlayfs
// service listens on (spec.md §4.4).
const OverlayFSPort = 51821

// OverlayFSClient calls the in-guest overlayfs service.
type OverlayFSClient struct{ c *Client }

// DialOverlayFS opens a channel to the overlayfs service inside the guest
// identified by cid.
func DialOverlayFS(ctx context.Context, cid uint32) (*OverlayFSClient, error) {
	c, err := Dial(ctx, cid, OverlayFSPort)
	if err != nil {
		return nil, err
	}
	return &OverlayFSClient{c: c}, nil
}

// MountOverlayRequest mirrors the in-guest MountOverlay RPC's parameters
// (spec.md §4.4): lower block devices in manifest order, the writable
// image's upper/work directories, and the mount target.
type MountOverlayRequest struct {
	LowerBlockDevices []string `json:"lowerBlockDevices"`
	UpperDir          string   `json:"upperDir"`
	WorkDir           string   `json:"workDir"`
	Target            string   `json:"target"`
}

type mountOverlayResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// MountOverlay mounts the per-container overlayfs at req.Target.
func (o *OverlayFSClient) MountOverlay(ctx context.Context, req MountOverlayRequest) error {
	var resp mountOverlayResponse
	if err := o.c.Invoke(ctx, "/overlayfs.v1.OverlayFS/MountOverlay", req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return mountFailedErr("overlay.MountOverlay", resp.Message)
	}
	return nil
}

type unmountOverlayRequest struct {
	Target string `json:"target"`
}

// UnmountOverlay tears down the overlay mounted at target.
func (o *OverlayFSClient) UnmountOverlay(ctx context.Context, target string) error {
	var resp mountOverlayResponse
	if err := o.c.Invoke(ctx, "/overlayfs.v1.OverlayFS/UnmountOverlay", unmountOverlayRequest{Target: target}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return unmountFailedErr("overlay.UnmountOverlay", resp.Message)
	}
	return nil
}

// Close tears down the underlying channel.
func (o *OverlayFSClient) Close() error { return o.c.Close() }
