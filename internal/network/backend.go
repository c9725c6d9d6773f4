// Package network implements the three pluggable network backends of
// spec.md §4.6 behind a single Backend interface, plus subnet
// auto-allocation and startup reconciliation shared by all of them.
package network

import (
	"context"

	"github.com/arcabridge/arcad/internal/store"
)

// AttachRequest carries everything a backend needs to attach a running (or
// about-to-run) container to a network.
type AttachRequest struct {
	Container   *store.Container
	Network     *store.Network
	RequestedIP string
	MAC         string
	Aliases     []string
	GuestCID    uint32 // the container VM's vsock context ID
}

// AttachResult is what a successful attach persists (spec.md §4.6:
// "Persisted fields on attachment: IP, MAC, aliases"). Port is Bridge's
// own bookkeeping, not an API-visible attachment field: it is the vsock
// port the relay was allocated on, persisted so a restart can rebuild the
// port allocator (spec.md §4.7) instead of reissuing a port a still-live
// guest relay already holds. Non-bridge backends leave it zero.
type AttachResult struct {
	IP   string
	MAC  string
	Port int
}

// DetachRequest carries what a backend needs to tear an attachment down.
type DetachRequest struct {
	Container *store.Container
	Network   *store.Network
	GuestCID  uint32
}

// Backend is the contract every network driver implements. Not every
// backend supports every operation: Vmnet's Attach always fails with
// DynamicAttachNotSupported (spec.md §4.6).
type Backend interface {
	// Driver names the backend ("bridge", "vmnet", "vlan").
	Driver() string

	// CreateNetwork provisions the control-plane side of a new network
	// (e.g. an OVN logical switch), allocating a subnet if none was
	// requested.
	CreateNetwork(ctx context.Context, requestedSubnet string, labels, options map[string]string) (*store.Network, error)

	// DeleteNetwork tears down the control-plane side of a network.
	DeleteNetwork(ctx context.Context, n *store.Network) error

	// Attach wires a container into a network. May run after the
	// container is already running (spec.md §4.6's "dynamic" attach).
	Attach(ctx context.Context, req AttachRequest) (*AttachResult, error)

	// Detach unwires a container from a network. Best-effort: RPC and
	// relay errors are logged by the caller but never abort cleanup.
	Detach(ctx context.Context, req DetachRequest) error

	// Reconcile re-creates in-memory/control-plane state for every
	// persisted network of this driver on daemon startup.
	Reconcile(ctx context.Context, networks []*store.Network) error
}
