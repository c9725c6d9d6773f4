// Package portmap implements host port publishing (spec.md §4.8): parsing
// port bindings, spawning userspace TCP/UDP proxies for loopback
// reachability, and calling the helper-VM firewall RPC to install the
// matching DNAT rule.
package portmap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arcabridge/arcad/internal/bridgeerr"
	"github.com/arcabridge/arcad/internal/rpc"
)

// Binding is one requested port publication.
type Binding struct {
	ContainerPort int
	Proto         string // "tcp" or "udp"
	HostIP        string
	HostPort      int
}

// PublishRequest carries everything Manager.Publish needs for one
// container's port bindings.
type PublishRequest struct {
	ContainerID string
	OverlayIP   string // the container's bridge/vlan overlay IP, DNAT target
	VmnetIP     string // the container's vmnet IP, proxy forward target
	Bindings    []Binding
	UseProxy    bool // spec.md §4.8: userspace proxy is the default path
}

// active is what Manager tracks per published binding so Unpublish can
// tear everything back down.
type active struct {
	key     string
	binding Binding
	proxy   proxy
}

type proxy interface {
	Close() error
}

// Manager is the PortMapManager of spec.md §4.8.
type Manager struct {
	mu         sync.Mutex
	allocated  map[string]bool
	published  map[string][]*active // containerID -> its active publications
	helperDial func(ctx context.Context) (*rpc.HelperVMClient, error)
}

// NewManager builds a Manager. helperDial may be nil to dial the real
// vsock-backed helper VM.
func NewManager(helperDial func(ctx context.Context) (*rpc.HelperVMClient, error)) *Manager {
	if helperDial == nil {
		helperDial = defaultHelperDial
	}
	return &Manager{
		allocated:  make(map[string]bool),
		published:  make(map[string][]*active),
		helperDial: helperDial,
	}
}

func defaultHelperDial(ctx context.Context) (*rpc.HelperVMClient, error) {
	const helperVMCID = 3
	return rpc.DialHelperVM(ctx, helperVMCID)
}

func allocationKey(hostIP string, hostPort int, proto string) string {
	return fmt.Sprintf("%s:%d/%s", hostIP, hostPort, proto)
}

// Publish validates and publishes every binding in req, rolling back
// everything it already published on the first failure so a partial
// publish never leaves a dangling proxy or allocation.
func (m *Manager) Publish(ctx context.Context, req PublishRequest) error {
	var done []*active
	rollback := func() {
		for _, a := range done {
			m.teardownOne(ctx, a)
		}
	}

	for _, b := range req.Bindings {
		if b.Proto != "tcp" && b.Proto != "udp" {
			rollback()
			return bridgeerr.Newf(bridgeerr.KindInvalidArgument, "portmap.Manager.Publish", "unsupported protocol %q", b.Proto)
		}
		if b.HostPort <= 0 || b.HostPort > 65535 || b.ContainerPort <= 0 || b.ContainerPort > 65535 {
			rollback()
			return bridgeerr.Newf(bridgeerr.KindInvalidArgument, "portmap.Manager.Publish", "invalid port in binding %+v", b)
		}

		key := allocationKey(b.HostIP, b.HostPort, b.Proto)
		m.mu.Lock()
		if m.allocated[key] {
			m.mu.Unlock()
			rollback()
			return bridgeerr.Newf(bridgeerr.KindAlreadyAllocated, "portmap.Manager.Publish",
				"Bind for %s:%d failed: port is already allocated", b.HostIP, b.HostPort)
		}
		m.allocated[key] = true
		m.mu.Unlock()

		a := &active{key: key, binding: b}

		if req.UseProxy {
			p, err := newProxy(b.Proto, fmt.Sprintf("%s:%d", b.HostIP, b.HostPort), fmt.Sprintf("%s:%d", req.VmnetIP, b.HostPort))
			if err != nil {
				m.release(key)
				rollback()
				return err
			}
			a.proxy = p
		}

		helper, err := m.helperDial(ctx)
		if err != nil {
			if a.proxy != nil {
				a.proxy.Close()
			}
			m.release(key)
			rollback()
			return err
		}
		dnatErr := helper.InstallDNAT(ctx, rpc.FirewallDNATRequest{
			HostIP: b.HostIP, HostPort: b.HostPort, Proto: b.Proto,
			ContainerIP: req.OverlayIP, ContainerPort: b.ContainerPort,
		})
		helper.Close()
		if dnatErr != nil {
			if a.proxy != nil {
				a.proxy.Close()
			}
			m.release(key)
			rollback()
			return dnatErr
		}

		done = append(done, a)
	}

	m.mu.Lock()
	m.published[req.ContainerID] = append(m.published[req.ContainerID], done...)
	m.mu.Unlock()
	return nil
}

// Unpublish tears down every publication for containerID. Every step is
// best-effort: a stopped proxy, a failed RemoveDNAT call, and a missing
// helper VM connection are all logged rather than aborting the rest of
// cleanup (spec.md §4.8: "Cleanup must always run").
func (m *Manager) Unpublish(ctx context.Context, containerID string) {
	m.mu.Lock()
	actives := m.published[containerID]
	delete(m.published, containerID)
	m.mu.Unlock()

	for _, a := range actives {
		m.teardownOne(ctx, a)
	}
}

func (m *Manager) teardownOne(ctx context.Context, a *active) {
	if a.proxy != nil {
		if err := a.proxy.Close(); err != nil {
			slog.WarnContext(ctx, "portmap.Manager: proxy close failed", "key", a.key, "err", err)
		}
	}
	if helper, err := m.helperDial(ctx); err == nil {
		if err := helper.RemoveDNAT(ctx, rpc.FirewallDNATRequest{
			HostIP: a.binding.HostIP, HostPort: a.binding.HostPort, Proto: a.binding.Proto,
		}); err != nil {
			slog.WarnContext(ctx, "portmap.Manager: RemoveDNAT failed", "key", a.key, "err", err)
		}
		helper.Close()
	} else {
		slog.WarnContext(ctx, "portmap.Manager: dial helper VM failed during teardown", "key", a.key, "err", err)
	}
	m.release(a.key)
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	delete(m.allocated, key)
	m.mu.Unlock()
}

func newProxy(proto, listenAddr, upstreamAddr string) (proxy, error) {
	switch proto {
	case "tcp":
		return newTCPProxy(listenAddr, upstreamAddr)
	case "udp":
		return newUDPProxy(listenAddr, upstreamAddr)
	default:
		return nil, bridgeerr.Newf(bridgeerr.KindInvalidArgument, "portmap.newProxy", "unsupported protocol %q", proto)
	}
}
