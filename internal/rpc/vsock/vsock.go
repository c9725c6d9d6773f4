// Package vsock implements the point-to-point AF_VSOCK transport used to
// reach the in-guest agents (overlayfs, TAP-forwarder, network-config,
// firewall, helper-VM router) described in spec.md §4.4/§4.6/§4.8/§4.9.
package vsock

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// VMADDRCIDHost is the reserved CID addressing the hypervisor side of a
// vsock connection from within a guest; dialing out from the host always
// targets a specific guest CID instead.
const VMADDRCIDHost = 2

// Addr identifies one vsock endpoint: a guest's context ID and a port.
type Addr struct {
	CID  uint32
	Port uint32
}

func (a Addr) String() string { return fmt.Sprintf("vsock:%d:%d", a.CID, a.Port) }

type vsockAddr struct{ Addr }

func (vsockAddr) Network() string { return "vsock" }

// Dial connects to (cid, port), honoring ctx cancellation by racing the
// connect against ctx.Done and closing the socket if ctx wins. The raw
// socket is handed to net.FileConn so the returned net.Conn gets working
// SetDeadline/SetReadDeadline/SetWriteDeadline via the runtime network
// poller, same as any other net.Conn.
func Dial(ctx context.Context, cid, port uint32) (net.Conn, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("vsock: socket: %w", err)
	}

	sa := &unix.SockaddrVM{CID: cid, Port: port}

	done := make(chan error, 1)
	go func() { done <- unix.Connect(fd, sa) }()

	select {
	case err := <-done:
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("vsock: connect %s: %w", Addr{cid, port}, err)
		}
	case <-ctx.Done():
		unix.Close(fd)
		return nil, ctx.Err()
	}

	f := os.NewFile(uintptr(fd), Addr{cid, port}.String())
	defer f.Close()

	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("vsock: wrap %s: %w", Addr{cid, port}, err)
	}
	return &namedConn{Conn: c, remote: vsockAddr{Addr{CID: cid, Port: port}}}, nil
}

// namedConn overrides RemoteAddr so callers (and otelgrpc's net.peer.name
// attribute) see the vsock address instead of net.FileConn's generic one.
type namedConn struct {
	net.Conn
	remote net.Addr
}

func (c *namedConn) RemoteAddr() net.Addr { return c.remote }

// DialTimeout is Dial with a bounded context built from timeout.
func DialTimeout(cid, port uint32, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return Dial(ctx, cid, port)
}
