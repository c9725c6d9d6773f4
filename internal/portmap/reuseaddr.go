package portmap

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setReuseAddr is a net.ListenConfig.Control hook that sets SO_REUSEADDR
// on the proxy's listening socket before bind, so a just-stopped
// container's proxy doesn't leave the host port in TIME_WAIT limbo for
// the next container that publishes it (spec.md §4.8).
func setReuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
