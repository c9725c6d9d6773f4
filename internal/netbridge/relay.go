// Package netbridge implements the host-side data plane described in
// spec.md §4.7: a bidirectional Ethernet-frame relay between a
// container's vsock endpoint and the helper VM's matching vsock endpoint.
package netbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// frameBufferSize is the relay's read chunk size (spec.md §4.7).
const frameBufferSize = 64 * 1024

// eagainYield scales the relay loop's rolling read deadline (50 times this
// value, 50ms): a read that times out is retried at once after the loop
// re-checks ctx.
const eagainYield = time.Millisecond

// Relay forwards frames between two already-connected vsock sockets, one
// goroutine per direction, until either side closes or ctx is cancelled.
type Relay struct {
	containerConn net.Conn
	helperConn    net.Conn

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New wraps two connected endpoints. Run starts the forwarders.
func New(containerConn, helperConn net.Conn) *Relay {
	return &Relay{containerConn: containerConn, helperConn: helperConn}
}

// Run starts both directions and blocks until one terminates (EOF, read
// error, or ctx cancellation), at which point the other is cancelled and
// both descriptors are closed. Returns the first error encountered, or nil
// on a clean ctx cancellation.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()
	defer close(r.done)
	defer r.closeBoth()

	// Each direction runs independently; when either terminates for any
	// reason (EOF, error, or outer cancellation) the enclosing task
	// cancels the other (spec.md §4.7).
	g, gctx := errgroup.WithContext(ctx)
	innerCtx, cancelInner := context.WithCancel(gctx)
	defer cancelInner()

	g.Go(func() error {
		defer cancelInner()
		return forward(innerCtx, r.containerConn, r.helperConn, "container->helper")
	})
	g.Go(func() error {
		defer cancelInner()
		return forward(innerCtx, r.helperConn, r.containerConn, "helper->container")
	})

	go func() {
		<-ctx.Done()
		r.closeBoth()
	}()

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Cancel stops both forwarders and closes both descriptors, matching the
// detach/cleanup contract in spec.md §4.7.
func (r *Relay) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-r.doneCh()
}

func (r *Relay) doneCh() chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		d := make(chan struct{})
		close(d)
		return d
	}
	return r.done
}

func (r *Relay) closeBoth() {
	r.containerConn.Close()
	r.helperConn.Close()
}

// forward copies frames from src to dst until EOF, a read/write error, or
// ctx cancellation. A partial write is a hard error (spec.md §4.7):
// anything other than writing the exact byte count read is treated as a
// lost connection, not retried.
func forward(ctx context.Context, src, dst net.Conn, direction string) error {
	buf := make([]byte, frameBufferSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		src.SetReadDeadline(time.Now().Add(eagainYield * 50))
		n, err := src.Read(buf)
		if n > 0 {
			if werr := writeExact(dst, buf[:n]); werr != nil {
				return fmt.Errorf("netbridge: %s: partial write: %w", direction, werr)
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) {
				slog.InfoContext(ctx, "netbridge: direction closed", "direction", direction)
				return nil
			}
			return fmt.Errorf("netbridge: %s: %w", direction, err)
		}
	}
}

// writeExact writes the full buffer or returns an error; a short write
// without an error is itself promoted to an error since it violates the
// "partial writes are a hard error" contract.
func writeExact(dst net.Conn, p []byte) error {
	n, err := dst.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("wrote %d of %d bytes", n, len(p))
	}
	return nil
}
