package portmap

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/arcabridge/arcad/internal/bridgeerr"
	"github.com/arcabridge/arcad/internal/rpc"
)

func failingHelperDial(ctx context.Context) (*rpc.HelperVMClient, error) {
	return nil, bridgeerr.Newf(bridgeerr.KindDependencyFailed, "test", "no helper VM in tests")
}

func TestPublishRejectsBadProtocol(t *testing.T) {
	m := NewManager(failingHelperDial)
	err := m.Publish(context.Background(), PublishRequest{
		ContainerID: "c1",
		Bindings:    []Binding{{ContainerPort: 80, Proto: "sctp", HostIP: "127.0.0.1", HostPort: 8080}},
	})
	if bridgeerr.KindOf(err) != bridgeerr.KindInvalidArgument {
		t.Fatalf("Publish(bad proto) = %v, want KindInvalidArgument", err)
	}
}

func TestPublishFailsWithoutHelperAndReleasesAllocation(t *testing.T) {
	m := NewManager(failingHelperDial)
	ctx := context.Background()

	err := m.Publish(ctx, PublishRequest{
		ContainerID: "c1",
		VmnetIP:     "127.0.0.1",
		OverlayIP:   "10.0.0.5",
		UseProxy:    false,
		Bindings:    []Binding{{ContainerPort: 80, Proto: "tcp", HostIP: "127.0.0.1", HostPort: 18080}},
	})
	if err == nil {
		t.Fatal("expected failure: helper dial always fails")
	}

	m.mu.Lock()
	_, stillAllocated := m.allocated[allocationKey("127.0.0.1", 18080, "tcp")]
	m.mu.Unlock()
	if stillAllocated {
		t.Fatal("allocation must be released after a failed publish")
	}
}

func TestPublishRejectsDuplicateAllocation(t *testing.T) {
	m := NewManager(failingHelperDial)
	m.allocated[allocationKey("127.0.0.1", 9090, "tcp")] = true

	err := m.Publish(context.Background(), PublishRequest{
		ContainerID: "c1",
		Bindings:    []Binding{{ContainerPort: 80, Proto: "tcp", HostIP: "127.0.0.1", HostPort: 9090}},
	})
	if bridgeerr.KindOf(err) != bridgeerr.KindAlreadyAllocated {
		t.Fatalf("Publish(duplicate) = %v, want KindAlreadyAllocated", err)
	}
}

func TestTCPProxyForwardsAndBuffersBeforeUpstreamConnects(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstreamLn.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		n, _ := conn.Read(buf)
		received <- string(buf[:n])
	}()

	p, err := newTCPProxy("127.0.0.1:0", upstreamLn.Addr().String())
	if err != nil {
		t.Fatalf("newTCPProxy: %v", err)
	}
	defer p.Close()

	client, err := net.Dial("tcp", p.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("hello-upstream")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-received:
		if got != "hello-upstream" {
			t.Fatalf("upstream received %q, want hello-upstream", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for upstream to receive forwarded bytes")
	}
}
