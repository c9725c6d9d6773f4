package portmap

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/arcabridge/arcad/internal/bridgeerr"
)

// udpAssociationIdle is how long a client association may sit without
// traffic before its upstream socket is reclaimed (spec.md §4.8's
// "short-lived association table").
const udpAssociationIdle = 2 * time.Minute

// udpProxy relays datagrams between one listening host socket and the
// upstream vmnet address, keeping a short-lived per-client association so
// replies route back to the correct peer.
type udpProxy struct {
	conn     *net.UDPConn
	upstream *net.UDPAddr

	mu     sync.Mutex
	assocs map[string]*udpAssociation
	closed bool
}

type udpAssociation struct {
	clientAddr *net.UDPAddr
	upstream   *net.UDPConn
	timer      *time.Timer
}

func newUDPProxy(listenAddr, upstreamAddr string) (*udpProxy, error) {
	laddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindInvalidArgument, "portmap.newUDPProxy", err)
	}
	uaddr, err := net.ResolveUDPAddr("udp", upstreamAddr)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindInvalidArgument, "portmap.newUDPProxy", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindAlreadyAllocated, "portmap.newUDPProxy", err)
	}

	p := &udpProxy{conn: conn, upstream: uaddr, assocs: make(map[string]*udpAssociation)}
	go p.readLoop()
	return p, nil
}

func (p *udpProxy) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, clientAddr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			return // closed
		}
		assoc, err := p.associationFor(clientAddr)
		if err != nil {
			slog.Warn("portmap.udpProxy: association dial failed", "client", clientAddr, "err", err)
			continue
		}
		if _, err := assoc.upstream.Write(buf[:n]); err != nil {
			slog.Warn("portmap.udpProxy: write to upstream failed", "err", err)
		}
		assoc.timer.Reset(udpAssociationIdle)
	}
}

func (p *udpProxy) associationFor(clientAddr *net.UDPAddr) (*udpAssociation, error) {
	key := clientAddr.String()

	p.mu.Lock()
	if a, ok := p.assocs[key]; ok {
		p.mu.Unlock()
		return a, nil
	}
	p.mu.Unlock()

	upstreamConn, err := net.DialUDP("udp", nil, p.upstream)
	if err != nil {
		return nil, err
	}

	a := &udpAssociation{clientAddr: clientAddr, upstream: upstreamConn}
	a.timer = time.AfterFunc(udpAssociationIdle, func() { p.expire(key) })

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		upstreamConn.Close()
		a.timer.Stop()
		return nil, bridgeerr.New(bridgeerr.KindCancelled)
	}
	p.assocs[key] = a
	p.mu.Unlock()

	go p.relayReplies(key, a)
	return a, nil
}

func (p *udpProxy) relayReplies(key string, a *udpAssociation) {
	buf := make([]byte, 64*1024)
	for {
		n, err := a.upstream.Read(buf)
		if err != nil {
			return
		}
		if _, err := p.conn.WriteToUDP(buf[:n], a.clientAddr); err != nil {
			return
		}
	}
}

func (p *udpProxy) expire(key string) {
	p.mu.Lock()
	a, ok := p.assocs[key]
	if ok {
		delete(p.assocs, key)
	}
	p.mu.Unlock()
	if ok {
		a.upstream.Close()
	}
}

func (p *udpProxy) Close() error {
	p.mu.Lock()
	p.closed = true
	for key, a := range p.assocs {
		a.timer.Stop()
		a.upstream.Close()
		delete(p.assocs, key)
	}
	p.mu.Unlock()
	return p.conn.Close()
}
