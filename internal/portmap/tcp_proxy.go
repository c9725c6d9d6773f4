package portmap

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/arcabridge/arcad/internal/bridgeerr"
)

const (
	proxyReadPoll  = 50 * time.Millisecond
	upstreamDialTO = 5 * time.Second
)

// tcpProxy listens on a host address and, per accepted connection, dials
// the upstream (vmnet IP) address and relays bytes bidirectionally.
// Bytes read from the client before the upstream dial completes are
// buffered and flushed once it connects (spec.md §4.8).
type tcpProxy struct {
	listener net.Listener
	upstream string

	wg   sync.WaitGroup
	done chan struct{}
}

func newTCPProxy(listenAddr, upstreamAddr string) (*tcpProxy, error) {
	lc := net.ListenConfig{Control: setReuseAddr}
	ln, err := lc.Listen(context.Background(), "tcp", listenAddr)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindAlreadyAllocated, "portmap.newTCPProxy", err)
	}
	p := &tcpProxy{listener: ln, upstream: upstreamAddr, done: make(chan struct{})}
	p.wg.Add(1)
	go p.acceptLoop()
	return p, nil
}

func (p *tcpProxy) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.done:
				return
			default:
				slog.Warn("portmap.tcpProxy: accept failed", "err", err)
				return
			}
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handle(conn)
		}()
	}
}

// handle buffers client bytes while dialing upstream, flushes them once
// connected, then relays both directions until either side closes.
func (p *tcpProxy) handle(client net.Conn) {
	defer client.Close()

	upstreamCh := make(chan net.Conn, 1)
	go func() {
		conn, err := net.DialTimeout("tcp", p.upstream, upstreamDialTO)
		if err != nil {
			slog.Warn("portmap.tcpProxy: upstream dial failed", "upstream", p.upstream, "err", err)
			close(upstreamCh)
			return
		}
		upstreamCh <- conn
	}()

	var pending bytes.Buffer
	var upstream net.Conn
	buf := make([]byte, 32*1024)

	for {
		if upstream == nil {
			select {
			case conn, ok := <-upstreamCh:
				if !ok {
					return
				}
				upstream = conn
				defer upstream.Close()
				if pending.Len() > 0 {
					if _, err := upstream.Write(pending.Bytes()); err != nil {
						return
					}
					pending.Reset()
				}
				go func() {
					io.Copy(client, upstream)
					client.Close()
				}()
			default:
			}
		}

		client.SetReadDeadline(time.Now().Add(proxyReadPoll))
		n, err := client.Read(buf)
		if n > 0 {
			if upstream != nil {
				if _, werr := upstream.Write(buf[:n]); werr != nil {
					return
				}
			} else {
				pending.Write(buf[:n])
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
	}
}

func (p *tcpProxy) Close() error {
	close(p.done)
	err := p.listener.Close()
	p.wg.Wait()
	return err
}
