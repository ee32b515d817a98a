package bridge

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"
)

const tunnelDialTimeout = 30 * time.Second

// DialFunc opens a stream to addr through the session's SSH transport
// (direct-tcpip).
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Tunnel is a local TCP listener whose accepted connections are each
// bridged to a direct-tcpip channel. Its lifetime is bound to the owning
// session: closing the session closes the listener and every live pipe.
type Tunnel struct {
	ln         net.Listener
	dial       DialFunc
	remoteAddr string
	emit       Emitter

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// OpenTunnel binds 127.0.0.1:localPort (0 picks an ephemeral port) and
// starts forwarding to remoteHost:remotePort through dial.
func OpenTunnel(dial DialFunc, localPort int, remoteHost string, remotePort int, emit Emitter) (*Tunnel, error) {
	if remoteHost == "" || remotePort < 1 || remotePort > 65535 {
		return nil, fmt.Errorf("invalid tunnel target %s:%d", remoteHost, remotePort)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		return nil, fmt.Errorf("listen on local port %d: %w", localPort, err)
	}

	t := &Tunnel{
		ln:         ln,
		dial:       dial,
		remoteAddr: net.JoinHostPort(remoteHost, fmt.Sprintf("%d", remotePort)),
		emit:       emit,
		conns:      make(map[net.Conn]struct{}),
		done:       make(chan struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

// LocalAddr is the bound listener address, for reporting the ephemeral port.
func (t *Tunnel) LocalAddr() string { return t.ln.Addr().String() }

// Done is closed when the listener stops accepting.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

// Close stops the listener and severs every live pipe. Idempotent.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() {
		t.ln.Close()
		t.mu.Lock()
		for c := range t.conns {
			c.Close()
		}
		t.mu.Unlock()
	})
}

func (t *Tunnel) acceptLoop() {
	defer close(t.done)
	for {
		local, err := t.ln.Accept()
		if err != nil {
			return
		}
		go t.forward(local)
	}
}

func (t *Tunnel) forward(local net.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), tunnelDialTimeout)
	remote, err := t.dial(ctx, "tcp", t.remoteAddr)
	cancel()
	if err != nil {
		local.Close()
		log.Printf("[bridge] tunnel dial %s: %v", t.remoteAddr, err)
		t.emit("error", map[string]any{
			"message": fmt.Sprintf("tunnel connection to %s failed", t.remoteAddr),
		})
		return
	}

	t.track(local)
	t.track(remote)
	defer t.untrack(local)
	defer t.untrack(remote)

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, local)
		remote.Close()
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, remote)
		local.Close()
		done <- struct{}{}
	}()
	<-done
	<-done
}

func (t *Tunnel) track(c net.Conn) {
	t.mu.Lock()
	t.conns[c] = struct{}{}
	t.mu.Unlock()
}

func (t *Tunnel) untrack(c net.Conn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
	c.Close()
}
