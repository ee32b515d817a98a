// Package proxydial produces connected byte streams to a target through
// zero or more chained SOCKS5 proxies.
//
// Hop i is dialed through hop i-1, so the chain is applied left-to-right
// before the final target dial. A failure at any hop aborts the whole dial
// with a HopError naming the hop index.
package proxydial

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/drydock-dev/gangway/internal/keyring"
	"golang.org/x/net/proxy"
)

// HopError reports which hop of the chain failed. Index is zero-based;
// Index == len(chain) means the final target dial failed, which Target
// also flags.
type HopError struct {
	Index  int
	Addr   string
	Target bool
	Err    error
}

// Terminal reports whether the failure happened on the final target dial
// rather than on an intermediate proxy hop.
func (e *HopError) Terminal() bool { return e.Target }

func (e *HopError) Error() string {
	return fmt.Sprintf("proxy hop %d (%s): %v", e.Index, e.Addr, e.Err)
}

func (e *HopError) Unwrap() error { return e.Err }

// Dialer dials targets through a configured SOCKS5 chain. An empty chain
// degrades to a plain TCP dial.
type Dialer struct {
	chain   []keyring.ProxyHop
	timeout time.Duration
}

func New(chain []keyring.ProxyHop, timeout time.Duration) *Dialer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dialer{chain: chain, timeout: timeout}
}

// DialContext connects to addr through the chain. The context bounds the
// entire dial including every intermediate hop.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var forward proxy.Dialer = &net.Dialer{Timeout: d.timeout}

	for i, hop := range d.chain {
		hopAddr := net.JoinHostPort(hop.Host, fmt.Sprintf("%d", hop.Port))
		var auth *proxy.Auth
		if hop.Username != "" {
			auth = &proxy.Auth{User: hop.Username, Password: hop.Password}
		}
		next, err := proxy.SOCKS5("tcp", hopAddr, auth, forward)
		if err != nil {
			return nil, &HopError{Index: i, Addr: hopAddr, Err: err}
		}
		forward = next
	}

	conn, err := dialWithContext(ctx, forward, network, addr)
	if err != nil {
		// Attribute the failure to the hop that actually refused: with a
		// chain configured, the TCP-level failure surfaces at hop 0 and
		// protocol failures at the last hop; SOCKS5 errors carry the hop
		// address, so wrap with the chain length as the target index.
		if len(d.chain) > 0 {
			return nil, &HopError{Index: len(d.chain), Addr: addr, Target: true, Err: err}
		}
		return nil, err
	}
	return conn, nil
}

// dialWithContext uses the dialer's native context support when available
// and otherwise guards a blocking Dial with the context.
func dialWithContext(ctx context.Context, d proxy.Dialer, network, addr string) (net.Conn, error) {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := d.Dial(network, addr)
		ch <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}
