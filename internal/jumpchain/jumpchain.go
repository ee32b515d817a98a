// Package jumpchain builds stacks of SSH control connections where each
// hop is tunneled through the previous one via direct-tcpip, returning the
// innermost client used to reach the final target.
package jumpchain

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/drydock-dev/gangway/internal/hostkeys"
	"github.com/drydock-dev/gangway/internal/keyring"
	"github.com/drydock-dev/gangway/internal/sshauth"
	"golang.org/x/crypto/ssh"
)

// DefaultHopTimeout bounds one hop's dial plus SSH handshake.
const DefaultHopTimeout = 30 * time.Second

// HopError reports which jump hop failed. Index is zero-based in the
// configured hop order (outermost first).
type HopError struct {
	Index  int
	HostID uint
	Err    error
}

func (e *HopError) Error() string {
	return fmt.Sprintf("jump hop %d (host %d): %v", e.Index, e.HostID, e.Err)
}

func (e *HopError) Unwrap() error { return e.Err }

// Chain is an ordered stack of connected SSH clients [J1..Jn]. The last
// client is the one the target session dials through.
type Chain struct {
	clients []*ssh.Client
	hostIDs []uint
}

// Len returns the number of connected hops.
func (c *Chain) Len() int { return len(c.clients) }

// Last returns the innermost client, or nil for an empty chain.
func (c *Chain) Last() *ssh.Client {
	if len(c.clients) == 0 {
		return nil
	}
	return c.clients[len(c.clients)-1]
}

// DialContext opens a direct-tcpip channel to addr through the innermost
// hop. Must not be called on an empty chain.
func (c *Chain) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	last := c.Last()
	if last == nil {
		return nil, fmt.Errorf("empty jump chain")
	}
	return last.DialContext(ctx, network, addr)
}

// Close tears the chain down innermost-first so each tunnel is closed
// before its carrier. Safe to call multiple times.
func (c *Chain) Close() {
	for i := len(c.clients) - 1; i >= 0; i-- {
		if c.clients[i] != nil {
			c.clients[i].Close()
			c.clients[i] = nil
		}
	}
}

// Builder resolves hop records and opens the chain.
type Builder struct {
	Store *keyring.Store
	Keys  *hostkeys.Verifier
	// Dial establishes the first hop's transport: direct TCP or through
	// the session's SOCKS5 proxy chain.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
	// HopTimeout bounds each hop's dial+handshake; zero means
	// DefaultHopTimeout.
	HopTimeout time.Duration
	// OnHop, when set, is called after each hop's handshake succeeds.
	// Index is zero-based in hop order.
	OnHop func(index int, spec *keyring.HostSpec)
}

// Build opens SSH connections to each hop in order, each tunneled through
// the previous hop. All hop specs and credentials are resolved first so a
// missing record fails fast before any network traffic. On any hop failure
// the already-opened hops are closed in reverse order and the error names
// the failed hop index.
func (b *Builder) Build(ctx context.Context, userID uint, hopIDs []uint) (*Chain, error) {
	timeout := b.HopTimeout
	if timeout <= 0 {
		timeout = DefaultHopTimeout
	}

	type hop struct {
		spec *keyring.HostSpec
		cred *keyring.Credential
	}
	hops := make([]hop, 0, len(hopIDs))
	for i, id := range hopIDs {
		spec, err := b.Store.FetchHost(id, userID)
		if err != nil {
			return nil, &HopError{Index: i, HostID: id, Err: fmt.Errorf("resolve host: %w", err)}
		}
		var cred *keyring.Credential
		if spec.CredentialID != 0 {
			cred, err = b.Store.FetchCredential(spec.CredentialID, userID)
			if err != nil {
				return nil, &HopError{Index: i, HostID: id, Err: fmt.Errorf("resolve credential: %w", err)}
			}
		}
		hops = append(hops, hop{spec: spec, cred: cred})
	}

	chain := &Chain{}
	for i, h := range hops {
		methods, err := sshauth.NonInteractiveMethods(h.spec, h.cred)
		if err != nil {
			chain.Close()
			return nil, &HopError{Index: i, HostID: h.spec.ID, Err: err}
		}

		addr := net.JoinHostPort(h.spec.Host, fmt.Sprintf("%d", h.spec.Port))

		hopCtx, cancel := context.WithTimeout(ctx, timeout)
		var conn net.Conn
		if i == 0 {
			conn, err = b.Dial(hopCtx, "tcp", addr)
		} else {
			conn, err = chain.DialContext(hopCtx, "tcp", addr)
		}
		if err != nil {
			cancel()
			chain.Close()
			return nil, &HopError{Index: i, HostID: h.spec.ID, Err: fmt.Errorf("dial %s: %w", addr, err)}
		}

		cfg := &ssh.ClientConfig{
			User:            h.spec.Username,
			Auth:            methods,
			HostKeyCallback: hostkeys.Callback(b.Keys, userID, h.spec.ID, true, nil),
			Timeout:         timeout,
		}

		client, err := Handshake(hopCtx, conn, addr, cfg)
		cancel()
		if err != nil {
			conn.Close()
			chain.Close()
			return nil, &HopError{Index: i, HostID: h.spec.ID, Err: err}
		}

		chain.clients = append(chain.clients, client)
		chain.hostIDs = append(chain.hostIDs, h.spec.ID)
		log.Printf("[jumpchain] hop %d/%d connected (host %d, %s)", i+1, len(hops), h.spec.ID, addr)
		if b.OnHop != nil {
			b.OnHop(i, h.spec)
		}
	}

	return chain, nil
}

// Handshake runs the SSH client handshake over an already-connected byte
// stream, bounded by ctx. Needed because ssh.ClientConfig.Timeout only
// covers ssh.Dial's own TCP connect, not a handshake over a tunneled
// channel that does not support deadlines.
func Handshake(ctx context.Context, conn net.Conn, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result, 1)

	go func() {
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			ch <- result{nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)}
			return
		}
		ch <- result{ssh.NewClient(sshConn, chans, reqs), nil}
	}()

	select {
	case <-ctx.Done():
		// Closing the conn unblocks the handshake goroutine.
		conn.Close()
		<-ch
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
	case r := <-ch:
		return r.client, r.err
	}
}
