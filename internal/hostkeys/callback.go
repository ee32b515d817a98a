package hostkeys

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"
)

// ErrMismatch is wrapped by host key callback failures so callers can
// distinguish a TOFU rejection from transport errors.
var ErrMismatch = errors.New("host key mismatch")

// Callback adapts the TOFU verifier to an ssh.HostKeyCallback for one
// (user, host) pair. The last verification result is retained so the
// session can surface the conflicting fingerprints to the browser.
func Callback(v *Verifier, userID, hostID uint, isJumpHop bool, last *Result) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		fingerprint := ssh.FingerprintSHA256(key)
		res, err := v.Verify(userID, hostID, fingerprint, isJumpHop)
		if err != nil {
			return fmt.Errorf("verify host key for host %d: %w", hostID, err)
		}
		if last != nil {
			*last = res
		}
		if res.Decision == Reject {
			return fmt.Errorf("host %d presented %s, recorded %s: %w",
				hostID, res.Presented, res.Stored, ErrMismatch)
		}
		return nil
	}
}
