package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/drydock-dev/gangway/internal/bridge"
	"github.com/drydock-dev/gangway/internal/hostkeys"
	"github.com/drydock-dev/gangway/internal/jumpchain"
	"github.com/drydock-dev/gangway/internal/keyring"
	"github.com/drydock-dev/gangway/internal/opk"
	"github.com/drydock-dev/gangway/internal/proxydial"
	"github.com/drydock-dev/gangway/internal/sshauth"
)

// Kind is the error taxonomy surfaced to the browser as the error event's
// code field.
type Kind string

const (
	KindInvalidInput          Kind = "INVALID_INPUT"
	KindUnauthorized          Kind = "UNAUTHORIZED"
	KindDataLocked            Kind = "DATA_LOCKED"
	KindNotFound              Kind = "NOT_FOUND"
	KindDialFailed            Kind = "DIAL_FAILED"
	KindHandshakeFailed       Kind = "HANDSHAKE_FAILED"
	KindHostKeyMismatch       Kind = "HOST_KEY_MISMATCH"
	KindAuthFailed            Kind = "AUTH_FAILED"
	KindAuthTimeout           Kind = "AUTH_TIMEOUT"
	KindAuthMethodUnavailable Kind = "AUTH_METHOD_UNAVAILABLE"
	KindShellOpenFailed       Kind = "SHELL_OPEN_FAILED"
	KindShellOpenTimeout      Kind = "SHELL_OPEN_TIMEOUT"
	KindOPKConfigMissing      Kind = "OPKSSH_CONFIG_MISSING"
	KindOPKConfigInvalid      Kind = "OPKSSH_CONFIG_INVALID"
	KindOPKSubprocessFailed   Kind = "OPKSSH_SUBPROCESS_FAILED"
	KindOPKTimeout            Kind = "OPKSSH_TIMEOUT"
	KindSessionCapExceeded    Kind = "SESSION_CAP_EXCEEDED"
	KindCancelled             Kind = "CANCELLED"
	KindShutdown              Kind = "SHUTDOWN"
	KindInternal              Kind = "INTERNAL"
)

// Error pairs a taxonomy kind with a user-presentable message and the
// underlying cause chain.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Classify maps an arbitrary failure from the connect pipeline onto the
// taxonomy with a message a browser user can act on.
func Classify(err error) *Error {
	var sessErr *Error
	if errors.As(err, &sessErr) {
		return sessErr
	}

	switch {
	case errors.Is(err, keyring.ErrDataLocked):
		return newError(KindDataLocked, "Your data is locked. Sign in again to unlock it.", err)
	case errors.Is(err, keyring.ErrNotFound):
		return newError(KindNotFound, "Host or credential record not found.", err)
	case errors.Is(err, hostkeys.ErrMismatch):
		return newError(KindHostKeyMismatch, "The server's host key changed. Verify the host before reconnecting.", err)
	case errors.Is(err, sshauth.ErrPromptTimeout):
		return newError(KindAuthTimeout, "Authentication timed out waiting for your response.", err)
	case errors.Is(err, sshauth.ErrOPKTokenRequired), errors.Is(err, opk.ErrNoToken):
		return newError(KindAuthMethodUnavailable, "No valid opkssh certificate. Run the opkssh login first.", err)
	case errors.Is(err, bridge.ErrShellTimeout):
		return newError(KindShellOpenTimeout, "The server accepted the connection but never opened a shell.", err)
	case errors.Is(err, opk.ErrConfigMissing):
		return newError(KindOPKConfigMissing, "opkssh is not configured yet.", err)
	case errors.Is(err, opk.ErrConfigInvalid):
		return newError(KindOPKConfigInvalid, "The opkssh configuration is invalid.", err)
	}

	var proxyErr *proxydial.HopError
	if errors.As(err, &proxyErr) {
		if proxyErr.Terminal() {
			return newError(KindDialFailed,
				fmt.Sprintf("Could not reach the host through the proxy chain (%s).", dialCause(proxyErr.Err)), err)
		}
		return newError(KindDialFailed,
			fmt.Sprintf("Proxy hop %d failed (%s).", proxyErr.Index+1, dialCause(proxyErr.Err)), err)
	}

	var jumpErr *jumpchain.HopError
	if errors.As(err, &jumpErr) {
		inner := Classify(jumpErr.Err)
		return newError(inner.Kind,
			fmt.Sprintf("Jump hop %d failed: %s", jumpErr.Index+1, inner.Message), err)
	}

	if isAuthFailure(err) {
		return newError(KindAuthFailed, "Authentication failed. Check the configured credentials.", err)
	}
	if isHandshakeFailure(err) {
		return newError(KindHandshakeFailed,
			"Could not negotiate an SSH connection; the server offers no compatible algorithms.", err)
	}
	if errors.Is(err, context.Canceled) {
		return newError(KindCancelled, "The connection was cancelled.", err)
	}
	if isDialError(err) {
		return newError(KindDialFailed, fmt.Sprintf("Could not connect (%s).", dialCause(err)), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindDialFailed, "Could not connect (timed out).", err)
	}

	return newError(KindInternal, "An unexpected error occurred.", err)
}

func isDialError(err error) bool {
	var netErr net.Error
	var opErr *net.OpError
	var dnsErr *net.DNSError
	return errors.As(err, &opErr) || errors.As(err, &dnsErr) || errors.As(err, &netErr)
}

// dialCause renders the dial failure subcause: resolution, refusal, timeout
// or reset.
func dialCause(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "hostname could not be resolved"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "connection refused"
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return "connection reset by peer"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timed out"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	return "unreachable"
}

func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain")
}

func isHandshakeFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no common algorithm") ||
		strings.Contains(msg, "handshake failed")
}
