package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"

	"github.com/drydock-dev/gangway/internal/bridge"
	"github.com/drydock-dev/gangway/internal/hostkeys"
	"github.com/drydock-dev/gangway/internal/jumpchain"
	"github.com/drydock-dev/gangway/internal/keyring"
	"github.com/drydock-dev/gangway/internal/opk"
	"github.com/drydock-dev/gangway/internal/proxydial"
	"github.com/drydock-dev/gangway/internal/sshauth"
)

func TestClassify_Taxonomy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"data locked", keyring.ErrDataLocked, KindDataLocked},
		{"wrapped not found", fmt.Errorf("load host 3: %w", keyring.ErrNotFound), KindNotFound},
		{"host key mismatch", hostkeys.ErrMismatch, KindHostKeyMismatch},
		{"prompt timeout", sshauth.ErrPromptTimeout, KindAuthTimeout},
		{"opk token missing", opk.ErrNoToken, KindAuthMethodUnavailable},
		{"opk signer required", sshauth.ErrOPKTokenRequired, KindAuthMethodUnavailable},
		{"shell timeout", bridge.ErrShellTimeout, KindShellOpenTimeout},
		{"opk config missing", opk.ErrConfigMissing, KindOPKConfigMissing},
		{"opk config invalid", opk.ErrConfigInvalid, KindOPKConfigInvalid},
		{"auth rejected",
			errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"),
			KindAuthFailed},
		{"no common algorithm",
			errors.New("ssh: handshake failed: ssh: no common algorithm for key exchange"),
			KindHandshakeFailed},
		{"cancelled", context.Canceled, KindCancelled},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "db.internal"}, KindDialFailed},
		{"refused",
			&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED},
			KindDialFailed},
		{"deadline", context.DeadlineExceeded, KindDialFailed},
		{"unknown", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Kind != tt.want {
				t.Errorf("Classify(%v).Kind = %s, want %s", tt.err, got.Kind, tt.want)
			}
			if got.Message == "" {
				t.Error("classified errors must carry a user-facing message")
			}
		})
	}
}

func TestClassify_PassesThroughSessionErrors(t *testing.T) {
	orig := newError(KindSessionCapExceeded, "Too many sessions.", ErrCapExceeded)
	got := Classify(fmt.Errorf("create: %w", orig))
	if got != orig {
		t.Errorf("wrapped *Error should classify to itself, got %+v", got)
	}
}

func TestClassify_JumpHopCarriesInnerKind(t *testing.T) {
	err := &jumpchain.HopError{Index: 1, HostID: 7, Err: hostkeys.ErrMismatch}
	got := Classify(err)
	if got.Kind != KindHostKeyMismatch {
		t.Errorf("Kind = %s, want HOST_KEY_MISMATCH", got.Kind)
	}
	if !strings.Contains(got.Message, "Jump hop 2") {
		t.Errorf("message should name the 1-based hop: %q", got.Message)
	}
}

func TestClassify_ProxyHopNamesHop(t *testing.T) {
	hopErr := &proxydial.HopError{Index: 0, Addr: "10.0.0.1:1080",
		Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}
	got := Classify(hopErr)
	if got.Kind != KindDialFailed {
		t.Errorf("Kind = %s, want DIAL_FAILED", got.Kind)
	}
	if !strings.Contains(got.Message, "Proxy hop 1") {
		t.Errorf("message should name the 1-based hop: %q", got.Message)
	}
	if !strings.Contains(got.Message, "refused") {
		t.Errorf("message should carry the dial subcause: %q", got.Message)
	}

	target := &proxydial.HopError{Index: 1, Addr: "db.internal:22", Target: true,
		Err: &net.DNSError{Err: "no such host", Name: "db.internal"}}
	got = Classify(target)
	if got.Kind != KindDialFailed {
		t.Errorf("Kind = %s, want DIAL_FAILED", got.Kind)
	}
	if !strings.Contains(got.Message, "resolved") {
		t.Errorf("target failure should name resolution: %q", got.Message)
	}
}
