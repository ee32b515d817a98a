package sshauth

import (
	"errors"
	"testing"

	"github.com/drydock-dev/gangway/internal/keyring"
	"github.com/drydock-dev/gangway/internal/sshkeys"
)

func testKeyPEM(t *testing.T) string {
	t.Helper()
	_, priv, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return string(priv)
}

func noopChallenge(name, instruction string, questions []string, echos []bool) ([]string, error) {
	return make([]string, len(questions)), nil
}

func TestMethods_PasswordDirect(t *testing.T) {
	e := NewEngine(nil)
	spec := &keyring.HostSpec{ID: 1, AuthType: "password"}
	cred := &keyring.Credential{Password: "p"}

	methods, err := Methods(spec, cred, nil, e, noopChallenge)
	if err != nil {
		t.Fatalf("Methods: %v", err)
	}
	// Password first, keyboard-interactive fallback.
	if len(methods) != 2 {
		t.Errorf("got %d methods, want 2", len(methods))
	}
	if !e.hasStoredPassword {
		t.Error("engine should hold the stored password for kbd fallback")
	}
}

func TestMethods_PasswordForceKbdInteractive(t *testing.T) {
	e := NewEngine(nil)
	spec := &keyring.HostSpec{ID: 1, AuthType: "password", ForceKbdInteractive: true}
	cred := &keyring.Credential{Password: "p"}

	methods, err := Methods(spec, cred, nil, e, noopChallenge)
	if err != nil {
		t.Fatalf("Methods: %v", err)
	}
	if len(methods) != 1 {
		t.Errorf("got %d methods, want keyboard-interactive only", len(methods))
	}
}

func TestMethods_PasswordMissing(t *testing.T) {
	e := NewEngine(nil)
	spec := &keyring.HostSpec{ID: 1, AuthType: "password"}
	if _, err := Methods(spec, &keyring.Credential{}, nil, e, noopChallenge); err == nil {
		t.Error("expected error for missing password")
	}
}

func TestMethods_Key(t *testing.T) {
	e := NewEngine(nil)
	spec := &keyring.HostSpec{ID: 1, AuthType: "key"}
	cred := &keyring.Credential{PrivateKey: testKeyPEM(t)}

	methods, err := Methods(spec, cred, nil, e, noopChallenge)
	if err != nil {
		t.Fatalf("Methods: %v", err)
	}
	if len(methods) != 2 {
		t.Errorf("got %d methods, want key + kbd fallback", len(methods))
	}
}

func TestMethods_KeyWithCRLF(t *testing.T) {
	e := NewEngine(nil)
	spec := &keyring.HostSpec{ID: 1, AuthType: "key"}
	crlfKey := ""
	for _, line := range []byte(testKeyPEM(t)) {
		if line == '\n' {
			crlfKey += "\r\n"
		} else {
			crlfKey += string(line)
		}
	}
	cred := &keyring.Credential{PrivateKey: crlfKey}

	if _, err := Methods(spec, cred, nil, e, noopChallenge); err != nil {
		t.Fatalf("Methods should normalize CRLF keys: %v", err)
	}
}

func TestMethods_OPKWithoutToken(t *testing.T) {
	e := NewEngine(nil)
	spec := &keyring.HostSpec{ID: 1, AuthType: "opkssh"}

	_, err := Methods(spec, nil, nil, e, noopChallenge)
	if !errors.Is(err, ErrOPKTokenRequired) {
		t.Errorf("err = %v, want ErrOPKTokenRequired", err)
	}
}

func TestMethods_None(t *testing.T) {
	e := NewEngine(nil)
	spec := &keyring.HostSpec{ID: 1, AuthType: "none"}
	methods, err := Methods(spec, nil, nil, e, noopChallenge)
	if err != nil {
		t.Fatalf("Methods: %v", err)
	}
	if len(methods) != 1 {
		t.Errorf("got %d methods, want keyboard-interactive only", len(methods))
	}
}

func TestMethods_UnknownAuthType(t *testing.T) {
	e := NewEngine(nil)
	spec := &keyring.HostSpec{ID: 1, AuthType: "kerberos"}
	if _, err := Methods(spec, nil, nil, e, noopChallenge); err == nil {
		t.Error("expected error for unknown auth type")
	}
}

func TestNonInteractiveMethods_PasswordAnswersPrompts(t *testing.T) {
	spec := &keyring.HostSpec{ID: 7, AuthType: "password"}
	cred := &keyring.Credential{Password: "hop-pass"}

	methods, err := NonInteractiveMethods(spec, cred)
	if err != nil {
		t.Fatalf("NonInteractiveMethods: %v", err)
	}
	if len(methods) != 2 {
		t.Errorf("got %d methods, want password + kbd", len(methods))
	}
}

func TestNonInteractiveMethods_RejectsInteractiveTypes(t *testing.T) {
	for _, authType := range []string{"none", "opkssh", ""} {
		spec := &keyring.HostSpec{ID: 7, AuthType: authType}
		if _, err := NonInteractiveMethods(spec, nil); err == nil {
			t.Errorf("authType %q should be rejected for jump hops", authType)
		}
	}
}
