package sshauth

import (
	"errors"
	"fmt"

	"github.com/drydock-dev/gangway/internal/keyring"
	"github.com/drydock-dev/gangway/internal/sshkeys"
	"golang.org/x/crypto/ssh"
)

// ErrOPKTokenRequired is returned for authType=opkssh when no usable
// certificate signer was supplied. The session translates this into an
// opkssh_auth_required event instead of attempting the connection.
var ErrOPKTokenRequired = errors.New("opkssh authentication required")

// Methods assembles the ssh.AuthMethod list for a host.
//
// Policy:
//   - password, forceKbdInteractive=false: submit the password directly,
//     keyboard-interactive as fallback (the engine auto-answers password
//     prompts from the stored credential).
//   - password, forceKbdInteractive=true: keyboard-interactive only.
//   - key: private key (PEM normalized, optional passphrase), plus
//     keyboard-interactive fallback for second factors.
//   - opkssh: the certificate signer materialized from a stored OPKToken;
//     absent signer is ErrOPKTokenRequired.
//   - none: keyboard-interactive only.
func Methods(spec *keyring.HostSpec, cred *keyring.Credential, opkSigner ssh.Signer, engine *Engine, challenge ssh.KeyboardInteractiveChallenge) ([]ssh.AuthMethod, error) {
	kbd := ssh.KeyboardInteractive(challenge)

	switch spec.AuthType {
	case "password":
		if cred == nil || cred.Password == "" {
			return nil, fmt.Errorf("host %d has authType=password but no stored password", spec.ID)
		}
		engine.SetStoredPassword(cred.Password)
		if spec.ForceKbdInteractive {
			return []ssh.AuthMethod{kbd}, nil
		}
		return []ssh.AuthMethod{ssh.Password(cred.Password), kbd}, nil

	case "key":
		if cred == nil || cred.PrivateKey == "" {
			return nil, fmt.Errorf("host %d has authType=key but no stored private key", spec.ID)
		}
		pem, err := sshkeys.NormalizePEM(cred.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("host %d private key: %w", spec.ID, err)
		}
		signer, err := sshkeys.ParsePrivateKey([]byte(pem), cred.KeyPassphrase)
		if err != nil {
			return nil, fmt.Errorf("host %d private key: %w", spec.ID, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer), kbd}, nil

	case "opkssh":
		if opkSigner == nil {
			return nil, ErrOPKTokenRequired
		}
		return []ssh.AuthMethod{ssh.PublicKeys(opkSigner), kbd}, nil

	case "none", "":
		return []ssh.AuthMethod{kbd}, nil

	default:
		return nil, fmt.Errorf("host %d has unknown authType %q", spec.ID, spec.AuthType)
	}
}

// NonInteractiveMethods builds auth methods for jump hops, where no
// browser round-trip is possible. Password-class prompts are auto-answered
// from the stored credential; anything requiring user input fails the hop.
func NonInteractiveMethods(spec *keyring.HostSpec, cred *keyring.Credential) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	switch spec.AuthType {
	case "password":
		if cred == nil || cred.Password == "" {
			return nil, fmt.Errorf("jump host %d has authType=password but no stored password", spec.ID)
		}
		password := cred.Password
		methods = append(methods, ssh.Password(password))
		methods = append(methods, ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i, q := range questions {
				echo := i < len(echos) && echos[i]
				switch Classify(q, echo) {
				case KindPassword:
					answers[i] = password
				case KindWarpgateContinue:
					answers[i] = ""
				default:
					return nil, fmt.Errorf("jump host %d requires interactive prompt %q", spec.ID, q)
				}
			}
			return answers, nil
		}))

	case "key":
		if cred == nil || cred.PrivateKey == "" {
			return nil, fmt.Errorf("jump host %d has authType=key but no stored private key", spec.ID)
		}
		pem, err := sshkeys.NormalizePEM(cred.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("jump host %d private key: %w", spec.ID, err)
		}
		signer, err := sshkeys.ParsePrivateKey([]byte(pem), cred.KeyPassphrase)
		if err != nil {
			return nil, fmt.Errorf("jump host %d private key: %w", spec.ID, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))

	default:
		return nil, fmt.Errorf("jump host %d has unsupported authType %q", spec.ID, spec.AuthType)
	}

	return methods, nil
}
