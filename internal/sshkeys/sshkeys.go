// Package sshkeys provides SSH key material helpers shared by the auth
// engine, the OPK token store, and the in-process SSH test servers.
package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// GenerateKeyPair generates an ED25519 key pair and returns the PEM-encoded
// private key and OpenSSH-format public key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	publicKey = ssh.MarshalAuthorizedKey(sshPub)

	return publicKey, privateKeyPEM, nil
}

// NormalizePEM repairs private keys as browsers and copy-paste mangle them:
// CRLF and lone CR line endings become LF, surrounding whitespace is
// trimmed, and a trailing newline is guaranteed. The key must be
// PEM-delimited; anything without BEGIN/END markers is rejected.
func NormalizePEM(key string) (string, error) {
	key = strings.ReplaceAll(key, "\r\n", "\n")
	key = strings.ReplaceAll(key, "\r", "\n")
	key = strings.TrimSpace(key)
	if !strings.HasPrefix(key, "-----BEGIN ") || !strings.Contains(key, "-----END ") {
		return "", fmt.Errorf("private key is not PEM-delimited")
	}
	return key + "\n", nil
}

// ParsePrivateKey parses a PEM-encoded private key, with an optional
// passphrase, into an ssh.Signer.
func ParsePrivateKey(privateKeyPEM []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(privateKeyPEM, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("parse encrypted private key: %w", err)
		}
		return signer, nil
	}
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// CertSigner combines a private key with an OpenSSH certificate line
// (*-cert-v01@openssh.com) into a certificate-bearing signer, as used for
// OPK-issued short-lived certificates.
func CertSigner(privateKeyPEM []byte, certLine string) (ssh.Signer, error) {
	base, err := ParsePrivateKey(privateKeyPEM, "")
	if err != nil {
		return nil, err
	}

	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(certLine))
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	cert, ok := pub.(*ssh.Certificate)
	if !ok {
		return nil, fmt.Errorf("key %q is not a certificate", pub.Type())
	}

	signer, err := ssh.NewCertSigner(cert, base)
	if err != nil {
		return nil, fmt.Errorf("combine certificate and key: %w", err)
	}
	return signer, nil
}
