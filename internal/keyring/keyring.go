// Package keyring holds per-user data-encryption keys and decrypts stored
// host and credential records with them.
//
// Each user has a Fernet data key that exists in memory only while their
// browser session is unlocked. All secret columns in the database are
// ciphertext under that key; when the key is absent the user's data is
// locked and sessions must be refused with DATA_LOCKED.
package keyring

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
)

var (
	// ErrDataLocked is returned when the user's data key is not loaded.
	ErrDataLocked = errors.New("user data is locked")
	// ErrNotFound is returned when a host or credential row does not exist
	// or belongs to a different user.
	ErrNotFound = errors.New("not found")
)

// Keyring is the in-memory map of per-user data keys.
type Keyring struct {
	mu   sync.RWMutex
	keys map[uint]*fernet.Key
}

func New() *Keyring {
	return &Keyring{keys: make(map[uint]*fernet.Key)}
}

// Unlock installs the data key for a user. Called when the user's browser
// session is established by the external auth layer.
func (k *Keyring) Unlock(userID uint, key *fernet.Key) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[userID] = key
}

// Lock discards the user's data key. Subsequent fetches fail with
// ErrDataLocked.
func (k *Keyring) Lock(userID uint) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, userID)
}

// DataKey returns the user's data key, or false if the user is locked.
func (k *Keyring) DataKey(userID uint) (*fernet.Key, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[userID]
	return key, ok
}

// EncryptField encrypts a single field value under the given key.
// Empty plaintext encrypts to the empty string so optional columns stay
// NULL-equivalent.
func EncryptField(key *fernet.Key, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// DecryptField reverses EncryptField. An empty ciphertext decrypts to the
// empty string; an invalid token is an error.
func DecryptField(key *fernet.Key, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}

// Zero clears credential material that was copied out for use as a byte
// slice (private keys, passwords). String-backed secrets cannot be
// overwritten in place; callers drop those references instead.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
