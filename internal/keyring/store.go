package keyring

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/drydock-dev/gangway/internal/database"
	"gorm.io/gorm"
)

// ProxyHop is one SOCKS5 proxy in a chain, applied left-to-right before the
// target dial. Username/Password are optional per-hop auth.
type ProxyHop struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// HostSpec is a fully resolved host record: plaintext connection parameters
// plus references to credentials. It exists only in memory.
type HostSpec struct {
	ID                  uint
	Name                string
	Host                string
	Port                int
	Username            string
	AuthType            string // password, key, opkssh, none
	ForceKbdInteractive bool
	CredentialID        uint
	JumpHosts           []uint
	ProxyChain          []ProxyHop
}

// Credential is decrypted authentication material. Callers must not retain
// it past session teardown; Wipe clears the fields.
type Credential struct {
	Password      string
	PrivateKey    string
	KeyPassphrase string
}

// Wipe clears the credential fields. Go strings are immutable so this is
// best-effort: it drops the references and lets the GC reclaim them.
func (c *Credential) Wipe() {
	c.Password = ""
	c.PrivateKey = ""
	c.KeyPassphrase = ""
}

// Store resolves host and credential rows for a user, decrypting secret
// columns with the user's data key from the Keyring.
type Store struct {
	Keyring *Keyring
}

func NewStore(k *Keyring) *Store {
	return &Store{Keyring: k}
}

// FetchHost loads and decrypts the host record. Returns ErrNotFound when the
// row is missing or owned by another user, ErrDataLocked when the user's
// data key is unavailable.
func (s *Store) FetchHost(hostID, userID uint) (*HostSpec, error) {
	key, ok := s.Keyring.DataKey(userID)
	if !ok {
		return nil, ErrDataLocked
	}

	var row database.Host
	if err := database.DB.Where("id = ? AND user_id = ?", hostID, userID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load host %d: %w", hostID, err)
	}

	spec := &HostSpec{
		ID:                  row.ID,
		Name:                row.Name,
		Host:                row.Hostname,
		Port:                row.Port,
		Username:            row.Username,
		AuthType:            row.AuthType,
		ForceKbdInteractive: row.ForceKbdInteractive,
		CredentialID:        row.CredentialID,
	}

	if row.JumpHosts != "" {
		if err := json.Unmarshal([]byte(row.JumpHosts), &spec.JumpHosts); err != nil {
			return nil, fmt.Errorf("parse jump hosts for host %d: %w", hostID, err)
		}
	}

	if row.ProxyChain != "" {
		chainJSON, err := DecryptField(key, row.ProxyChain)
		if err != nil {
			return nil, fmt.Errorf("decrypt proxy chain for host %d: %w", hostID, err)
		}
		if chainJSON != "" {
			if err := json.Unmarshal([]byte(chainJSON), &spec.ProxyChain); err != nil {
				return nil, fmt.Errorf("parse proxy chain for host %d: %w", hostID, err)
			}
		}
	}

	return spec, nil
}

// FetchCredential loads and decrypts a credential record for the user.
func (s *Store) FetchCredential(credID, userID uint) (*Credential, error) {
	key, ok := s.Keyring.DataKey(userID)
	if !ok {
		return nil, ErrDataLocked
	}

	var row database.Credential
	if err := database.DB.Where("id = ? AND user_id = ?", credID, userID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load credential %d: %w", credID, err)
	}

	cred := &Credential{}
	var err error
	if cred.Password, err = DecryptField(key, row.Password); err != nil {
		return nil, fmt.Errorf("decrypt password for credential %d: %w", credID, err)
	}
	if cred.PrivateKey, err = DecryptField(key, row.PrivateKey); err != nil {
		return nil, fmt.Errorf("decrypt private key for credential %d: %w", credID, err)
	}
	if cred.KeyPassphrase, err = DecryptField(key, row.KeyPassphrase); err != nil {
		return nil, fmt.Errorf("decrypt passphrase for credential %d: %w", credID, err)
	}
	return cred, nil
}

// SaveHost encrypts the proxy chain and persists a host record. Used by the
// CRUD edge (external to the session core) and by tests.
func (s *Store) SaveHost(userID uint, spec *HostSpec) (uint, error) {
	key, ok := s.Keyring.DataKey(userID)
	if !ok {
		return 0, ErrDataLocked
	}

	jumpJSON, err := json.Marshal(spec.JumpHosts)
	if err != nil {
		return 0, fmt.Errorf("marshal jump hosts: %w", err)
	}

	var chainEnc string
	if len(spec.ProxyChain) > 0 {
		chainJSON, err := json.Marshal(spec.ProxyChain)
		if err != nil {
			return 0, fmt.Errorf("marshal proxy chain: %w", err)
		}
		chainEnc, err = EncryptField(key, string(chainJSON))
		if err != nil {
			return 0, err
		}
	}

	row := database.Host{
		ID:                  spec.ID,
		UserID:              userID,
		Name:                spec.Name,
		Hostname:            spec.Host,
		Port:                spec.Port,
		Username:            spec.Username,
		AuthType:            spec.AuthType,
		ForceKbdInteractive: spec.ForceKbdInteractive,
		CredentialID:        spec.CredentialID,
		JumpHosts:           string(jumpJSON),
		ProxyChain:          chainEnc,
	}
	if err := database.DB.Save(&row).Error; err != nil {
		return 0, fmt.Errorf("save host: %w", err)
	}
	return row.ID, nil
}

// SaveCredential encrypts and persists credential material.
func (s *Store) SaveCredential(userID uint, name string, cred *Credential) (uint, error) {
	key, ok := s.Keyring.DataKey(userID)
	if !ok {
		return 0, ErrDataLocked
	}

	row := database.Credential{UserID: userID, Name: name}
	var err error
	if row.Password, err = EncryptField(key, cred.Password); err != nil {
		return 0, err
	}
	if row.PrivateKey, err = EncryptField(key, cred.PrivateKey); err != nil {
		return 0, err
	}
	if row.KeyPassphrase, err = EncryptField(key, cred.KeyPassphrase); err != nil {
		return 0, err
	}
	if err := database.DB.Create(&row).Error; err != nil {
		return 0, fmt.Errorf("save credential: %w", err)
	}
	return row.ID, nil
}
