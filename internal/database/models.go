package database

import "time"

// Host is a user-owned remote SSH endpoint. Encrypted columns hold Fernet
// ciphertext produced with the owning user's data key; they are only
// decrypted in memory while a session is alive.
type Host struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID   uint   `gorm:"not null;index" json:"user_id"`
	Name     string `gorm:"not null" json:"name"`
	Hostname string `gorm:"not null" json:"hostname"`
	Port     int    `gorm:"not null;default:22" json:"port"`
	Username string `gorm:"not null" json:"username"`
	// AuthType is one of: password, key, opkssh, none.
	AuthType            string `gorm:"not null;default:password" json:"auth_type"`
	ForceKbdInteractive bool   `gorm:"not null;default:false" json:"force_kbd_interactive"`
	CredentialID        uint   `gorm:"default:0" json:"credential_id"`
	// JumpHosts is a JSON array of host IDs, outermost hop first.
	JumpHosts string `gorm:"type:text;default:'[]'" json:"-"`
	// ProxyChain is Fernet-encrypted JSON ([]ProxyHop) since hop entries
	// may carry SOCKS5 passwords.
	ProxyChain string    `gorm:"type:text" json:"-"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Credential holds per-user SSH authentication material. All secret columns
// are Fernet-encrypted with the user's data key.
type Credential struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        uint      `gorm:"not null;index" json:"user_id"`
	Name          string    `gorm:"not null" json:"name"`
	Password      string    `gorm:"type:text" json:"-"`
	PrivateKey    string    `gorm:"type:text" json:"-"`
	KeyPassphrase string    `gorm:"type:text" json:"-"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// OPKToken caches a short-lived OpenPubKey SSH certificate for a
// (user, host) pair. SSHCert and PrivateKey are Fernet-encrypted.
// RowVersion guards concurrent completions for the same pair: the upsert
// bumps it so racing writers cannot silently interleave column updates.
type OPKToken struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     uint      `gorm:"not null;uniqueIndex:idx_opk_user_host" json:"user_id"`
	HostID     uint      `gorm:"not null;uniqueIndex:idx_opk_user_host" json:"host_id"`
	SSHCert    string    `gorm:"type:text;not null" json:"-"`
	PrivateKey string    `gorm:"type:text;not null" json:"-"`
	Email      string    `json:"email"`
	Subject    string    `json:"subject"`
	Issuer     string    `json:"issuer"`
	Audience   string    `json:"audience"`
	ExpiresAt  time.Time `gorm:"not null;index" json:"expires_at"`
	LastUsed   time.Time `json:"last_used"`
	RowVersion uint      `gorm:"not null;default:0" json:"-"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}
