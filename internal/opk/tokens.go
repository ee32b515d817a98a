package opk

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/drydock-dev/gangway/internal/database"
	"github.com/drydock-dev/gangway/internal/keyring"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// TokenTTL is how long a freshly minted certificate stays usable.
const TokenTTL = 24 * time.Hour

// ErrNoToken is returned by Lookup when no usable token exists for the
// (user, host) pair; callers prompt the user to run the OPK flow.
var ErrNoToken = errors.New("no opkssh token")

// Token is a decrypted certificate pair ready for use in an SSH handshake.
type Token struct {
	Cert       string
	PrivateKey string
	Identity   Identity
	ExpiresAt  time.Time
}

// TokenStore persists OPK certificates encrypted under the owning user's
// data key.
type TokenStore struct {
	Keyring *keyring.Keyring
}

func NewTokenStore(k *keyring.Keyring) *TokenStore {
	return &TokenStore{Keyring: k}
}

// Save upserts the token for (userID, hostID). Concurrent completions for
// the same pair are serialized with an optimistic row-version check so two
// writers cannot interleave the cert and key columns.
func (s *TokenStore) Save(userID, hostID uint, cert, privKey string, id Identity, expiresAt time.Time) error {
	key, ok := s.Keyring.DataKey(userID)
	if !ok {
		return keyring.ErrDataLocked
	}

	encCert, err := keyring.EncryptField(key, cert)
	if err != nil {
		return fmt.Errorf("encrypt cert: %w", err)
	}
	encKey, err := keyring.EncryptField(key, privKey)
	if err != nil {
		return fmt.Errorf("encrypt private key: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		var row database.OPKToken
		err := database.DB.Where("user_id = ? AND host_id = ?", userID, hostID).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = database.OPKToken{
				UserID:     userID,
				HostID:     hostID,
				SSHCert:    encCert,
				PrivateKey: encKey,
				Email:      id.Email,
				Subject:    id.Subject,
				Issuer:     id.Issuer,
				Audience:   id.Audience,
				ExpiresAt:  expiresAt,
			}
			if createErr := database.DB.Create(&row).Error; createErr == nil {
				return nil
			}
			// Lost the insert race; fall through and update instead.
			continue
		}
		if err != nil {
			return fmt.Errorf("load opkssh token: %w", err)
		}

		res := database.DB.Model(&database.OPKToken{}).
			Where("id = ? AND row_version = ?", row.ID, row.RowVersion).
			Updates(map[string]any{
				"ssh_cert":    encCert,
				"private_key": encKey,
				"email":       id.Email,
				"subject":     id.Subject,
				"issuer":      id.Issuer,
				"audience":    id.Audience,
				"expires_at":  expiresAt,
				"row_version": row.RowVersion + 1,
			})
		if res.Error != nil {
			return fmt.Errorf("update opkssh token: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
		// Another writer bumped the version; reload and retry once.
	}
	return fmt.Errorf("save opkssh token for user %d host %d: concurrent update", userID, hostID)
}

// Lookup returns the decrypted token for (userID, hostID). Expired rows are
// deleted on read and reported as ErrNoToken. LastUsed is updated on a hit.
func (s *TokenStore) Lookup(userID, hostID uint) (*Token, error) {
	key, ok := s.Keyring.DataKey(userID)
	if !ok {
		return nil, keyring.ErrDataLocked
	}

	var row database.OPKToken
	if err := database.DB.Where("user_id = ? AND host_id = ?", userID, hostID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("load opkssh token: %w", err)
	}

	if time.Now().After(row.ExpiresAt) {
		if err := database.DB.Delete(&database.OPKToken{}, row.ID).Error; err != nil {
			log.Printf("[opk] delete expired token %d: %v", row.ID, err)
		}
		return nil, ErrNoToken
	}

	tok := &Token{
		Identity: Identity{
			Email:    row.Email,
			Subject:  row.Subject,
			Issuer:   row.Issuer,
			Audience: row.Audience,
		},
		ExpiresAt: row.ExpiresAt,
	}
	var err error
	if tok.Cert, err = keyring.DecryptField(key, row.SSHCert); err != nil {
		return nil, fmt.Errorf("decrypt cert: %w", err)
	}
	if tok.PrivateKey, err = keyring.DecryptField(key, row.PrivateKey); err != nil {
		return nil, fmt.Errorf("decrypt private key: %w", err)
	}

	database.DB.Model(&database.OPKToken{}).Where("id = ?", row.ID).
		Update("last_used", time.Now())

	return tok, nil
}

// PurgeExpired deletes all expired token rows and returns how many went.
func (s *TokenStore) PurgeExpired() (int64, error) {
	res := database.DB.Where("expires_at < ?", time.Now()).Delete(&database.OPKToken{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge expired opkssh tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// SchedulePurge registers an hourly purge of expired tokens on the shared
// cron scheduler.
func (s *TokenStore) SchedulePurge(c *cron.Cron) error {
	_, err := c.AddFunc("@hourly", func() {
		n, err := s.PurgeExpired()
		if err != nil {
			log.Printf("[opk] token purge: %v", err)
			return
		}
		if n > 0 {
			log.Printf("[opk] purged %d expired tokens", n)
		}
	})
	return err
}
