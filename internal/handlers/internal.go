package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/drydock-dev/gangway/internal/keyring"
	"github.com/fernet/fernet-go"
	"golang.org/x/sync/errgroup"
)

// The external auth service pushes per-user data keys here after login and
// revokes them on logout. Both routes are guarded by the shared internal
// token; they are never exposed to browsers.

var (
	Keyring           *keyring.Keyring
	InternalAuthToken string
)

func requireInternalToken(w http.ResponseWriter, r *http.Request) bool {
	if InternalAuthToken == "" {
		writeError(w, http.StatusForbidden, "Internal API disabled")
		return false
	}
	if r.Header.Get("Authorization") != "Bearer "+InternalAuthToken {
		writeError(w, http.StatusUnauthorized, "Invalid internal token")
		return false
	}
	return true
}

type keyringRequest struct {
	UserID uint `json:"userId"`
	// DataKey is the user's base64 fernet key; required for unlock.
	DataKey string `json:"dataKey,omitempty"`
}

// KeyringUnlock stores a user's data key in memory for the session core.
func KeyringUnlock(w http.ResponseWriter, r *http.Request) {
	if !requireInternalToken(w, r) {
		return
	}
	var req keyringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	key, err := fernet.DecodeKey(req.DataKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid data key")
		return
	}
	Keyring.Unlock(req.UserID, key)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unlocked"})
}

// KeyringLock drops the key and tears down the user's live sessions, so a
// logout cuts access immediately.
func KeyringLock(w http.ResponseWriter, r *http.Request) {
	if !requireInternalToken(w, r) {
		return
	}
	var req keyringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	Keyring.Lock(req.UserID)

	sessions := Registry.ForUser(req.UserID)
	g, _ := errgroup.WithContext(r.Context())
	g.SetLimit(4)
	for _, s := range sessions {
		id := s.ID
		g.Go(func() error {
			Registry.Cancel(id)
			return nil
		})
	}
	g.Wait()

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "locked",
		"closed": len(sessions),
	})
}
