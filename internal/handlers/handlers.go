// Package handlers exposes the HTTP surface: one WebSocket endpoint per
// session kind plus the OpenPubKey browser routes. Collaborators are
// package vars set from main during init.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/drydock-dev/gangway/internal/auth"
	"github.com/drydock-dev/gangway/internal/opk"
	"github.com/drydock-dev/gangway/internal/session"
)

var (
	Verifier *auth.Verifier
	Registry *session.Registry
	OPKMgr   *opk.Manager

	// SessionDeps is handed to every session the registry creates.
	SessionDeps session.Deps
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": Registry.Count(),
	})
}
