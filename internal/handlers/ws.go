package handlers

import (
	"log"
	"net/http"

	"github.com/coder/websocket"
	"github.com/drydock-dev/gangway/internal/session"
)

// WebSocket endpoints, one per session kind. The JWT rides in the token
// query parameter because browsers cannot set headers on WS upgrades.
var (
	TerminalWS = sessionWS(session.KindTerminal)
	TunnelWS   = sessionWS(session.KindTunnel)
	FilesWS    = sessionWS(session.KindFiles)
	StatsWS    = sessionWS(session.KindStats)
	DockerWS   = sessionWS(session.KindDocker)
)

func sessionWS(kind session.SessionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			log.Printf("[handlers] accept %s websocket: %v", kind, err)
			return
		}
		defer conn.CloseNow()

		// The upgrade is accepted before auth so rejections reach the
		// browser as a close code instead of an opaque failed upgrade.
		claims, err := Verifier.VerifyJWT(r.URL.Query().Get("token"))
		if err != nil {
			conn.Close(websocket.StatusPolicyViolation, "invalid or missing token")
			return
		}
		if claims.PendingTOTP {
			conn.Close(websocket.StatusPolicyViolation, "TOTP verification required")
			return
		}
		if Keyring != nil {
			if _, ok := Keyring.DataKey(claims.UserID); !ok {
				conn.Close(websocket.StatusPolicyViolation, "DATA_LOCKED")
				return
			}
		}

		sess, err := Registry.Create(claims.UserID, kind, conn, SessionDeps)
		if err != nil {
			e := session.Classify(err)
			conn.Close(websocket.StatusPolicyViolation, e.Message)
			return
		}
		log.Printf("[handlers] session %s opened (user %d, kind %s)", sess.ID, claims.UserID, kind)
		sess.Run(r.Context())
	}
}
