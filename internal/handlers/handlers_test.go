package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/drydock-dev/gangway/internal/auth"
	"github.com/drydock-dev/gangway/internal/keyring"
	"github.com/drydock-dev/gangway/internal/opk"
	"github.com/drydock-dev/gangway/internal/session"
	"github.com/fernet/fernet-go"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-jwt-secret"

func mintToken(t *testing.T, userID uint, pendingTOTP bool) string {
	t.Helper()
	claims := jwt.MapClaims{
		"uid":          userID,
		"sid":          "browser-session",
		"pending_totp": pendingTOTP,
		"exp":          time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

// newTestServer wires the package globals and mounts the routes the way
// main does.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	Verifier = auth.NewVerifier(testSecret)
	Registry = session.NewRegistry(3, 10)
	OPKMgr = opk.NewManager("opkssh", t.TempDir(), "http://localhost:8000", nil)
	SessionDeps = session.Deps{}

	// User 7 is unlocked; everyone else hits the DATA_LOCKED gate.
	Keyring = keyring.New()
	var key fernet.Key
	if err := key.Generate(); err != nil {
		t.Fatalf("generate data key: %v", err)
	}
	Keyring.Unlock(7, &key)

	r := chi.NewRouter()
	r.Get("/health", HealthCheck)
	r.Get("/ws/terminal", TerminalWS)
	r.Get("/ws/files", FilesWS)
	r.Get("/ssh/opkssh-callback", OPKCallback)
	r.Get("/ssh/opkssh-chooser/{requestId}", OPKChooser)
	r.HandleFunc("/ssh/opkssh-chooser/{requestId}/*", OPKChooser)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestHealthCheck(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestTerminalWS_RejectsMissingToken(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/ws/terminal"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want 1008", websocket.CloseStatus(err))
	}
}

func TestTerminalWS_RejectsPendingTOTP(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := wsURL(srv, "/ws/terminal") + "?token=" + mintToken(t, 7, true)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want 1008", websocket.CloseStatus(err))
	}
}

func TestTerminalWS_AcceptsValidTokenAndAnswersPing(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := wsURL(srv, "/ws/terminal") + "?token=" + mintToken(t, 7, false)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	if frame["type"] != "pong" {
		t.Errorf("frame = %v, want pong", frame)
	}
}

func TestTerminalWS_EnforcesSessionCap(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := wsURL(srv, "/ws/terminal") + "?token=" + mintToken(t, 7, false)
	var conns []*websocket.Conn
	defer func() {
		for _, c := range conns {
			c.CloseNow()
		}
	}()
	for i := 0; i < 3; i++ {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conns = append(conns, conn)
		// Confirm the session registered before opening the next one.
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if _, _, err := conn.Read(ctx); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}

	over, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial over-cap: %v", err)
	}
	defer over.CloseNow()
	_, _, err = over.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want 1008", websocket.CloseStatus(err))
	}
}

func TestTerminalWS_RejectsLockedUser(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// User 8 never got a data key pushed.
	url := wsURL(srv, "/ws/terminal") + "?token=" + mintToken(t, 8, false)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want 1008", websocket.CloseStatus(err))
	}
}

func TestOPKCallback_NoLoginInFlight(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/ssh/opkssh-callback?code=abc&state=xyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestOPKChooser_UnknownRequest(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/ssh/opkssh-chooser/no-such-request")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
