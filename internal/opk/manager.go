// Package opk drives the OpenPubKey CLI as an out-of-process authenticator:
// it spawns `opkssh login`, parses the subprocess's stdout into a state
// machine, bridges the browser's OAuth callback to the subprocess's local
// HTTP server, and persists the resulting SSH certificate.
package opk

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/drydock-dev/gangway/internal/logutil"
	"github.com/google/uuid"
)

// Status is the auth flow's lifecycle stage.
type Status string

const (
	StatusStarting       Status = "starting"
	StatusWaitingBrowser Status = "waiting_browser"
	StatusAuthenticating Status = "authenticating"
	StatusCompleted      Status = "completed"
	StatusError          Status = "error"
)

// DefaultTimeout bounds the whole login flow, browser round trip included.
const DefaultTimeout = 60 * time.Second

const (
	termGrace = 3 * time.Second
	killGrace = 1 * time.Second
)

// Notifier delivers flow events to the browser. Implementations must be safe
// for concurrent use; the manager calls it from subprocess reader goroutines.
type Notifier func(event string, data map[string]any)

// Auth is one in-flight login subprocess.
type Auth struct {
	RequestID string
	UserID    uint
	HostID    uint

	mu           sync.Mutex
	status       Status
	chooserPort  int
	callbackPort int
	privKey      string
	cert         string
	identity     Identity
	hasIdentity  bool
	torn         bool

	cmd      *exec.Cmd
	waitDone chan struct{}
	waitErr  error
	timer    *time.Timer
	notify   Notifier
}

// Status returns the flow's current stage.
func (a *Auth) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Manager owns the registry of in-flight OPK logins.
type Manager struct {
	Binary  string
	DataDir string
	// Origin is the externally reachable base URL, used to build the
	// proxied chooser URL and the remote redirect URI.
	Origin  string
	Tokens  *TokenStore
	Timeout time.Duration

	mu    sync.Mutex
	auths map[string]*Auth
}

func NewManager(binary, dataDir, origin string, tokens *TokenStore) *Manager {
	return &Manager{
		Binary:  binary,
		DataDir: dataDir,
		Origin:  origin,
		Tokens:  tokens,
		Timeout: DefaultTimeout,
		auths:   make(map[string]*Auth),
	}
}

// Start validates the config, spawns the CLI and begins parsing its output.
// Config problems are returned as a *ConfigError without spawning anything;
// the caller turns that into an opkssh_config_error event. All later flow
// events are delivered through notify.
func (m *Manager) Start(userID, hostID uint, notify Notifier) (*Auth, error) {
	configPath, err := CheckConfig(m.DataDir)
	if err != nil {
		return nil, err
	}

	a := &Auth{
		RequestID: uuid.New().String(),
		UserID:    userID,
		HostID:    hostID,
		status:    StatusStarting,
		waitDone:  make(chan struct{}),
		notify:    notify,
	}

	cmd := exec.Command(m.Binary, "login", "--print-key",
		"--config-path="+configPath,
		"--remote-redirect-uri="+m.Origin+"/ssh/opkssh-callback")
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opkssh stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opkssh stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start opkssh: %w", err)
	}
	a.cmd = cmd

	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	a.timer = time.AfterFunc(timeout, func() { m.onTimeout(a) })

	m.mu.Lock()
	m.auths[a.RequestID] = a
	m.mu.Unlock()

	go func() {
		cmd.Wait()
		close(a.waitDone)
	}()
	go m.readStdout(a, stdout)
	go m.readStderr(a, stderr)

	log.Printf("[opk] started login %s (user %d, host %d, pid %d)",
		a.RequestID, userID, hostID, cmd.Process.Pid)
	return a, nil
}

// Get returns the in-flight auth for a request ID.
func (m *Manager) Get(requestID string) (*Auth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auths[requestID]
	return a, ok
}

// Cancel tears down the flow. Safe to call concurrently and repeatedly.
func (m *Manager) Cancel(requestID string) {
	if a, ok := m.Get(requestID); ok {
		m.teardown(a)
	}
}

// Shutdown tears down every in-flight flow.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	auths := make([]*Auth, 0, len(m.auths))
	for _, a := range m.auths {
		auths = append(auths, a)
	}
	m.mu.Unlock()
	for _, a := range auths {
		m.teardown(a)
	}
}

func (m *Manager) readStdout(a *Auth, r io.Reader) {
	lex := &lexer{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		for _, ev := range lex.feed(scanner.Text()) {
			m.applyStdout(a, ev)
		}
	}
}

func (m *Manager) applyStdout(a *Auth, ev lexEvent) {
	a.mu.Lock()
	if a.torn {
		a.mu.Unlock()
		return
	}

	switch ev.kind {
	case evChooserPort:
		a.chooserPort = ev.port
		a.status = StatusWaitingBrowser
		localURL := fmt.Sprintf("http://localhost:%d/chooser", ev.port)
		proxied := m.Origin + "/ssh/opkssh-chooser/" + a.RequestID
		a.mu.Unlock()
		a.notify("opkssh_status", map[string]any{
			"requestId": a.RequestID,
			"stage":     "chooser",
			"url":       proxied,
			"localUrl":  localURL,
		})
		return
	case evCallbackPort:
		a.callbackPort = ev.port
	case evKeyBegin:
		a.status = StatusAuthenticating
		a.mu.Unlock()
		a.notify("opkssh_status", map[string]any{
			"requestId": a.RequestID,
			"stage":     "authenticating",
		})
		return
	case evKey:
		if KeyLooksValid(ev.text) {
			a.privKey = ev.text
		}
	case evCert:
		if CertLooksValid(ev.text) {
			a.cert = ev.text
		}
	case evIdentity:
		a.identity = ev.identity
		a.hasIdentity = true
	}

	complete := a.privKey != "" && a.cert != ""
	a.mu.Unlock()

	if complete {
		m.complete(a)
	}
}

func (m *Manager) complete(a *Auth) {
	a.mu.Lock()
	if a.torn || a.status == StatusCompleted {
		a.mu.Unlock()
		return
	}
	a.status = StatusCompleted
	cert, privKey, identity := a.cert, a.privKey, a.identity
	a.mu.Unlock()

	expiresAt := time.Now().Add(TokenTTL)
	if err := m.Tokens.Save(a.UserID, a.HostID, cert, privKey, identity, expiresAt); err != nil {
		log.Printf("[opk] persist token for %s: %v", a.RequestID, err)
		a.notify("opkssh_error", map[string]any{
			"requestId": a.RequestID,
			"error":     "failed to store certificate",
		})
		m.teardown(a)
		return
	}

	log.Printf("[opk] login %s completed (%s)", a.RequestID, logutil.SanitizeForLog(identity.Email))
	a.notify("opkssh_completed", map[string]any{
		"requestId": a.RequestID,
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	})
	m.teardown(a)
}

func (m *Manager) readStderr(a *Auth, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if reason, fatal := classifyStderr(line); fatal {
			log.Printf("[opk] %s fatal stderr: %s", a.RequestID, logutil.SanitizeForLog(line))
			m.fail(a, reason)
			return
		}
		log.Printf("[opk] %s stderr: %s", a.RequestID, logutil.SanitizeForLog(line))
	}
}

// classifyStderr decides whether a stderr line kills the flow. A failed
// xdg-open is noise on headless servers, unless the same line also reports a
// fatal condition.
func classifyStderr(line string) (reason string, fatal bool) {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "bind: address already in use"):
		return "callback port already in use; check redirect_uris in the opkssh config", true
	case strings.Contains(lower, "provider not found"):
		return "provider not found in the opkssh config", true
	case strings.Contains(lower, "xdg-open"):
		return "", false
	}
	return "", false
}

func (m *Manager) fail(a *Auth, reason string) {
	a.mu.Lock()
	if a.torn || a.status == StatusCompleted || a.status == StatusError {
		a.mu.Unlock()
		return
	}
	a.status = StatusError
	a.mu.Unlock()

	a.notify("opkssh_config_error", map[string]any{
		"requestId": a.RequestID,
		"error":     reason,
	})
	m.teardown(a)
}

func (m *Manager) onTimeout(a *Auth) {
	a.mu.Lock()
	if a.torn || a.status == StatusCompleted || a.status == StatusError {
		a.mu.Unlock()
		return
	}
	a.status = StatusError
	a.mu.Unlock()

	log.Printf("[opk] login %s timed out", a.RequestID)
	a.notify("opkssh_timeout", map[string]any{"requestId": a.RequestID})
	m.teardown(a)
}

// teardown stops the subprocess and clears the registry entry: SIGTERM, up
// to 3 s for a clean exit, SIGKILL, 1 s grace. The torn flag makes it
// idempotent; concurrent callers send at most one SIGTERM.
func (m *Manager) teardown(a *Auth) {
	a.mu.Lock()
	if a.torn {
		a.mu.Unlock()
		return
	}
	a.torn = true
	if a.timer != nil {
		a.timer.Stop()
	}
	cmd := a.cmd
	a.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		select {
		case <-a.waitDone:
			// Already exited on its own.
		default:
			if err := cmd.Process.Signal(syscall.SIGTERM); err == nil {
				select {
				case <-a.waitDone:
				case <-time.After(termGrace):
					cmd.Process.Kill()
					select {
					case <-a.waitDone:
					case <-time.After(killGrace):
						log.Printf("[opk] %s did not exit after SIGKILL", a.RequestID)
					}
				}
			}
		}
	}

	m.mu.Lock()
	delete(m.auths, a.RequestID)
	m.mu.Unlock()
	log.Printf("[opk] login %s torn down", a.RequestID)
}

// ForwardCallback relays the browser's OAuth callback query to the
// subprocess's local login-callback endpoint. The response status is
// irrelevant: success is observed on the subprocess's stdout.
func (m *Manager) ForwardCallback(requestID, rawQuery string) error {
	a, ok := m.Get(requestID)
	if !ok {
		return fmt.Errorf("unknown opkssh request %s", logutil.SanitizeForLog(requestID))
	}

	a.mu.Lock()
	port := a.callbackPort
	if port == 0 {
		port = a.chooserPort
	}
	a.mu.Unlock()
	if port == 0 {
		return fmt.Errorf("opkssh request %s has no callback port yet", requestID)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/login-callback?%s", port, rawQuery))
	if err != nil {
		return fmt.Errorf("forward opkssh callback: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// ActiveRequestIDs lists in-flight logins. Provider redirects carry no
// request id, so with a single active login the callback route can resolve
// it unambiguously.
func (m *Manager) ActiveRequestIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.auths))
	for id := range m.auths {
		ids = append(ids, id)
	}
	return ids
}

// ChooserTarget returns the base URL of the subprocess's provider chooser
// page, for the reverse proxy route.
func (m *Manager) ChooserTarget(requestID string) (*url.URL, error) {
	a, ok := m.Get(requestID)
	if !ok {
		return nil, fmt.Errorf("unknown opkssh request %s", logutil.SanitizeForLog(requestID))
	}
	a.mu.Lock()
	port := a.chooserPort
	a.mu.Unlock()
	if port == 0 {
		return nil, fmt.Errorf("opkssh request %s has no chooser port yet", requestID)
	}
	return url.Parse(fmt.Sprintf("http://localhost:%d", port))
}
