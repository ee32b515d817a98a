// Package session owns the per-tab state machines: each WebSocket gets one
// Session that resolves the host record, dials through proxy and jump
// chains, negotiates SSH authentication with browser round trips, bridges
// the requested channel kind, and tears everything down deterministically.
package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/drydock-dev/gangway/internal/activity"
	"github.com/drydock-dev/gangway/internal/bridge"
	"github.com/drydock-dev/gangway/internal/hostkeys"
	"github.com/drydock-dev/gangway/internal/jumpchain"
	"github.com/drydock-dev/gangway/internal/keyring"
	"github.com/drydock-dev/gangway/internal/logutil"
	"github.com/drydock-dev/gangway/internal/opk"
	"github.com/drydock-dev/gangway/internal/proxydial"
	"github.com/drydock-dev/gangway/internal/sshauth"
	"github.com/drydock-dev/gangway/internal/sshkeys"
	"golang.org/x/crypto/ssh"
)

// State is the session lifecycle stage.
type State string

const (
	StateStarting       State = "starting"
	StateAuthenticating State = "authenticating"
	StateAwaitingPrompt State = "awaiting_prompt"
	StateConnected      State = "connected"
	StateClosing        State = "closing"
	StateClosed         State = "closed"
)

// SessionKind selects which channel bridge a session drives.
type SessionKind string

const (
	KindTerminal SessionKind = "terminal"
	KindTunnel   SessionKind = "tunnel"
	KindFiles    SessionKind = "file_manager"
	KindStats    SessionKind = "stats"
	KindDocker   SessionKind = "docker"
)

// Conn is the subset of the WebSocket connection the session uses; satisfied
// by *websocket.Conn.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Deps bundles the collaborators every session shares.
type Deps struct {
	Store    *keyring.Store
	Keys     *hostkeys.Verifier
	Tokens   *opk.TokenStore
	OPK      *opk.Manager
	Activity *activity.Logger

	ConnectTimeout time.Duration
	AuthTimeout    time.Duration
	ShellTimeout   time.Duration
}

const (
	defaultConnectTimeout = 120 * time.Second
	defaultAuthTimeout    = 60 * time.Second

	// shellInitRetryDelay is the grace applied when a close request races
	// shell initialization.
	shellInitRetryDelay = 100 * time.Millisecond

	writeTimeout = 10 * time.Second
)

// Session is one browser tab's SSH connection.
type Session struct {
	ID     string
	UserID uint
	Kind   SessionKind

	deps     Deps
	registry *Registry
	ws       Conn

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu                sync.Mutex
	state             State
	connecting        bool
	hostID            uint
	hostName          string
	lastConnect       ConnectData
	engine            *sshauth.Engine
	chain             *jumpchain.Chain
	sshClient         *ssh.Client
	terminal          *bridge.Terminal
	files             *bridge.Files
	tunnel            *bridge.Tunnel
	docker            *bridge.Docker
	stats             *bridge.Stats
	stopKeepalive     func()
	opkFiles          []string
	shellInitializing bool
	closeDeferred     bool
	closed            bool
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run pumps browser messages until the WebSocket closes or the session is
// torn down. It blocks; callers own the WS lifecycle around it.
func (s *Session) Run(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.close(newError(KindCancelled, "Connection closed.", nil))

	for {
		_, raw, err := s.ws.Read(s.ctx)
		if err != nil {
			return
		}
		env, err := ParseEnvelope(raw)
		if err != nil {
			s.emit("error", map[string]any{"message": err.Error(), "code": string(KindInvalidInput)})
			continue
		}
		s.handle(env)
	}
}

func (s *Session) handle(env *Envelope) {
	switch env.Type {
	case MsgPing:
		s.emit("pong", nil)
	case MsgConnect:
		var data ConnectData
		if err := env.decode(&data); err != nil {
			s.emit("error", map[string]any{"message": err.Error(), "code": string(KindInvalidInput)})
			return
		}
		s.startConnect(data, nil)
	case MsgInput:
		var data InputData
		if env.decode(&data) != nil {
			return
		}
		s.mu.Lock()
		term := s.terminal
		s.mu.Unlock()
		if term != nil {
			if err := term.Write(data.Data); err != nil {
				log.Printf("[session] %s input write: %v", s.ID, err)
			}
		}
	case MsgResize:
		var data ResizeData
		if env.decode(&data) != nil {
			return
		}
		s.mu.Lock()
		term := s.terminal
		s.mu.Unlock()
		if term != nil {
			if err := term.Resize(data.Cols, data.Rows); err == nil {
				s.emit("resized", map[string]any{"cols": data.Cols, "rows": data.Rows})
			}
		}
	case MsgDisconnect:
		s.close(newError(KindCancelled, "Disconnected by user.", nil))
	case MsgTOTPResponse, MsgPasswordResponse:
		var data PromptResponse
		if env.decode(&data) != nil {
			return
		}
		s.respondPrompt(data.Answer())
	case MsgWarpgateContinue:
		s.respondPrompt("")
	case MsgReconnectWithCred:
		var data ReconnectData
		if env.decode(&data) != nil {
			return
		}
		s.mu.Lock()
		connect := s.lastConnect
		s.mu.Unlock()
		s.startConnect(connect, &keyring.Credential{
			Password:      data.Password,
			PrivateKey:    data.PrivateKey,
			KeyPassphrase: data.KeyPassphrase,
		})
	case MsgOPKStartAuth:
		var data OPKStartData
		if env.decode(&data) != nil {
			return
		}
		s.startOPK(data.HostID)
	case MsgOPKCancel:
		var data OPKRequestData
		if env.decode(&data) != nil {
			return
		}
		s.deps.OPK.Cancel(data.RequestID)
	case MsgOPKBrowserOpened:
		s.logEvent("opkssh", "info", "Browser opened for OpenPubKey login", nil)
	case MsgOPKAuthCompleted:
		s.logEvent("opkssh", "info", "OpenPubKey login reported complete; reconnect to use it", nil)
	case MsgTunnelOpen:
		var data TunnelOpenData
		if env.decode(&data) != nil {
			return
		}
		s.openTunnel(data)
	case MsgFileList, MsgFileStat, MsgFileRead, MsgFileWrite, MsgFileMkdir,
		MsgFileMove, MsgFileRemove, MsgFileChmod, MsgFileChown:
		var data FileOpData
		if err := env.decode(&data); err != nil {
			s.emit("error", map[string]any{"message": err.Error(), "code": string(KindInvalidInput)})
			return
		}
		s.fileOp(env.Type, data)
	case MsgStatsRequest:
		s.mu.Lock()
		stats := s.stats
		s.mu.Unlock()
		if stats != nil {
			go func() {
				ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
				defer cancel()
				if err := stats.Probe(ctx); err != nil {
					s.emit("error", map[string]any{"message": "stats probe failed"})
				}
			}()
		}
	case MsgDockerInfo, MsgDockerContainers:
		s.dockerOp(env.Type)
	default:
		s.emit("error", map[string]any{
			"message": fmt.Sprintf("unknown message type %q", logutil.SanitizeForLog(env.Type)),
			"code":    string(KindInvalidInput),
		})
	}
}

func (s *Session) respondPrompt(answer string) {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil || !engine.Respond(answer) {
		s.emit("error", map[string]any{"message": "no authentication prompt is waiting", "code": string(KindInvalidInput)})
		return
	}
	s.setState(StateAuthenticating)
}

// startConnect launches the connect pipeline unless one is already running.
func (s *Session) startConnect(data ConnectData, override *keyring.Credential) {
	s.mu.Lock()
	if s.closed || s.connecting || s.sshClient != nil {
		s.mu.Unlock()
		s.emit("error", map[string]any{"message": "session already has a connection", "code": string(KindInvalidInput)})
		return
	}
	s.connecting = true
	s.lastConnect = data
	s.mu.Unlock()

	go func() {
		err := s.connect(data, override)
		s.mu.Lock()
		s.connecting = false
		s.mu.Unlock()
		if err != nil {
			s.fail(err)
		}
	}()
}

// errAwaitingInput marks connect outcomes that intentionally leave the
// session open waiting for a browser follow-up.
var errAwaitingInput = fmt.Errorf("awaiting browser input")

func (s *Session) connect(data ConnectData, override *keyring.Credential) error {
	s.setState(StateStarting)

	spec, err := s.deps.Store.FetchHost(data.HostID, s.UserID)
	if err != nil {
		return err
	}
	if err := validateSpec(spec); err != nil {
		return err
	}
	s.mu.Lock()
	s.hostID = spec.ID
	s.hostName = spec.Name
	s.mu.Unlock()
	s.logEvent("connecting", "info", fmt.Sprintf("Connecting to %s", logutil.SanitizeForLog(spec.Name)), nil)

	cred := override
	if cred == nil && spec.CredentialID != 0 {
		cred, err = s.deps.Store.FetchCredential(spec.CredentialID, s.UserID)
		if err != nil {
			return err
		}
	}
	defer func() {
		if cred != nil {
			cred.Wipe()
		}
	}()

	engine := sshauth.NewEngine(s.promptNotify)
	s.mu.Lock()
	s.engine = engine
	s.mu.Unlock()

	var opkSigner ssh.Signer
	if spec.AuthType == "opkssh" {
		opkSigner, err = s.materializeOPK(spec.ID)
		if err != nil {
			if errors.Is(err, opk.ErrNoToken) {
				s.emit("opkssh_auth_required", map[string]any{"hostId": spec.ID})
				s.setState(StateAwaitingPrompt)
				return nil
			}
			return err
		}
	}
	if override != nil && spec.AuthType == "none" {
		// A reconnect with explicit credentials upgrades the auth type.
		if override.PrivateKey != "" {
			spec.AuthType = "key"
		} else {
			spec.AuthType = "password"
		}
	}

	authCtx, cancelAuth := context.WithTimeout(s.ctx, s.authTimeout())
	defer cancelAuth()

	methods, err := sshauth.Methods(spec, cred, opkSigner, engine, engine.Challenge(authCtx))
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(spec.Host, strconv.Itoa(spec.Port))
	dialCtx, cancelDial := context.WithTimeout(s.ctx, s.connectTimeout())
	defer cancelDial()

	base := proxydial.New(spec.ProxyChain, 30*time.Second)
	var conn net.Conn
	if len(spec.JumpHosts) > 0 {
		s.logEvent("connecting", "info", fmt.Sprintf("Building jump chain (%d hops)", len(spec.JumpHosts)), nil)
		builder := &jumpchain.Builder{
			Store: s.deps.Store,
			Keys:  s.deps.Keys,
			Dial:  base.DialContext,
			OnHop: func(i int, hop *keyring.HostSpec) {
				s.logEvent("handshake", "success",
					fmt.Sprintf("Jump hop %d (%s) connected", i+1, logutil.SanitizeForLog(hop.Name)), nil)
			},
		}
		chain, err := builder.Build(dialCtx, s.UserID, spec.JumpHosts)
		if err != nil {
			return err
		}
		s.mu.Lock()
		prev := s.chain
		s.chain = chain
		closed := s.closed
		s.mu.Unlock()
		if prev != nil {
			// Left over from an earlier attempt that stopped at a prompt.
			prev.Close()
		}
		if closed {
			chain.Close()
			return errAwaitingInput
		}
		s.logEvent("tcp", "info", fmt.Sprintf("Opening TCP connection to %s", logutil.SanitizeForLog(addr)), nil)
		conn, err = chain.DialContext(dialCtx, "tcp", addr)
		if err != nil {
			return err
		}
	} else {
		s.logEvent("tcp", "info", fmt.Sprintf("Opening TCP connection to %s", logutil.SanitizeForLog(addr)), nil)
		conn, err = base.DialContext(dialCtx, "tcp", addr)
		if err != nil {
			return err
		}
	}

	s.setState(StateAuthenticating)
	s.logEvent("auth", "info", "Authenticating", nil)

	var hk hostkeys.Result
	cfg := &ssh.ClientConfig{
		User:            spec.Username,
		Auth:            methods,
		HostKeyCallback: hostkeys.Callback(s.deps.Keys, s.UserID, spec.ID, false, &hk),
		Timeout:         s.connectTimeout(),
	}

	client, err := jumpchain.Handshake(authCtx, conn, addr, cfg)
	if err != nil {
		conn.Close()
		if hk.Decision == hostkeys.Reject {
			s.emit("host_key_mismatch", map[string]any{
				"hostId":    spec.ID,
				"stored":    hk.Stored,
				"presented": hk.Presented,
			})
			return fmt.Errorf("host key changed: %w", hostkeys.ErrMismatch)
		}
		if isAuthFailure(err) {
			s.awaitOutstandingPrompt(engine)
			if spec.AuthType == "none" && override == nil {
				s.emit("auth_method_not_available", map[string]any{"hostId": spec.ID})
				s.setState(StateAwaitingPrompt)
				return nil
			}
		}
		return err
	}
	s.logEvent("handshake", "success", "SSH handshake complete", nil)
	s.logEvent("auth", "success", "Authenticated", nil)
	if hk.FirstSeen {
		s.emit("host_key_prompt", map[string]any{
			"hostId":      spec.ID,
			"fingerprint": hk.Presented,
		})
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		client.Close()
		return errAwaitingInput
	}
	s.sshClient = client
	s.mu.Unlock()

	if err := s.openChannel(client, data); err != nil {
		return err
	}

	stop := bridge.StartKeepalive(client, bridge.KeepaliveInterval, bridge.KeepaliveMaxMissed)
	s.mu.Lock()
	closed := s.closed
	s.stopKeepalive = stop
	s.mu.Unlock()
	if closed {
		stop()
		return errAwaitingInput
	}

	s.setState(StateConnected)
	s.emit("connected", map[string]any{
		"sessionId": s.ID,
		"hostId":    spec.ID,
		"hostName":  spec.Name,
	})
	s.deps.Activity.Log(activity.Event{
		Type:     string(s.Kind),
		UserID:   s.UserID,
		HostID:   spec.ID,
		HostName: spec.Name,
	})
	log.Printf("[session] %s connected (user %d, host %d, kind %s)", s.ID, s.UserID, spec.ID, s.Kind)
	return nil
}

// awaitOutstandingPrompt defers the auth failure while a prompt round trip
// is still in flight, so a browser answer racing the server's rejection is
// not cut off mid-dialog.
func (s *Session) awaitOutstandingPrompt(engine *sshauth.Engine) {
	deadline := time.Now().Add(s.authTimeout())
	for engine.Outstanding() && time.Now().Before(deadline) {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (s *Session) openChannel(client *ssh.Client, data ConnectData) error {
	switch s.Kind {
	case KindTerminal:
		s.logEvent("shell", "info", "Opening shell", nil)
		s.mu.Lock()
		s.shellInitializing = true
		s.mu.Unlock()
		term, err := bridge.OpenTerminal(client, data.Cols, data.Rows, s.shellTimeout(), s.emit)
		s.mu.Lock()
		s.shellInitializing = false
		if err == nil {
			s.terminal = term
		}
		closed := s.closed
		s.mu.Unlock()
		if err != nil {
			if err == bridge.ErrShellTimeout {
				return err
			}
			return newError(KindShellOpenFailed, "Could not open a shell on the server.", err)
		}
		if closed {
			term.Close()
			return errAwaitingInput
		}
		go func() {
			select {
			case <-term.Done():
				s.close(newError(KindCancelled, "The remote shell exited.", nil))
			case <-s.ctx.Done():
			}
		}()
	case KindFiles:
		files, err := bridge.OpenFiles(client, s.emit)
		if err != nil {
			return newError(KindShellOpenFailed, "Could not open the SFTP subsystem.", err)
		}
		s.mu.Lock()
		s.files = files
		s.mu.Unlock()
	case KindTunnel:
		return s.openTunnelLocked(client, TunnelOpenData{
			LocalPort:  data.LocalPort,
			RemoteHost: data.RemoteHost,
			RemotePort: data.RemotePort,
		})
	case KindStats:
		stats := bridge.NewStats(client, s.emit)
		s.mu.Lock()
		s.stats = stats
		s.mu.Unlock()
		probeCtx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
		defer cancel()
		if err := stats.Probe(probeCtx); err != nil {
			return newError(KindShellOpenFailed, "The host did not answer the stats probes.", err)
		}
	case KindDocker:
		docker, err := bridge.OpenDocker(client, s.emit)
		if err != nil {
			return newError(KindShellOpenFailed, "Could not build the Docker client.", err)
		}
		pingCtx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
		err = docker.Ping(pingCtx)
		cancel()
		if err != nil {
			docker.Close()
			return newError(KindShellOpenFailed, "The Docker daemon is not reachable over SSH.", err)
		}
		s.mu.Lock()
		s.docker = docker
		s.mu.Unlock()
	default:
		return newError(KindInvalidInput, fmt.Sprintf("unknown session kind %q", s.Kind), nil)
	}
	return nil
}

// openTunnel handles a tunnel-open request after connect.
func (s *Session) openTunnel(data TunnelOpenData) {
	s.mu.Lock()
	client := s.sshClient
	existing := s.tunnel
	s.mu.Unlock()
	if client == nil {
		s.emit("error", map[string]any{"message": "not connected", "code": string(KindInvalidInput)})
		return
	}
	if existing != nil {
		s.emit("error", map[string]any{"message": "tunnel already open", "code": string(KindInvalidInput)})
		return
	}
	if err := s.openTunnelLocked(client, data); err != nil {
		s.fail(err)
	}
}

func (s *Session) openTunnelLocked(client *ssh.Client, data TunnelOpenData) error {
	tun, err := bridge.OpenTunnel(client.DialContext, data.LocalPort, data.RemoteHost, data.RemotePort, s.emit)
	if err != nil {
		return newError(KindInvalidInput, "Could not open the tunnel listener.", err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		tun.Close()
		return errAwaitingInput
	}
	s.tunnel = tun
	s.mu.Unlock()
	s.emit("tunnel_opened", map[string]any{
		"localAddr":  tun.LocalAddr(),
		"remoteHost": data.RemoteHost,
		"remotePort": data.RemotePort,
	})
	return nil
}

func (s *Session) fileOp(op string, data FileOpData) {
	s.mu.Lock()
	files := s.files
	s.mu.Unlock()
	if files == nil {
		s.emit("error", map[string]any{"message": "file manager not connected", "code": string(KindInvalidInput)})
		return
	}

	go func() {
		var err error
		switch op {
		case MsgFileList:
			var entries []bridge.Entry
			if entries, err = files.List(data.Path); err == nil {
				s.emit("file_list", map[string]any{"path": data.Path, "entries": entries})
			}
		case MsgFileStat:
			var entry bridge.Entry
			if entry, err = files.Stat(data.Path); err == nil {
				s.emit("file_stat", map[string]any{"entry": entry})
			}
		case MsgFileRead:
			var buf bytes.Buffer
			if _, err = files.Download(s.ctx, data.Path, &buf); err == nil {
				s.emit("file_data", map[string]any{
					"path": data.Path,
					"data": base64.StdEncoding.EncodeToString(buf.Bytes()),
				})
			}
		case MsgFileWrite:
			var raw []byte
			if raw, err = base64.StdEncoding.DecodeString(data.Data); err == nil {
				_, err = files.Upload(s.ctx, data.Path, bytes.NewReader(raw), int64(len(raw)))
				if err == nil {
					s.emit("file_written", map[string]any{"path": data.Path})
				}
			}
		case MsgFileMkdir:
			if err = files.Mkdir(data.Path); err == nil {
				s.emit("file_done", map[string]any{"op": op, "path": data.Path})
			}
		case MsgFileMove:
			if err = files.Move(data.Path, data.NewPath); err == nil {
				s.emit("file_done", map[string]any{"op": op, "path": data.NewPath})
			}
		case MsgFileRemove:
			if err = files.Remove(data.Path); err == nil {
				s.emit("file_done", map[string]any{"op": op, "path": data.Path})
			}
		case MsgFileChmod:
			var mode uint64
			if mode, err = strconv.ParseUint(data.Mode, 8, 32); err == nil {
				if err = files.Chmod(data.Path, os.FileMode(mode)); err == nil {
					s.emit("file_done", map[string]any{"op": op, "path": data.Path})
				}
			}
		case MsgFileChown:
			if err = files.Chown(data.Path, data.UID, data.GID); err == nil {
				s.emit("file_done", map[string]any{"op": op, "path": data.Path})
			}
		}
		if err != nil {
			s.emit("error", map[string]any{"message": fmt.Sprintf("%s failed: %v", op, err)})
		}
	}()
}

func (s *Session) dockerOp(op string) {
	s.mu.Lock()
	docker := s.docker
	s.mu.Unlock()
	if docker == nil {
		s.emit("error", map[string]any{"message": "docker not connected", "code": string(KindInvalidInput)})
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
		defer cancel()
		var err error
		switch op {
		case MsgDockerInfo:
			err = docker.Info(ctx)
		case MsgDockerContainers:
			err = docker.ListContainers(ctx)
		}
		if err != nil {
			s.emit("error", map[string]any{"message": fmt.Sprintf("%s failed", op)})
		}
	}()
}

func (s *Session) startOPK(hostID uint) {
	auth, err := s.deps.OPK.Start(s.UserID, hostID, s.emit)
	if err != nil {
		var cfgErr *opk.ConfigError
		if errors.As(err, &cfgErr) {
			s.emit("opkssh_config_error", map[string]any{
				"error":        cfgErr.Err.Error(),
				"instructions": cfgErr.Instructions,
				"configPath":   cfgErr.Path,
			})
			return
		}
		s.fail(newError(KindOPKSubprocessFailed, "Could not start the opkssh login.", err))
		return
	}
	s.emit("opkssh_status", map[string]any{
		"requestId": auth.RequestID,
		"stage":     "starting",
	})
	s.deps.Activity.Log(activity.Event{
		Type:   "opkssh_authentication",
		UserID: s.UserID,
		HostID: hostID,
	})
}

// materializeOPK looks up the cached certificate, writes the ephemeral key
// files the way the CLI tooling expects, and returns a certificate signer.
func (s *Session) materializeOPK(hostID uint) (ssh.Signer, error) {
	token, err := s.deps.Tokens.Lookup(s.UserID, hostID)
	if err != nil {
		return nil, err
	}

	keyPath := filepath.Join(os.TempDir(), fmt.Sprintf("opkssh-%d-%d", s.UserID, hostID))
	certPath := keyPath + "-cert.pub"
	if err := os.WriteFile(keyPath, []byte(token.PrivateKey), 0600); err != nil {
		return nil, fmt.Errorf("write opkssh key file: %w", err)
	}
	if err := os.WriteFile(certPath, []byte(token.Cert), 0600); err != nil {
		os.Remove(keyPath)
		return nil, fmt.Errorf("write opkssh cert file: %w", err)
	}
	s.mu.Lock()
	s.opkFiles = append(s.opkFiles, keyPath, certPath)
	s.mu.Unlock()

	return sshkeys.CertSigner([]byte(token.PrivateKey), token.Cert)
}

func (s *Session) promptNotify(p sshauth.Prompt) {
	s.setState(StateAwaitingPrompt)
	var message string
	switch p.Kind {
	case sshauth.KindTOTP:
		message = "TOTP required"
	case sshauth.KindPassword:
		message = "Password required"
	case sshauth.KindWarpgateContinue:
		message = "Confirmation required to continue"
	default:
		message = logutil.SanitizeForLog(p.Text)
	}
	s.logEvent("auth", "info", message, map[string]any{
		"prompt": p.Text,
		"echo":   p.Echo,
		"kind":   p.Kind.String(),
	})
}

// fail translates a pipeline error into browser events and tears down.
func (s *Session) fail(err error) {
	if err == errAwaitingInput {
		return
	}
	e := Classify(err)
	s.mu.Lock()
	hostID := s.hostID
	s.mu.Unlock()
	log.Printf("[session] %s failed (user %d, host %d): %v", s.ID, s.UserID, hostID, err)
	s.logEvent("error", "error", e.Message, map[string]any{"code": string(e.Kind)})
	s.emit("error", map[string]any{"message": e.Message, "code": string(e.Kind)})
	s.close(e)
}

// close runs the cleanup contract exactly once: timers, bridges, SSH
// client, jump chain, OPK temp files, registry entry, then a final
// disconnected frame before the WebSocket closes.
func (s *Session) close(cause *Error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// A close racing shell initialization waits one grace period so the
	// shell request is not abandoned mid-handshake.
	if s.shellInitializing && !s.closeDeferred {
		s.closeDeferred = true
		s.mu.Unlock()
		time.AfterFunc(shellInitRetryDelay, func() { s.close(cause) })
		return
	}
	s.closed = true
	s.state = StateClosing
	term := s.terminal
	files := s.files
	tunnel := s.tunnel
	docker := s.docker
	client := s.sshClient
	chain := s.chain
	stopKA := s.stopKeepalive
	opkFiles := s.opkFiles
	s.opkFiles = nil
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if stopKA != nil {
		stopKA()
	}
	if term != nil {
		term.Close()
	}
	if files != nil {
		files.Close()
	}
	if tunnel != nil {
		tunnel.Close()
	}
	if docker != nil {
		docker.Close()
	}
	if client != nil {
		client.Close()
	}
	if chain != nil {
		chain.Close()
	}
	for _, path := range opkFiles {
		os.Remove(path)
	}
	if s.registry != nil {
		s.registry.remove(s.ID)
	}

	reason := "closed"
	if cause != nil {
		reason = cause.Message
	}
	s.emit("disconnected", map[string]any{"sessionId": s.ID, "reason": reason})
	s.ws.Close(websocket.StatusNormalClosure, "session closed")

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	log.Printf("[session] %s closed (%s)", s.ID, reason)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if !s.closed {
		s.state = state
	}
	s.mu.Unlock()
}

func (s *Session) logEvent(stage, level, message string, details map[string]any) {
	data := map[string]any{
		"stage":   stage,
		"level":   level,
		"message": message,
	}
	if details != nil {
		data["details"] = details
	}
	s.emit("connection_log", data)
}

// emit writes one event frame; writes are serialized and bounded so a stuck
// browser cannot wedge session goroutines forever.
func (s *Session) emit(event string, data map[string]any) {
	payload := map[string]any{"type": event}
	for k, v := range data {
		payload[k] = v
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[session] %s marshal %s: %v", s.ID, event, err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.ws.Write(ctx, websocket.MessageText, buf); err != nil {
		log.Printf("[session] %s write %s: %v", s.ID, event, err)
	}
}

func (s *Session) connectTimeout() time.Duration {
	if s.deps.ConnectTimeout > 0 {
		return s.deps.ConnectTimeout
	}
	return defaultConnectTimeout
}

func (s *Session) authTimeout() time.Duration {
	if s.deps.AuthTimeout > 0 {
		return s.deps.AuthTimeout
	}
	return defaultAuthTimeout
}

func (s *Session) shellTimeout() time.Duration {
	if s.deps.ShellTimeout > 0 {
		return s.deps.ShellTimeout
	}
	return bridge.DefaultShellTimeout
}

func validateSpec(spec *keyring.HostSpec) error {
	if spec.Host == "" {
		return newError(KindInvalidInput, "Host address is empty.", nil)
	}
	if strings.TrimSpace(spec.Username) == "" {
		return newError(KindInvalidInput, "Username is empty.", nil)
	}
	if spec.Port < 1 || spec.Port > 65535 {
		return newError(KindInvalidInput, fmt.Sprintf("Port %d is out of range.", spec.Port), nil)
	}
	return nil
}
