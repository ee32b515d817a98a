package bridge

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drydock-dev/gangway/internal/sshkeys"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// testServer is an in-process SSH server with enough of a session layer to
// exercise the bridges: PTY shells that echo, canned exec output, the sftp
// subsystem, and an HTTP responder behind `docker system dial-stdio`.
type testServer struct {
	addr string
	ln   net.Listener

	mu      sync.Mutex
	resizes []string
	execOut map[string]string
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()

	_, hostKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.ParsePrivateKey(hostKeyPEM)
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}

	config := &ssh.ServerConfig{NoClientAuth: true}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &testServer{
		addr:    ln.Addr().String(),
		ln:      ln,
		execOut: make(map[string]string),
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handle(conn, config)
		}
	}()
	return s
}

func (s *testServer) setExec(cmd, out string) {
	s.mu.Lock()
	s.execOut[cmd] = out
	s.mu.Unlock()
}

func (s *testServer) resizeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resizes)
}

func (s *testServer) handle(conn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		conn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, chReqs, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, chReqs)
	}
}

func (s *testServer) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "pty-req", "env":
			req.Reply(true, nil)
		case "window-change":
			s.mu.Lock()
			s.resizes = append(s.resizes, string(req.Payload))
			s.mu.Unlock()
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			req.Reply(true, nil)
			go func() {
				ch.Write([]byte("welcome\n"))
				io.Copy(ch, ch)
			}()
		case "exec":
			var payload struct{ Command string }
			ssh.Unmarshal(req.Payload, &payload)
			req.Reply(true, nil)
			go s.exec(ch, payload.Command)
		case "subsystem":
			var payload struct{ Name string }
			ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				srv, err := sftp.NewServer(ch)
				if err != nil {
					ch.Close()
					return
				}
				srv.Serve()
				ch.Close()
			}()
		default:
			req.Reply(false, nil)
		}
	}
}

func (s *testServer) exec(ch ssh.Channel, command string) {
	defer ch.Close()

	if command == "docker system dial-stdio" {
		serveDockerPipe(ch)
		return
	}

	s.mu.Lock()
	out, ok := s.execOut[command]
	s.mu.Unlock()

	status := uint32(0)
	if ok {
		ch.Write([]byte(out))
	} else {
		status = 127
	}
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
}

// serveDockerPipe answers Docker API requests over the channel: enough of
// /_ping for the client's version negotiation and health check.
func serveDockerPipe(ch ssh.Channel) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Api-Version", "1.43")
		w.Header().Set("Ostype", "linux")
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Handler: handler}
	server.Serve(&oneConnListener{conn: channelConn{ch}})
}

// channelConn adapts an ssh.Channel to net.Conn for http.Serve.
type channelConn struct{ ssh.Channel }

func (channelConn) LocalAddr() net.Addr              { return &net.UnixAddr{Name: "chan", Net: "unix"} }
func (channelConn) RemoteAddr() net.Addr             { return &net.UnixAddr{Name: "chan", Net: "unix"} }
func (channelConn) SetDeadline(time.Time) error      { return nil }
func (channelConn) SetReadDeadline(time.Time) error  { return nil }
func (channelConn) SetWriteDeadline(time.Time) error { return nil }

type oneConnListener struct {
	conn net.Conn
	mu   sync.Mutex
	used bool
}

func (l *oneConnListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.used {
		return nil, io.EOF
	}
	l.used = true
	return l.conn, nil
}

func (l *oneConnListener) Close() error   { return nil }
func (l *oneConnListener) Addr() net.Addr { return &net.UnixAddr{Name: "chan", Net: "unix"} }

func dialTestServer(t *testing.T, s *testServer) *ssh.Client {
	t.Helper()
	client, err := ssh.Dial("tcp", s.addr, &ssh.ClientConfig{
		User:            "test",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// frameRecorder collects emitted events for assertions.
type frameRecorder struct {
	mu     sync.Mutex
	frames []recordedFrame
	ch     chan recordedFrame
}

type recordedFrame struct {
	event string
	data  map[string]any
}

func newFrameRecorder() *frameRecorder {
	return &frameRecorder{ch: make(chan recordedFrame, 64)}
}

func (r *frameRecorder) emit(event string, data map[string]any) {
	r.mu.Lock()
	r.frames = append(r.frames, recordedFrame{event, data})
	r.mu.Unlock()
	select {
	case r.ch <- recordedFrame{event, data}:
	default:
	}
}

// waitForData blocks until the concatenated data frames contain want.
func (r *frameRecorder) waitForData(t *testing.T, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		var all string
		for _, f := range r.frames {
			if f.event == "data" {
				all += fmt.Sprint(f.data["data"])
			}
		}
		r.mu.Unlock()
		if strings.Contains(all, want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("output never contained %q", want)
}
