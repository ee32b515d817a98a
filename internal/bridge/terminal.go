package bridge

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/ssh"
)

// DefaultShellTimeout bounds how long the remote may take to answer the
// shell request before the session is declared wedged.
const DefaultShellTimeout = 15 * time.Second

const outputBufSize = 32 * 1024

// ErrShellTimeout is returned when the server accepts the PTY request but
// never responds to the shell request.
var ErrShellTimeout = errors.New("shell open timed out")

// Terminal is a PTY-backed shell session pumping output to the browser as
// data frames.
type Terminal struct {
	session *ssh.Session
	stdin   io.WriteCloser
	emit    Emitter

	doneOnce sync.Once
	done     chan struct{}
}

// OpenTerminal opens a PTY shell on the client with the browser's initial
// size. Zero dimensions fall back to 80x24. The environment forces a UTF-8
// locale; servers that refuse env requests keep their default.
func OpenTerminal(client *ssh.Client, cols, rows int, shellTimeout time.Duration, emit Emitter) (*Terminal, error) {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	if shellTimeout <= 0 {
		shellTimeout = DefaultShellTimeout
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	// Best effort; sshd commonly rejects env requests outside AcceptEnv.
	session.Setenv("LANG", "en_US.UTF-8")
	session.Setenv("LC_ALL", "en_US.UTF-8")

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	// Shell watchdog: some servers accept the PTY then never answer the
	// shell request.
	shellErr := make(chan error, 1)
	go func() { shellErr <- session.Shell() }()
	select {
	case err := <-shellErr:
		if err != nil {
			session.Close()
			return nil, fmt.Errorf("start shell: %w", err)
		}
	case <-time.After(shellTimeout):
		session.Close()
		return nil, ErrShellTimeout
	}

	t := &Terminal{
		session: session,
		stdin:   stdin,
		emit:    emit,
		done:    make(chan struct{}),
	}
	go t.pump(stdout)
	go t.pump(stderr)
	go func() {
		session.Wait()
		t.markDone()
	}()
	return t, nil
}

// Write sends browser input to the shell verbatim: escape sequences and
// literal tabs pass through unchanged.
func (t *Terminal) Write(input string) error {
	if len(input) > MaxInputMessageSize {
		return fmt.Errorf("input message of %d bytes exceeds limit", len(input))
	}
	_, err := t.stdin.Write([]byte(input))
	return err
}

// Resize changes the PTY dimensions.
func (t *Terminal) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 || cols > MaxResizeCols || rows > MaxResizeRows {
		return fmt.Errorf("resize %dx%d out of range", cols, rows)
	}
	return t.session.WindowChange(int(rows), int(cols))
}

// Done is closed when the remote shell exits or the session is closed.
func (t *Terminal) Done() <-chan struct{} { return t.done }

// Close tears the session down. Safe to call multiple times.
func (t *Terminal) Close() error {
	t.markDone()
	t.stdin.Close()
	return t.session.Close()
}

func (t *Terminal) markDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

// pump copies remote output to the browser as data frames. Bytes are passed
// through as UTF-8 when valid; a rune split across reads is carried into the
// next frame, and genuinely invalid data falls back to Latin-1 so legacy
// hosts still render.
func (t *Terminal) pump(r io.Reader) {
	buf := make([]byte, outputBufSize)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			text, rest := decodeTerminalOutput(chunk)
			carry = rest
			if text != "" {
				t.emit("data", map[string]any{"data": text})
			}
		}
		if err != nil {
			if len(carry) > 0 {
				t.emit("data", map[string]any{"data": latin1String(carry)})
			}
			t.markDone()
			return
		}
	}
}

// decodeTerminalOutput returns the decoded text plus any trailing bytes that
// form an incomplete UTF-8 rune and should wait for the next read.
func decodeTerminalOutput(b []byte) (string, []byte) {
	if utf8.Valid(b) {
		return string(b), nil
	}

	// Check for a rune truncated at the buffer boundary.
	for tail := 1; tail < utf8.UTFMax && tail < len(b); tail++ {
		prefix := b[:len(b)-tail]
		if utf8.Valid(prefix) {
			rest := make([]byte, tail)
			copy(rest, b[len(b)-tail:])
			return string(prefix), rest
		}
	}

	return latin1String(b), nil
}

func latin1String(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}
