package bridge

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"
	"golang.org/x/crypto/ssh"
)

// sshPipeConn adapts an SSH session running `docker system dial-stdio` into
// a net.Conn for the Docker HTTP client.
type sshPipeConn struct {
	stdin   io.WriteCloser
	stdout  io.Reader
	session *ssh.Session
}

func (c *sshPipeConn) Read(b []byte) (int, error)  { return c.stdout.Read(b) }
func (c *sshPipeConn) Write(b []byte) (int, error) { return c.stdin.Write(b) }

func (c *sshPipeConn) Close() error {
	c.stdin.Close()
	return c.session.Close()
}

func (c *sshPipeConn) LocalAddr() net.Addr {
	return &net.UnixAddr{Name: "ssh-pipe", Net: "unix"}
}

func (c *sshPipeConn) RemoteAddr() net.Addr {
	return &net.UnixAddr{Name: "/var/run/docker.sock", Net: "unix"}
}

// SSH channels do not support deadlines.
func (c *sshPipeConn) SetDeadline(time.Time) error      { return nil }
func (c *sshPipeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *sshPipeConn) SetWriteDeadline(time.Time) error { return nil }

// Docker is a Docker API client tunneled over the session's SSH transport.
type Docker struct {
	api  *client.Client
	emit Emitter
}

// OpenDocker builds a Docker client whose every HTTP request rides an SSH
// exec of `docker system dial-stdio` on the remote host. No TCP exposure of
// the daemon is required.
func OpenDocker(sshClient *ssh.Client, emit Emitter) (*Docker, error) {
	dialer := func(ctx context.Context, network, addr string) (net.Conn, error) {
		session, err := sshClient.NewSession()
		if err != nil {
			return nil, fmt.Errorf("create ssh session for docker: %w", err)
		}
		stdin, err := session.StdinPipe()
		if err != nil {
			session.Close()
			return nil, fmt.Errorf("docker stdin pipe: %w", err)
		}
		stdout, err := session.StdoutPipe()
		if err != nil {
			session.Close()
			return nil, fmt.Errorf("docker stdout pipe: %w", err)
		}
		if err := session.Start("docker system dial-stdio"); err != nil {
			session.Close()
			return nil, fmt.Errorf("start docker dial-stdio: %w", err)
		}
		return &sshPipeConn{stdin: stdin, stdout: stdout, session: session}, nil
	}

	httpClient := &http.Client{
		Transport: &http.Transport{DialContext: dialer},
	}
	api, err := client.NewClientWithOpts(
		client.WithHTTPClient(httpClient),
		client.WithHost("http://docker.local"),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Docker{api: api, emit: emit}, nil
}

func (d *Docker) Close() error { return d.api.Close() }

// Ping verifies the remote daemon is reachable through the pipe.
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.api.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// Info emits a docker_info event with daemon version and capacity facts.
func (d *Docker) Info(ctx context.Context) error {
	info, err := d.api.Info(ctx)
	if err != nil {
		return fmt.Errorf("docker info: %w", err)
	}
	d.emit("docker_info", map[string]any{
		"name":               info.Name,
		"server_version":     info.ServerVersion,
		"operating_system":   info.OperatingSystem,
		"architecture":       info.Architecture,
		"ncpu":               info.NCPU,
		"mem_total":          info.MemTotal,
		"mem_total_human":    units.BytesSize(float64(info.MemTotal)),
		"containers":         info.Containers,
		"containers_running": info.ContainersRunning,
		"images":             info.Images,
	})
	return nil
}

// ListContainers emits a docker_containers event covering all containers,
// running or not.
func (d *Docker) ListContainers(ctx context.Context) error {
	containers, err := d.api.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return fmt.Errorf("docker container list: %w", err)
	}

	out := make([]map[string]any, 0, len(containers))
	for _, c := range containers {
		name := c.ID[:12]
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		out = append(out, map[string]any{
			"id":     c.ID,
			"name":   name,
			"image":  c.Image,
			"state":  c.State,
			"status": c.Status,
		})
	}
	d.emit("docker_containers", map[string]any{"containers": out})
	return nil
}
