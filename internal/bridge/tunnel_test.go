package bridge

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"
)

func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func netDial(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

func TestTunnel_RoundTrip(t *testing.T) {
	echoAddr := startEchoServer(t)
	host, portStr, err := net.SplitHostPort(echoAddr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	tun, err := OpenTunnel(netDial, 0, host, port, newFrameRecorder().emit)
	if err != nil {
		t.Fatalf("OpenTunnel: %v", err)
	}
	defer tun.Close()

	conn, err := net.Dial("tcp", tun.LocalAddr())
	if err != nil {
		t.Fatalf("dial local end: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("echo = %q", buf)
	}
}

func TestTunnel_CloseSeversConnections(t *testing.T) {
	echoAddr := startEchoServer(t)
	host, portStr, _ := net.SplitHostPort(echoAddr)
	port, _ := strconv.Atoi(portStr)

	tun, err := OpenTunnel(netDial, 0, host, port, newFrameRecorder().emit)
	if err != nil {
		t.Fatalf("OpenTunnel: %v", err)
	}

	conn, err := net.Dial("tcp", tun.LocalAddr())
	if err != nil {
		t.Fatalf("dial local end: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}

	tun.Close()
	tun.Close() // idempotent

	select {
	case <-tun.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("accept loop did not stop")
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(buf); err == nil {
		t.Error("live pipe should be severed by Close")
	}

	if _, err := net.Dial("tcp", tun.LocalAddr()); err == nil {
		t.Error("listener should refuse new connections after Close")
	}
}

func TestTunnel_InvalidTarget(t *testing.T) {
	if _, err := OpenTunnel(netDial, 0, "", 80, newFrameRecorder().emit); err == nil {
		t.Error("empty host should be rejected")
	}
	if _, err := OpenTunnel(netDial, 0, "example.com", 0, newFrameRecorder().emit); err == nil {
		t.Error("port 0 should be rejected")
	}
	if _, err := OpenTunnel(netDial, 0, "example.com", 70000, newFrameRecorder().emit); err == nil {
		t.Error("port above range should be rejected")
	}
}

func TestTunnel_DialFailureEmitsError(t *testing.T) {
	rec := newFrameRecorder()
	failDial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, io.ErrClosedPipe
	}
	tun, err := OpenTunnel(failDial, 0, "example.com", 9999, rec.emit)
	if err != nil {
		t.Fatalf("OpenTunnel: %v", err)
	}
	defer tun.Close()

	conn, err := net.Dial("tcp", tun.LocalAddr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-rec.ch:
			if f.event == "error" {
				return
			}
		case <-deadline:
			t.Fatal("no error event after failed remote dial")
		}
	}
}
