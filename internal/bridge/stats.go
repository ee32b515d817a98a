package bridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"golang.org/x/crypto/ssh"
)

// Stats probes host metrics by running small read-only commands over SSH
// exec sessions and emitting one aggregated stats event.
type Stats struct {
	client *ssh.Client
	emit   Emitter
}

func NewStats(client *ssh.Client, emit Emitter) *Stats {
	return &Stats{client: client, emit: emit}
}

// Probe gathers hostname, uptime, load, memory and root-disk usage. Probes
// that fail on exotic hosts are simply omitted from the event.
func (s *Stats) Probe(ctx context.Context) error {
	data := map[string]any{}

	if out, err := s.run(ctx, "hostname"); err == nil {
		data["hostname"] = strings.TrimSpace(out)
	}
	if out, err := s.run(ctx, "cat /proc/uptime"); err == nil {
		if fields := strings.Fields(out); len(fields) > 0 {
			if secs, err := strconv.ParseFloat(fields[0], 64); err == nil {
				data["uptime_seconds"] = int64(secs)
			}
		}
	}
	if out, err := s.run(ctx, "cat /proc/loadavg"); err == nil {
		if fields := strings.Fields(out); len(fields) >= 3 {
			data["load1"] = fields[0]
			data["load5"] = fields[1]
			data["load15"] = fields[2]
		}
	}
	if out, err := s.run(ctx, "nproc"); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(out)); err == nil {
			data["cpu_count"] = n
		}
	}
	s.memory(ctx, data)
	s.disk(ctx, data)

	if len(data) == 0 {
		return fmt.Errorf("all stats probes failed")
	}
	s.emit("stats", data)
	return nil
}

func (s *Stats) memory(ctx context.Context, data map[string]any) {
	out, err := s.run(ctx, "cat /proc/meminfo")
	if err != nil {
		return
	}
	var total, available int64
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = kb * 1024
		case "MemAvailable:":
			available = kb * 1024
		}
	}
	if total > 0 {
		data["mem_total"] = total
		data["mem_total_human"] = units.BytesSize(float64(total))
		if available > 0 {
			used := total - available
			data["mem_used"] = used
			data["mem_used_human"] = units.BytesSize(float64(used))
		}
	}
}

func (s *Stats) disk(ctx context.Context, data map[string]any) {
	out, err := s.run(ctx, "df -P -k /")
	if err != nil {
		return
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 4 {
		return
	}
	total, err1 := strconv.ParseInt(fields[1], 10, 64)
	used, err2 := strconv.ParseInt(fields[2], 10, 64)
	if err1 != nil || err2 != nil {
		return
	}
	data["disk_total"] = total * 1024
	data["disk_total_human"] = units.BytesSize(float64(total * 1024))
	data["disk_used"] = used * 1024
	data["disk_used_human"] = units.BytesSize(float64(used * 1024))
}

// run executes one command in a fresh exec session, bounded by ctx.
func (s *Stats) run(ctx context.Context, cmd string) (string, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("create ssh session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := session.Output(cmd)
		ch <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		session.Close()
		<-ch
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("run %q: %w", cmd, r.err)
		}
		return string(r.out), nil
	}
}
