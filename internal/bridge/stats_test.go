package bridge

import (
	"context"
	"testing"
	"time"
)

func TestStats_Probe(t *testing.T) {
	server := startTestServer(t)
	server.setExec("hostname", "box-1\n")
	server.setExec("cat /proc/uptime", "86400.50 170000.00\n")
	server.setExec("cat /proc/loadavg", "0.52 0.41 0.30 2/345 6789\n")
	server.setExec("nproc", "8\n")
	server.setExec("cat /proc/meminfo", "MemTotal:       16384000 kB\nMemFree:         1024000 kB\nMemAvailable:    8192000 kB\n")
	server.setExec("df -P -k /", "Filesystem 1024-blocks Used Available Capacity Mounted on\n/dev/sda1 102400000 51200000 51200000 50% /\n")

	client := dialTestServer(t, server)
	rec := newFrameRecorder()

	if err := NewStats(client, rec.emit).Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	select {
	case f := <-rec.ch:
		if f.event != "stats" {
			t.Fatalf("event = %q, want stats", f.event)
		}
		if f.data["hostname"] != "box-1" {
			t.Errorf("hostname = %v", f.data["hostname"])
		}
		if f.data["uptime_seconds"] != int64(86400) {
			t.Errorf("uptime = %v", f.data["uptime_seconds"])
		}
		if f.data["load1"] != "0.52" {
			t.Errorf("load1 = %v", f.data["load1"])
		}
		if f.data["cpu_count"] != 8 {
			t.Errorf("cpu_count = %v", f.data["cpu_count"])
		}
		if f.data["mem_total"] != int64(16384000*1024) {
			t.Errorf("mem_total = %v", f.data["mem_total"])
		}
		if f.data["mem_used"] != int64((16384000-8192000)*1024) {
			t.Errorf("mem_used = %v", f.data["mem_used"])
		}
		if f.data["disk_total"] != int64(102400000*1024) {
			t.Errorf("disk_total = %v", f.data["disk_total"])
		}
		if f.data["mem_total_human"] == "" || f.data["disk_used_human"] == "" {
			t.Error("human sizes should be populated")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no stats event emitted")
	}
}

func TestStats_PartialFailuresTolerated(t *testing.T) {
	server := startTestServer(t)
	// Only hostname succeeds; every other probe exits non-zero.
	server.setExec("hostname", "minimal-host\n")

	client := dialTestServer(t, server)
	rec := newFrameRecorder()

	if err := NewStats(client, rec.emit).Probe(context.Background()); err != nil {
		t.Fatalf("Probe should tolerate partial failures: %v", err)
	}

	select {
	case f := <-rec.ch:
		if f.data["hostname"] != "minimal-host" {
			t.Errorf("hostname = %v", f.data["hostname"])
		}
		if _, ok := f.data["mem_total"]; ok {
			t.Error("failed probes should be omitted")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no stats event emitted")
	}
}
