package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blockmirror/replicator/internal/device"
	"github.com/blockmirror/replicator/internal/worker"
)

func newTestRegistry(t *testing.T) (*device.Registry, *device.Device) {
	t.Helper()
	reg := device.NewRegistry()
	bm := device.NewMemBitmap(1024)
	al := device.NewMemActivityLog(16)
	issuer := device.NewLoopIssuer(1024 * 512)
	d := device.New(device.Config{Name: "r0", CapacitySectors: 1024}, bm, al, issuer, 8)
	d.Queue = worker.NewQueue()
	reg.Register(d)
	return reg, d
}

func roundTrip(t *testing.T, socketPath string, req ControlRequest) ControlResponse {
	t.Helper()
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var resp ControlResponse
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no response: %v", scanner.Err())
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func startTestServer(t *testing.T, reg *device.Registry, scheds map[string]*worker.Scheduler) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "ctl.sock")
	cs := &ControlServer{
		Registry:   reg,
		Schedulers: scheds,
		Logger:     slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go cs.Serve(ctx, socketPath)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socketPath); err == nil {
			return socketPath
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("control socket %q never appeared", socketPath)
	return ""
}

func TestControlServerStatusReportsDeviceState(t *testing.T) {
	reg, d := newTestRegistry(t)
	d.Counters.RsTotal = 42
	socketPath := startTestServer(t, reg, nil)

	resp := roundTrip(t, socketPath, ControlRequest{Command: "status"})
	if !resp.OK {
		t.Fatalf("status failed: %s", resp.Error)
	}
	if len(resp.Devices) != 1 || resp.Devices[0].Name != "r0" || resp.Devices[0].RsTotal != 42 {
		t.Fatalf("unexpected status payload: %+v", resp.Devices)
	}
}

func TestControlServerStatusUnknownDevice(t *testing.T) {
	reg, _ := newTestRegistry(t)
	socketPath := startTestServer(t, reg, nil)

	resp := roundTrip(t, socketPath, ControlRequest{Command: "status", Device: "missing"})
	if resp.OK {
		t.Fatal("expected failure for unknown device")
	}
}

func TestControlServerPauseResumeSetsUserISP(t *testing.T) {
	reg, d := newTestRegistry(t)
	socketPath := startTestServer(t, reg, nil)

	resp := roundTrip(t, socketPath, ControlRequest{Command: "pause", Device: "r0"})
	if !resp.OK {
		t.Fatalf("pause failed: %s", resp.Error)
	}
	if !d.State.UserISP {
		t.Fatal("expected UserISP set after pause")
	}

	resp = roundTrip(t, socketPath, ControlRequest{Command: "resume", Device: "r0"})
	if !resp.OK {
		t.Fatalf("resume failed: %s", resp.Error)
	}
	if d.State.UserISP {
		t.Fatal("expected UserISP cleared after resume")
	}
}

func TestControlServerVerifyRequiresScheduler(t *testing.T) {
	reg, _ := newTestRegistry(t)
	socketPath := startTestServer(t, reg, nil)

	resp := roundTrip(t, socketPath, ControlRequest{Command: "verify", Device: "r0"})
	if resp.OK {
		t.Fatal("expected failure with no scheduler wired")
	}
}

func TestControlServerVerifyStartsOVSweep(t *testing.T) {
	reg, d := newTestRegistry(t)
	sched := &worker.Scheduler{Device: d}
	socketPath := startTestServer(t, reg, map[string]*worker.Scheduler{"r0": sched})

	resp := roundTrip(t, socketPath, ControlRequest{Command: "verify", Device: "r0"})
	if !resp.OK {
		t.Fatalf("verify failed: %s", resp.Error)
	}
	if d.State.Conn != device.ConnVerifyS {
		t.Fatalf("expected ConnVerifyS, got %s", d.State.Conn)
	}
}

func TestControlServerUnknownCommand(t *testing.T) {
	reg, _ := newTestRegistry(t)
	socketPath := startTestServer(t, reg, nil)

	resp := roundTrip(t, socketPath, ControlRequest{Command: "bogus"})
	if resp.OK {
		t.Fatal("expected failure for unknown command")
	}
}
