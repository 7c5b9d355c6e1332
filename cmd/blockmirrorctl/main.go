// Package main is blockmirrorctl, the operator CLI: it dials a running
// blockmirrord's control socket and issues status/pause/resume/verify
// commands, the same flag-then-config-then-act shape as the daemon
// binary.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/blockmirror/replicator/internal/config"
	"github.com/blockmirror/replicator/internal/daemon"
)

func main() {
	configPath := flag.String("config", "/etc/blockmirror/blockmirrord.yaml", "path to node config file (used to find the control socket)")
	socketOverride := flag.String("socket", "", "control socket path (overrides the one in --config)")
	timeout := flag.Duration("timeout", 5*time.Second, "dial and round-trip timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	command := args[0]
	var deviceName string
	if len(args) > 1 {
		deviceName = args[1]
	}

	socketPath := *socketOverride
	if socketPath == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		socketPath = cfg.Node.ControlSocket
	}

	resp, err := send(socketPath, daemon.ControlRequest{Command: command, Device: deviceName}, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if !resp.OK {
		fmt.Fprintf(os.Stderr, "%s failed: %s\n", command, resp.Error)
		os.Exit(1)
	}

	switch command {
	case "status":
		printStatus(resp.Devices)
	default:
		fmt.Printf("%s: ok\n", command)
	}
}

func send(socketPath string, req daemon.ControlRequest, timeout time.Duration) (*daemon.ControlResponse, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("dialing control socket %q: %w", socketPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	var resp daemon.ControlResponse
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		return nil, fmt.Errorf("no response from daemon")
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}

func printStatus(devices []daemon.DeviceStatus) {
	fmt.Printf("%-16s %-14s %-12s %-12s %-7s %9s %9s %11s %12s/%s\n",
		"DEVICE", "CONN", "DISK", "PDISK", "PAUSED", "RS_TOTAL", "RS_FAILED", "RS_INFLIGHT", "BM_FO", "BM_BITS")
	for _, d := range devices {
		fmt.Printf("%-16s %-14s %-12s %-12s %-7t %9d %9d %11d %12d/%d\n",
			d.Name, d.Conn, d.Disk, d.PDisk, d.Paused, d.RsTotal, d.RsFailed, d.RsInFlight, d.BmResyncFO, d.BmBits)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: blockmirrorctl [flags] <command> [device]

commands:
  status [device]   show replication state and resync counters
  pause <device>    set the operator pause flag on device
  resume <device>   clear the operator pause flag on device
  verify <device>   start an online-verify sweep on device

flags:
`)
	flag.PrintDefaults()
}
