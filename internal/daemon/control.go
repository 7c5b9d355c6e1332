package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/blockmirror/replicator/internal/device"
	"github.com/blockmirror/replicator/internal/worker"
)

// ControlRequest is one line of the newline-delimited JSON protocol
// blockmirrorctl speaks to a running blockmirrord over a Unix socket —
// the "local control socket" named in SPEC_FULL.md §1. There is no
// ecosystem RPC library in the retrieved example pack sized for a
// handful of admin verbs, so the wire format is plain encoding/json
// over the stream, one object per line. internal/protocol's replication
// wire uses its own encoding/binary framing instead.
type ControlRequest struct {
	Command string `json:"command"`
	Device  string `json:"device,omitempty"`
}

// ControlResponse is the reply to a ControlRequest.
type ControlResponse struct {
	OK      bool           `json:"ok"`
	Error   string         `json:"error,omitempty"`
	Devices []DeviceStatus `json:"devices,omitempty"`
}

// DeviceStatus is the subset of device.Device state exposed to the
// operator CLI.
type DeviceStatus struct {
	Name       string `json:"name"`
	Conn       string `json:"conn"`
	Disk       string `json:"disk"`
	PDisk      string `json:"pdisk"`
	Paused     bool   `json:"paused"`
	RsTotal    int64  `json:"rs_total"`
	RsFailed   int64  `json:"rs_failed"`
	RsInFlight int64  `json:"rs_in_flight"`
	BmResyncFO int64  `json:"bm_resync_fo"`
	BmBits     int64  `json:"bm_bits"`
}

// ControlServer answers ControlRequests against a device registry. It
// owns no goroutines of its own beyond the accept loop started by
// Serve; every mutation it performs is a plain call into
// internal/worker or internal/device, so it never needs its own lock
// beyond what those packages already take.
type ControlServer struct {
	Registry   *device.Registry
	Schedulers map[string]*worker.Scheduler
	Logger     *slog.Logger

	listener net.Listener
}

// Serve listens on socketPath and answers requests until ctx is done.
// An empty socketPath disables the control server.
func (cs *ControlServer) Serve(ctx context.Context, socketPath string) error {
	if socketPath == "" {
		return nil
	}
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on control socket %q: %w", socketPath, err)
	}
	cs.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
		os.Remove(socketPath)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			cs.Logger.Warn("control socket accept failed", "error", err)
			continue
		}
		go cs.handle(conn)
	}
}

func (cs *ControlServer) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		var req ControlRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			enc.Encode(ControlResponse{Error: fmt.Sprintf("bad request: %v", err)})
			continue
		}
		enc.Encode(cs.dispatch(req))
	}
}

func (cs *ControlServer) dispatch(req ControlRequest) ControlResponse {
	switch req.Command {
	case "status":
		return cs.status(req.Device)
	case "pause":
		return cs.setUserISP(req.Device, true)
	case "resume":
		return cs.setUserISP(req.Device, false)
	case "verify":
		return cs.verify(req.Device)
	default:
		return ControlResponse{Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

func (cs *ControlServer) status(name string) ControlResponse {
	var devs []*device.Device
	if name != "" {
		d := cs.Registry.Lookup(name)
		if d == nil {
			return ControlResponse{Error: fmt.Sprintf("unknown device %q", name)}
		}
		devs = []*device.Device{d}
	} else {
		devs = cs.Registry.All()
	}

	out := make([]DeviceStatus, 0, len(devs))
	for _, d := range devs {
		out = append(out, DeviceStatus{
			Name:       d.Name,
			Conn:       d.State.Conn.String(),
			Disk:       d.State.Disk.String(),
			PDisk:      d.State.PDisk.String(),
			Paused:     d.State.Paused(),
			RsTotal:    d.Counters.RsTotal,
			RsFailed:   d.Counters.RsFailed,
			RsInFlight: d.Counters.RsInFlight,
			BmResyncFO: d.BmResyncFO,
			BmBits:     d.Bitmap.Bits(),
		})
	}
	return ControlResponse{OK: true, Devices: out}
}

func (cs *ControlServer) setUserISP(name string, paused bool) ControlResponse {
	d := cs.Registry.Lookup(name)
	if d == nil {
		return ControlResponse{Error: fmt.Sprintf("unknown device %q", name)}
	}
	cs.Registry.WriteLocked(func() {
		d.State.UserISP = paused
	})
	if !paused {
		worker.ResumeNext(cs.Registry)
	} else {
		worker.PauseAfter(cs.Registry)
	}
	return ControlResponse{OK: true}
}

func (cs *ControlServer) verify(name string) ControlResponse {
	d := cs.Registry.Lookup(name)
	if d == nil {
		return ControlResponse{Error: fmt.Sprintf("unknown device %q", name)}
	}
	sched, ok := cs.Schedulers[name]
	if !ok {
		return ControlResponse{Error: fmt.Sprintf("no scheduler wired for device %q", name)}
	}
	if err := startVerify(d, sched); err != nil {
		return ControlResponse{Error: err.Error()}
	}
	return ControlResponse{OK: true}
}
