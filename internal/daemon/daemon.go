// Package daemon wires every subsystem (device registry, transport,
// worker loop, resync scheduler, audit archiver, telemetry sampler,
// verify cron) into one running process and owns its signal-driven
// lifecycle, the same role internal/agent/daemon.go plays for the
// teacher's backup agent.
//
// C12's RDMA transport is an explicit in-process simulation (two
// ConnManagers joined by Go channels, not a real fabric or socket) —
// there is no wire format for reaching a second blockmirrord process.
// Run therefore hosts both sides of a replication pair itself: a
// "local" registry acting as sync source/primary and a "remote"
// registry acting as sync target/secondary, connected in-process. A
// deployment wanting real cross-host replication swaps in a transport
// implementation satisfying device.Transport against an actual fabric;
// nothing else in this package changes.
package daemon

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blockmirror/replicator/internal/audit"
	"github.com/blockmirror/replicator/internal/config"
	"github.com/blockmirror/replicator/internal/device"
	"github.com/blockmirror/replicator/internal/protocol"
	"github.com/blockmirror/replicator/internal/telemetry"
	"github.com/blockmirror/replicator/internal/transport"
	"github.com/blockmirror/replicator/internal/verify"
	"github.com/blockmirror/replicator/internal/worker"
)

// side is one half (local or remote) of the in-process replication
// pair: its own device registry, transport, and one worker loop per
// device.
type side struct {
	label     string
	registry  *device.Registry
	transport *transport.Transport
	loops     []*worker.Loop
}

// Run builds every device, connects the simulated transport, starts the
// ambient subsystems, and blocks until SIGINT/SIGTERM.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	local := newSide(ctx, "local", cfg, logger)
	remote := newSide(ctx, "remote", cfg, logger)

	if err := transport.Connect(ctx, local.transport, remote.transport); err != nil {
		return fmt.Errorf("connecting transport: %w", err)
	}
	transport.Pipe(ctx, local.transport, remote.transport)
	logger.Info("transport connected", "devices", len(cfg.Devices))

	go runDataReceiver(ctx, remote.transport, remote.registry, logger)

	monitor := telemetry.NewMonitor(logger, cfg.Telemetry.Interval, "")
	if cfg.Telemetry.Enabled {
		monitor.Start()
		defer monitor.Stop()
	}

	var archiver *audit.Archiver
	if cfg.Audit.Enabled {
		client, err := audit.NewS3Client(ctx, cfg.Audit.S3Region, "", "")
		if err != nil {
			logger.Warn("audit client unavailable, archiving disabled", "error", err)
		} else {
			archiver = &audit.Archiver{Client: client, Bucket: cfg.Audit.S3Bucket, Prefix: cfg.Audit.S3Prefix, Logger: logger}
		}
	}

	schedulers := make(map[string]*worker.Scheduler, len(cfg.Devices))
	for i := range cfg.Devices {
		dc := &cfg.Devices[i]
		localDev := local.registry.Lookup(dc.Name)

		sched := buildScheduler(localDev, local.transport, monitor, archiver, cfg.Node.HelperScript)
		schedulers[dc.Name] = sched

		local.loops[i].MarkReportParamsDone()
		go local.loops[i].Run(ctx)
		go remote.loops[i].Run(ctx)

		logger.Info("device online", "device", dc.Name, "capacity_sectors", dc.CapacitySectors)
	}

	var verifySched *verify.Scheduler
	entries := verifyEntries(cfg)
	if len(entries) > 0 {
		var err error
		verifySched, err = verify.NewScheduler(entries, logger, func(ctx context.Context, deviceName string, l *slog.Logger, run *verify.Run) error {
			d := local.registry.Lookup(deviceName)
			if d == nil {
				return fmt.Errorf("unknown device %q", deviceName)
			}
			return startVerify(d, schedulers[deviceName])
		})
		if err != nil {
			return fmt.Errorf("building verify scheduler: %w", err)
		}
		verifySched.Start()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			verifySched.Stop(stopCtx)
		}()
	}

	control := &ControlServer{Registry: local.registry, Schedulers: schedulers, Logger: logger}
	go func() {
		if err := control.Serve(ctx, cfg.Node.ControlSocket); err != nil {
			logger.Warn("control socket stopped", "error", err)
		}
	}()

	logger.Info("blockmirrord running", "node", cfg.Node.Name, "role", cfg.Node.Role, "control_socket", cfg.Node.ControlSocket)

	<-ctx.Done()
	logger.Info("shutting down")

	for _, l := range local.loops {
		l.RequestExit()
	}
	for _, l := range remote.loops {
		l.RequestExit()
	}
	local.transport.Free(transport.DestroyTransport)
	remote.transport.Free(transport.DestroyTransport)
	return nil
}

func newSide(ctx context.Context, label string, cfg *config.Config, logger *slog.Logger) *side {
	s := &side{
		label:     label,
		registry:  device.NewRegistry(),
		transport: transport.New(ctx, cfg.Node.RecvTimeout),
	}

	for i := range cfg.Devices {
		dc := &cfg.Devices[i]
		nbits := dc.CapacitySectors / device.SectPerBit
		if nbits <= 0 {
			nbits = 1
		}
		bm := device.NewMemBitmap(nbits)
		al := device.NewMemActivityLog(256)
		issuer := device.NewLoopIssuer(dc.CapacitySectors * 512)

		d := device.New(device.Config{
			Name:            dc.Name,
			ResyncRateKiBs:  dc.ResyncRateKiBsRaw,
			MaxRequestsCap:  dc.MaxRequestsCap,
			FillTarget:      dc.FillTarget,
			DelayTarget:     dc.DelayTarget,
			MaxBioSize:      dc.MaxBioSizeRaw,
			ChecksumEnabled: dc.ChecksumEnabled,
			ProtocolVersion: dc.ProtocolVersion,
			ResyncAfter:     dc.ResyncAfter,
			CapacitySectors: dc.CapacitySectors,
		}, bm, al, issuer, dc.FifoDepth)

		d.Transport = s.transport
		q := worker.NewQueue()
		d.Queue = q
		deviceName := dc.Name
		d.WakeAsender = func() {
			logger.Debug("asender woken", "side", label, "device", deviceName)
		}
		s.registry.Register(d)
		s.loops = append(s.loops, worker.NewLoop(q))
	}
	return s
}

func buildScheduler(d *device.Device, t *transport.Transport, monitor *telemetry.Monitor, archiver *audit.Archiver, helperCommand string) *worker.Scheduler {
	sched := &worker.Scheduler{
		Device: d,
		Send: func(sector, size int64) error {
			return sendBlock(t, sector, size, protocol.MsgMirroredDataBlock, &protocol.MirroredDataBlock{
				Sector: sector, BlockID: uint64(sector), DeviceName: d.Name, Data: make([]byte, size),
			})
		},
		SendOV: func(sector, size int64) error {
			return sendBlock(t, sector, size, protocol.MsgVerifyRequest, &protocol.VerifyRequest{
				Sector: sector, Size: size, Digest: protocol.Checksum(make([]byte, size)),
			})
		},
		BackPressure: func() bool {
			stats := t.Stats()
			full := stats.SendBufferUsed > stats.SendBufferSize/2
			if monitor != nil {
				s := monitor.Latest()
				full = full || s.LoadAverage > 8 || s.DiskUsagePercent > 95
			}
			return full
		},
		HelperCommand: helperCommand,
	}
	if d.Config.ChecksumEnabled {
		// read_for_csum: issue a local read and, once it completes, send
		// the peer a P_CSUM_RS_REQUEST carrying the digest instead of the
		// raw block, letting the peer reply without a transfer if its own
		// copy already matches.
		sched.ReadForCsum = func(sector, size int64) error {
			buf := make([]byte, size)
			bio := device.NewBio(sector, buf, device.DirRead)
			done := make(chan error, 1)
			d.Issuer.SubmitBio(bio, func(b *device.Bio, err error) { done <- err })
			if err := <-done; err != nil {
				return fmt.Errorf("read for csum at sector %d: %w", sector, err)
			}
			return sendBlock(t, sector, size, protocol.MsgChecksumRequest, &protocol.ChecksumRequest{
				Sector: sector, Size: size, Digest: protocol.Checksum(buf),
			})
		}
	}
	if archiver != nil {
		sched.Archive = func(device string, runKind string, elapsed time.Duration, bytesPerSec, sameCsumRatio float64, rsTotal, rsFailed, rsSameCsum int64, outOfSync bool) {
			archiver.Archive(context.Background(), audit.Record{
				Device:        device,
				RunKind:       runKind,
				ElapsedSecs:   elapsed.Seconds(),
				BytesPerSec:   bytesPerSec,
				SameCsumRatio: sameCsumRatio,
				RsTotal:       rsTotal,
				RsFailed:      rsFailed,
				RsSameCsum:    rsSameCsum,
				OutOfSync:     outOfSync,
				Timestamp:     time.Now(),
			})
		}
	}
	// ArmTimer re-enqueues the next resync tick on the device's own
	// worker queue instead of a bare time.AfterFunc goroutine, keeping
	// every scheduler invocation on the single-writer worker thread.
	sched.ArmTimer = func(delay time.Duration) {
		time.AfterFunc(delay, func() {
			d.Queue.Enqueue(func(cancel bool) error { return sched.MakeResyncRequest(cancel) })
		})
	}
	return sched
}

func startVerify(d *device.Device, sched *worker.Scheduler) error {
	d.WithLock(func() {
		d.State.Conn = device.ConnVerifyS
		d.OVPosition = 0
		d.OVLeft = d.Bitmap.Bits()
	})
	d.Queue.Enqueue(func(cancel bool) error { return sched.MakeOVRequest(cancel) })
	return nil
}

func verifyEntries(cfg *config.Config) []verify.Entry {
	var entries []verify.Entry
	for i := range cfg.Devices {
		dc := &cfg.Devices[i]
		if !cfg.Verify.Enabled {
			continue
		}
		entries = append(entries, verify.Entry{DeviceName: dc.Name, Schedule: cfg.Verify.Schedule})
	}
	return entries
}

// sendBlock frames msg with the wire codec and hands the encoded bytes
// to the transport's Data stream as one send.
func sendBlock(t *transport.Transport, sector, size int64, msgType protocol.MessageType, msg any) error {
	var buf bytes.Buffer
	if err := protocol.WriteMessage(&buf, msgType, msg); err != nil {
		return fmt.Errorf("encoding block at sector %d: %w", sector, err)
	}
	_, err := t.Send(transport.Data, buf.Bytes(), transport.SendFlags(0))
	return err
}
