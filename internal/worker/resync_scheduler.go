package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/blockmirror/replicator/internal/device"
	"golang.org/x/time/rate"
)

// SleepTimeDuration is SleepTimeJiffies expressed as a wall-clock
// duration under the fixed HZ clock the controller assumes.
const SleepTimeDuration = time.Duration(SleepTimeJiffies) * time.Second / time.Duration(HZ)

// SendFunc dispatches a resync/verify data request for [sector, sector +
// size/512) over the wire. Implementations are expected to be the
// protocol package's P_RS_DATA_REQUEST / P_OV_REQUEST encoders driving a
// transport send.
type SendFunc func(sector, size int64) error

// ReadForCsumFunc performs the local read-before-checksum step. It
// should return nil on success, ErrAgain if the read could not be
// started without blocking (the scheduler rolls its cursor back and
// retries), or any other error to abort the resync run with ErrIO.
type ReadForCsumFunc func(sector, size int64) error

// BackPressureFunc reports whether the outbound send path is more than
// half full and the scheduler should stop issuing new requests this
// tick.
type BackPressureFunc func() bool

// Scheduler implements the resync/verify sweep (C8): walking the dirty
// bitmap, coalescing adjacent dirty blocks up to max_bio_size, gating on
// activity-log contention and back-pressure, and dispatching either a
// checksum-read or a direct resync data request per coalesced run.
//
// Grounded on the teacher's gap_tracker.go sweep-and-coalesce shape
// (walking a sparse range structure and merging adjacent intervals) and
// throttle.go's token-bucket pattern, reused here as the "rs_should_slow
// down" bandwidth gate instead of an I/O byte limiter.
type Scheduler struct {
	Device *device.Device

	Controller Controller

	Send          SendFunc
	SendOV        SendFunc
	ReadForCsum   ReadForCsumFunc // nil: no checksum transform configured
	BackPressure  BackPressureFunc
	RateLimiter   *rate.Limiter // nil: no additional bandwidth gate
	ArmTimer      func(time.Duration)
	HelperCommand string

	// Archive, if set, is spawned in its own goroutine from
	// ResyncFinished with the run's outcome. It must never block or
	// fail the worker thread — audit.Archiver.Archive already satisfies
	// that contract.
	Archive func(device string, runKind string, elapsed time.Duration, bytesPerSec, sameCsumRatio float64, rsTotal, rsFailed, rsSameCsum int64, outOfSync bool)

	startedAt time.Time
}

// MakeResyncRequest runs one scheduler tick. cancel short-circuits
// immediately, matching the worker loop's cancel-path contract.
func (s *Scheduler) MakeResyncRequest(cancel bool) error {
	if cancel {
		return nil
	}
	d := s.Device

	var total int64
	d.WithLock(func() { total = d.Counters.RsTotal })
	if total == 0 {
		return s.ResyncFinished()
	}

	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}

	n := s.Controller.NumberRequests(d)
	for i := int64(0); i < n; i++ {
		if s.BackPressure != nil && s.BackPressure() {
			s.rearm()
			return nil
		}

		var bit int64
		d.WithLock(func() { bit = d.Bitmap.FindNext(d.BmResyncFO) })
		if bit == device.EndOfBitmap {
			d.WithLock(func() { d.BmResyncFO = d.Bitmap.Bits() })
			return nil
		}

		if s.RateLimiter != nil && !s.RateLimiter.Allow() {
			s.rearm()
			return nil
		}

		if !d.AL.TryBeginIO(device.Extent(bit)) {
			s.rearm()
			return nil
		}

		if d.Bitmap.TestBit(bit) != 1 {
			d.AL.CompleteIO(device.Extent(bit))
			d.WithLock(func() { d.BmResyncFO = bit + 1 })
			continue
		}

		sector := device.BitToSector(bit)
		size := int64(device.BlockSize)
		endBit := bit
		align := int64(0)
		if d.Config.MaxBioSize > device.BlockSize {
			for {
				next := endBit + 1
				if size+device.BlockSize > d.Config.MaxBioSize {
					break
				}
				if next/device.BitsPerExtent != bit/device.BitsPerExtent {
					break
				}
				if sector%(device.SectPerBit<<uint(align)) != 0 {
					break
				}
				if d.Bitmap.TestBit(next) != 1 {
					break
				}
				if !d.AL.TryBeginIO(device.Extent(next)) {
					break
				}
				size += device.BlockSize
				endBit = next
				if (device.BlockSize << uint(align)) <= size {
					align++
				}
			}
		}

		if d.Config.CapacitySectors > 0 && sector+size/512 > d.Config.CapacitySectors {
			size = (d.Config.CapacitySectors - sector) * 512
		}

		if d.Config.ProtocolVersion >= 89 && s.ReadForCsum != nil {
			err := s.ReadForCsum(sector, size)
			switch {
			case err == nil:
			case errors.Is(err, ErrAgain):
				s.releaseRange(bit, endBit)
				d.WithLock(func() { d.BmResyncFO = bit })
				s.rearm()
				return nil
			default:
				s.releaseRange(bit, endBit)
				return ErrIO
			}
		} else {
			if err := s.Send(sector, size); err != nil {
				s.releaseRange(bit, endBit)
				return err
			}
		}

		blocks := size / device.BlockSize
		d.WithLock(func() {
			d.BmResyncFO = endBit + 1
			d.Counters.RsInFlight += blocks << uint(device.BlockShift-9)
		})
	}

	s.rearm()
	return nil
}

// MakeOVRequest runs one online-verify sweep tick: it steps OVPosition
// one bitmap block at a time without consulting the bitmap, with no
// coalescing, dispatched through SendOV instead of Send.
func (s *Scheduler) MakeOVRequest(cancel bool) error {
	if cancel {
		return nil
	}
	d := s.Device

	for i := int64(0); i < d.OVLeft; i++ {
		if s.BackPressure != nil && s.BackPressure() {
			s.rearm()
			return nil
		}
		sector := d.OVPosition
		if !d.AL.TryBeginIO(device.Extent(device.SectorToBit(sector))) {
			s.rearm()
			return nil
		}
		if err := s.SendOV(sector, device.BlockSize); err != nil {
			d.AL.CompleteIO(device.Extent(device.SectorToBit(sector)))
			return err
		}
		d.WithLock(func() {
			d.OVPosition += device.SectPerBit
			d.OVLeft--
		})
	}
	return nil
}

func (s *Scheduler) releaseRange(startBit, endBit int64) {
	for b := startBit; b <= endBit; b++ {
		s.Device.AL.CompleteIO(device.Extent(b))
	}
}

func (s *Scheduler) rearm() {
	if s.ArmTimer != nil {
		s.ArmTimer(SleepTimeDuration)
	}
}

// ResyncFinished drains the resync activity log, computes run statistics,
// transitions the device back to Connected, invokes the operator helper,
// and resets the controller. If the activity log has not yet drained it
// self-requeues in 100ms rather than blocking the worker.
func (s *Scheduler) ResyncFinished() error {
	d := s.Device
	if !activityLogDrained(d.AL) {
		if s.ArmTimer != nil {
			s.ArmTimer(100 * time.Millisecond)
		}
		return nil
	}

	verifyRun := d.State.Conn == device.ConnVerifyS || d.State.Conn == device.ConnVerifyT

	elapsed := time.Since(s.startedAt)
	var outOfSyncRemain bool
	var dbdtBytesPerSec, sameCsumRatio float64
	d.WithLock(func() {
		outOfSyncRemain = d.Bitmap.TotalWeight() > 0
		d.State.Conn = device.ConnConnected
		if verifyRun && outOfSyncRemain {
			d.State.PeerISP = true
		}
		if elapsed.Seconds() > 0 {
			dbdtBytesPerSec = float64(d.Counters.RsTotal*512) / elapsed.Seconds()
		}
		if d.Counters.RsTotal > 0 {
			sameCsumRatio = float64(d.Counters.RsSameCsum) / float64(d.Counters.RsTotal)
		}
	})
	slog.Info("resync finished", "device", d.Name, "elapsed", elapsed,
		"bytes_per_sec", dbdtBytesPerSec, "same_csum_ratio", sameCsumRatio,
		"out_of_sync_remain", outOfSyncRemain, "verify", verifyRun)

	event := "after-resync-target"
	runKind := "resync"
	if verifyRun {
		event = "after-verify"
		runKind = "verify"
	}
	_, _ = device.Helper(context.Background(), s.HelperCommand, d.Name, event)

	if s.Archive != nil {
		rsTotal, rsFailed, rsSameCsum := d.Counters.RsTotal, d.Counters.RsFailed, d.Counters.RsSameCsum
		go s.Archive(d.Name, runKind, elapsed, dbdtBytesPerSec, sameCsumRatio, rsTotal, rsFailed, rsSameCsum, outOfSyncRemain)
	}

	s.Controller.Reset(d)
	s.startedAt = time.Time{}
	return nil
}

func activityLogDrained(al device.ActivityLog) bool {
	if lc, ok := al.(interface{ Len() int }); ok {
		return lc.Len() == 0
	}
	return true
}
