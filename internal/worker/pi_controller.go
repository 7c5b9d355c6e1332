package worker

import "github.com/blockmirror/replicator/internal/device"

// HZ and SleepTimeJiffies fix the controller's tick rate: a 250 Hz
// scheduling clock (the common Linux default) with the resync timer
// firing every tenth of a second, matching the warm-up arithmetic named
// in the scenario this controller is tested against.
const (
	HZ               int64 = 250
	SleepTimeJiffies int64 = HZ / 10
)

// Controller computes, once per resync tick, how many sectors of new
// resync I/O the device may issue — the exact integer arithmetic from
// §4.9, reproduced verbatim rather than approximated with floating
// point, since the fifo's accumulated rounding error is part of the
// control loop's own stability story.
type Controller struct{}

// Tick runs one controller invocation under d's sequence lock and
// returns req_sect, the sector budget for this tick.
func (Controller) Tick(d *device.Device) int64 {
	var reqSect int64
	d.WithLock(func() {
		sectIn := d.Counters.RsSectIn
		d.Counters.RsSectIn = 0
		d.Counters.RsInFlight -= sectIn

		steps := int64(d.Fifo.Size())
		if steps == 0 {
			reqSect = 0
			return
		}

		var want int64
		if d.Counters.RsInFlight+sectIn == 0 {
			want = (d.Config.ResyncRateKiBs * 2 * SleepTimeJiffies / HZ) * steps
		} else if d.Config.FillTarget != 0 {
			want = d.Config.FillTarget
		} else {
			want = sectIn * d.Config.DelayTarget * HZ / (SleepTimeJiffies * 10)
		}

		correction := want - d.Counters.RsInFlight - d.Counters.RsPlaned
		cps := correction / steps

		d.Fifo.AddAll(cps)
		d.Counters.RsPlaned += cps * steps

		currCorr := d.Fifo.Push(0)
		d.Counters.RsPlaned -= currCorr

		maxReq := d.Config.MaxRequestsCap * 2 * SleepTimeJiffies / HZ
		reqSect = clampInt64(sectIn+currCorr, 0, maxReq)
	})
	return reqSect
}

// NumberRequests converts a tick's sector budget into a count of
// bitmap-block-sized requests, or falls back to a static rate estimate
// when the fifo has zero capacity (the controller is disabled).
func (c Controller) NumberRequests(d *device.Device) int64 {
	if d.Fifo.Size() > 0 {
		reqSect := c.Tick(d)
		return reqSect >> uint(device.BlockShift-9)
	}
	var number int64
	d.WithLock(func() {
		d.Counters.CSyncRate = d.Config.ResyncRateKiBs
		number = SleepTimeJiffies * d.Config.ResyncRateKiBs / ((device.BlockSize / 1024) * HZ)
	})
	return number
}

// Reset clears the controller's accumulated state. It delegates to
// Device.ResetResyncCounters, which already takes the sequence lock and
// zeroes the fifo.
func (Controller) Reset(d *device.Device) { d.ResetResyncCounters() }

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
