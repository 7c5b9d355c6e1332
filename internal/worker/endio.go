package worker

import (
	"log/slog"

	"github.com/blockmirror/replicator/internal/device"
)

// EndioDispatch groups the completion paths §4.7 names: local (primary)
// request completion, peer (secondary) request completion, and
// meta-data I/O completion. Bundled as a struct of methods rather than
// free functions so tests can stub ActivityLog independently of a real
// Device.
type EndioDispatch struct {
	AL device.ActivityLog
}

// LocalRequestEndio is the local-disk I/O completion handler for a
// primary-side request: it folds (direction, err) into the
// ReqEvent alphabet and applies it, returning whether the caller must now
// release the master bio. Per the endio contract, this must be called
// outside any device lock — ApplyEvent itself does not block.
func (d EndioDispatch) LocalRequestEndio(req *device.LocalRequest, err error) (releaseMaster bool) {
	var ev device.ReqEvent
	switch {
	case err != nil && req.Dir == device.DirWrite:
		ev = device.EventWriteCompletedWithError
	case err != nil && req.Dir == device.DirRead:
		ev = device.EventReadCompletedWithError
	default:
		ev = device.EventCompletedOk
	}
	return req.ApplyEvent(ev)
}

// isFailedBarrier reports whether pr is a barrier write that failed and
// has not already been resubmitted once, mirroring the
// EE_IS_BARRIER|EE_WAS_ERROR check drbd_endio_write_sec_final guards its
// reissue branch with.
func isFailedBarrier(pr *device.PeerRequest) bool {
	return pr.Flags.Has(device.FlagIsBarrier) && pr.Flags.Has(device.FlagWasError) && !pr.Flags.Has(device.FlagResubmitted)
}

// PeerRequestEndio completes a PeerRequest issued on behalf of a remote
// write or a local read performed to satisfy the peer.
//
// A write whose completion reports no error but has already lost
// UpToDate (e.g. a racing local failure cleared it between submission
// and completion) is itself treated as an error — the "normalize to
// EIO" rule §4.7 draws from drbd_endio_write_sec_final's own error
// check. A write that is both a barrier and failed, and has not already
// been resubmitted, downgrades the connection's write ordering to
// WOBdevFlush and is re-queued once rather than finished; every other
// outcome moves the request onto done_ee, updates the device's I/O
// counters, releases the activity-log extent it held, and wakes the
// asender.
func (d EndioDispatch) PeerRequestEndio(dev *device.Device, pr *device.PeerRequest, err error) (drained bool) {
	if err == nil && pr.Dir == device.DirWrite && !pr.Flags.Has(device.FlagUpToDate) {
		err = ErrIO
	}
	if err != nil {
		pr.Flags |= device.FlagWasError
	}

	pr.PendingBios--
	if pr.PendingBios > 0 {
		return false
	}

	if pr.Dir == device.DirWrite && isFailedBarrier(pr) {
		d.reissue(dev, pr)
		return false
	}

	d.finishPeerRequest(dev, pr, err)
	return true
}

// reissue downgrades write ordering to WOBdevFlush and resubmits pr's
// bio exactly once, the w_e_reissue path for a barrier write that
// failed on its first attempt.
func (d EndioDispatch) reissue(dev *device.Device, pr *device.PeerRequest) {
	dev.WithLock(func() { dev.WriteOrdering = device.WOBdevFlush })
	pr.Flags |= device.FlagResubmitted
	pr.PendingBios++

	slog.Warn("peer request barrier failed, downgrading write ordering and reissuing",
		"device", dev.Name, "sector", pr.Sector)

	if dev.Queue == nil || dev.Issuer == nil || pr.Bio == nil {
		d.finishPeerRequest(dev, pr, ErrIO)
		return
	}
	dev.Queue.Enqueue(func(cancel bool) error {
		if cancel {
			d.finishPeerRequest(dev, pr, ErrIO)
			return nil
		}
		dev.Issuer.SubmitBio(pr.Bio, func(b *device.Bio, err error) {
			d.PeerRequestEndio(dev, pr, err)
		})
		return nil
	})
}

// finishPeerRequest moves pr onto done_ee, folds its outcome into the
// device's I/O counters, releases the activity-log extent it held (if
// CallAlCompleteIo is set), and wakes the asender.
func (d EndioDispatch) finishPeerRequest(dev *device.Device, pr *device.PeerRequest, err error) {
	pr.List = device.ListDone

	dev.WithLock(func() {
		if pr.Dir == device.DirWrite {
			dev.IO.WritesCompleted++
		} else {
			dev.IO.ReadsCompleted++
		}
		if err != nil {
			dev.IO.ErrorsCompleted++
		}
	})

	if pr.Flags.Has(device.FlagCallAlCompleteIo) {
		d.AL.CompleteIO(device.Extent(device.SectorToBit(pr.Sector)))
	}
	if dev.WakeAsender != nil {
		dev.WakeAsender()
	}
}

// MetaDataIOEndio is the meta-data I/O completion handler: a pure
// handoff recording the error and signaling completion, with none of
// PeerRequestEndio's barrier, counter, or activity-log handling — the
// contract meta-data writes (activity-log transaction commits, bitmap
// flushes) need.
func (d EndioDispatch) MetaDataIOEndio(mr *device.MetaRequest, err error) {
	mr.Err = err
	close(mr.Done)
}
