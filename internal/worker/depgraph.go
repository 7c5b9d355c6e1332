package worker

import "github.com/blockmirror/replicator/internal/device"

// maxChainWalk bounds the resync-after chain walk so a latent cycle
// (one AlterSyncAfter failed to reject, or a registry mutated outside
// this package) cannot spin the walk forever.
const maxChainWalk = 4096

// MaySyncNow walks d's resync-after chain: if any ancestor is actively
// syncing, or is itself paused (by dependency, peer, or operator), d may
// not sync now.
func MaySyncNow(reg *device.Registry, d *device.Device) bool {
	cur := d
	for i := 0; i < maxChainWalk; i++ {
		if cur.Config.ResyncAfter == "" {
			return true
		}
		anc := reg.Lookup(cur.Config.ResyncAfter)
		if anc == nil {
			return true
		}
		if anc.State.Conn.IsSyncing() || anc.State.Paused() {
			return false
		}
		cur = anc
	}
	return true
}

// isStandaloneDiskless reports whether d is excluded from the
// pause/resume sweep: a device with no peer connection and no local disk
// has no resync to pause or resume.
func isStandaloneDiskless(d *device.Device) bool {
	return d.State.Conn == device.ConnStandAlone && d.State.Disk == device.DiskDiskless
}

// PauseAfter sets AftrISP on every device (other than standalone-diskless
// ones) that cannot sync now, under a single registry write lock so the
// sweep observes and mutates a consistent snapshot.
func PauseAfter(reg *device.Registry) {
	reg.WriteLocked(func() {
		for _, d := range reg.All() {
			if isStandaloneDiskless(d) {
				continue
			}
			if !MaySyncNow(reg, d) {
				d.State.AftrISP = true
			}
		}
	})
}

// ResumeNext clears AftrISP on every device currently paused by
// dependency that can now sync.
func ResumeNext(reg *device.Registry) {
	reg.WriteLocked(func() {
		for _, d := range reg.All() {
			if d.State.AftrISP && MaySyncNow(reg, d) {
				d.State.AftrISP = false
			}
		}
	})
}

// AlterSyncAfter installs na as d's resync-after dependency, rejecting
// the change if it would introduce a cycle, then sweeps PauseAfter and
// ResumeNext to a fixpoint.
func AlterSyncAfter(reg *device.Registry, d *device.Device, na string) error {
	if na != "" {
		cur := reg.Lookup(na)
		for i := 0; i < maxChainWalk && cur != nil; i++ {
			if cur.Name == d.Name {
				return ErrSyncAfterCycle
			}
			if cur.Config.ResyncAfter == "" {
				break
			}
			cur = reg.Lookup(cur.Config.ResyncAfter)
		}
	}

	reg.WriteLocked(func() {
		d.Config.ResyncAfter = na
	})

	for i := 0; i < len(reg.All())+1; i++ {
		before := snapshotAftrISP(reg)
		PauseAfter(reg)
		ResumeNext(reg)
		if aftrISPEqual(before, snapshotAftrISP(reg)) {
			break
		}
	}
	return nil
}

func snapshotAftrISP(reg *device.Registry) map[string]bool {
	out := make(map[string]bool)
	for _, d := range reg.All() {
		out[d.Name] = d.State.AftrISP
	}
	return out
}

func aftrISPEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
