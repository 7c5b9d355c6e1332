// Package device models the replication unit: its bitmap, activity log,
// issue path, replication state, and the counters the resync scheduler
// and PI controller operate on. It depends on nothing in internal/worker
// or internal/transport — both of those import device, not the reverse
// — so collaborators device needs from them are expressed as small
// local interfaces (Transport, WorkQueue) that the concrete
// implementations satisfy.
package device

import (
	"fmt"
	"sync"
)

// ConnState enumerates the connection-wide replication states a device
// participates in.
type ConnState int

const (
	ConnStandAlone ConnState = iota
	ConnUnconnected
	ConnWFConnection
	ConnWFReportParams
	ConnConnected
	ConnStartingSyncS
	ConnStartingSyncT
	ConnWFBitMapS
	ConnWFBitMapT
	ConnSyncSource
	ConnSyncTarget
	ConnPausedSyncS
	ConnPausedSyncT
	ConnVerifyS
	ConnVerifyT
	ConnNetworkFailure
	ConnDisconnecting
	ConnDisconnected
)

func (c ConnState) String() string {
	names := [...]string{
		"StandAlone", "Unconnected", "WFConnection", "WFReportParams",
		"Connected", "StartingSyncS", "StartingSyncT", "WFBitMapS",
		"WFBitMapT", "SyncSource", "SyncTarget", "PausedSyncS",
		"PausedSyncT", "VerifyS", "VerifyT", "NetworkFailure",
		"Disconnecting", "Disconnected",
	}
	if int(c) < len(names) {
		return names[c]
	}
	return "Unknown"
}

// IsSyncing reports whether conn denotes an active resync/verify role.
func (c ConnState) IsSyncing() bool {
	switch c {
	case ConnSyncSource, ConnSyncTarget, ConnVerifyS, ConnVerifyT,
		ConnStartingSyncS, ConnStartingSyncT, ConnWFBitMapS, ConnWFBitMapT:
		return true
	default:
		return false
	}
}

// DiskState enumerates local/peer disk states.
type DiskState int

const (
	DiskDiskless DiskState = iota
	DiskInconsistent
	DiskOutdated
	DiskUpToDate
	DiskFailed
)

func (d DiskState) String() string {
	names := [...]string{"Diskless", "Inconsistent", "Outdated", "UpToDate", "Failed"}
	if int(d) < len(names) {
		return names[d]
	}
	return "Unknown"
}

// ReplicationState is the device's {conn, disk, pdsk} tuple plus the
// three independent pause flags.
type ReplicationState struct {
	Conn    ConnState
	Disk    DiskState
	PDisk   DiskState
	AftrISP bool // paused by resync-after dependency
	PeerISP bool // paused by peer request
	UserISP bool // paused by operator request
}

// Paused reports whether any pause flag is set.
func (s ReplicationState) Paused() bool { return s.AftrISP || s.PeerISP || s.UserISP }

// WriteOrdering names the barrier strategy the connection currently uses
// to enforce write ordering to the peer's backing store.
type WriteOrdering uint8

const (
	// WOBarrier drains ordering through in-flight barrier packets, the
	// default and the one mode that lets concurrent writes stay in
	// flight across a barrier boundary.
	WOBarrier WriteOrdering = iota
	// WOBdevFlush falls back to flushing the backing device itself
	// before acknowledging a barrier, the downgrade endio dispatch
	// applies once a barrier write has already failed once.
	WOBdevFlush
)

func (w WriteOrdering) String() string {
	if w == WOBdevFlush {
		return "bdev-flush"
	}
	return "barrier"
}

// IOCounters tracks completed peer-request I/O independently of the
// resync/PI controller's Counters, so operators can tell "resync made
// progress" apart from "the secondary actually committed writes".
type IOCounters struct {
	WritesCompleted int64
	ReadsCompleted  int64
	ErrorsCompleted int64
}

// Counters holds the resync/IO accounting fields the scheduler and
// controller read and update.
type Counters struct {
	RsTotal    int64
	RsFailed   int64
	RsPaused   int64
	RsSameCsum int64
	RsInFlight int64
	RsPlaned   int64
	RsSectIn   int64
	RsSectEv   int64
	CSyncRate  int64
}

// Config carries the static, operator-supplied tunables for one device.
type Config struct {
	Name             string
	ResyncRateKiBs   int64
	MaxRequestsCap   int64 // c_max_rate, KiB/s
	FillTarget       int64 // c_fill_target, 0 = use delay-target formula
	DelayTarget      int64 // c_delay_target
	MaxBioSize       int64 // bytes
	ChecksumEnabled  bool
	ProtocolVersion  int
	ResyncAfter      string // name of the device this one depends on, "" = none
	CapacitySectors  int64
}

// Transport is the minimal capability device needs from a transport —
// just enough to let worker-subsystem code issue sends through whatever
// concrete transport (RDMA, TCP, ...) the device is bound to, without
// device importing the transport package.
type Transport interface {
	StreamOK(stream int) bool
}

// WorkQueue is the minimal capability device needs from a worker's
// queue: the ability to enqueue a callback that will later run with a
// cancel flag. The worker package's concrete queue type satisfies this.
type WorkQueue interface {
	Enqueue(cb func(cancel bool) error)
}

// Device is the unit of replication: the aggregate root named in the
// data model.
type Device struct {
	Name   string
	Config Config

	Bitmap Bitmap
	AL     ActivityLog
	Issuer Issuer

	Transport Transport
	Queue     WorkQueue

	// mu is the per-device sequence lock (peer_seq_lock) guarding the
	// fifo and the rs_in_flight/rs_planed/rs_sect_in/rs_sect_ev fields
	// of Counters.
	mu sync.Mutex

	Fifo     *Fifo
	Counters Counters
	IO       IOCounters

	BmResyncFO int64 // next bitmap bit to examine
	OVPosition int64
	OVLeft     int64

	State ReplicationState

	// WriteOrdering is the barrier strategy currently in effect; endio
	// dispatch downgrades it to WOBdevFlush the first time a barrier
	// write fails.
	WriteOrdering WriteOrdering

	// WakeAsender, if set, is invoked after a peer request finishes
	// (successfully or not) to wake the goroutine responsible for
	// flushing acks/replies back to the peer — the role the asender
	// thread plays in the original design. May be nil.
	WakeAsender func()
}

// New constructs a Device with a fresh fifo of the given controller
// history depth.
func New(cfg Config, bm Bitmap, al ActivityLog, issuer Issuer, fifoDepth int) *Device {
	return &Device{
		Name:     cfg.Name,
		Config:   cfg,
		Bitmap:   bm,
		AL:       al,
		Issuer:   issuer,
		Fifo:     NewFifo(fifoDepth),
		State:    ReplicationState{Conn: ConnStandAlone, Disk: DiskUpToDate, PDisk: DiskUpToDate},
	}
}

// WithLock runs fn with the device's sequence lock held, the discipline
// every fifo/counter mutation must follow.
func (d *Device) WithLock(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn()
}

// ResetResyncCounters clears the controller's accumulated state, as
// required at the start (and end) of a resync run.
func (d *Device) ResetResyncCounters() {
	d.WithLock(func() {
		d.Counters.RsSectIn = 0
		d.Counters.RsSectEv = 0
		d.Counters.RsInFlight = 0
		d.Counters.RsPlaned = 0
		d.Fifo.SetAll(0)
	})
}

// String renders name and state for logging.
func (d *Device) String() string {
	return fmt.Sprintf("device(%s conn=%s disk=%s pdsk=%s)", d.Name, d.State.Conn, d.State.Disk, d.State.PDisk)
}
