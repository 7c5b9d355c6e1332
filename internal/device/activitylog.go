package device

import "sync"

// Extent identifies a write-activity interval on the device, expressed
// in bitmap-block-sized units.
type Extent int64

// ActivityLog is the collaborator tracking currently-active write
// extents so that, after a crash, only those extents need resync rather
// than the whole device.
type ActivityLog interface {
	BeginIO(interval Extent)
	CompleteIO(interval Extent)
	// TryBeginIO reports whether interval could be started without
	// blocking; false means the log has no room for another active
	// extent and the caller should defer, mirroring try_rs_begin_io. An
	// extent that is already active is admitted again.
	TryBeginIO(interval Extent) bool
}

// MemActivityLog is a bounded-capacity, map-backed activity log. Active
// extents hold a reference count so nested begin/complete pairs for the
// same extent (application I/O racing resync I/O) are handled correctly.
type MemActivityLog struct {
	mu       sync.Mutex
	capacity int
	active   map[Extent]int
}

// NewMemActivityLog creates a log admitting at most capacity distinct
// concurrently-active extents.
func NewMemActivityLog(capacity int) *MemActivityLog {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemActivityLog{capacity: capacity, active: make(map[Extent]int)}
}

func (al *MemActivityLog) BeginIO(interval Extent) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.active[interval]++
}

func (al *MemActivityLog) CompleteIO(interval Extent) {
	al.mu.Lock()
	defer al.mu.Unlock()
	if n := al.active[interval]; n <= 1 {
		delete(al.active, interval)
	} else {
		al.active[interval] = n - 1
	}
}

// Len reports the number of distinct extents currently active. Not part
// of the ActivityLog interface; the resync-finished drain check uses it
// via an optional type assertion so callers backed by a different
// ActivityLog implementation degrade to "assume drained" instead of
// failing to compile.
func (al *MemActivityLog) Len() int {
	al.mu.Lock()
	defer al.mu.Unlock()
	return len(al.active)
}

func (al *MemActivityLog) TryBeginIO(interval Extent) bool {
	al.mu.Lock()
	defer al.mu.Unlock()
	if _, active := al.active[interval]; active {
		al.active[interval]++
		return true
	}
	if len(al.active) >= al.capacity {
		return false
	}
	al.active[interval] = 1
	return true
}
