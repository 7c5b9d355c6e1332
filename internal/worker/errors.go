// Package worker implements the single-threaded, queue-driven engine
// that serializes outbound replication activity: the work-item queue and
// loop (C11), endio dispatch (C7), the resync scheduler (C8), the resync
// PI rate controller (C9), and the resync-after dependency graph (C10).
package worker

import "errors"

// Sentinel errors for the abstract taxonomy callbacks report.
var (
	// ErrAgain marks transient contention (activity-log busy, allocation
	// pressure) — always retried by re-arming a timer or re-queueing.
	ErrAgain = errors.New("worker: resource temporarily unavailable")
	// ErrIO marks a hard device failure.
	ErrIO = errors.New("worker: device I/O failure")
	// ErrIntr marks a wait interrupted by cancellation.
	ErrIntr = errors.New("worker: interrupted")
	// ErrNoMem marks allocation failure.
	ErrNoMem = errors.New("worker: no memory")
	// ErrTransportDown marks an operation attempted while the transport
	// is not connected.
	ErrTransportDown = errors.New("worker: transport down")
	// ErrSyncAfterCycle is returned by AlterSyncAfter when the requested
	// dependency would introduce a cycle.
	ErrSyncAfterCycle = errors.New("worker: resync-after dependency would introduce a cycle")
)
