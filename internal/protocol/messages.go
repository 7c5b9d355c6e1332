// Package protocol defines the wire payloads carried by work items (§3's
// "work item" sum type) and the checksum transform the resync scheduler
// uses for its dedup branch.
package protocol

// MessageType tags the payload a work item wraps, mirroring the wire
// protocol's packet command field.
type MessageType uint16

const (
	MsgBarrier MessageType = iota
	MsgWriteHint
	MsgOutOfSyncNotice
	MsgMirroredDataBlock
	MsgReadRequest
	MsgResyncDataRequest
	MsgChecksumRequest
	MsgVerifyRequest
	MsgVerifyReply
	MsgEndOfDataReply
	MsgEndOfResyncReply
	MsgChecksumReply
	MsgResyncFinished
	MsgStartResync
	MsgRetryReadRemote
	MsgRestartDiskIO
	MsgBarrierDone
)

func (m MessageType) String() string {
	names := [...]string{
		"Barrier", "WriteHint", "OutOfSyncNotice", "MirroredDataBlock",
		"ReadRequest", "ResyncDataRequest", "ChecksumRequest",
		"VerifyRequest", "VerifyReply", "EndOfDataReply",
		"EndOfResyncReply", "ChecksumReply", "ResyncFinished",
		"StartResync", "RetryReadRemote", "RestartDiskIO", "BarrierDone",
	}
	if int(m) < len(names) {
		return names[m]
	}
	return "Unknown"
}

// Barrier enforces write ordering across the link; BarrierNr is the
// sequence number being closed.
type Barrier struct {
	BarrierNr uint32
}

// WriteHint announces an upcoming write's size/flags ahead of the data
// itself, letting the peer pre-size an activity-log reservation.
type WriteHint struct {
	Sector int64
	Size   int32
}

// OutOfSyncNotice marks [Sector, Sector+Size/512) dirty on the receiver's
// bitmap without transferring data — used for write-error propagation and
// diskless-peer bookkeeping.
type OutOfSyncNotice struct {
	Sector int64
	Size   int64
}

// MirroredBlockFlagIsBarrier marks a MirroredDataBlock as closing a
// write-ordering barrier, the one bit of device.RequestFlag the wire
// format needs to convey to the secondary's endio dispatch.
const MirroredBlockFlagIsBarrier uint32 = 1 << 0

// MirroredDataBlock is a primary-to-secondary write: the payload the
// secondary must commit to its local disk before acking.
type MirroredDataBlock struct {
	Sector     int64
	BlockID    uint64
	Flags      uint32
	DeviceName string
	Data       []byte
}

// ReadRequest asks the peer to read and return Size bytes at Sector (used
// when the local disk is diskless or degraded).
type ReadRequest struct {
	Sector  int64
	Size    int32
	BlockID uint64
}

// ResyncDataRequest asks the sync source to send the current contents of
// [Sector, Sector+Size/512).
type ResyncDataRequest struct {
	Sector int64
	Size   int64
}

// ChecksumRequest carries a pre-computed digest of [Sector, Sector+Size/
// 512) so the peer can compare without transferring the block itself —
// the dedup path when both sides already agree on the contents.
type ChecksumRequest struct {
	Sector int64
	Size   int64
	Digest []byte
}

// ChecksumReply is ChecksumRequest's response: Match reports whether the
// peer's own digest of the same range agreed.
type ChecksumReply struct {
	Sector int64
	Size   int64
	Match  bool
}

// VerifyRequest/VerifyReply mirror ChecksumRequest/ChecksumReply for an
// online-verify sweep rather than a resync.
type VerifyRequest struct {
	Sector int64
	Size   int64
	Digest []byte
}

type VerifyReply struct {
	Sector int64
	Size   int64
	Match  bool
}

// EndOfDataReply marks the end of a resync target's bitmap sweep from the
// source's perspective; EndOfResyncReply marks the symmetric target-side
// completion.
type EndOfDataReply struct{}
type EndOfResyncReply struct{}

// ResyncFinished announces the run's outcome to the peer.
type ResyncFinished struct {
	OutOfSyncRemain bool
}

// StartResync requests the peer begin a resync run with this device as
// the named role (source or target is inferred from who sends it).
type StartResync struct {
	DeviceName string
}

// RetryReadRemote asks the peer to retry a previously failed remote read.
type RetryReadRemote struct {
	Sector int64
	Size   int32
}

// RestartDiskIO signals the peer that local disk I/O capacity recovered
// and queued requests may now be retried.
type RestartDiskIO struct{}

// BarrierDone acknowledges a Barrier has been committed.
type BarrierDone struct {
	BarrierNr uint32
}
