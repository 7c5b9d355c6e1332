package device

// RequestFlag is a bitmask of the flags endio dispatch and the request
// state machine consult. Only the fields the core touches are modeled;
// everything else about a peer/local request is opaque.
type RequestFlag uint32

const (
	FlagWasError RequestFlag = 1 << iota
	FlagCallAlCompleteIo
	FlagIsBarrier
	FlagResubmitted
	FlagHasDigest
	FlagUpToDate
)

func (f RequestFlag) Has(bit RequestFlag) bool { return f&bit != 0 }

// ReqEvent is the event alphabet __req_mod applies to a LocalRequest.
type ReqEvent uint8

const (
	EventWriteCompletedWithError ReqEvent = iota
	EventReadCompletedWithError
	EventReadAheadCompletedWithError
	EventCompletedOk
)

// PeerRequest is the server-side context for a write/read issued on
// behalf of the remote peer. The core only touches these public fields;
// ownership of the struct itself belongs to whichever of
// active_ee/sync_ee/done_ee/read_ee/net_ee list it is currently linked
// into — modeled here as an explicit List field rather than embedded
// linked-list pointers.
type PeerRequest struct {
	Sector      int64
	Size        int64
	Dir         Direction
	Flags       RequestFlag
	BlockID     uint64
	Digest      []byte
	Bio         *Bio
	PendingBios int32
	List        PeerRequestList
}

// PeerRequestList names which of the connection-scoped lists currently
// owns a PeerRequest.
type PeerRequestList uint8

const (
	ListNone PeerRequestList = iota
	ListActive
	ListSync
	ListDone
	ListRead
	ListNet
)

// LocalRequest is the primary-side request object. __req_mod-style event
// application is modeled as ApplyEvent, returning whether a master bio
// was released by this transition (callers complete it outside the
// request lock per the endio dispatch contract in §4.7).
type LocalRequest struct {
	Sector      int64
	Size        int64
	Dir         Direction
	masterDone  bool
	released    bool
}

// NewLocalRequest allocates a request for the given sector range.
func NewLocalRequest(sector, size int64, dir Direction) *LocalRequest {
	return &LocalRequest{Sector: sector, Size: size, Dir: dir}
}

// ApplyEvent transitions the request per ev, returning true exactly once
// — the first time the request reaches a terminal state and its master
// bio can be released.
func (r *LocalRequest) ApplyEvent(ev ReqEvent) (releaseMaster bool) {
	if r.masterDone {
		return false
	}
	switch ev {
	case EventWriteCompletedWithError, EventReadCompletedWithError, EventReadAheadCompletedWithError, EventCompletedOk:
		r.masterDone = true
		r.released = true
		return true
	default:
		return false
	}
}

// Released reports whether the master bio has already been released.
func (r *LocalRequest) Released() bool { return r.released }

// MetaRequest is the context for a meta-data write (activity-log
// transaction commit, bitmap flush) whose completion is a pure handoff:
// nothing downstream needs counters, barriers, or an activity-log
// release, only the error and a signal that the write landed.
type MetaRequest struct {
	Err  error
	Done chan struct{}
}

// NewMetaRequest allocates a MetaRequest with its completion channel
// ready to receive exactly one close.
func NewMetaRequest() *MetaRequest {
	return &MetaRequest{Done: make(chan struct{})}
}
