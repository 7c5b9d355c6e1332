package worker

// Kind names the protocol-facing work item a queued callback ultimately
// produces or reacts to. The queue and loop themselves are agnostic to
// Kind — it exists so callers can tag and inspect what is in flight
// without parsing callback closures.
type Kind uint8

const (
	KindBarrier Kind = iota
	KindWriteHint
	KindOutOfSyncNotice
	KindMirroredDataBlock
	KindReadRequest
	KindResyncDataRequest
	KindChecksumRequest
	KindVerifyRequest
	KindVerifyReply
	KindEndOfDataReply
	KindEndOfResyncReply
	KindChecksumReply
	KindResyncFinished
	KindStartResync
	KindRetryReadRemote
	KindRestartDiskIO
	KindBarrierDone
)

func (k Kind) String() string {
	names := [...]string{
		"Barrier", "WriteHint", "OutOfSyncNotice", "MirroredDataBlock",
		"ReadRequest", "ResyncDataRequest", "ChecksumRequest",
		"VerifyRequest", "VerifyReply", "EndOfDataReply",
		"EndOfResyncReply", "ChecksumReply", "ResyncFinished",
		"StartResync", "RetryReadRemote", "RestartDiskIO", "BarrierDone",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "Unknown"
}

// Callback is the single entry point every queued Item exposes. cancel is
// true when the item is being unwound during shutdown drain or before the
// connection has completed its parameter handshake — implementations must
// treat cancel=true as "do not touch the network, just release whatever
// local resources you hold."
type Callback func(item *Item, cancel bool) error

// Item is one unit of queued work: a tagged callback plus whatever
// protocol-side context it closed over. Device-layer code never
// constructs an Item directly — it calls Queue.Enqueue with a bare
// callback, as the resync scheduler and endio dispatch do (such items
// carry no Kind tag). Item exists for callers that want the Kind tag for
// logging and tests.
type Item struct {
	Kind Kind
	Peer *PeerRequestRef
	cb   Callback
}

// PeerRequestRef is an optional, read-only tag an Item carries purely for
// diagnostics (logging, tests) — it is never consulted by the queue or
// loop.
type PeerRequestRef struct {
	Sector int64
	Size   int64
}

// NewItem builds a Kind-tagged item around a plain (cancel bool) error
// callback, for callers outside this package that want EnqueueItem's
// tagging without reaching into Item's
// unexported callback field.
func NewItem(kind Kind, peer *PeerRequestRef, cb func(cancel bool) error) *Item {
	return &Item{Kind: kind, Peer: peer, cb: func(item *Item, cancel bool) error { return cb(cancel) }}
}
