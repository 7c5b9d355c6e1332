package transport

import (
	"fmt"
	"sync/atomic"

	"github.com/blockmirror/replicator/internal/rdma"
)

// DefaultPageSize is the size of one RX landing buffer.
const DefaultPageSize = 4096

// DefaultMaxRX is the initial number of descriptors posted to the
// receive queue. The original hard-codes 20; we keep it tunable.
const DefaultMaxRX = 20

// DescState is the strict three-state lifecycle an RX descriptor moves
// through: Posted (work request outstanding), Filled (a completion
// landed and xfer_len/pos are valid for recv to consume), Consumed
// (xfer_len reached 0; the ring posts a fresh descriptor in its place
// rather than reposting this one).
type DescState int

const (
	DescPosted DescState = iota
	DescFilled
	DescConsumed
)

// RXDescriptor is a fixed-size DMA landing buffer plus the bookkeeping
// recv() needs to hand out slices of it.
type RXDescriptor struct {
	MR      *rdma.MemoryRegion
	XferLen int
	Pos     int
	State   DescState
	wrID    uint64
}

// Data returns the unread tail of the descriptor's current transfer.
func (d *RXDescriptor) Data() []byte {
	return d.MR.Buf[d.Pos : d.Pos+d.XferLen]
}

var rxWRCounter atomic.Uint64

// RXRing manages the pool of posted receive descriptors for one stream.
type RXRing struct {
	stream   *Stream
	pageSize int
	maxRX    int
	byWR     map[uint64]*RXDescriptor
}

// NewRXRing creates a ring for stream with the given page size and
// initial descriptor count, and posts the initial fill.
func NewRXRing(stream *Stream, pageSize, maxRX int) *RXRing {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if maxRX <= 0 {
		maxRX = DefaultMaxRX
	}
	r := &RXRing{stream: stream, pageSize: pageSize, maxRX: maxRX, byWR: make(map[uint64]*RXDescriptor)}
	for i := 0; i < maxRX; i++ {
		_ = r.CreateAndPost()
	}
	return r
}

// CreateAndPost allocates a page-sized buffer, DMA-maps it, and posts a
// receive work request tagged with the descriptor's synthetic address as
// wr_id. On post failure the descriptor is freed and the posted count is
// left untouched so the caller may retry.
func (r *RXRing) CreateAndPost() error {
	buf := make([]byte, r.pageSize)
	mr := rdma.RegisterMemoryRegion(r.stream.PD, buf)
	wrID := rxWRCounter.Add(1)
	desc := &RXDescriptor{MR: mr, State: DescPosted, wrID: wrID}

	if r.stream.QP == nil {
		return fmt.Errorf("transport: rx ring has no queue pair")
	}
	r.stream.QP.PostRecv(rdma.WorkRequest{ID: wrID, Opcode: rdma.OpRecv, SGEs: []*rdma.MemoryRegion{mr}})
	r.byWR[wrID] = desc
	atomic.AddInt32(&r.stream.PostRecvCount, 1)
	return nil
}

// Complete consumes an RX completion, looks up its descriptor by wr_id,
// stamps xfer_len, and decrements the posted count. Returns nil if the
// completion does not correspond to a tracked descriptor (stale/unknown
// wr_id) or carried an error.
func (r *RXRing) Complete(wc rdma.WorkCompletion) *RXDescriptor {
	desc, ok := r.byWR[wc.ID]
	if !ok {
		return nil
	}
	delete(r.byWR, wc.ID)
	atomic.AddInt32(&r.stream.PostRecvCount, -1)
	if wc.Err != nil {
		return nil
	}
	desc.XferLen = int(wc.Bytes)
	desc.Pos = 0
	desc.State = DescFilled
	return desc
}

// Replenish posts a fresh descriptor to replace one that has been fully
// consumed, restoring the ring toward maxRX outstanding receives.
func (r *RXRing) Replenish() error {
	return r.CreateAndPost()
}

// PostedCount returns the number of descriptors currently posted.
func (r *RXRing) PostedCount() int32 {
	return atomic.LoadInt32(&r.stream.PostRecvCount)
}
