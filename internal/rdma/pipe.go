package rdma

import (
	"context"
	"time"
)

// Pipe pumps posted sends on a into posted receives on b and vice versa,
// the in-process substitute for a physical fabric actually moving bytes
// between two queue pairs. It runs until ctx is cancelled. pollInterval
// controls how often the pump checks for newly posted work; real
// hardware would instead be edge-triggered by doorbell writes.
func Pipe(ctx context.Context, a, b *QueuePair, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pumpOnce(a, b)
			pumpOnce(b, a)
		}
	}
}

func pumpOnce(src, dst *QueuePair) {
	for {
		wr, ok := src.TakeSend()
		if !ok {
			return
		}
		n := sgeLen(wr.SGEs)
		recvWR, ok := dst.TakeRecv()
		if !ok {
			// No receive posted on the peer: the send completes in
			// error, mirroring an RC transport's receiver-not-ready
			// flush-with-error behavior rather than silently dropping.
			src.CompleteSend(WorkCompletion{ID: wr.ID, Bytes: 0, Err: errNoPostedRecv})
			continue
		}
		copied := copySGEs(wr.SGEs, recvWR.SGEs)
		src.CompleteSend(WorkCompletion{ID: wr.ID, Bytes: uint32(n)})
		dst.CompleteRecv(WorkCompletion{ID: recvWR.ID, Bytes: uint32(copied)})
	}
}

func sgeLen(sges []*MemoryRegion) int {
	n := 0
	for _, s := range sges {
		n += len(s.Buf)
	}
	return n
}

// copySGEs copies bytes from the send scatter-gather list into the
// receive list, up to the smaller of the two total lengths.
func copySGEs(send, recv []*MemoryRegion) int {
	total := 0
	var ri, roff int
	for _, s := range send {
		soff := 0
		for soff < len(s.Buf) {
			if ri >= len(recv) {
				return total
			}
			r := recv[ri]
			n := copy(r.Buf[roff:], s.Buf[soff:])
			soff += n
			total += n
			roff += n
			if roff >= len(r.Buf) {
				ri++
				roff = 0
			}
		}
	}
	return total
}

var errNoPostedRecv = &noPostedRecvError{}

type noPostedRecvError struct{}

func (*noPostedRecvError) Error() string { return "rdma: no receive posted on peer queue pair" }
