package transport

import (
	"context"

	"github.com/blockmirror/replicator/internal/rdma"
)

// DrainRX pulls up to maxElements completions off cq. For each
// successful RECV completion it resolves the descriptor through ring and
// invokes onFilled. Non-RECV successful opcodes are counted but produce
// no descriptor; non-success completions are reported via onError. It
// returns the number of completions consumed.
func DrainRX(ring *RXRing, cq *rdma.CompletionQueue, maxElements int, onFilled func(*RXDescriptor), onError func(error)) int {
	count := 0
	for maxElements <= 0 || count < maxElements {
		wc, ok := cq.Poll()
		if !ok {
			break
		}
		count++
		if wc.Err != nil {
			if onError != nil {
				onError(wc.Err)
			}
			continue
		}
		if wc.Opcode != rdma.OpRecv {
			continue
		}
		desc := ring.Complete(wc)
		if desc != nil && onFilled != nil {
			onFilled(desc)
		}
	}
	return count
}

// RunRXPump drives the RX completion queue for stream: drain, re-arm,
// drain once more to close the lost-wakeup race, then wait for the next
// notification. Runs until ctx is cancelled.
func RunRXPump(ctx context.Context, stream *Stream, ring *RXRing, cq *rdma.CompletionQueue, onFilled func(*RXDescriptor), onError func(error)) {
	for {
		DrainRX(ring, cq, 0, onFilled, onError)
		cq.Notify()
		// Re-arming MUST happen after draining; this second drain closes
		// the window where a completion landed between the first drain
		// and the Notify call.
		DrainRX(ring, cq, 0, onFilled, onError)
		stream.wakeRecv()
		if err := cq.Wait(ctx); err != nil {
			return
		}
	}
}

// RunTXPump drains SEND completions for tx, decrementing post_send_count
// for each and re-arming the CQ after every drain.
func RunTXPump(ctx context.Context, tx *TXPath, cq *rdma.CompletionQueue) {
	for {
		for {
			wc, ok := cq.Poll()
			if !ok {
				break
			}
			tx.Complete(wc)
		}
		cq.Notify()
		for {
			wc, ok := cq.Poll()
			if !ok {
				break
			}
			tx.Complete(wc)
		}
		if err := cq.Wait(ctx); err != nil {
			return
		}
	}
}
