// Package rdma provides a pure-Go, in-process stand-in for the libibverbs
// verbs surface (connection manager events, queue pairs, completion
// queues, memory regions). Real RDMA hardware access requires a kernel
// driver and cgo bindings that do not exist anywhere in the Go module
// ecosystem; this package models the same state machine and completion
// semantics over goroutines and channels so the transport layer built on
// top of it is exercised and testable without special hardware.
package rdma

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// CMEvent mirrors the rdma_cm event enum a real connection manager would
// deliver: address resolved, route resolved, established, disconnected,
// or a terminal error.
type CMEvent uint8

const (
	EventAddrResolved CMEvent = iota
	EventRouteResolved
	EventEstablished
	EventDisconnected
	EventRejected
)

func (e CMEvent) String() string {
	switch e {
	case EventAddrResolved:
		return "addr_resolved"
	case EventRouteResolved:
		return "route_resolved"
	case EventEstablished:
		return "established"
	case EventDisconnected:
		return "disconnected"
	case EventRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

var ErrConnClosed = errors.New("rdma: connection manager closed")

// ConnManager emits CM events for one side of a connection. Two
// ConnManagers joined by NewLoopbackPair behave like a client/server cm_id
// pair resolving address, route, and reaching ESTABLISHED without any
// physical fabric.
type ConnManager struct {
	events chan CMEvent
	closed atomic.Bool
}

func newConnManager() *ConnManager {
	return &ConnManager{events: make(chan CMEvent, 8)}
}

// NewConnManager allocates a single, as-yet-undialed connection manager.
// Pair two of them with Dial to drive both to Established.
func NewConnManager() *ConnManager {
	return newConnManager()
}

// NewLoopbackPair returns two ConnManagers that will, once Dial is called
// on either, walk through AddrResolved -> RouteResolved -> Established on
// both sides — the in-process equivalent of a successful rdma_connect.
func NewLoopbackPair() (local, remote *ConnManager) {
	local = newConnManager()
	remote = newConnManager()
	return local, remote
}

// Dial drives both ends of a loopback pair to Established. In a real
// verbs layer this would be the rdma_resolve_addr/rdma_resolve_route/
// rdma_connect sequence; here it is synchronous and always succeeds
// unless the manager was already closed.
func Dial(local, remote *ConnManager) error {
	if local.closed.Load() || remote.closed.Load() {
		return ErrConnClosed
	}
	for _, cm := range []*ConnManager{local, remote} {
		cm.deliver(EventAddrResolved)
		cm.deliver(EventRouteResolved)
		cm.deliver(EventEstablished)
	}
	return nil
}

func (c *ConnManager) deliver(ev CMEvent) {
	select {
	case c.events <- ev:
	default:
	}
}

// Next blocks for the next CM event or ctx cancellation.
func (c *ConnManager) Next(ctx context.Context) (CMEvent, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return 0, ErrConnClosed
		}
		return ev, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Disconnect delivers a Disconnected event and closes the manager.
func (c *ConnManager) Disconnect() {
	if c.closed.CompareAndSwap(false, true) {
		c.deliver(EventDisconnected)
		close(c.events)
	}
}

// ProtectionDomain groups memory regions the way a real PD scopes access
// rights. It carries no behavior here beyond being an allocation scope.
type ProtectionDomain struct {
	name string
}

func NewProtectionDomain(name string) *ProtectionDomain {
	return &ProtectionDomain{name: name}
}

// MemoryRegion stands in for ibv_reg_mr / dma_map_single: it wraps a Go
// byte slice with a synthetic DMA address and r/w keys so descriptor code
// can talk about "addr, lkey, rkey" the way the real verbs API does.
type MemoryRegion struct {
	PD     *ProtectionDomain
	Buf    []byte
	Addr   uint64
	LKey   uint32
	RKey   uint32
}

var mrAddrCounter atomic.Uint64

// RegisterMemoryRegion maps buf into pd, returning a region with a
// synthetic address. No real pinning or IOMMU mapping happens — the byte
// slice itself is the "DMA-capable" memory.
func RegisterMemoryRegion(pd *ProtectionDomain, buf []byte) *MemoryRegion {
	addr := mrAddrCounter.Add(uint64(len(buf)) + 1)
	return &MemoryRegion{
		PD:   pd,
		Buf:  buf,
		Addr: addr,
		LKey: uint32(addr),
		RKey: uint32(addr) ^ 0xA5A5A5A5,
	}
}

// Opcode enumerates the verbs this simulated layer supports. Only SEND
// and RECV are modeled; one-sided READ/WRITE are explicitly out of scope.
type Opcode uint8

const (
	OpSend Opcode = iota
	OpRecv
)

// WorkRequest is a posted send or receive, carrying a scatter-gather list
// of memory regions the way ibv_post_send/ibv_post_recv do.
type WorkRequest struct {
	ID     uint64
	Opcode Opcode
	SGEs   []*MemoryRegion
}

// WorkCompletion reports the outcome of a previously posted WorkRequest.
type WorkCompletion struct {
	ID      uint64
	Opcode  Opcode
	Bytes   uint32
	Err     error
}

// CompletionQueue is a bounded channel of completions plus the
// re-arm/notify discipline real CQs require: a consumer must call Notify
// after fully draining the queue or it can miss a wakeup for work
// completed between the last poll and the next wait.
type CompletionQueue struct {
	mu      sync.Mutex
	entries chan WorkCompletion
	armed   bool
	notify  chan struct{}
}

func NewCompletionQueue(depth int) *CompletionQueue {
	return &CompletionQueue{
		entries: make(chan WorkCompletion, depth),
		notify:  make(chan struct{}, 1),
	}
}

func (cq *CompletionQueue) push(wc WorkCompletion) {
	select {
	case cq.entries <- wc:
	default:
		// queue full: in real hardware this is a CQ overrun, a fatal
		// condition for the QP. We drop with a synthesized error
		// completion so callers see it rather than silently losing data.
		select {
		case <-cq.entries:
		default:
		}
		cq.entries <- WorkCompletion{Err: fmt.Errorf("rdma: completion queue overrun")}
	}
	cq.mu.Lock()
	armed := cq.armed
	cq.armed = false
	cq.mu.Unlock()
	if armed {
		select {
		case cq.notify <- struct{}{}:
		default:
		}
	}
}

// Poll drains up to one completion without blocking. ok is false if the
// queue was empty.
func (cq *CompletionQueue) Poll() (WorkCompletion, bool) {
	select {
	case wc := <-cq.entries:
		return wc, true
	default:
		return WorkCompletion{}, false
	}
}

// Notify arms the queue for a wakeup on the next completion, mirroring
// ibv_req_notify_cq(cq, solicited_only=0). Callers must re-arm after each
// drain-to-empty or they can race a completion that landed between the
// last Poll and this Notify.
func (cq *CompletionQueue) Notify() {
	cq.mu.Lock()
	cq.armed = true
	cq.mu.Unlock()
	// A completion may already be waiting; drain the stale notify token
	// so the next Wait does not fire spuriously for work already seen.
	select {
	case <-cq.notify:
	default:
	}
}

// Wait blocks until Notify has been armed and a completion has since
// arrived, or ctx is done.
func (cq *CompletionQueue) Wait(ctx context.Context) error {
	select {
	case <-cq.notify:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueuePair bundles a send and a receive queue behind one completion
// queue, the way a real RC queue pair does. PostSend/PostRecv enqueue
// work; a goroutine-driven "wire" (owned by the transport layer) is
// responsible for turning a posted send on one QP into a completion on
// the peer QP's CQ.
type QueuePair struct {
	PD     *ProtectionDomain
	SendCQ *CompletionQueue
	RecvCQ *CompletionQueue

	mu       sync.Mutex
	sendPost []WorkRequest
	recvPost []WorkRequest
}

func NewQueuePair(pd *ProtectionDomain, sendCQ, recvCQ *CompletionQueue) *QueuePair {
	return &QueuePair{PD: pd, SendCQ: sendCQ, RecvCQ: recvCQ}
}

// PostSend enqueues a send work request for delivery to the peer.
func (qp *QueuePair) PostSend(wr WorkRequest) {
	qp.mu.Lock()
	qp.sendPost = append(qp.sendPost, wr)
	qp.mu.Unlock()
}

// PostRecv pre-posts a receive buffer, the prerequisite for any inbound
// SEND to land (an RC queue pair drops SENDs with no posted receive).
func (qp *QueuePair) PostRecv(wr WorkRequest) {
	qp.mu.Lock()
	qp.recvPost = append(qp.recvPost, wr)
	qp.mu.Unlock()
}

// TakeRecv pops the oldest posted receive buffer for an inbound SEND to
// fill, or ok=false if none is posted (receiver-not-ready).
func (qp *QueuePair) TakeRecv() (WorkRequest, bool) {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if len(qp.recvPost) == 0 {
		return WorkRequest{}, false
	}
	wr := qp.recvPost[0]
	qp.recvPost = qp.recvPost[1:]
	return wr, true
}

// TakeSend pops the oldest posted send for the wire goroutine to deliver.
func (qp *QueuePair) TakeSend() (WorkRequest, bool) {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if len(qp.sendPost) == 0 {
		return WorkRequest{}, false
	}
	wr := qp.sendPost[0]
	qp.sendPost = qp.sendPost[1:]
	return wr, true
}

// CompleteSend posts a SEND completion to this QP's send CQ.
func (qp *QueuePair) CompleteSend(wc WorkCompletion) {
	wc.Opcode = OpSend
	qp.SendCQ.push(wc)
}

// CompleteRecv posts a RECV completion to this QP's receive CQ.
func (qp *QueuePair) CompleteRecv(wc WorkCompletion) {
	wc.Opcode = OpRecv
	qp.RecvCQ.push(wc)
}
