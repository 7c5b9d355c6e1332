// Package transport implements the two-stream (DATA + CONTROL) reliable
// transport over the simulated RDMA verbs layer in internal/rdma: RX
// descriptor ring replenishment, the TX descriptor path, completion-queue
// drain pumps, the per-stream connection state machine, and the facade
// the worker subsystem calls send/recv/send_page/recv_pages/stats
// through.
package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blockmirror/replicator/internal/rdma"
)

// StreamKind indexes the two streams a Transport owns.
type StreamKind int

const (
	Data StreamKind = iota
	Control
)

func (k StreamKind) String() string {
	if k == Data {
		return "data"
	}
	return "control"
}

// State enumerates one stream's connection-establishment states.
type State int

const (
	Idle State = iota
	AddrResolved
	RouteResolved
	ConnectRequest
	Connected
	Disconnected
	Error
)

func (s State) String() string {
	names := [...]string{"Idle", "AddrResolved", "RouteResolved", "ConnectRequest", "Connected", "Disconnected", "Error"}
	if int(s) < len(names) {
		return names[s]
	}
	return "Unknown"
}

// ErrFatalState is returned by WaitForState when the stream reached
// Error or Disconnected instead of the awaited state.
var ErrFatalState = fmt.Errorf("transport: stream reached a fatal state while waiting")

// Stream is one RDMA stream: a connection-manager id, protection domain,
// a queue pair with its two completion queues, posted-send/recv
// counters, and two condition variables (state transitions and filled RX
// descriptors). Descriptor buffers register their own memory regions in
// the RX ring. Exactly two streams make a
// Transport, indexed by StreamKind.
type Stream struct {
	Kind StreamKind

	CM *rdma.ConnManager
	PD *rdma.ProtectionDomain
	QP *rdma.QueuePair

	PostRecvCount int32 // protected: only the RX pump decrements, only replenishment increments
	PostSendCount atomic.Int64

	mu          sync.Mutex
	stateCV     *sync.Cond
	recvCV      *sync.Cond
	state       State
	recvTimeout time.Duration

	// rxCur is the stream-scoped "current" RX descriptor recv() is
	// consuming from. Held here (not in a per-call local variable) per
	// the resolved Open Question in DESIGN.md: the original keeps this
	// function-scoped, a flagged TODO; we keep it stream-scoped.
	rxCur *RXDescriptor

	// pendingFilled holds RX descriptors the completion pump has filled
	// but recv() has not yet picked up as the current descriptor.
	pendingFilled []*RXDescriptor
}

// NewStream constructs a Stream in Idle, wired to cm/pd/qp.
func NewStream(kind StreamKind, cm *rdma.ConnManager, pd *rdma.ProtectionDomain, qp *rdma.QueuePair, recvTimeout time.Duration) *Stream {
	s := &Stream{Kind: kind, CM: cm, PD: pd, QP: qp, recvTimeout: recvTimeout}
	s.stateCV = sync.NewCond(&s.mu)
	s.recvCV = sync.NewCond(&s.mu)
	return s
}

// SetRecvTimeout installs the stream's receive timeout.
func (s *Stream) SetRecvTimeout(d time.Duration) {
	s.mu.Lock()
	s.recvTimeout = d
	s.mu.Unlock()
}

// RecvTimeoutNow returns the stream's current receive timeout.
func (s *Stream) RecvTimeoutNow() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvTimeout
}

// SetState installs ns and wakes every waiter on the state condition
// variable, per "every transition wakes state_cv".
func (s *Stream) SetState(ns State) {
	s.mu.Lock()
	s.state = ns
	s.mu.Unlock()
	s.stateCV.Broadcast()
}

// StateNow returns the current state.
func (s *Stream) StateNow() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WaitForState blocks until the stream reaches want, or reaches Error or
// Disconnected (treated as fatal by every caller per spec), or ctx is
// done.
func (s *Stream) WaitForState(ctx context.Context, want State) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.stateCV.Broadcast()
		close(done)
	}()
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.state != want {
		if s.state == Error || s.state == Disconnected {
			return ErrFatalState
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.stateCV.Wait()
	}
	return nil
}

// DriveFromCM consumes one connection-manager event and advances the
// stream's state machine accordingly.
func (s *Stream) DriveFromCM(ev rdma.CMEvent) {
	switch ev {
	case rdma.EventAddrResolved:
		s.SetState(AddrResolved)
	case rdma.EventRouteResolved:
		s.SetState(RouteResolved)
	case rdma.EventEstablished:
		s.SetState(Connected)
	case rdma.EventDisconnected:
		s.SetState(Disconnected)
	case rdma.EventRejected:
		s.SetState(Error)
	}
}

// PumpCM drains cm-events into state transitions until ctx is cancelled
// or the manager closes.
func (s *Stream) PumpCM(ctx context.Context) {
	for {
		ev, err := s.CM.Next(ctx)
		if err != nil {
			return
		}
		s.DriveFromCM(ev)
	}
}

// Ok reports whether the stream exists and holds a live connection —
// stream_ok(stream) in the facade.
func (s *Stream) Ok() bool {
	return s != nil && s.StateNow() == Connected
}

// wakeRecv wakes anything blocked on the receive condition variable,
// used by the RX pump after posting a freshly-drained descriptor.
func (s *Stream) wakeRecv() {
	s.mu.Lock()
	s.recvCV.Broadcast()
	s.mu.Unlock()
}

// pushFilled enqueues a freshly-drained descriptor for recv() to pick up
// and wakes anyone waiting for one.
func (s *Stream) pushFilled(d *RXDescriptor) {
	s.mu.Lock()
	s.pendingFilled = append(s.pendingFilled, d)
	s.mu.Unlock()
	s.recvCV.Broadcast()
}

// waitForFreshDescriptor blocks until a filled descriptor is available,
// the stream's receive timeout elapses (ErrAgain), or ctx is cancelled
// (ErrIntr). A non-positive timeout waits indefinitely for ctx.
func (s *Stream) waitForFreshDescriptor(ctx context.Context) (*RXDescriptor, error) {
	timeout := s.RecvTimeoutNow()
	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.recvCV.Broadcast()
		case <-stop:
		}
	}()

	var timer *time.Timer
	if hasDeadline {
		timer = time.AfterFunc(timeout, s.recvCV.Broadcast)
		defer timer.Stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pendingFilled) == 0 {
		if ctx.Err() != nil {
			return nil, ErrIntr
		}
		if hasDeadline && !time.Now().Before(deadline) {
			return nil, ErrAgain
		}
		s.recvCV.Wait()
	}
	d := s.pendingFilled[0]
	s.pendingFilled = s.pendingFilled[1:]
	return d, nil
}
