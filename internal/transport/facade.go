package transport

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/blockmirror/replicator/internal/device"
	"github.com/blockmirror/replicator/internal/rdma"
)

// MaxTX is the design constant the facade reports as send_buffer_size.
const MaxTX = 128

// FreeOp names the two teardown operations the worker subsystem can
// request of a transport.
type FreeOp int

const (
	DestroyTransport FreeOp = iota
	FreeConnection
)

// Stats is the snapshot Transport.Stats reports.
type Stats struct {
	SendBufferSize int64
	SendBufferUsed int64
	SendCount      int64 // send_cnt, incremented by size/512 per send/send_page
}

// Transport is the facade the worker subsystem talks to: two streams
// (Data, Control), each with its own RX ring, TX path, and completion
// pumps. Dynamic dispatch over transports (RDMA today, potentially TCP)
// is modeled as this single concrete type implementing the small
// interfaces other packages need (see device.Transport), not as a
// per-instance function-pointer table.
type Transport struct {
	streams [2]*Stream
	rx      [2]*RXRing
	tx      [2]*TXPath
	sendCnt atomic.Int64

	cancel context.CancelFunc
}

// New builds a Transport over a pair of loopback connection managers for
// each stream, the in-process substitute for a real RDMA fabric. pumpCtx
// governs the lifetime of the completion pumps and CM drivers.
func New(ctx context.Context, recvTimeout time.Duration) *Transport {
	pumpCtx, cancel := context.WithCancel(ctx)
	t := &Transport{cancel: cancel}

	for _, kind := range []StreamKind{Data, Control} {
		pd := rdma.NewProtectionDomain(kind.String())
		sendCQ := rdma.NewCompletionQueue(64)
		recvCQ := rdma.NewCompletionQueue(64)
		qp := rdma.NewQueuePair(pd, sendCQ, recvCQ)
		cm := rdma.NewConnManager()
		s := NewStream(kind, cm, pd, qp, recvTimeout)
		t.streams[kind] = s
		t.rx[kind] = NewRXRing(s, DefaultPageSize, DefaultMaxRX)
		t.tx[kind] = NewTXPath(s)

		go RunRXPump(pumpCtx, s, t.rx[kind], recvCQ, s.pushFilled, nil)
		go RunTXPump(pumpCtx, t.tx[kind], sendCQ)
	}
	return t
}

// Connect drives both of this transport's streams, plus the peer's, to
// Connected using an in-process RDMA loopback — the transport is
// specified from "both streams established" onward, so connection-setup
// policy (who listens, address discovery) is deliberately out of scope
// here; this just exercises the state machine.
func Connect(ctx context.Context, local, remote *Transport) error {
	for _, kind := range []StreamKind{Data, Control} {
		ls, rs := local.streams[kind], remote.streams[kind]
		if err := rdma.Dial(ls.CM, rs.CM); err != nil {
			return err
		}
		go ls.PumpCM(ctx)
		go rs.PumpCM(ctx)
	}
	for _, kind := range []StreamKind{Data, Control} {
		if err := local.streams[kind].WaitForState(ctx, Connected); err != nil {
			return fmt.Errorf("transport: stream %s did not connect: %w", kind, err)
		}
		if err := remote.streams[kind].WaitForState(ctx, Connected); err != nil {
			return fmt.Errorf("transport: peer stream %s did not connect: %w", kind, err)
		}
	}
	return nil
}

// Pipe wires the wire-level delivery between two transports' matching
// streams so sends on one side complete as receives on the other,
// mirroring a physical fabric actually moving bytes.
func Pipe(ctx context.Context, local, remote *Transport) {
	for _, kind := range []StreamKind{Data, Control} {
		go rdma.Pipe(ctx, local.streams[kind].QP, remote.streams[kind].QP, time.Millisecond)
	}
}

// Send copies payload and posts it via the TX descriptor path, returning
// the number of bytes accepted for send.
func (t *Transport) Send(kind StreamKind, payload []byte, flags SendFlags) (int, error) {
	if _, err := t.tx[kind].CreateAndPost(payload, flags); err != nil {
		return 0, err
	}
	t.sendCnt.Add(int64(len(payload)) / 512)
	return len(payload), nil
}

// SendPage has the same contract as Send; the dev parameter replaces the
// source's unresolved peer_device reference (Open Question #3) with an
// explicit argument instead of ambient/global state.
func (t *Transport) SendPage(dev *device.Device, kind StreamKind, page []byte, offset, size int, flags SendFlags) (int, error) {
	if offset < 0 || offset+size > len(page) {
		return 0, fmt.Errorf("transport: send_page range out of bounds for %s", dev.Name)
	}
	return t.Send(kind, page[offset:offset+size], flags)
}

// Recv implements the three-mode receive contract: Fresh/Continuation
// are selected automatically based on whether the stream has a live
// current descriptor; grow requests GrowBuffer semantics (never waits,
// never copies unless callerBuf is set); callerBuf, when non-nil,
// requests CallerBuffer semantics (memcpy into caller storage).
//
// When a request spans more than the current descriptor's remaining
// bytes, the returned slice concatenates across descriptors (the
// resolved semantics for Open Question #5) — in that case, and whenever
// callerBuf is supplied, the result is a copy rather than a view into
// descriptor memory.
func (t *Transport) Recv(ctx context.Context, kind StreamKind, size int, grow bool, callerBuf []byte) ([]byte, error) {
	s := t.streams[kind]
	if !s.Ok() {
		return nil, fmt.Errorf("%w: stream %s not connected", ErrTransportDown, kind)
	}
	if grow {
		return t.recvGrowBuffer(s, kind, size, callerBuf)
	}
	if size == 0 {
		return nil, nil
	}

	remaining := size
	var assembled []byte
	var zeroCopy []byte

	for remaining > 0 {
		s.mu.Lock()
		cur := s.rxCur
		s.mu.Unlock()

		if cur == nil || cur.XferLen <= 0 {
			desc, err := s.waitForFreshDescriptor(ctx)
			if err != nil {
				return nil, err
			}
			s.mu.Lock()
			s.rxCur = desc
			s.mu.Unlock()
			cur = desc
		}

		n := remaining
		if cur.XferLen < n {
			n = cur.XferLen
		}
		chunk := cur.Data()[:n]

		switch {
		case callerBuf != nil:
			copy(callerBuf[size-remaining:], chunk)
		case remaining == size && n == size:
			zeroCopy = chunk
		default:
			assembled = append(assembled, chunk...)
		}

		cur.Pos += n
		cur.XferLen -= n
		remaining -= n
		if cur.XferLen <= 0 {
			cur.State = DescConsumed
			s.mu.Lock()
			s.rxCur = nil
			s.mu.Unlock()
			_ = t.rx[kind].Replenish()
		}
	}

	if callerBuf != nil {
		return callerBuf[:size], nil
	}
	if zeroCopy != nil {
		return zeroCopy, nil
	}
	return assembled, nil
}

func (t *Transport) recvGrowBuffer(s *Stream, kind StreamKind, size int, callerBuf []byte) ([]byte, error) {
	s.mu.Lock()
	cur := s.rxCur
	s.mu.Unlock()
	if cur == nil || cur.XferLen < size {
		return nil, ErrAgain
	}
	data := cur.Data()[:size]
	cur.Pos += size
	cur.XferLen -= size
	if cur.XferLen <= 0 {
		cur.State = DescConsumed
		s.mu.Lock()
		s.rxCur = nil
		s.mu.Unlock()
		_ = t.rx[kind].Replenish()
	}
	if callerBuf != nil {
		copy(callerBuf, data)
		return callerBuf[:size], nil
	}
	return data, nil
}

// RecvPages gathers size bytes off the Data stream into the supplied
// page buffers, consuming whole RX descriptors where possible. This is
// the resolved Open Question #2: the source leaves recv_pages
// unimplemented (returns 0 unconditionally).
func (t *Transport) RecvPages(ctx context.Context, pages [][]byte, size int) (int, error) {
	remaining := size
	total := 0
	for _, page := range pages {
		if remaining <= 0 {
			break
		}
		n := len(page)
		if n > remaining {
			n = remaining
		}
		if _, err := t.Recv(ctx, Data, n, false, page[:n]); err != nil {
			return total, err
		}
		total += n
		remaining -= n
	}
	if remaining > 0 {
		return total, fmt.Errorf("transport: recv_pages short by %d bytes: not enough page capacity supplied", remaining)
	}
	return total, nil
}

// Stats reports send-buffer occupancy, keyed off the Data stream's
// posted-send counter.
func (t *Transport) Stats() Stats {
	return Stats{
		SendBufferSize: MaxTX,
		SendBufferUsed: t.streams[Data].PostSendCount.Load(),
		SendCount:      t.sendCnt.Load(),
	}
}

// SetRcvTimeo installs kind's receive timeout.
func (t *Transport) SetRcvTimeo(kind StreamKind, d time.Duration) { t.streams[kind].SetRecvTimeout(d) }

// GetRcvTimeo returns kind's current receive timeout.
func (t *Transport) GetRcvTimeo(kind StreamKind) time.Duration { return t.streams[kind].RecvTimeoutNow() }

// StreamOK reports whether the stream indexed by kind (Data=0,
// Control=1) holds a live, connected stream. It takes a plain int so
// *Transport satisfies device.Transport without device importing this
// package's StreamKind type.
func (t *Transport) StreamOK(kind int) bool { return t.streams[kind].Ok() }

// Hint is reserved for future corking/nodelay-style hints; it always
// succeeds today.
func (t *Transport) Hint(kind StreamKind, hint string) bool { return true }

// Free tears the transport down. FreeConnection disconnects both
// streams' connection managers; DestroyTransport additionally stops the
// completion pumps.
func (t *Transport) Free(op FreeOp) {
	for _, s := range t.streams {
		s.CM.Disconnect()
	}
	if op == DestroyTransport {
		t.cancel()
	}
}
