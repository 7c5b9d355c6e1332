package worker

import (
	"context"
	"errors"
	"sync/atomic"
)

// runState names the worker loop's two phases.
type runState int32

const (
	stateRunning runState = iota
	stateExiting
)

// Loop is the single goroutine draining one Queue, in the teacher's
// dispatcher style: dequeue, invoke with a cancel flag, repeat; on exit,
// drain whatever is left and invoke every abandoned item with cancel=true
// so nothing leaks a pending completion.
//
// reportParamsDone gates the cancel flag the same way the connection
// handshake does in the original design: until the peer's parameters
// have been exchanged, every item — even ones enqueued for perfectly
// ordinary reasons — is invoked with cancel=true, because there is no
// live connection yet to act on.
type Loop struct {
	Queue *Queue

	state            atomic.Int32
	reportParamsDone atomic.Bool

	// OnHardFailure is invoked when an item's callback fails after the
	// connection has completed its handshake — the trigger for a hard
	// state transition to NetworkFailure. May be nil.
	OnHardFailure func(item *Item, err error)
}

// NewLoop builds a Loop over q, initially running.
func NewLoop(q *Queue) *Loop {
	l := &Loop{Queue: q}
	l.state.Store(int32(stateRunning))
	return l
}

// MarkReportParamsDone flips the gate that lets callbacks run with
// cancel=false.
func (l *Loop) MarkReportParamsDone() { l.reportParamsDone.Store(true) }

// RequestExit asks Run to stop after its current item and drain.
func (l *Loop) RequestExit() { l.state.Store(int32(stateExiting)) }

// Run drains the queue until RequestExit is called or ctx is cancelled,
// then performs the shutdown drain and returns. It reports nothing to
// the caller: a failure of an item invoked with cancel=false goes to
// OnHardFailure, and failures of cancelled invocations (including every
// drain-phase item) are dropped.
func (l *Loop) Run(ctx context.Context) {
	for runState(l.state.Load()) == stateRunning {
		item, err := l.Queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			// ErrIntr means the queue was closed while empty; the loop
			// keeps running until RequestExit or ctx ends it.
			continue
		}
		l.invoke(item, !l.reportParamsDone.Load())
	}
	l.drain()
}

func (l *Loop) invoke(item *Item, cancel bool) {
	err := item.cb(item, cancel)
	if err != nil && !cancel && l.OnHardFailure != nil {
		l.OnHardFailure(item, err)
	}
}

// maxDrainPasses bounds the shutdown drain against a pathological
// callback that keeps re-enqueueing cleanup work forever.
const maxDrainPasses = 1000

// drain repeatedly splices out whatever remains queued and invokes each
// item with cancel=true, until a pass finds nothing. The queue is left
// open during this phase: a cancelled item's cleanup is allowed to
// enqueue a follow-up item (e.g. "release this peer request" triggering
// "send barrier-done"), and that follow-up must also be unwound rather
// than silently dropped — hence repeated passes instead of one DrainAll.
func (l *Loop) drain() {
	for pass := 0; pass < maxDrainPasses; pass++ {
		pending := l.Queue.DrainAll()
		if len(pending) == 0 {
			l.Queue.Close()
			return
		}
		for _, item := range pending {
			l.invoke(item, true)
		}
	}
	l.Queue.Close()
}
