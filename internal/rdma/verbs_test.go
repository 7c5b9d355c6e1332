package rdma

import (
	"context"
	"testing"
	"time"
)

func TestDialReachesEstablished(t *testing.T) {
	local, remote := NewLoopbackPair()
	if err := Dial(local, remote); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	wantSeq := []CMEvent{EventAddrResolved, EventRouteResolved, EventEstablished}
	for _, want := range wantSeq {
		got, err := local.Next(ctx)
		if err != nil {
			t.Fatalf("local.Next: %v", err)
		}
		if got != want {
			t.Fatalf("local event = %v, want %v", got, want)
		}
	}
}

func TestDialOnClosedManagerFails(t *testing.T) {
	local, remote := NewLoopbackPair()
	local.Disconnect()
	if err := Dial(local, remote); err == nil {
		t.Fatal("expected error dialing a closed connection manager")
	}
}

func TestQueuePairSendRecvRoundTrip(t *testing.T) {
	pd := NewProtectionDomain("test")
	qpA := NewQueuePair(pd, NewCompletionQueue(8), NewCompletionQueue(8))
	qpB := NewQueuePair(pd, NewCompletionQueue(8), NewCompletionQueue(8))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Pipe(ctx, qpA, qpB, time.Millisecond)

	recvBuf := make([]byte, 11)
	recvMR := RegisterMemoryRegion(pd, recvBuf)
	qpB.PostRecv(WorkRequest{ID: 1, Opcode: OpRecv, SGEs: []*MemoryRegion{recvMR}})

	sendMR := RegisterMemoryRegion(pd, []byte("hello world"))
	qpA.PostSend(WorkRequest{ID: 2, Opcode: OpSend, SGEs: []*MemoryRegion{sendMR}})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()

	sendWC := waitForCompletion(t, waitCtx, qpA.SendCQ)
	if sendWC.Err != nil {
		t.Fatalf("send completion error: %v", sendWC.Err)
	}
	recvWC := waitForCompletion(t, waitCtx, qpB.RecvCQ)
	if recvWC.Err != nil {
		t.Fatalf("recv completion error: %v", recvWC.Err)
	}
	if string(recvBuf[:recvWC.Bytes]) != "hello world" {
		t.Fatalf("recv buf = %q", recvBuf[:recvWC.Bytes])
	}
}

func TestSendWithNoPostedRecvCompletesWithError(t *testing.T) {
	pd := NewProtectionDomain("test")
	qpA := NewQueuePair(pd, NewCompletionQueue(8), NewCompletionQueue(8))
	qpB := NewQueuePair(pd, NewCompletionQueue(8), NewCompletionQueue(8))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Pipe(ctx, qpA, qpB, time.Millisecond)

	sendMR := RegisterMemoryRegion(pd, []byte("no receiver"))
	qpA.PostSend(WorkRequest{ID: 1, Opcode: OpSend, SGEs: []*MemoryRegion{sendMR}})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	wc := waitForCompletion(t, waitCtx, qpA.SendCQ)
	if wc.Err == nil {
		t.Fatal("expected send completion error when peer has no posted receive")
	}
}

func TestCompletionQueueNotifyRearm(t *testing.T) {
	cq := NewCompletionQueue(4)
	cq.Notify()
	cq.push(WorkCompletion{ID: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := cq.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if _, ok := cq.Poll(); !ok {
		t.Fatal("expected a completion to poll after Wait returned")
	}
}

func waitForCompletion(t *testing.T, ctx context.Context, cq *CompletionQueue) WorkCompletion {
	t.Helper()
	for {
		if wc, ok := cq.Poll(); ok {
			return wc
		}
		select {
		case <-ctx.Done():
			t.Fatal("timed out waiting for completion")
		case <-time.After(time.Millisecond):
		}
	}
}
