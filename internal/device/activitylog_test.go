package device

import "testing"

func TestMemActivityLogAdmitsUpToCapacity(t *testing.T) {
	al := NewMemActivityLog(2)

	if !al.TryBeginIO(1) {
		t.Fatal("expected first extent to be admitted")
	}
	if !al.TryBeginIO(2) {
		t.Fatal("expected second extent to be admitted")
	}
	if al.TryBeginIO(3) {
		t.Fatal("expected third extent to be rejected at capacity")
	}

	al.CompleteIO(1)
	if !al.TryBeginIO(3) {
		t.Fatal("expected extent to be admitted after one completes")
	}
}

func TestMemActivityLogReentrantSameExtent(t *testing.T) {
	al := NewMemActivityLog(1)
	al.BeginIO(5)
	al.BeginIO(5)
	al.CompleteIO(5)
	if al.TryBeginIO(6) {
		t.Fatal("extent 5 still holds one reference, slot should still be occupied")
	}
	al.CompleteIO(5)
	if !al.TryBeginIO(6) {
		t.Fatal("expected extent 6 admitted once extent 5 fully released")
	}
}
