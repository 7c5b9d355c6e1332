package worker

import (
	"testing"
	"time"

	"github.com/blockmirror/replicator/internal/device"
)

// errAgainAlways implements ReadForCsumFunc by always reporting
// contention, for the rollback test below.
func errAgainAlways(sector, size int64) error { return ErrAgain }

func newSweepDevice(t *testing.T, nbits int64) *device.Device {
	t.Helper()
	cfg := device.Config{
		Name:            "sweep0",
		ResyncRateKiBs:  40,
		MaxRequestsCap:  1000,
		MaxBioSize:      65536,
		CapacitySectors: 1 << 30,
		ProtocolVersion: 80,
	}
	bm := device.NewMemBitmap(nbits)
	al := device.NewMemActivityLog(64)
	issuer := device.NewLoopIssuer(1 << 20)
	// fifo size 0 forces the controller's static-rate fallback; at this
	// resync rate it yields exactly one request per tick, making the
	// single-dispatch scenarios below deterministic regardless of what
	// the bitmap looks like past the first coalesced run.
	return device.New(cfg, bm, al, issuer, 0)
}

// TestEmptyResyncInvokesFinished encodes scenario 1: rs_total == 0 must
// invoke resync_finished and never dispatch a data request.
func TestEmptyResyncInvokesFinished(t *testing.T) {
	d := newSweepDevice(t, 64)
	d.State.Conn = device.ConnSyncSource

	sent := false
	s := &Scheduler{
		Device: d,
		Send:   func(sector, size int64) error { sent = true; return nil },
	}

	if err := s.MakeResyncRequest(false); err != nil {
		t.Fatalf("MakeResyncRequest: %v", err)
	}
	if sent {
		t.Fatal("expected no data request dispatched for an empty resync")
	}
	if d.State.Conn != device.ConnConnected {
		t.Fatalf("expected Conn=Connected after resync_finished, got %v", d.State.Conn)
	}
}

// TestCoalescedResyncRequest encodes scenario 2: bits {100,101,102,103}
// dirty, all others clean, max_bio_size=65536, BM_BLOCK_SIZE=4096, no
// checksum. One invocation must emit exactly one request for
// sector=BM_BIT_TO_SECT(100), size=16384, and leave bm_resync_fo=104.
func TestCoalescedResyncRequest(t *testing.T) {
	d := newSweepDevice(t, 200)
	d.Counters.RsTotal = 4
	d.Bitmap.SetOutOfSync(100, 104)

	type call struct{ sector, size int64 }
	var calls []call
	s := &Scheduler{
		Device: d,
		Send: func(sector, size int64) error {
			calls = append(calls, call{sector, size})
			return nil
		},
	}

	if err := s.MakeResyncRequest(false); err != nil {
		t.Fatalf("MakeResyncRequest: %v", err)
	}

	if len(calls) != 1 {
		t.Fatalf("expected exactly 1 dispatched request, got %d: %+v", len(calls), calls)
	}
	wantSector := device.BitToSector(100)
	if calls[0].sector != wantSector || calls[0].size != 16384 {
		t.Fatalf("call = %+v, want sector=%d size=16384", calls[0], wantSector)
	}
	if d.BmResyncFO != 104 {
		t.Fatalf("BmResyncFO = %d, want 104", d.BmResyncFO)
	}
}

// TestResyncRequestSkipsClean verifies a clean bit (no remaining dirty
// bits past the cursor) advances the cursor to the end and dispatches
// nothing.
func TestResyncRequestSkipsClean(t *testing.T) {
	d := newSweepDevice(t, 16)
	d.Counters.RsTotal = 1

	sent := false
	s := &Scheduler{
		Device: d,
		Send:   func(sector, size int64) error { sent = true; return nil },
	}
	if err := s.MakeResyncRequest(false); err != nil {
		t.Fatalf("MakeResyncRequest: %v", err)
	}
	if sent {
		t.Fatal("expected no dispatch when the bitmap has no dirty bits")
	}
	if d.BmResyncFO != d.Bitmap.Bits() {
		t.Fatalf("BmResyncFO = %d, want %d (end of bitmap)", d.BmResyncFO, d.Bitmap.Bits())
	}
}

// TestResyncFinishedSpawnsArchive verifies the audit hook fires exactly
// once with the run's computed stats once ResyncFinished commits.
func TestResyncFinishedSpawnsArchive(t *testing.T) {
	d := newSweepDevice(t, 16)
	d.State.Conn = device.ConnSyncSource
	d.Counters.RsTotal = 10
	d.Counters.RsSameCsum = 3

	done := make(chan struct{})
	var gotDevice, gotKind string
	s := &Scheduler{
		Device: d,
		Send:   func(sector, size int64) error { return nil },
		Archive: func(device string, runKind string, elapsed time.Duration, bytesPerSec, sameCsumRatio float64, rsTotal, rsFailed, rsSameCsum int64, outOfSync bool) {
			gotDevice, gotKind = device, runKind
			close(done)
		},
	}

	if err := s.ResyncFinished(); err != nil {
		t.Fatalf("ResyncFinished: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Archive hook")
	}
	if gotDevice != "sweep0" || gotKind != "resync" {
		t.Fatalf("Archive called with device=%q runKind=%q", gotDevice, gotKind)
	}
}

// TestAdjacencyCoalescingStopConditions isolates each of the four
// conditions spec.md §8 names for the coalescing loop — max_bio_size,
// an unset bitmap bit, a bitmap-extent boundary, and misalignment — so
// that each case triggers exactly one of them while the other three
// would still allow growth to continue.
func TestAdjacencyCoalescingStopConditions(t *testing.T) {
	cases := []struct {
		name            string
		nbits           int64
		dirty           []int64
		maxBioSize      int64
		capacitySectors int64
		wantSize        int64
		wantEndBit      int64
	}{
		{
			// bits 0,1,2 are all dirty and aligned, but max_bio_size only
			// leaves room for two blocks: the run must stop after bit 1
			// even though bit 2 is dirty and reachable.
			name:            "max_bio_size",
			nbits:           16,
			dirty:           []int64{0, 1, 2},
			maxBioSize:      8192,
			capacitySectors: 1 << 30,
			wantSize:        8192,
			wantEndBit:      1,
		},
		{
			// bit 2 is left clear: the run must stop there even with an
			// effectively unbounded max_bio_size.
			name:            "unset bitmap bit",
			nbits:           16,
			dirty:           []int64{0, 1},
			maxBioSize:      1 << 20,
			capacitySectors: 1 << 30,
			wantSize:        8192,
			wantEndBit:      1,
		},
		{
			// bit 1024 is dirty and reachable, but it falls in the next
			// bitmap extent from the run's start at bit 1023.
			name:            "bitmap-extent boundary",
			nbits:           2048,
			dirty:           []int64{1023, 1024},
			maxBioSize:      1 << 20,
			capacitySectors: 1 << 30,
			wantSize:        4096,
			wantEndBit:      1023,
		},
		{
			// starting at bit 1 (sector 8), the run grows once to bit 2
			// (still aligned to the doubled granularity), then fails the
			// alignment check before even looking at bit 3's bitmap
			// state.
			name:            "misalignment",
			nbits:           16,
			dirty:           []int64{1, 2, 3},
			maxBioSize:      1 << 20,
			capacitySectors: 1 << 30,
			wantSize:        8192,
			wantEndBit:      2,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := device.Config{
				Name:            "coalesce0",
				ResyncRateKiBs:  40,
				MaxBioSize:      tc.maxBioSize,
				CapacitySectors: tc.capacitySectors,
			}
			bm := device.NewMemBitmap(tc.nbits)
			al := device.NewMemActivityLog(64)
			issuer := device.NewLoopIssuer(1 << 20)
			d := device.New(cfg, bm, al, issuer, 0)
			d.Counters.RsTotal = 1
			for _, b := range tc.dirty {
				bm.SetOutOfSync(b, b+1)
			}
			d.WithLock(func() { d.BmResyncFO = tc.dirty[0] })

			var calls []struct{ sector, size int64 }
			s := &Scheduler{
				Device: d,
				Send: func(sector, size int64) error {
					calls = append(calls, struct{ sector, size int64 }{sector, size})
					return nil
				},
			}

			if err := s.MakeResyncRequest(false); err != nil {
				t.Fatalf("MakeResyncRequest: %v", err)
			}
			if len(calls) != 1 {
				t.Fatalf("expected exactly one dispatched request, got %d: %+v", len(calls), calls)
			}
			if calls[0].size != tc.wantSize {
				t.Fatalf("size = %d, want %d", calls[0].size, tc.wantSize)
			}
			if d.BmResyncFO != tc.wantEndBit+1 {
				t.Fatalf("BmResyncFO = %d, want %d", d.BmResyncFO, tc.wantEndBit+1)
			}
		})
	}
}

// TestResyncRequestClampsToCapacity covers sector+size/512 > capacity:
// the dispatched request's size must be truncated to fit the device's
// declared capacity rather than reading past its end.
func TestResyncRequestClampsToCapacity(t *testing.T) {
	d := newSweepDevice(t, 16)
	d.Config.CapacitySectors = 4 // less than one bitmap block's 8 sectors
	d.Counters.RsTotal = 1
	d.Bitmap.SetOutOfSync(0, 1)

	var gotSize int64
	s := &Scheduler{
		Device: d,
		Send: func(sector, size int64) error {
			gotSize = size
			return nil
		},
	}

	if err := s.MakeResyncRequest(false); err != nil {
		t.Fatalf("MakeResyncRequest: %v", err)
	}
	wantSize := d.Config.CapacitySectors * 512
	if gotSize != wantSize {
		t.Fatalf("size = %d, want %d (clamped to capacity)", gotSize, wantSize)
	}
}

// TestReadForCsumAgainRollsBackCursor covers resync_scheduler.go's
// ErrAgain branch: when read_for_csum reports transient contention, the
// scheduler must release the range it had provisionally reserved and
// roll bm_resync_fo back to the bit it started from rather than
// advancing past it.
func TestReadForCsumAgainRollsBackCursor(t *testing.T) {
	d := newSweepDevice(t, 16)
	d.Config.ProtocolVersion = 96
	d.Counters.RsTotal = 1
	d.Bitmap.SetOutOfSync(5, 6)
	d.WithLock(func() { d.BmResyncFO = 5 })

	sent := false
	s := &Scheduler{
		Device:      d,
		Send:        func(sector, size int64) error { sent = true; return nil },
		ReadForCsum: errAgainAlways,
	}

	if err := s.MakeResyncRequest(false); err != nil {
		t.Fatalf("MakeResyncRequest: %v", err)
	}
	if sent {
		t.Fatal("expected no data request dispatched when read_for_csum reports ErrAgain")
	}
	if d.BmResyncFO != 5 {
		t.Fatalf("BmResyncFO = %d, want 5 (rolled back)", d.BmResyncFO)
	}
}

func TestMakeResyncRequestHonorsCancel(t *testing.T) {
	d := newSweepDevice(t, 16)
	d.Counters.RsTotal = 1
	sent := false
	s := &Scheduler{Device: d, Send: func(sector, size int64) error { sent = true; return nil }}

	if err := s.MakeResyncRequest(true); err != nil {
		t.Fatalf("MakeResyncRequest(cancel=true): %v", err)
	}
	if sent {
		t.Fatal("expected cancel=true to short-circuit without dispatching")
	}
}
