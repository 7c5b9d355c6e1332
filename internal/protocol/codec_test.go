package protocol

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, msgType MessageType, msg any) any {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteMessage(&buf, msgType, msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	gotType, got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if gotType != msgType {
		t.Fatalf("type = %v, want %v", gotType, msgType)
	}
	return got
}

func TestCodecMirroredDataBlockRoundTrip(t *testing.T) {
	in := &MirroredDataBlock{Sector: 800, BlockID: 42, Flags: 3, Data: []byte("payload")}
	out := roundTrip(t, MsgMirroredDataBlock, in).(*MirroredDataBlock)
	if out.Sector != in.Sector || out.BlockID != in.BlockID || out.Flags != in.Flags || !bytes.Equal(out.Data, in.Data) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestCodecChecksumRequestRoundTrip(t *testing.T) {
	in := &ChecksumRequest{Sector: 100, Size: 4096, Digest: Checksum([]byte("block"))}
	out := roundTrip(t, MsgChecksumRequest, in).(*ChecksumRequest)
	if out.Sector != in.Sector || out.Size != in.Size || !bytes.Equal(out.Digest, in.Digest) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestCodecStartResyncRoundTrip(t *testing.T) {
	in := &StartResync{DeviceName: "r0"}
	out := roundTrip(t, MsgStartResync, in).(*StartResync)
	if out.DeviceName != in.DeviceName {
		t.Fatalf("DeviceName = %q, want %q", out.DeviceName, in.DeviceName)
	}
}

func TestCodecEmptyMessages(t *testing.T) {
	roundTrip(t, MsgEndOfDataReply, &EndOfDataReply{})
	roundTrip(t, MsgEndOfResyncReply, &EndOfResyncReply{})
	roundTrip(t, MsgRestartDiskIO, &RestartDiskIO{})
}

func TestCodecRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBuffer([]byte{'X', 'X', 'X', 'X', 0, 0, 0, 0, 0, 0})
	if _, _, err := ReadMessage(buf); err != ErrInvalidMagic {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestCodecMultipleMessagesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, MsgBarrier, &Barrier{BarrierNr: 1}); err != nil {
		t.Fatalf("WriteMessage 1: %v", err)
	}
	if err := WriteMessage(&buf, MsgBarrierDone, &BarrierDone{BarrierNr: 1}); err != nil {
		t.Fatalf("WriteMessage 2: %v", err)
	}

	_, first, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage 1: %v", err)
	}
	if first.(*Barrier).BarrierNr != 1 {
		t.Fatalf("unexpected first message: %+v", first)
	}

	_, second, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage 2: %v", err)
	}
	if second.(*BarrierDone).BarrierNr != 1 {
		t.Fatalf("unexpected second message: %+v", second)
	}
}
