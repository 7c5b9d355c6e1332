package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// frameMagic opens every envelope on the wire, the same role
// MagicHandshake/MagicPing play in the teacher's framing — a cheap
// resync point if the stream ever desyncs.
var frameMagic = [4]byte{'B', 'M', 'I', 'R'}

// WriteMessage frames one message: magic, type, payload length, payload.
// Each MessageType's struct is responsible for its own byte layout via
// encodePayload; WriteMessage only owns the envelope.
func WriteMessage(w io.Writer, msgType MessageType, msg any) error {
	payload, err := encodePayload(msgType, msg)
	if err != nil {
		return fmt.Errorf("protocol: encoding %s: %w", msgType, err)
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(frameMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.BigEndian, uint16(msgType)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.BigEndian, uint32(len(payload))); err != nil {
		return err
	}
	if _, err := bw.Write(payload); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadMessage reads one framed message and decodes it into its concrete
// struct type (e.g. *Barrier, *MirroredDataBlock).
func ReadMessage(r io.Reader) (MessageType, any, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return 0, nil, err
	}
	if magic != frameMagic {
		return 0, nil, ErrInvalidMagic
	}

	var rawType uint16
	if err := binary.Read(r, binary.BigEndian, &rawType); err != nil {
		return 0, nil, err
	}
	msgType := MessageType(rawType)

	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	if length > maxPayloadLen {
		return 0, nil, ErrTruncatedFrame
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}

	msg, err := decodePayload(msgType, payload)
	if err != nil {
		return 0, nil, fmt.Errorf("protocol: decoding %s: %w", msgType, err)
	}
	return msgType, msg, nil
}

// maxPayloadLen bounds a single message's payload, guarding against a
// corrupted length field driving an unbounded allocation.
const maxPayloadLen = 64 << 20

var errUnknownMessageType = errors.New("protocol: unknown message type")

func encodePayload(msgType MessageType, msg any) ([]byte, error) {
	w := newByteWriter()
	switch m := msg.(type) {
	case *Barrier:
		w.u32(m.BarrierNr)
	case *WriteHint:
		w.i64(m.Sector)
		w.i32(m.Size)
	case *OutOfSyncNotice:
		w.i64(m.Sector)
		w.i64(m.Size)
	case *MirroredDataBlock:
		w.i64(m.Sector)
		w.u64(m.BlockID)
		w.u32(m.Flags)
		w.str(m.DeviceName)
		w.bytes(m.Data)
	case *ReadRequest:
		w.i64(m.Sector)
		w.i32(m.Size)
		w.u64(m.BlockID)
	case *ResyncDataRequest:
		w.i64(m.Sector)
		w.i64(m.Size)
	case *ChecksumRequest:
		w.i64(m.Sector)
		w.i64(m.Size)
		w.bytes(m.Digest)
	case *ChecksumReply:
		w.i64(m.Sector)
		w.i64(m.Size)
		w.bool(m.Match)
	case *VerifyRequest:
		w.i64(m.Sector)
		w.i64(m.Size)
		w.bytes(m.Digest)
	case *VerifyReply:
		w.i64(m.Sector)
		w.i64(m.Size)
		w.bool(m.Match)
	case *EndOfDataReply:
	case *EndOfResyncReply:
	case *ResyncFinished:
		w.bool(m.OutOfSyncRemain)
	case *StartResync:
		w.str(m.DeviceName)
	case *RetryReadRemote:
		w.i64(m.Sector)
		w.i32(m.Size)
	case *RestartDiskIO:
	case *BarrierDone:
		w.u32(m.BarrierNr)
	default:
		return nil, fmt.Errorf("%w: %T", errUnknownMessageType, msg)
	}
	_ = msgType
	return w.Bytes(), w.err
}

func decodePayload(msgType MessageType, payload []byte) (any, error) {
	r := newByteReader(payload)
	var msg any
	switch msgType {
	case MsgBarrier:
		m := &Barrier{}
		m.BarrierNr = r.u32()
		msg = m
	case MsgWriteHint:
		m := &WriteHint{}
		m.Sector = r.i64()
		m.Size = r.i32()
		msg = m
	case MsgOutOfSyncNotice:
		m := &OutOfSyncNotice{}
		m.Sector = r.i64()
		m.Size = r.i64()
		msg = m
	case MsgMirroredDataBlock:
		m := &MirroredDataBlock{}
		m.Sector = r.i64()
		m.BlockID = r.u64()
		m.Flags = r.u32()
		m.DeviceName = r.str()
		m.Data = r.bytes()
		msg = m
	case MsgReadRequest:
		m := &ReadRequest{}
		m.Sector = r.i64()
		m.Size = r.i32()
		m.BlockID = r.u64()
		msg = m
	case MsgResyncDataRequest:
		m := &ResyncDataRequest{}
		m.Sector = r.i64()
		m.Size = r.i64()
		msg = m
	case MsgChecksumRequest:
		m := &ChecksumRequest{}
		m.Sector = r.i64()
		m.Size = r.i64()
		m.Digest = r.bytes()
		msg = m
	case MsgChecksumReply:
		m := &ChecksumReply{}
		m.Sector = r.i64()
		m.Size = r.i64()
		m.Match = r.bool()
		msg = m
	case MsgVerifyRequest:
		m := &VerifyRequest{}
		m.Sector = r.i64()
		m.Size = r.i64()
		m.Digest = r.bytes()
		msg = m
	case MsgVerifyReply:
		m := &VerifyReply{}
		m.Sector = r.i64()
		m.Size = r.i64()
		m.Match = r.bool()
		msg = m
	case MsgEndOfDataReply:
		msg = &EndOfDataReply{}
	case MsgEndOfResyncReply:
		msg = &EndOfResyncReply{}
	case MsgResyncFinished:
		m := &ResyncFinished{}
		m.OutOfSyncRemain = r.bool()
		msg = m
	case MsgStartResync:
		m := &StartResync{}
		m.DeviceName = r.str()
		msg = m
	case MsgRetryReadRemote:
		m := &RetryReadRemote{}
		m.Sector = r.i64()
		m.Size = r.i32()
		msg = m
	case MsgRestartDiskIO:
		msg = &RestartDiskIO{}
	case MsgBarrierDone:
		m := &BarrierDone{}
		m.BarrierNr = r.u32()
		msg = m
	default:
		return nil, fmt.Errorf("%w: %d", errUnknownMessageType, msgType)
	}
	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}
