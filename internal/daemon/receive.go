package daemon

import (
	"context"
	"errors"
	"log/slog"

	"github.com/blockmirror/replicator/internal/device"
	"github.com/blockmirror/replicator/internal/protocol"
	"github.com/blockmirror/replicator/internal/transport"
	"github.com/blockmirror/replicator/internal/worker"
)

// streamReader adapts a Transport's Data stream to io.Reader so the wire
// codec's ReadMessage can decode off it directly, the same contract
// WriteMessage already gets from bytes.Buffer on the send side.
type streamReader struct {
	ctx context.Context
	t   *transport.Transport
}

func (r *streamReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		out, err := r.t.Recv(r.ctx, transport.Data, len(p), false, p)
		// A receive timeout on an idle stream is not a desync: wait again.
		if errors.Is(err, transport.ErrAgain) && r.ctx.Err() == nil {
			continue
		}
		return len(out), err
	}
}

// runDataReceiver decodes MirroredDataBlock writes off t's Data stream
// and submits each one against the matching device in reg, routing its
// completion through endio dispatch. It returns once ctx is cancelled or
// a read or decode fails; receive timeouts on an idle stream are waited
// out, not treated as failures.
func runDataReceiver(ctx context.Context, t *transport.Transport, reg *device.Registry, logger *slog.Logger) {
	r := &streamReader{ctx: ctx, t: t}
	for {
		_, msg, err := protocol.ReadMessage(r)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			logger.Warn("data stream decode failed, receiver stopping", "error", err)
			return
		}

		block, ok := msg.(*protocol.MirroredDataBlock)
		if !ok {
			continue
		}
		d := reg.Lookup(block.DeviceName)
		if d == nil {
			logger.Warn("mirrored data block for unknown device", "device", block.DeviceName)
			continue
		}
		submitMirroredWrite(d, block)
	}
}

// submitMirroredWrite is the secondary-side write path: it issues
// block's payload against d's local disk and, on completion, routes the
// result through EndioDispatch.PeerRequestEndio exactly as a directly
// issued peer request would, then marks the covered range in-sync on
// success.
func submitMirroredWrite(d *device.Device, block *protocol.MirroredDataBlock) {
	disp := worker.EndioDispatch{AL: d.AL}
	bio := device.NewBio(block.Sector, block.Data, device.DirWrite)
	pr := &device.PeerRequest{
		Sector:      block.Sector,
		Size:        int64(len(block.Data)),
		Dir:         device.DirWrite,
		BlockID:     block.BlockID,
		Bio:         bio,
		PendingBios: 1,
		Flags:       device.FlagUpToDate | device.FlagCallAlCompleteIo,
	}
	if block.Flags&protocol.MirroredBlockFlagIsBarrier != 0 {
		pr.Flags |= device.FlagIsBarrier
	}

	startBit := device.SectorToBit(block.Sector)
	endBit := startBit
	if n := int64(len(block.Data)); n > device.BlockSize {
		endBit = device.SectorToBit(block.Sector + n/512 - 1)
	}
	d.AL.BeginIO(device.Extent(startBit))

	d.Issuer.SubmitBio(bio, func(b *device.Bio, err error) {
		disp.PeerRequestEndio(d, pr, err)
		if err == nil {
			d.WithLock(func() { d.Bitmap.SetInSync(startBit, endBit+1) })
		}
	})
}
