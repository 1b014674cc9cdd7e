package device

import (
	"context"
	"fmt"

	"github.com/smazurov/cxcap/internal/events"
	"github.com/smazurov/cxcap/internal/hw"
	"github.com/smazurov/cxcap/internal/mailbox"
	"github.com/smazurov/cxcap/internal/metrics"
	"github.com/smazurov/cxcap/internal/poll"
	"github.com/smazurov/cxcap/internal/reset"
	"github.com/smazurov/cxcap/internal/stream"
)

// digitizer is the NUM_VSYNC_LINES argument for the saa7115 front end.
const digitizer uint32 = 0x140

// subtypeNoVBI marks an MPG or YUV capture that carries no VBI.
const subtypeNoVBI uint32 = 0x04

// ErrCaptureStopped fails a transfer still running when its capture stops.
var ErrCaptureStopped = fmt.Errorf("device: %w by capture stop", stream.ErrAborted)

// SetCodec validates and stores new encoder parameters. They are sent with
// the next first capture.
func (d *Device) SetCodec(c Codec) error {
	v, err := c.Validate()
	if err != nil {
		return err
	}
	if v.Bitrate != c.Bitrate || v.PeakBitrate != c.PeakBitrate {
		d.logger.Warn("Bitrate clamped", "requested", c.Bitrate, "peak", c.PeakBitrate, "max", ClampedBitrate)
	}
	d.mu.Lock()
	d.codec = v
	d.mu.Unlock()
	return nil
}

// Codec returns the validated encoder parameters.
func (d *Device) Codec() Codec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.codec
}

// StartCapture starts stream t for owner, which must hold the claim. The first
// capture on the device programs the encoder first.
func (d *Device) StartCapture(ctx context.Context, owner int64, t stream.Type) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.service(ctx)
	st, err := d.stream(t)
	if err != nil {
		return err
	}
	if !t.HasDMA() {
		return NewError(CodeInvalid, fmt.Sprintf("%s does not capture", t), nil)
	}
	if holder := st.Owner(); holder != owner {
		if holder == stream.NoOwner {
			return NewError(CodeInvalid, fmt.Sprintf("%s not claimed by %d", t, owner), stream.ErrNotOwner)
		}
		return NewError(CodeBusy, fmt.Sprintf("%s held by %d", t, holder), stream.ErrBusy)
	}

	st.LockConfig()
	defer st.UnlockConfig()
	d.mu.Lock()
	defer d.mu.Unlock()

	flags := st.Flags()
	if flags.ResetPending {
		return NewError(CodeBusy, "firmware reset in progress", nil)
	}
	if flags.Capturing {
		return nil
	}

	if d.capturing == 0 {
		if err := d.primeLocked(ctx); err != nil {
			return wrap("encoder setup failed", err)
		}
	}

	captype, subtype := t.Capture()
	if (t == stream.MPG || t == stream.YUV) && !d.vbiCapturingLocked() {
		subtype |= subtypeNoVBI
	}
	st.SetCapture(captype, subtype)

	d.hw.MaskIRQ(hw.IRQMaskCapture)
	st.Update(func(f *stream.Flags) {
		f.EOS = false
		f.StreamOff = false
		f.Capturing = true
	})
	if _, err := d.mbox.Call(ctx, mailbox.CmdBeginCapture, captype, subtype); err != nil {
		st.Update(func(f *stream.Flags) { f.Capturing = false })
		if d.capturing > 0 {
			d.hw.UnmaskIRQ(hw.IRQMaskCapture)
		}
		return wrap(fmt.Sprintf("cannot start %s capture", t), err)
	}
	d.hw.UnmaskIRQ(hw.IRQMaskCapture)

	if t == stream.VBI {
		vbi := d.engine.VBI()
		vbi.Started = true
		d.engine.SetVBI(vbi)
	}
	d.capturing++
	metrics.SetCapturing(d.cfg.Name, d.capturing)
	d.logger.Info("Capture started", "stream", t.String(), "owner", owner,
		"captype", captype, "subtype", fmt.Sprintf("0x%02x", subtype))
	d.bus.Publish(events.CaptureStartedEvent{
		Device:    d.cfg.Name,
		Stream:    t.String(),
		Owner:     owner,
		Timestamp: events.Now(),
	})
	return nil
}

func (d *Device) vbiCapturingLocked() bool {
	vbi, err := d.streams.Get(stream.VBI)
	return err == nil && vbi.Flags().Capturing
}

// primeLocked programs the encoder ahead of the first capture.
func (d *Device) primeLocked(ctx context.Context) error {
	setup := []command{
		{mailbox.CmdAssignDMABlockLen, []uint32{reset.BlockLen, reset.BlockLenUnits}},
		{mailbox.CmdAssignPlaceholder, make([]uint32, 12)},
		{mailbox.CmdAssignNumVsyncLines, []uint32{digitizer, digitizer}},
	}
	if vbi := d.engine.VBI(); vbi.FramesPerInterrupt > 0 {
		setup = append(setup, command{mailbox.CmdConfigVBI, []uint32{1, vbi.FramesPerInterrupt, vbi.EncSize}})
	}
	setup = append(setup, command{mailbox.CmdAssignPGMIndexInfo, []uint32{0, 0}})
	setup = append(setup, d.codec.commands()...)
	setup = append(setup, command{mailbox.CmdEncMisc, []uint32{2, 3, 0}})

	for _, c := range setup {
		if _, err := d.mbox.Call(ctx, c.cmd, c.args...); err != nil {
			return fmt.Errorf("%s: %w", c.cmd, err)
		}
	}
	return nil
}

// reprime sends the encoder setup again after a firmware reset, since the
// restarted firmware holds defaults and the command cache was dropped.
func (d *Device) reprime(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.primeLocked(ctx)
}

// StopCapture ends stream t. A transfer still in flight after StopWait is
// failed. The last stop masks the capture interrupts.
func (d *Device) StopCapture(ctx context.Context, t stream.Type) error {
	st, err := d.stream(t)
	if err != nil {
		return err
	}

	st.LockConfig()
	defer st.UnlockConfig()
	d.mu.Lock()
	defer d.mu.Unlock()

	if !st.Flags().Capturing {
		return nil
	}
	st.Update(func(f *stream.Flags) { f.StreamOff = true })

	captype, subtype := st.Capture()
	if _, err := d.mbox.Call(ctx, mailbox.CmdEndCapture, 1, captype, subtype); err != nil {
		d.logger.Warn("END_CAPTURE failed", "stream", t.String(), "error", err)
	}
	if d.capturing == 1 {
		if _, err := d.mbox.Call(ctx, mailbox.CmdEncMisc, 3, 0); err != nil {
			d.logger.Debug("ENC_MISC failed", "error", err)
		}
	}

	if t == stream.MPG {
		err := poll.Until(ctx, func() bool { return st.Flags().EOS }, d.cfg.StopWait)
		if err != nil {
			d.logger.Warn("No end of stream from encoder", "stream", t.String(), "error", err)
		}
	}

	forced := false
	err = poll.Until(ctx, func() bool {
		return !st.Flags().DMAPending
	}, d.cfg.StopWait)
	if err != nil {
		forced = d.engine.ForceFinish(t, ErrCaptureStopped)
		d.logger.Warn("Transfer still pending at capture stop", "stream", t.String(), "forced", forced)
	} else {
		d.engine.ForceFinish(t, ErrCaptureStopped)
	}

	st.Update(func(f *stream.Flags) { f.Capturing = false })
	if t == stream.VBI {
		vbi := d.engine.VBI()
		vbi.Started = false
		d.engine.SetVBI(vbi)
	}
	d.capturing--
	if d.capturing == 0 {
		d.hw.MaskIRQ(hw.IRQMaskCapture)
	}
	metrics.SetCapturing(d.cfg.Name, d.capturing)
	d.logger.Info("Capture stopped", "stream", t.String(), "forced", forced)
	d.bus.Publish(events.CaptureStoppedEvent{
		Device:    d.cfg.Name,
		Stream:    t.String(),
		Forced:    forced,
		Timestamp: events.Now(),
	})
	return nil
}
