package rkflash

import (
	"context"
	"errors"
	"fmt"
)

// run executes fn as one operation on dev. It holds the device for the
// duration and reports a failed event on error.
func run(ctx context.Context, dev *Device, opts []Option, fn func(ctx context.Context, op *Operation, c *channel) error) error {
	cfg := newConfig(opts)
	op := newOperation(cfg.Progress)

	if err := dev.acquire(); err != nil {
		op.fail(err)
		return err
	}
	defer dev.release()

	err := fn(ctx, op, newChannel(dev, &cfg))
	if err != nil {
		op.fail(err)
		return err
	}
	op.complete("done")
	return nil
}

// Reboot resets the device. The device drops off the bus, so a missing
// response or a disconnection counts as success. The handle is closed
// afterwards; find the device again with a fresh enumeration.
func Reboot(ctx context.Context, dev *Device, opts ...Option) error {
	return run(ctx, dev, opts, func(ctx context.Context, op *Operation, c *channel) error {
		op.enter(PhaseConnecting, "resetting")
		if m := dev.Mode(); m == ModeUnknown || m == ModeError {
			return &StateError{From: m, To: ModeUnknown}
		}
		if _, err := c.exchange(ctx, cmdDeviceReset()); err != nil && !errors.Is(err, ErrTransportDisconnected) {
			return &CommandError{Opcode: opDeviceReset, Err: err}
		}
		if err := dev.transition(ModeUnknown); err != nil {
			return err
		}
		if err := dev.Close(); err != nil {
			c.log.debug("close after reset", "err", err)
		}
		op.complete("reset sent")
		return nil
	})
}

// ChipInfo is the answer to ReadChipInfo.
type ChipInfo struct {
	Raw []byte
}

// Tag returns the printable chip tag, e.g. "3588" for RK3588. The loader
// stores it byte-reversed in the first word.
func (ci ChipInfo) Tag() string {
	if len(ci.Raw) < 4 {
		return ""
	}
	b := []byte{ci.Raw[3], ci.Raw[2], ci.Raw[1], ci.Raw[0]}
	for _, c := range b {
		if c < 0x20 || c > 0x7E {
			return fmt.Sprintf("%X", b)
		}
	}
	return string(b)
}

// ReadChipInfo asks the device for its chip info block.
func ReadChipInfo(ctx context.Context, dev *Device, opts ...Option) (ChipInfo, error) {
	var info ChipInfo
	err := run(ctx, dev, opts, func(ctx context.Context, op *Operation, c *channel) error {
		op.enter(PhaseDetecting, "reading chip info")
		resp, err := c.send(ctx, cmdReadChipInfo())
		if err != nil {
			return err
		}
		info.Raw = resp
		op.complete(fmt.Sprintf("chip info: %s", info.Tag()))
		return nil
	})
	return info, err
}
