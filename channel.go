package rkflash

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// channel issues commands and raw transfers to one device. It is created per
// operation and carries that operation's configuration.
type channel struct {
	dev *Device
	cfg *Config
	log logger
}

func newChannel(dev *Device, cfg *Config) *channel {
	return &channel{
		dev: dev,
		cfg: cfg,
		log: newLogger(cfg.Logger, ComponentChannel),
	}
}

// send issues cmd with the configured number of attempts and returns the
// response, which is nil when the command tolerates a missing one.
func (c *channel) send(ctx context.Context, cmd Command) ([]byte, error) {
	return c.sendN(ctx, cmd, c.cfg.CommandAttempts)
}

// sendOnce issues cmd with a single attempt, for callers running their own
// retry loop.
func (c *channel) sendOnce(ctx context.Context, cmd Command) ([]byte, error) {
	return c.sendN(ctx, cmd, 1)
}

func (c *channel) sendN(ctx context.Context, cmd Command, attempts int) ([]byte, error) {
	var resp []byte
	err := c.recovering(ctx, func() error {
		if err := c.checkMode(cmd); err != nil {
			return err
		}
		err := retry(ctx, attempts, c.cfg.CommandDelay, func(attempt int) error {
			r, err := c.exchange(ctx, cmd)
			if err != nil {
				c.log.debug("command attempt failed",
					"op", opcodeName(cmd.Opcode), "attempt", attempt+1, "err", err)
				return err
			}
			resp = r
			return nil
		})
		if err != nil {
			return &CommandError{Opcode: cmd.Opcode, Err: err}
		}
		return nil
	})
	return resp, err
}

// checkMode rejects loader commands outside loader mode and storage writes
// before a target is selected.
func (c *channel) checkMode(cmd Command) error {
	m := c.dev.Mode()
	switch {
	case cmd.NeedsStorage && m != ModeStorageReady:
		return &StateError{From: m, To: ModeStorageReady}
	case cmd.NeedsLoader && m != ModeLoader && m != ModeStorageReady:
		return &StateError{From: m, To: ModeLoader}
	}
	return nil
}

// exchange performs one attempt: packet, optional data phase, response.
func (c *channel) exchange(ctx context.Context, cmd Command) ([]byte, error) {
	tr, ep, err := c.dev.handle()
	if err != nil {
		return nil, err
	}

	if err := c.writePacket(ctx, tr, ep, cmd); err != nil {
		return nil, err
	}

	if len(cmd.Data) > 0 {
		if err := c.out(ctx, tr, ep.BulkOut, cmd.Data, c.cfg.WriteTimeout); err != nil {
			return nil, fmt.Errorf("data phase: %w", err)
		}
	}

	timeout := c.cfg.ReadTimeout
	if cmd.Timeout > 0 {
		timeout = cmd.Timeout
	}
	length := c.cfg.ResponseSize
	if cmd.ResponseLen > 0 {
		length = cmd.ResponseLen
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	resp, st, err := tr.TransferIn(rctx, ep.BulkIn, length)
	cancel()
	err = c.mapErr(ctx, err)

	switch {
	case err == nil && st == StatusOK:
		return resp, nil
	case errors.Is(err, ErrTransportDisconnected):
		return nil, err
	case cmd.Ack == TolerateStall:
		c.log.debug("no response, tolerated", "op", opcodeName(cmd.Opcode), "status", st, "err", err)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("response: %w", err)
	default:
		return nil, fmt.Errorf("response: %s", st)
	}
}

// writePacket sends the command packet over bulk OUT, falling back to a
// vendor control request carrying the opcode in bRequest.
func (c *channel) writePacket(ctx context.Context, tr Transport, ep Endpoints, cmd Command) error {
	err := c.out(ctx, tr, ep.BulkOut, cmd.Packet, c.cfg.WriteTimeout)
	if err == nil || errors.Is(err, ErrTransportDisconnected) {
		return err
	}
	c.log.debug("bulk out failed, trying control request", "op", opcodeName(cmd.Opcode), "err", err)

	setup := SetupPacket{
		RequestType: requestTypeVendor | requestRecipDevice,
		Request:     cmd.Opcode,
	}
	if cerr := c.control(ctx, tr, setup, cmd.Packet, c.cfg.WriteTimeout); cerr != nil {
		return fmt.Errorf("bulk: %w; control: %w", err, cerr)
	}
	return nil
}

// out writes data to a bulk OUT endpoint in one transfer.
func (c *channel) out(ctx context.Context, tr Transport, endpoint int, data []byte, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	n, st, err := tr.TransferOut(wctx, endpoint, data)
	cancel()
	if err = c.mapErr(ctx, err); err != nil {
		return err
	}
	if st != StatusOK {
		return fmt.Errorf("bulk out: %s", st)
	}
	if n != len(data) {
		return fmt.Errorf("bulk out: short write %d/%d", n, len(data))
	}
	return nil
}

func (c *channel) control(ctx context.Context, tr Transport, setup SetupPacket, data []byte, timeout time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	st, err := tr.ControlOut(cctx, setup, data)
	cancel()
	if err = c.mapErr(ctx, err); err != nil {
		return err
	}
	if st != StatusOK {
		return fmt.Errorf("control out 0x%02X: %s", setup.Request, st)
	}
	return nil
}

// bulkOut writes raw data to the device's bulk OUT endpoint.
func (c *channel) bulkOut(ctx context.Context, data []byte, timeout time.Duration) error {
	tr, ep, err := c.dev.handle()
	if err != nil {
		return err
	}
	return c.out(ctx, tr, ep.BulkOut, data, timeout)
}

// controlOut issues a vendor control request to the device.
func (c *channel) controlOut(ctx context.Context, setup SetupPacket, data []byte, timeout time.Duration) error {
	tr, _, err := c.dev.handle()
	if err != nil {
		return err
	}
	return c.control(ctx, tr, setup, data, timeout)
}

// bulkIn reads up to length bytes from the device's bulk IN endpoint.
func (c *channel) bulkIn(ctx context.Context, length int, timeout time.Duration) ([]byte, error) {
	tr, ep, err := c.dev.handle()
	if err != nil {
		return nil, err
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	data, st, err := tr.TransferIn(rctx, ep.BulkIn, length)
	cancel()
	if err = c.mapErr(ctx, err); err != nil {
		return nil, err
	}
	if st != StatusOK {
		return nil, fmt.Errorf("bulk in: %s", st)
	}
	return data, nil
}

// mapErr maps transport errors onto the engine's taxonomy. An expired
// per-transfer deadline is a transport timeout as long as ctx itself is
// still live.
func (c *channel) mapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %w", ErrTransportTimeout, err)
	}
	return transportErr(err)
}
