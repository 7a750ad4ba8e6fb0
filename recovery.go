package rkflash

import (
	"context"
	"errors"
	"fmt"
)

// recovering runs fn. When fn fails because the device left the bus, the
// device is marked as failed, found again through the configured Enumerator
// and fn is run once more. A storage target selected before the failure is
// selected again first. If the device cannot be found again the original
// error is returned.
func (c *channel) recovering(ctx context.Context, fn func() error) error {
	kind := c.dev.Storage()
	err := fn()
	if err == nil || !errors.Is(err, ErrTransportDisconnected) {
		return err
	}

	c.dev.fail()
	if c.cfg.Enumerator == nil {
		return err
	}

	log := newLogger(c.cfg.Logger, ComponentRecovery)
	log.warn("device disconnected, waiting for it to come back",
		"chip", c.dev.Chip, "timeout", c.cfg.ReconnectTimeout, "err", err)
	if rerr := reconnect(ctx, c.dev, c.cfg, log); rerr != nil {
		log.error("reconnect failed", "chip", c.dev.Chip, "err", rerr)
		return err
	}
	log.info("reconnected", "device", c.dev.String())

	if kind != StorageNone {
		// without an Enumerator a second drop fails instead of nesting
		cfg := *c.cfg
		cfg.Enumerator = nil
		rc := &channel{dev: c.dev, cfg: &cfg, log: c.log}
		if _, serr := switchStorage(ctx, rc, kind); serr != nil {
			log.error("storage lost across reconnect", "storage", kind, "err", serr)
			return serr
		}
		log.info("storage selected again", "storage", kind)
	}
	return fn()
}

// reconnect closes the stale handle of dev and polls cfg.Enumerator until a
// device of the same chip type shows up, then re-identifies dev with it.
func reconnect(ctx context.Context, dev *Device, cfg *Config, log logger) error {
	dev.mu.Lock()
	prev := dev.desc
	_ = dev.closeLocked()
	dev.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, cfg.ReconnectTimeout)
	defer cancel()

	waiter, _ := cfg.Enumerator.(ChangeWaiter)
	claimer, _ := cfg.Enumerator.(Claimer)
	for {
		raws, err := cfg.Enumerator.Enumerate(ctx)
		if err != nil {
			log.debug("enumerate failed", "err", err)
		}
		if raw, ok := pick(raws, prev, dev.Chip, claimer); ok {
			if err := dev.reidentify(raw, log); err != nil {
				_ = raw.Transport.Close()
				return err
			}
			if claimer != nil {
				claimer.Reclaim(prev, raw.Descriptor)
			}
			return nil
		}

		if waiter != nil {
			wctx, wcancel := context.WithTimeout(ctx, cfg.ReconnectPoll)
			werr := waiter.WaitForChange(wctx)
			wcancel()
			if werr != nil && !errors.Is(werr, context.DeadlineExceeded) {
				log.debug("wait for change failed", "err", werr)
				waiter = nil
			}
		} else if err := sleep(ctx, cfg.ReconnectPoll); err != nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %s did not re-enumerate within %s", ErrOperationTimedOut, dev.Chip, cfg.ReconnectTimeout)
}

// pick returns a device of chip from raws and closes all others. Devices
// claimed by another Device are skipped, and one on the bus dev was last
// seen on is preferred.
func pick(raws []RawDevice, prev Descriptor, chip ChipType, claimer Claimer) (RawDevice, bool) {
	found := -1
	for i, raw := range raws {
		d := raw.Descriptor
		p, err := lookupChip(d.VendorID, d.ProductID)
		if err != nil || p.chip != chip {
			continue
		}
		own := d.Bus == prev.Bus && d.Address == prev.Address
		if claimer != nil && !own && claimer.Claimed(d.Bus, d.Address) {
			continue
		}
		if found < 0 || (d.Bus == prev.Bus && raws[found].Descriptor.Bus != prev.Bus) {
			found = i
		}
	}
	for i, raw := range raws {
		if i != found && raw.Transport != nil {
			_ = raw.Transport.Close()
		}
	}
	if found < 0 {
		return RawDevice{}, false
	}
	return raws[found], true
}
