package rkflash

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// StorageTarget is the probe result of one storage target.
type StorageTarget struct {
	Kind        StorageKind
	Code        byte
	Available   bool
	Sectors     uint32
	Capacity    string
	Recommended bool

	// Err is why the target is unavailable.
	Err error
}

// StorageReport is the result of one probing pass.
type StorageReport struct {
	Targets []StorageTarget // in priority order

	// Recommended is the first available target, StorageNone if there is
	// none.
	Recommended StorageKind
}

// Target returns the probe result of kind.
func (r *StorageReport) Target(kind StorageKind) (StorageTarget, bool) {
	for _, t := range r.Targets {
		if t.Kind == kind {
			return t, true
		}
	}
	return StorageTarget{}, false
}

// Available returns the available targets in priority order.
func (r *StorageReport) Available() []StorageKind {
	var kinds []StorageKind
	for _, t := range r.Targets {
		if t.Available {
			kinds = append(kinds, t.Kind)
		}
	}
	return kinds
}

// ProbeStorage switches to every storage target in turn and reads its flash
// info. A target that fails is reported unavailable and probing moves on;
// an empty recommendation is not an error.
//
// The device is left with the last available target selected.
func ProbeStorage(ctx context.Context, dev *Device, opts ...Option) (*StorageReport, error) {
	var report *StorageReport
	err := run(ctx, dev, opts, func(ctx context.Context, op *Operation, c *channel) error {
		var err error
		report, err = probeStorage(ctx, op, c)
		return err
	})
	return report, err
}

func probeStorage(ctx context.Context, op *Operation, c *channel) (*StorageReport, error) {
	log := newLogger(c.cfg.Logger, ComponentStorage)

	op.enter(PhaseDetecting, "probing storage")
	if err := requireLoader(c.dev); err != nil {
		return nil, err
	}

	report := &StorageReport{}
	for i, kind := range storagePriority {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t := probeTarget(ctx, c, kind)
		if errors.Is(t.Err, ErrTransportDisconnected) {
			return nil, t.Err
		}
		if t.Available {
			log.info("storage available", "storage", kind, "capacity", t.Capacity)
			if report.Recommended == StorageNone {
				report.Recommended = kind
				t.Recommended = true
			}
		} else {
			log.info("storage unavailable", "storage", kind, "err", t.Err)
		}
		report.Targets = append(report.Targets, t)
		op.update((i+1)*100/len(storagePriority), fmt.Sprintf("%s: %s", kind, availability(t)))
	}

	if report.Recommended == StorageNone {
		log.warn("no storage available", "device", c.dev.String())
		op.complete("no storage available")
	} else {
		op.complete(fmt.Sprintf("recommended storage: %s", report.Recommended))
	}
	return report, nil
}

func availability(t StorageTarget) string {
	if t.Available {
		return t.Capacity
	}
	return "unavailable"
}

// probeTarget switches to kind and reads its flash info, each step in its
// own bounded retry.
func probeTarget(ctx context.Context, c *channel, kind StorageKind) StorageTarget {
	t := StorageTarget{Kind: kind, Code: byte(kind)}
	sectors, err := switchStorage(ctx, c, kind)
	if err != nil {
		t.Err = err
		return t
	}
	t.Available = true
	t.Sectors = sectors
	t.Capacity = formatCapacity(int64(sectors) * SectorSize)
	return t
}

// switchStorage selects kind and confirms it with a flash info read. On
// success the device is StorageReady(kind); on failure the selection is
// dropped.
func switchStorage(ctx context.Context, c *channel, kind StorageKind) (uint32, error) {
	cfg := c.cfg

	err := retry(ctx, cfg.ProbeAttempts, cfg.ProbeDelay, func(int) error {
		_, err := c.sendOnce(ctx, cmdChangeStorage(kind))
		return err
	})
	if err != nil {
		c.dev.loseStorage()
		return 0, &StorageUnavailableError{Kind: kind, Err: fmt.Errorf("switch: %w", err)}
	}

	var sectors uint32
	err = retry(ctx, cfg.ProbeAttempts, cfg.ProbeDelay, func(int) error {
		info, err := c.sendOnce(ctx, cmdReadFlashInfo())
		if err != nil {
			return err
		}
		if len(info) < 4 {
			return fmt.Errorf("short flash info: %d bytes", len(info))
		}
		sectors = binary.LittleEndian.Uint32(info[0:4])
		return nil
	})
	if err != nil {
		c.dev.loseStorage()
		return 0, &StorageUnavailableError{Kind: kind, Err: fmt.Errorf("flash info: %w", err)}
	}

	if err := c.dev.selectStorage(kind); err != nil {
		return 0, err
	}
	return sectors, nil
}

// SelectStorage switches dev to kind, confirming it with a flash info read.
func SelectStorage(ctx context.Context, dev *Device, kind StorageKind, opts ...Option) error {
	return run(ctx, dev, opts, func(ctx context.Context, op *Operation, c *channel) error {
		op.enter(PhaseConnecting, fmt.Sprintf("selecting %s", kind))
		if err := selectStorage(ctx, c, kind); err != nil {
			return err
		}
		op.complete(fmt.Sprintf("%s selected", kind))
		return nil
	})
}

func selectStorage(ctx context.Context, c *channel, kind StorageKind) error {
	if err := requireLoader(c.dev); err != nil {
		return err
	}
	sectors, err := switchStorage(ctx, c, kind)
	if err != nil {
		return err
	}
	newLogger(c.cfg.Logger, ComponentStorage).info("storage selected",
		"storage", kind, "capacity", formatCapacity(int64(sectors)*SectorSize))
	return nil
}

func requireLoader(dev *Device) error {
	switch m := dev.Mode(); m {
	case ModeLoader, ModeStorageReady:
		return nil
	default:
		return &StateError{From: m, To: ModeStorageReady}
	}
}

// formatCapacity renders n bytes with a binary unit, e.g. "14.6 GiB".
func formatCapacity(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
