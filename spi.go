package rkflash

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

// NORProgrammer is a SPI NOR flash that can be armed, erased and programmed.
// The loader-mode USB path and the clip package implement it.
type NORProgrammer interface {
	WriteEnable(ctx context.Context) error
	WriteDisable(ctx context.Context) error
	EraseChip(ctx context.Context) error
	Program(ctx context.Context, addr int64, data []byte) error
}

// NORReader is implemented by programmers that can read the flash back.
// Programmed components are then verified.
type NORReader interface {
	Read(ctx context.Context, addr int64, n int) ([]byte, error)
}

// Share of the writing phase spent on the chip erase.
const erasePercent = 30

// WriteSPIBootloader selects SPI NOR on a loader-mode device and programs
// comps at their offsets.
func WriteSPIBootloader(ctx context.Context, dev *Device, comps []BootloaderComponent, opts ...Option) error {
	return run(ctx, dev, opts, func(ctx context.Context, op *Operation, c *channel) error {
		if err := validateComponents(comps, c.cfg); err != nil {
			return err
		}
		return withWatchdog(ctx, c.cfg.SPIWatchdog, func(ctx context.Context) error {
			op.enter(PhaseConnecting, "selecting SPI NOR")
			if err := selectStorage(ctx, c, StorageSPINOR); err != nil {
				return err
			}
			return programNOR(ctx, op, loaderNOR{c: c}, comps, c.cfg, c.cfg.ChipErase)
		})
	})
}

// ClearSPIFlash erases the whole SPI NOR of a loader-mode device.
func ClearSPIFlash(ctx context.Context, dev *Device, opts ...Option) error {
	return run(ctx, dev, opts, func(ctx context.Context, op *Operation, c *channel) error {
		return withWatchdog(ctx, c.cfg.SPIWatchdog, func(ctx context.Context) error {
			op.enter(PhaseConnecting, "selecting SPI NOR")
			if err := selectStorage(ctx, c, StorageSPINOR); err != nil {
				return err
			}
			return programNOR(ctx, op, loaderNOR{c: c}, nil, c.cfg, true)
		})
	})
}

// ProgramNOR runs the erase and program sequence on any programmer. An empty
// comps with WithChipErase(true) only erases the chip.
func ProgramNOR(ctx context.Context, p NORProgrammer, comps []BootloaderComponent, opts ...Option) error {
	cfg := newConfig(opts)
	op := newOperation(cfg.Progress)
	if len(comps) > 0 {
		if err := validateComponents(comps, &cfg); err != nil {
			op.fail(err)
			return err
		}
	}
	err := withWatchdog(ctx, cfg.SPIWatchdog, func(ctx context.Context) error {
		return programNOR(ctx, op, p, comps, &cfg, cfg.ChipErase)
	})
	if err != nil {
		op.fail(err)
	}
	return err
}

// withWatchdog runs fn with a deadline of d. Failures past the deadline are
// reported as ErrOperationTimedOut.
func withWatchdog(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	wctx, cancel := context.WithTimeoutCause(ctx, d, ErrOperationTimedOut)
	defer cancel()
	err := fn(wctx)
	if err != nil && errors.Is(context.Cause(wctx), ErrOperationTimedOut) && !errors.Is(err, ErrOperationTimedOut) {
		return fmt.Errorf("%w after %s: %w", ErrOperationTimedOut, d, err)
	}
	return err
}

// programNOR arms the flash, optionally erases it, programs comps and
// disarms it. After a failure past the write enable, write disable is sent
// once on a best-effort basis.
func programNOR(ctx context.Context, op *Operation, p NORProgrammer, comps []BootloaderComponent, cfg *Config, erase bool) error {
	log := newLogger(cfg.Logger, ComponentSPI)

	comps = placeComponents(comps, cfg.SPILayout)
	if err := checkOverlap(comps); err != nil {
		return err
	}

	op.enter(PhaseWriting, "enabling write")
	if err := p.WriteEnable(ctx); err != nil {
		return fmt.Errorf("write enable: %w", err)
	}

	if err := eraseAndProgram(ctx, op, p, comps, cfg, erase, log); err != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.WriteTimeout)
		if derr := p.WriteDisable(dctx); derr != nil {
			log.warn("write disable after failure", "err", derr)
		}
		cancel()
		return err
	}

	if err := p.WriteDisable(ctx); err != nil {
		return fmt.Errorf("write disable: %w", err)
	}

	if r, ok := p.(NORReader); ok && len(comps) > 0 {
		if err := verifyNOR(ctx, op, r, comps); err != nil {
			return err
		}
	}

	op.complete("SPI NOR written")
	return nil
}

func eraseAndProgram(ctx context.Context, op *Operation, p NORProgrammer, comps []BootloaderComponent, cfg *Config, erase bool, log logger) error {
	progFrom := 0
	if erase {
		if err := eraseChip(ctx, op, p, cfg); err != nil {
			return err
		}
		log.info("chip erased")
		progFrom = erasePercent
	}
	if len(comps) == 0 {
		return nil
	}

	var total, written int64
	for _, comp := range comps {
		total += int64(len(comp.Data))
	}
	for _, comp := range comps {
		log.info("programming", "component", comp.Name, "offset", fmt.Sprintf("0x%X", comp.Offset), "size", len(comp.Data))
		for off := 0; off < len(comp.Data); off += cfg.SPIChunkSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min(off+cfg.SPIChunkSize, len(comp.Data))
			addr := comp.Offset + int64(off)
			if err := p.Program(ctx, addr, comp.Data[off:end]); err != nil {
				return &ChunkError{Offset: addr, Err: fmt.Errorf("%s: %w", comp.Name, err)}
			}
			written += int64(end - off)
			op.transferredSpan(written, total, progFrom, 100, comp.Name)
		}
	}
	return nil
}

// eraseChip runs the erase in its own goroutine and reports a heartbeat
// until it returns.
func eraseChip(ctx context.Context, op *Operation, p NORProgrammer, cfg *Config) error {
	op.update(0, "erasing chip")

	done := make(chan error, 1)
	go func() { done <- p.EraseChip(ctx) }()

	start := time.Now()
	tick := time.NewTicker(cfg.EraseHeartbeat)
	defer tick.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("chip erase: %w", err)
			}
			op.update(erasePercent, "chip erased")
			return nil
		case <-tick.C:
			elapsed := time.Since(start)
			// no real progress from the hardware; approach erasePercent-1
			// over the erase timeout
			pct := int(int64(erasePercent-1) * int64(elapsed) / int64(cfg.EraseTimeout))
			op.update(min(pct, erasePercent-1), fmt.Sprintf("erasing chip (%s)", elapsed.Truncate(time.Second)))
		}
	}
}

func verifyNOR(ctx context.Context, op *Operation, r NORReader, comps []BootloaderComponent) error {
	op.enter(PhaseVerifying, "verifying")
	var total, done int64
	for _, comp := range comps {
		total += int64(len(comp.Data))
	}
	for _, comp := range comps {
		got, err := r.Read(ctx, comp.Offset, len(comp.Data))
		if err != nil {
			return fmt.Errorf("read back %s: %w", comp.Name, err)
		}
		if !bytes.Equal(got, comp.Data) {
			i := 0
			for i < min(len(got), len(comp.Data)) && got[i] == comp.Data[i] {
				i++
			}
			return fmt.Errorf("verify %s: mismatch at 0x%X", comp.Name, comp.Offset+int64(i))
		}
		done += int64(len(comp.Data))
		op.transferred(done, total, comp.Name)
	}
	return nil
}

// placeComponents applies a layout override to the first two components.
func placeComponents(comps []BootloaderComponent, layout *SPILayout) []BootloaderComponent {
	if layout == nil || len(comps) == 0 {
		return comps
	}
	out := slices.Clone(comps)
	out[0].Offset = layout.IDBLoader
	if len(out) > 1 {
		out[1].Offset = layout.UBoot
	}
	return out
}

func checkOverlap(comps []BootloaderComponent) error {
	sorted := slices.Clone(comps)
	slices.SortFunc(sorted, func(a, b BootloaderComponent) int {
		return cmp.Compare(a.Offset, b.Offset)
	})
	for i, comp := range sorted {
		if comp.Offset < 0 || comp.Offset+int64(len(comp.Data)) > math.MaxUint32 {
			return fmt.Errorf("component %s at 0x%X out of range", comp.Name, comp.Offset)
		}
		if i > 0 {
			prev := sorted[i-1]
			if prev.Offset+int64(len(prev.Data)) > comp.Offset {
				return fmt.Errorf("component %s (0x%X+0x%X) overlaps %s at 0x%X",
					prev.Name, prev.Offset, len(prev.Data), comp.Name, comp.Offset)
			}
		}
	}
	return nil
}

// loaderNOR programs SPI NOR through the loader's SPI commands.
type loaderNOR struct {
	c *channel
}

type writeEnableVariant struct {
	name string
	fn   func(ctx context.Context, c *channel) error
}

// writeEnableVariants are tried in order; loader builds differ in the
// encoding they accept.
var writeEnableVariants = []writeEnableVariant{
	{"short", func(ctx context.Context, c *channel) error {
		_, err := c.send(ctx, cmdSPIControl(spiWriteEnable, false, RequireOK))
		return err
	}},
	{"long", func(ctx context.Context, c *channel) error {
		_, err := c.send(ctx, cmdSPIControl(spiWriteEnable, true, RequireOK))
		return err
	}},
	{"control", func(ctx context.Context, c *channel) error {
		setup := SetupPacket{
			RequestType: requestTypeVendor | requestRecipDevice,
			Request:     spiWriteEnable,
		}
		return c.recovering(ctx, func() error {
			return c.controlOut(ctx, setup, nil, c.cfg.WriteTimeout)
		})
	}},
}

func (n loaderNOR) WriteEnable(ctx context.Context) error {
	log := newLogger(n.c.cfg.Logger, ComponentSPI)
	var errs []error
	for _, v := range writeEnableVariants {
		err := v.fn(ctx, n.c)
		if err == nil {
			log.debug("write enabled", "variant", v.name)
			return nil
		}
		log.debug("write enable variant failed", "variant", v.name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", v.name, err))
		if !retryable(err) || ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

// WriteDisable is sent once; it is also the best-effort cleanup after a
// failure.
func (n loaderNOR) WriteDisable(ctx context.Context) error {
	_, err := n.c.sendOnce(ctx, cmdSPIControl(spiWriteDisable, false, TolerateStall))
	return err
}

func (n loaderNOR) EraseChip(ctx context.Context) error {
	cmd := cmdSPIControl(spiChipErase, false, RequireOK)
	cmd.Timeout = n.c.cfg.EraseTimeout
	_, err := n.c.sendOnce(ctx, cmd)
	return err
}

func (n loaderNOR) Program(ctx context.Context, addr int64, data []byte) error {
	if addr < 0 || addr > math.MaxUint32 {
		return fmt.Errorf("address 0x%X out of 32-bit range", addr)
	}
	if len(data) > math.MaxUint16 {
		return fmt.Errorf("%d bytes do not fit one WriteSPIFlash command", len(data))
	}
	_, err := n.c.send(ctx, cmdWriteSPI(uint32(addr), data, n.c.cfg.SPIAckTimeout))
	return err
}
