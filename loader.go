package rkflash

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Bootloader component names.
const (
	ComponentIDBLoader = "idbloader" // first stage, brings up DRAM
	ComponentUBoot     = "u-boot"    // second stage
)

// BootloaderComponent is one bootloader blob.
type BootloaderComponent struct {
	Name string
	Data []byte

	// Offset is the absolute byte offset of the component in SPI NOR.
	Offset int64

	// MinSize rejects placeholder blobs. Zero selects the configured minimum
	// of the component's stage.
	MinSize int
}

// AssetProvider supplies the bootloader components of a chip, first stage
// first.
type AssetProvider interface {
	Components(ctx context.Context, chip ChipType) ([]BootloaderComponent, error)
}

// NewComponents returns the first and second stage of chip placed at the
// chip's SPI NOR offsets.
func NewComponents(chip ChipType, first, second []byte) ([]BootloaderComponent, error) {
	layout, ok := LayoutFor(chip)
	if !ok {
		return nil, fmt.Errorf("%w: chip %q", ErrUnknownDevice, chip)
	}
	return []BootloaderComponent{
		{Name: ComponentIDBLoader, Data: first, Offset: layout.IDBLoader},
		{Name: ComponentUBoot, Data: second, Offset: layout.UBoot},
	}, nil
}

// validateComponents rejects missing or undersized components.
func validateComponents(comps []BootloaderComponent, cfg *Config) error {
	if len(comps) == 0 {
		return &InvalidBootloaderError{Component: ComponentIDBLoader, Min: cfg.MinFirstStage}
	}
	for i, comp := range comps {
		limit := comp.MinSize
		if limit == 0 {
			limit = cfg.MinSecondStage
			if i == 0 {
				limit = cfg.MinFirstStage
			}
		}
		if len(comp.Data) < limit || len(comp.Data) == 0 {
			return &InvalidBootloaderError{Component: comp.Name, Size: len(comp.Data), Min: limit}
		}
	}
	return nil
}

// Mask ROM download request [rkdeveloptool|RKUsbComm.cpp RKU_DeviceRequest].
const (
	requestLoaderDownload = 0x0C
	indexFirstStage       = 0x0471
	indexSecondStage      = 0x0472
)

// loaderStrategy is one way of getting a component across.
type loaderStrategy struct {
	name string
	send func(ctx context.Context, c *channel, stage int, data []byte) error
}

// loaderStrategies are tried in order; the first success wins.
var loaderStrategies = []loaderStrategy{
	{"direct", sendDirect},
	{"chunked", sendChunked},
	{"handshake", sendHandshake},
}

func sendDirect(ctx context.Context, c *channel, _ int, data []byte) error {
	return c.bulkOut(ctx, data, c.cfg.StrategyTimeout)
}

func sendChunked(ctx context.Context, c *channel, _ int, data []byte) error {
	size := c.cfg.LoaderChunkSize
	for off := 0; off < len(data); off += size {
		if off > 0 {
			if err := sleep(ctx, c.cfg.LoaderChunkDelay); err != nil {
				return err
			}
		}
		end := min(off+size, len(data))
		if err := c.bulkOut(ctx, data[off:end], c.cfg.WriteTimeout); err != nil {
			return fmt.Errorf("chunk at 0x%X: %w", off, err)
		}
	}
	return nil
}

func sendHandshake(ctx context.Context, c *channel, stage int, data []byte) error {
	setup := SetupPacket{
		RequestType: requestTypeVendor | requestRecipDevice,
		Request:     requestLoaderDownload,
		Index:       indexFirstStage,
	}
	if stage > 0 {
		setup.Index = indexSecondStage
	}
	if err := c.controlOut(ctx, setup, nil, c.cfg.WriteTimeout); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	return c.bulkOut(ctx, data, c.cfg.StrategyTimeout)
}

// transmit sends comp with the first loader strategy that succeeds.
func transmit(ctx context.Context, c *channel, log logger, stage int, comp BootloaderComponent) error {
	var errs []error
	for _, s := range loaderStrategies {
		sctx, cancel := context.WithTimeout(ctx, c.cfg.StrategyTimeout)
		start := time.Now()
		err := s.send(sctx, c, stage, comp.Data)
		cancel()
		if err == nil {
			log.info("component sent", "component", comp.Name, "strategy", s.name,
				"size", len(comp.Data), "elapsed", time.Since(start))
			return nil
		}
		log.warn("strategy failed", "component", comp.Name, "strategy", s.name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		if errors.Is(err, ErrTransportDisconnected) || ctx.Err() != nil {
			break
		}
	}
	return &BootloaderTransferError{Component: comp.Name, Errs: errs}
}

// Share of the loading_bootloader phase spent on each step.
const (
	loaderSendPercent   = 70
	loaderSettlePercent = 25
)

// BringToLoader downloads the bootloader of dev's chip into a mask ROM device
// and waits for it to come up. A device already in loader mode is left
// untouched.
func BringToLoader(ctx context.Context, dev *Device, provider AssetProvider, opts ...Option) error {
	return run(ctx, dev, opts, func(ctx context.Context, op *Operation, c *channel) error {
		return bringToLoader(ctx, op, c, provider)
	})
}

func bringToLoader(ctx context.Context, op *Operation, c *channel, provider AssetProvider) error {
	dev, cfg := c.dev, c.cfg
	log := newLogger(cfg.Logger, ComponentLoader)

	op.enter(PhaseConnecting, "checking boot mode")
	switch m := dev.Mode(); m {
	case ModeLoader, ModeStorageReady:
		op.complete("already in loader mode")
		return nil
	case ModeMaskrom:
	default:
		return &StateError{From: m, To: ModeLoader}
	}

	comps, err := provider.Components(ctx, dev.Chip)
	if err != nil {
		return fmt.Errorf("bootloader for %s: %w", dev.Chip, err)
	}
	if err := validateComponents(comps, cfg); err != nil {
		return err
	}
	// the mask ROM only starts the loader once both stages arrived
	if len(comps) < 2 {
		return &InvalidBootloaderError{Component: ComponentUBoot, Min: cfg.MinSecondStage}
	}

	op.enter(PhaseLoadingBootloader, "downloading bootloader")
	var total, sent int64
	for _, comp := range comps {
		total += int64(len(comp.Data))
	}
	for i, comp := range comps {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.recovering(ctx, func() error {
			return transmit(ctx, c, log, i, comp)
		})
		if err != nil {
			return err
		}
		sent += int64(len(comp.Data))
		op.transferredSpan(sent, total, 0, loaderSendPercent, "sent "+comp.Name)
	}

	if err := settle(ctx, op, cfg, dev.params.tSettle); err != nil {
		return err
	}

	if _, err := c.send(ctx, cmdTestUnitReady()); err != nil {
		if cfg.StrictLoaderVerify {
			return fmt.Errorf("loader verification: %w", err)
		}
		log.warn("loader did not answer, assuming loader mode", "device", dev.String(), "err", err)
	}

	// a device that re-enumerated during the probe is identified as loader
	// already
	if dev.Mode() != ModeLoader {
		if err := dev.transition(ModeLoader); err != nil {
			return err
		}
	}
	op.complete("loader ready")
	return nil
}

// settle waits for DRAM bring-up, reporting progress every tick.
func settle(ctx context.Context, op *Operation, cfg *Config, chipDefault time.Duration) error {
	d := cfg.SettleDelay
	if d == 0 {
		d = chipDefault
	}
	if d <= 0 {
		return nil
	}

	op.update(loaderSendPercent, "waiting for DRAM initialization")
	start := time.Now()
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(cfg.SettleTick)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			op.update(loaderSendPercent+loaderSettlePercent, "DRAM initialized")
			return nil
		case <-tick.C:
			elapsed := time.Since(start)
			pct := loaderSendPercent + int(int64(loaderSettlePercent)*int64(elapsed)/int64(d))
			op.update(min(pct, loaderSendPercent+loaderSettlePercent), "")
		}
	}
}
