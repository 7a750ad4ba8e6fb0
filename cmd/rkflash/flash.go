package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gentam/rkflash"
	"github.com/gentam/rkflash/assets"
	"github.com/gentam/rkflash/usb"
)

// session is one device command with its progress display.
type session struct {
	ctx   context.Context
	dev   *rkflash.Device
	opts  []rkflash.Option
	close func()
}

// open selects the device and wires a broadcaster between the engine and the
// progress renderer.
func (c *common) open(extra ...rkflash.Option) *session {
	ctx, cancel := c.setup()
	dev, b, done := c.openDevice(ctx)

	bc := rkflash.NewBroadcaster()
	stop := func() {}
	if !c.quiet {
		stop = newRenderer("").follow(bc)
	}
	opts := append(c.options(b, bc.Publish), extra...)
	return &session{
		ctx:  ctx,
		dev:  dev,
		opts: opts,
		close: func() {
			bc.Close()
			stop()
			done()
			cancel()
		},
	}
}

func loaderCommand(args []string) {
	fs := flag.NewFlagSet("loader", flag.ExitOnError)
	var (
		c      common
		a      assetFlags
		strict bool
		settle time.Duration
	)
	c.register(fs)
	a.register(fs)
	fs.BoolVar(&strict, "strict", false, "fail when the loader does not answer after download")
	fs.DurationVar(&settle, "settle", 0, "DRAM bring-up wait (default: chip specific, negative: none)")
	fs.Parse(args)

	p, ok := a.provider()
	if !ok {
		fatalUsage("-dir or -idbloader and -uboot are required")
	}

	s := c.open(rkflash.WithStrictLoaderVerify(strict), rkflash.WithSettleDelay(settle, 0))
	defer s.close()

	if err := rkflash.BringToLoader(s.ctx, s.dev, p, s.opts...); err != nil {
		fatalf("loader download failed (%s): %v", rkflash.Kind(err), err)
	}
	fmt.Printf("%s: %s\n", s.dev.Chip, s.dev.Mode())
}

func probeCommand(args []string) {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	var (
		c common
		a assetFlags
	)
	c.register(fs)
	a.register(fs)
	fs.Parse(args)

	s := c.open()
	defer s.close()

	if err := ensureLoader(s.ctx, s.dev, &a, s.opts); err != nil {
		fatalf("%v", err)
	}
	report, err := rkflash.ProbeStorage(s.ctx, s.dev, s.opts...)
	if err != nil {
		fatalf("probe failed (%s): %v", rkflash.Kind(err), err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "STORAGE\tCODE\tSTATUS\tCAPACITY")
	for _, t := range report.Targets {
		status := "unavailable"
		switch {
		case t.Recommended:
			status = "recommended"
		case t.Available:
			status = "available"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", t.Kind, t.Code, status, t.Capacity)
	}
	w.Flush()
	if report.Recommended == rkflash.StorageNone {
		os.Exit(1)
	}
}

func spiCommand(args []string) {
	fs := flag.NewFlagSet("spi", flag.ExitOnError)
	var (
		c       common
		a       assetFlags
		noErase bool
	)
	c.register(fs)
	a.register(fs)
	fs.BoolVar(&noErase, "no-erase", false, "skip the full chip erase")
	fs.Parse(args)

	p, ok := a.provider()
	if !ok {
		fatalUsage("-dir or -idbloader and -uboot are required")
	}

	s := c.open(rkflash.WithChipErase(!noErase))
	defer s.close()

	comps, err := p.Components(s.ctx, s.dev.Chip)
	if err != nil {
		fatalf("%v", err)
	}
	if err := ensureLoader(s.ctx, s.dev, &a, s.opts); err != nil {
		fatalf("%v", err)
	}
	if err := rkflash.WriteSPIBootloader(s.ctx, s.dev, comps, s.opts...); err != nil {
		fatalf("SPI write failed (%s): %v", rkflash.Kind(err), err)
	}
}

func clearCommand(args []string) {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	var (
		c common
		a assetFlags
	)
	c.register(fs)
	a.register(fs)
	fs.Parse(args)

	s := c.open()
	defer s.close()

	if err := ensureLoader(s.ctx, s.dev, &a, s.opts); err != nil {
		fatalf("%v", err)
	}
	if err := rkflash.ClearSPIFlash(s.ctx, s.dev, s.opts...); err != nil {
		fatalf("SPI erase failed (%s): %v", rkflash.Kind(err), err)
	}
}

func writeCommand(args []string) {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	var (
		c       common
		a       assetFlags
		image   string
		storage string
		all     bool
	)
	c.register(fs)
	a.register(fs)
	fs.StringVar(&image, "i", "", "disk image, raw or xz compressed")
	fs.StringVar(&storage, "storage", "", "target storage: emmc, sd or spinor (default: recommended)")
	fs.BoolVar(&all, "all", false, "write every attached device in parallel")
	fs.Parse(args)

	if image == "" {
		fatalUsage("-i is required")
	}
	kind := rkflash.StorageNone
	if storage != "" {
		var err error
		if kind, err = rkflash.ParseStorageKind(storage); err != nil {
			fatalUsage("%v", err)
		}
	}
	data, err := assets.LoadImage(image)
	if err != nil {
		fatalf("%v", err)
	}

	if all {
		writeAll(&c, &a, kind, data)
		return
	}

	s := c.open()
	defer s.close()
	if err := writeDevice(s.ctx, s.dev, &a, kind, data, s.opts); err != nil {
		fatalf("write failed (%s): %v", rkflash.Kind(err), err)
	}
}

// writeDevice brings dev into loader mode if needed, picks the storage and
// writes data.
func writeDevice(ctx context.Context, dev *rkflash.Device, a *assetFlags, kind rkflash.StorageKind, data []byte, opts []rkflash.Option) error {
	if err := ensureLoader(ctx, dev, a, opts); err != nil {
		return err
	}
	if kind == rkflash.StorageNone {
		report, err := rkflash.ProbeStorage(ctx, dev, opts...)
		if err != nil {
			return err
		}
		if report.Recommended == rkflash.StorageNone {
			return fmt.Errorf("%s: no storage available", dev)
		}
		kind = report.Recommended
	}
	return rkflash.WriteImage(ctx, dev, kind, data, opts...)
}

func writeAll(c *common, a *assetFlags, kind rkflash.StorageKind, data []byte) {
	ctx, cancel := c.setup()
	defer cancel()

	b := usb.NewBus(nil)
	defer b.Close()

	devs := identifyAll(ctx, b)
	if len(devs) == 0 {
		fatalf("%v", usb.ErrNoDevice)
	}

	g := new(errgroup.Group)
	for _, dev := range devs {
		d := dev.Descriptor()
		prefix := fmt.Sprintf("%d:%d ", d.Bus, d.Address)
		var progress rkflash.ProgressFunc
		if !c.quiet {
			r := newRenderer(prefix)
			r.tty = false // one line per event, devices interleave
			progress = r.handle
		}
		opts := c.options(b, progress)
		g.Go(func() error {
			defer dev.Close()
			if err := writeDevice(ctx, dev, a, kind, data, opts); err != nil {
				return fmt.Errorf("%s%w", prefix, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fatalf("write failed: %v", err)
	}
}
