package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gentam/rkflash"
	"github.com/gentam/rkflash/assets"
	"github.com/gentam/rkflash/usb"
)

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func fatalUsage(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(2)
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
	rkflash <command> [arguments]

Commands:
	list	 list Rockchip devices in mask ROM or loader mode
	info	 print chip info of a device
	loader	 download the bootloader into a mask ROM device
	probe	 probe the storage attached to a device
	spi	 write the bootloader to SPI NOR
	clear	 erase SPI NOR
	write	 write a disk image to eMMC, SD or SPI NOR
	reboot	 reset a device
	clip	 program SPI NOR through an FTDI clip
	console	 attach to the board's debug UART

Run "rkflash <command> -h" for the arguments of a command.
`)
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
	}

	args := flag.Args()[1:]
	switch cmd := flag.Arg(0); cmd {
	case "list":
		listCommand(args)
	case "info":
		infoCommand(args)
	case "loader":
		loaderCommand(args)
	case "probe":
		probeCommand(args)
	case "spi":
		spiCommand(args)
	case "clear":
		clearCommand(args)
	case "write":
		writeCommand(args)
	case "reboot":
		rebootCommand(args)
	case "clip":
		clipCommand(args)
	case "console":
		consoleCommand(args)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %q\n", cmd)
		usage()
	}
}

// common holds the flags shared by every device command.
type common struct {
	verbose bool
	device  string
	timeout time.Duration
	quiet   bool
}

func (c *common) register(fs *flag.FlagSet) {
	fs.BoolVar(&c.verbose, "v", false, "verbose logging")
	fs.StringVar(&c.device, "d", "", "device as bus:addr (default: the only device)")
	fs.DurationVar(&c.timeout, "timeout", 30*time.Minute, "overall timeout")
	fs.BoolVar(&c.quiet, "q", false, "no progress output")
}

// setup configures logging and returns a context cancelled on interrupt or
// timeout.
func (c *common) setup() (context.Context, context.CancelFunc) {
	if c.verbose {
		rkflash.SetLogLevel(slog.LevelDebug)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func parseBusAddr(s string) (bus, addr int, err error) {
	if s == "" {
		return 0, 0, nil
	}
	b, a, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid device %q, want bus:addr", s)
	}
	if bus, err = strconv.Atoi(b); err != nil {
		return 0, 0, fmt.Errorf("invalid bus %q: %w", b, err)
	}
	if addr, err = strconv.Atoi(a); err != nil {
		return 0, 0, fmt.Errorf("invalid address %q: %w", a, err)
	}
	return bus, addr, nil
}

// openDevice opens the device selected by -d. The returned function closes
// the device and the bus.
func (c *common) openDevice(ctx context.Context) (*rkflash.Device, *usb.Bus, func()) {
	bus, addr, err := parseBusAddr(c.device)
	if err != nil {
		fatalUsage("%v", err)
	}
	b := usb.NewBus(nil)
	dev, err := b.Open(ctx, bus, addr)
	if err != nil {
		b.Close()
		fatalf("%v", err)
	}
	return dev, b, func() {
		dev.Close()
		b.Close()
	}
}

// options returns the engine options shared by every device command.
func (c *common) options(b *usb.Bus, progress rkflash.ProgressFunc) []rkflash.Option {
	opts := []rkflash.Option{rkflash.WithReconnect(b, 0)}
	if !c.quiet && progress != nil {
		opts = append(opts, rkflash.WithProgress(progress))
	}
	return opts
}

// assetFlags selects the bootloader components.
type assetFlags struct {
	dir       string
	idbloader string
	uboot     string
}

func (a *assetFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&a.dir, "dir", "", "bootloader directory containing <chip>/idbloader.img and <chip>/u-boot.itb")
	fs.StringVar(&a.idbloader, "idbloader", "", "first stage loader (idbloader.img)")
	fs.StringVar(&a.uboot, "uboot", "", "second stage loader (u-boot.itb)")
}

func (a *assetFlags) provider() (rkflash.AssetProvider, bool) {
	switch {
	case a.idbloader != "" && a.uboot != "":
		return assets.Files{IDBLoader: a.idbloader, UBoot: a.uboot}, true
	case a.dir != "":
		return assets.Dir{Root: a.dir}, true
	}
	return nil, false
}

// ensureLoader brings a mask ROM device into loader mode.
func ensureLoader(ctx context.Context, dev *rkflash.Device, a *assetFlags, opts []rkflash.Option) error {
	if dev.Mode() != rkflash.ModeMaskrom {
		return nil
	}
	p, ok := a.provider()
	if !ok {
		return fmt.Errorf("%s is in mask ROM mode: -dir or -idbloader/-uboot is required", dev)
	}
	return rkflash.BringToLoader(ctx, dev, p, opts...)
}
