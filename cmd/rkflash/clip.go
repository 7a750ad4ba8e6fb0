package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"periph.io/x/host/v3/ftdi"

	"github.com/gentam/rkflash"
	"github.com/gentam/rkflash/assets"
	"github.com/gentam/rkflash/clip"
)

func clipUsage() {
	fmt.Fprintf(os.Stderr, `Usage:
	rkflash clip <command> [arguments]

Commands:
	info	 print the adapter, wiring and flash
	id	 print the flash JEDEC ID
	status	 print the flash status register
	read	 read flash memory
	write	 write the bootloader or a raw file
	erase	 erase the whole flash
`)
	os.Exit(2)
}

type clipFlags struct {
	ft232h bool
	cs     string
	reset  string
}

func (f *clipFlags) register(fs *flag.FlagSet) {
	fs.BoolVar(&f.ft232h, "ft232h", false, "adapter is an FT232H (default: FT2232H)")
	fs.StringVar(&f.cs, "cs", clip.DefaultConfig.CS, "chip select pin")
	fs.StringVar(&f.reset, "reset", "", "SoC reset pin held low while programming")
}

// open opens the adapter, holds the SoC in reset and powers the flash up. The
// returned function undoes all of it.
func (f *clipFlags) open() (*clip.Device, func()) {
	cfg := clip.DefaultConfig
	if f.ft232h {
		cfg.ProductID = clip.ProductFT232H
	}
	cfg.CS = f.cs
	cfg.Reset = f.reset

	d, err := clip.NewDevice(cfg)
	if err != nil {
		fatalf("%v", err)
	}
	if err := d.HoldReset(); err != nil {
		fatalf("hold reset failed: %v", err)
	}
	if err := d.Flash.PowerUp(); err != nil {
		fatalf("flash power up failed: %v", err)
	}
	return d, func() {
		d.Flash.PowerDown()
		d.ReleaseReset()
		d.Close()
	}
}

func clipCommand(args []string) {
	if len(args) == 0 {
		clipUsage()
	}
	switch cmd := args[0]; cmd {
	case "info":
		clipInfoCommand(args[1:])
	case "id":
		clipIDCommand(args[1:])
	case "status":
		clipStatusCommand(args[1:])
	case "read":
		clipReadCommand(args[1:])
	case "write":
		clipWriteCommand(args[1:])
	case "erase":
		clipEraseCommand(args[1:])
	case "help":
		clipUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown clip command: %q\n", cmd)
		clipUsage()
	}
}

// clipInfoCommand reports the adapter and its wiring along with the flash
// seen through it.
func clipInfoCommand(args []string) {
	fs := flag.NewFlagSet("clip info", flag.ExitOnError)
	var f clipFlags
	f.register(fs)
	fs.Parse(args)

	d, done := f.open()
	defer done()

	i := ftdi.Info{}
	d.FTDI.Info(&i)
	ee := ftdi.EEPROM{}
	if err := d.FTDI.EEPROM(&ee); err != nil {
		fatalf("failed to read EEPROM: %v", err)
	}
	fmt.Printf("adapter\t%s %04x:%04x serial %q\n", i.Type, i.VenID, i.DevID, ee.Serial)

	reset := f.reset
	if reset == "" {
		reset = "not wired"
	}
	fmt.Printf("wiring\tCS %s, SoC reset %s, SPI clock %s\n", f.cs, reset, clip.DefaultConfig.Clock)

	id, name, err := d.Flash.ReadID()
	if err != nil {
		fatalf("read flash ID failed: %v", err)
	}
	if name == "" {
		name = "unknown, check the clip seating"
	}
	fmt.Printf("flash\t%X %s, %d bytes\n", id, name, d.Flash.Size())
}

func clipIDCommand(args []string) {
	fs := flag.NewFlagSet("clip id", flag.ExitOnError)
	var f clipFlags
	f.register(fs)
	fs.Parse(args)

	d, done := f.open()
	defer done()

	id, name, err := d.Flash.ReadID()
	if err != nil {
		fatalf("read flash ID failed: %v", err)
	}
	if name == "" {
		name = "unknown"
	}
	fmt.Printf("%X\t%s\t%d bytes\n", id, name, d.Flash.Size())
}

func clipStatusCommand(args []string) {
	fs := flag.NewFlagSet("clip status", flag.ExitOnError)
	var f clipFlags
	f.register(fs)
	fs.Parse(args)

	d, done := f.open()
	defer done()

	sr, err := d.Flash.ReadStatusRegister()
	if err != nil {
		fatalf("read flash status register failed: %v", err)
	}
	fmt.Println(sr)
}

func clipReadCommand(args []string) {
	fs := flag.NewFlagSet("clip read", flag.ExitOnError)
	var (
		f       clipFlags
		c       common
		addr    int64
		nread   int
		outFile string
	)
	f.register(fs)
	c.register(fs)
	fs.Int64Var(&addr, "a", 0, "start address")
	fs.IntVar(&nread, "n", 256, "number of bytes to read, 0 for the whole flash")
	fs.StringVar(&outFile, "o", "", "output file (default: hexdump)")
	fs.Parse(args)

	ctx, cancel := c.setup()
	defer cancel()
	d, done := f.open()
	defer done()

	if _, _, err := d.Flash.ReadID(); err != nil {
		fatalf("read flash ID failed: %v", err)
	}
	if nread == 0 {
		if d.Flash.Size() == 0 {
			fatalf("flash size unknown, pass -n")
		}
		nread = d.Flash.Size() - int(addr)
	}
	if nread <= 0 {
		fatalf("nothing to read at 0x%X", addr)
	}
	data, err := d.Flash.Read(ctx, addr, nread)
	if err != nil {
		fatalf("read flash failed: %v", err)
	}
	if outFile == "" {
		fmt.Println(hex.Dump(data))
		return
	}
	if err := os.WriteFile(outFile, data, 0644); err != nil {
		fatalf("write file failed: %v", err)
	}
}

func clipWriteCommand(args []string) {
	fs := flag.NewFlagSet("clip write", flag.ExitOnError)
	var (
		f       clipFlags
		c       common
		a       assetFlags
		chip    string
		raw     string
		addr    int64
		noErase bool
	)
	f.register(fs)
	c.register(fs)
	a.register(fs)
	fs.StringVar(&chip, "chip", "", "chip type for the bootloader layout, e.g. rk3588")
	fs.StringVar(&raw, "f", "", "raw file written at -a instead of the bootloader")
	fs.Int64Var(&addr, "a", 0, "address of the raw file")
	fs.BoolVar(&noErase, "no-erase", false, "skip the full chip erase")
	fs.Parse(args)

	ctx, cancel := c.setup()
	defer cancel()

	var comps []rkflash.BootloaderComponent
	opts := []rkflash.Option{rkflash.WithChipErase(!noErase)}
	switch {
	case raw != "":
		data, err := assets.LoadImage(raw)
		if err != nil {
			fatalf("%v", err)
		}
		comps = []rkflash.BootloaderComponent{{Name: raw, Data: data, Offset: addr, MinSize: 1}}
	default:
		p, ok := a.provider()
		if !ok || chip == "" {
			fatalUsage("-f, or -chip with -dir or -idbloader and -uboot is required")
		}
		var err error
		if comps, err = p.Components(ctx, rkflash.ChipType(strings.ToUpper(chip))); err != nil {
			fatalf("%v", err)
		}
	}

	d, done := f.open()
	defer done()

	id, name, err := d.Flash.ReadID()
	if err != nil {
		fatalf("read flash ID failed: %v", err)
	}
	if name == "" {
		fmt.Fprintf(os.Stderr, "unknown flash ID (%X), using conservative timings\n", id)
	}

	if !c.quiet {
		opts = append(opts, rkflash.WithProgress(newRenderer("").handle))
	}
	if err := rkflash.ProgramNOR(ctx, d.Flash, comps, opts...); err != nil {
		fatalf("write flash failed (%s): %v", rkflash.Kind(err), err)
	}
}

func clipEraseCommand(args []string) {
	fs := flag.NewFlagSet("clip erase", flag.ExitOnError)
	var (
		f clipFlags
		c common
	)
	f.register(fs)
	c.register(fs)
	fs.Parse(args)

	ctx, cancel := c.setup()
	defer cancel()
	d, done := f.open()
	defer done()

	if _, _, err := d.Flash.ReadID(); err != nil {
		fatalf("read flash ID failed: %v", err)
	}
	opts := []rkflash.Option{rkflash.WithChipErase(true)}
	if !c.quiet {
		opts = append(opts, rkflash.WithProgress(newRenderer("").handle))
	}
	if err := rkflash.ProgramNOR(ctx, d.Flash, nil, opts...); err != nil {
		fatalf("erase flash failed (%s): %v", rkflash.Kind(err), err)
	}
}
