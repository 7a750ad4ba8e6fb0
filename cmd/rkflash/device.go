package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/gentam/rkflash"
	"github.com/gentam/rkflash/usb"
)

// identifyAll identifies every Rockchip device on b. Devices that cannot be
// identified are reported and skipped.
func identifyAll(ctx context.Context, b *usb.Bus) []*rkflash.Device {
	raws, err := b.Enumerate(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	var devs []*rkflash.Device
	for _, raw := range raws {
		dev, err := rkflash.Identify(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bus %03d addr %03d: %v\n", raw.Descriptor.Bus, raw.Descriptor.Address, err)
			raw.Transport.Close()
			continue
		}
		b.Claim(raw.Descriptor)
		devs = append(devs, dev)
	}
	return devs
}

func listCommand(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	var c common
	c.register(fs)
	fs.Parse(args)

	ctx, cancel := c.setup()
	defer cancel()

	b := usb.NewBus(nil)
	defer b.Close()

	devs := identifyAll(ctx, b)
	if len(devs) == 0 {
		fatalf("%v", usb.ErrNoDevice)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tCHIP\tMODE\tID")
	for _, dev := range devs {
		d := dev.Descriptor()
		fmt.Fprintf(w, "%d:%d\t%s\t%s\t%04x:%04x\n", d.Bus, d.Address, dev.Chip, dev.Mode(), d.VendorID, d.ProductID)
		dev.Close()
	}
	w.Flush()
}

func infoCommand(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	var c common
	c.register(fs)
	fs.Parse(args)

	ctx, cancel := c.setup()
	defer cancel()
	dev, b, done := c.openDevice(ctx)
	defer done()

	ep := dev.Endpoints()
	fmt.Printf("Device:          %s\n", dev)
	fmt.Printf("Chip:            %s\n", dev.Chip)
	fmt.Printf("Mode:            %s\n", dev.Mode())
	fmt.Printf("Endpoints:       config %d interface %d alt %d out %d in %d\n",
		ep.Config, ep.Interface, ep.Alt, ep.BulkOut, ep.BulkIn)
	if ep.Default {
		fmt.Printf("                 (defaults, descriptor had no bulk pair)\n")
	}
	if l, ok := rkflash.LayoutFor(dev.Chip); ok {
		fmt.Printf("SPI layout:      idbloader %#x u-boot %#x\n", l.IDBLoader, l.UBoot)
	}

	info, err := rkflash.ReadChipInfo(ctx, dev, c.options(b, nil)...)
	if err != nil {
		fatalf("read chip info failed: %v", err)
	}
	fmt.Printf("Chip info:       %s\n", info.Tag())
	fmt.Print(hex.Dump(info.Raw))
}

func rebootCommand(args []string) {
	fs := flag.NewFlagSet("reboot", flag.ExitOnError)
	var c common
	c.register(fs)
	fs.Parse(args)

	ctx, cancel := c.setup()
	defer cancel()
	dev, b, done := c.openDevice(ctx)
	defer done()

	if err := rkflash.Reboot(ctx, dev, c.options(b, nil)...); err != nil {
		fatalf("reboot failed: %v", err)
	}
	fmt.Printf("%s: reset\n", dev.Chip)
}
