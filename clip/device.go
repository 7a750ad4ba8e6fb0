package clip

import (
	"errors"
	"fmt"
	"sync/atomic"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"
)

// FTDI product IDs.
const (
	vendorFTDI     = 0x0403
	ProductFT2232H = 0x6010
	ProductFT232H  = 0x6014
)

type Device struct {
	FTDI  *ftdi.FT232H
	Flash *Flash

	cs    gpio.PinIO // ADBUS3 Chip Select
	reset gpio.PinIO // holds the SoC in reset while the clip drives the bus (optional)

	clock physic.Frequency
	port  spi.PortCloser
	conn  spi.Conn
}

// Config selects the adapter and its wiring.
type Config struct {
	ProductID uint16           // ProductFT2232H or ProductFT232H
	Clock     physic.Frequency // SPI clock
	CS        string           // chip select pin, "D3" by default
	Reset     string           // SoC reset pin, empty when not wired
}

var DefaultConfig = Config{
	ProductID: ProductFT2232H,
	Clock:     30 * physic.MegaHertz, // [FTDI-AN_135|3.2.1 Divisors]
	CS:        "D3",
}

var hostInitialized atomic.Bool

// NewDevice finds the FTDI adapter and opens its MPSSE/SPI connection.
func NewDevice(cfg Config) (*Device, error) {
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("host initialization failed: %w", err)
		}
	}
	if cfg.Clock == 0 {
		cfg.Clock = DefaultConfig.Clock
	}
	if cfg.CS == "" {
		cfg.CS = DefaultConfig.CS
	}
	if cfg.ProductID == 0 {
		cfg.ProductID = DefaultConfig.ProductID
	}

	d := &Device{clock: cfg.Clock}
	if err := d.findFTDI(cfg.ProductID); err != nil {
		return nil, err
	}

	// [FTDI-AN_114|3 Hardware] MPSSE SPI on the A bus:
	// ADBUS0 | SCK  -> SOIC-8 pin 6 (CLK)
	// ADBUS1 | MOSI -> SOIC-8 pin 5 (DI)
	// ADBUS2 | MISO -> SOIC-8 pin 2 (DO)
	// ADBUS3 | CS   -> SOIC-8 pin 1 (/CS)
	var err error
	if d.cs, err = d.pin(cfg.CS); err != nil {
		return nil, err
	}
	if cfg.Reset != "" {
		if d.reset, err = d.pin(cfg.Reset); err != nil {
			return nil, err
		}
	}

	if err := d.connectSPI(); err != nil {
		return nil, err
	}

	d.Flash = NewFlash(d.conn, d.cs)
	return d, nil
}

// HoldReset keeps the SoC in reset so that it does not drive the SPI bus.
// It is a no-op without a reset pin.
func (d *Device) HoldReset() error {
	if d.reset == nil {
		return nil
	}
	return d.reset.Out(gpio.Low)
}

// ReleaseReset lets the SoC boot again.
func (d *Device) ReleaseReset() error {
	if d.reset == nil {
		return nil
	}
	return d.reset.Out(gpio.High)
}

// Close releases the SPI port.
func (d *Device) Close() error {
	if d.port == nil {
		return nil
	}
	return d.port.Close()
}

func (d *Device) findFTDI(productID uint16) error {
	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != vendorFTDI || info.DevID != productID {
			continue
		}
		if ft, ok := dev.(*ftdi.FT232H); ok {
			d.FTDI = ft
			return nil
		}
	}

	return fmt.Errorf("FTDI %04x:%04x not found", vendorFTDI, productID)
}

func (d *Device) pin(name string) (gpio.PinIO, error) {
	ft := d.FTDI
	pins := map[string]gpio.PinIO{
		"D3": ft.D3, "D4": ft.D4, "D5": ft.D5, "D6": ft.D6, "D7": ft.D7,
		"C0": ft.C0, "C1": ft.C1, "C2": ft.C2, "C3": ft.C3,
		"C4": ft.C4, "C5": ft.C5, "C6": ft.C6, "C7": ft.C7,
	}
	p, ok := pins[name]
	if !ok {
		return nil, fmt.Errorf("unknown pin %q", name)
	}
	return p, nil
}

func (d *Device) connectSPI() (err error) {
	if d.FTDI == nil {
		return errors.New("FTDI device not found")
	}

	d.port, err = d.FTDI.SPI()
	if err != nil {
		return fmt.Errorf("failed to get SPI port: %w", err)
	}

	// [FTDI-AN_114|1.2]> FTDI device can only support mode 0 and mode 2 due to the limitation of MPSSE engine
	// [W25Q128|6.1.1] mode 0 and mode 3 are supported
	d.conn, err = d.port.Connect(d.clock, spi.Mode0, 8)
	return err
}
