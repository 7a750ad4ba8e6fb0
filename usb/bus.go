package usb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/gousb"
	"github.com/rjeczalik/notify"

	"github.com/gentam/rkflash"
)

// devfsRoot is where the kernel creates one node per USB device.
const devfsRoot = "/dev/bus/usb"

// Bus enumerates Rockchip devices and waits for hot-plug events. It
// implements rkflash.Enumerator, rkflash.ChangeWaiter and rkflash.Claimer,
// so one Bus can be shared by the Devices of a multi-device run.
type Bus struct {
	ctx    *gousb.Context
	filter func(vendorID, productID uint16) bool
	log    *slog.Logger
	claims claimSet

	once     sync.Once
	events   chan notify.EventInfo
	watchErr error
}

var (
	_ rkflash.Enumerator   = (*Bus)(nil)
	_ rkflash.ChangeWaiter = (*Bus)(nil)
	_ rkflash.Claimer      = (*Bus)(nil)
)

// NewBus opens a libusb context. Close it when done.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		ctx:    gousb.NewContext(),
		filter: rkflash.IsRockchip,
		log:    log.With("component", "usb"),
	}
}

// Enumerate opens every supported device on the bus. A device that cannot
// be opened is skipped; an error is only returned when nothing was opened.
func (b *Bus) Enumerate(ctx context.Context) ([]rkflash.RawDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return b.filter(uint16(desc.Vendor), uint16(desc.Product))
	})
	if err != nil {
		b.log.Debug("open devices", "opened", len(devs), "err", err)
		if len(devs) == 0 {
			return nil, fmt.Errorf("usb: open devices: %w", mapErr(err))
		}
	}

	raws := make([]rkflash.RawDevice, 0, len(devs))
	for _, dev := range devs {
		raws = append(raws, rkflash.RawDevice{
			Descriptor: Describe(dev.Desc),
			Transport:  NewTransport(dev),
		})
	}
	return raws, nil
}

// WaitForChange blocks until a device node is created or removed under
// /dev/bus/usb, or ctx is done. Systems without that tree return an error
// and callers fall back to polling.
func (b *Bus) WaitForChange(ctx context.Context) error {
	b.once.Do(b.watch)
	if b.watchErr != nil {
		return b.watchErr
	}
	select {
	case ev := <-b.events:
		b.log.Debug("usb change", "event", ev.Event(), "path", ev.Path())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) watch() {
	b.events = make(chan notify.EventInfo, 16)
	err := notify.Watch(devfsRoot+"/...", b.events, notify.Create, notify.Remove)
	if err != nil {
		b.watchErr = fmt.Errorf("usb: watch %s: %w", devfsRoot, err)
		b.log.Debug("hot-plug watch unavailable", "err", err)
	}
}

// Close stops the hot-plug watch and closes the libusb context.
func (b *Bus) Close() error {
	if b.events != nil && b.watchErr == nil {
		notify.Stop(b.events)
	}
	return b.ctx.Close()
}

// Open enumerates the bus and identifies the single supported device on it,
// or the one at bus:addr when addr is non-zero.
func (b *Bus) Open(ctx context.Context, bus, addr int, opts ...rkflash.Option) (*rkflash.Device, error) {
	raws, err := b.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	var (
		match []rkflash.RawDevice
		rest  []rkflash.RawDevice
	)
	for _, raw := range raws {
		if addr == 0 || (raw.Descriptor.Bus == bus && raw.Descriptor.Address == addr) {
			match = append(match, raw)
		} else {
			rest = append(rest, raw)
		}
	}
	closeAll := func(raws []rkflash.RawDevice) {
		for _, raw := range raws {
			_ = raw.Transport.Close()
		}
	}
	closeAll(rest)

	switch {
	case len(match) == 0:
		return nil, ErrNoDevice
	case len(match) > 1:
		closeAll(match)
		return nil, fmt.Errorf("%w: %d devices found, select one with bus:addr", ErrAmbiguous, len(match))
	}
	dev, err := rkflash.Identify(match[0], opts...)
	if err != nil {
		closeAll(match)
		return nil, err
	}
	b.Claim(match[0].Descriptor)
	return dev, nil
}

// Claim marks the device at desc as owned by a live rkflash.Device.
// Reconnecting Devices sharing b never pick it.
func (b *Bus) Claim(desc rkflash.Descriptor) { b.claims.add(desc.Bus, desc.Address) }

// Claimed reports whether a Device owns bus:addr.
func (b *Bus) Claimed(bus, addr int) bool { return b.claims.has(bus, addr) }

// Reclaim moves a claim after a device re-enumerated at a new address.
func (b *Bus) Reclaim(from, to rkflash.Descriptor) {
	b.claims.move(from.Bus, from.Address, to.Bus, to.Address)
}

type busAddr struct{ bus, addr int }

type claimSet struct {
	mu  sync.Mutex
	set map[busAddr]bool
}

func (s *claimSet) add(bus, addr int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set == nil {
		s.set = make(map[busAddr]bool)
	}
	s.set[busAddr{bus, addr}] = true
}

func (s *claimSet) has(bus, addr int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set[busAddr{bus, addr}]
}

func (s *claimSet) move(fromBus, fromAddr, toBus, toAddr int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set == nil {
		s.set = make(map[busAddr]bool)
	}
	delete(s.set, busAddr{fromBus, fromAddr})
	s.set[busAddr{toBus, toAddr}] = true
}

var (
	ErrNoDevice  = errors.New("usb: no Rockchip device found")
	ErrAmbiguous = errors.New("usb: more than one Rockchip device")
)
