// Package usb implements rkflash.Transport and rkflash.Enumerator on top of
// libusb through github.com/google/gousb.
package usb

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/gentam/rkflash"
)

// Transport is an opened USB device.
type Transport struct {
	dev *gousb.Device

	mu   sync.Mutex
	cfg  *gousb.Config
	intf *gousb.Interface
	out  map[int]*gousb.OutEndpoint
	in   map[int]*gousb.InEndpoint
}

var _ rkflash.Transport = (*Transport)(nil)

// NewTransport wraps an opened device. Kernel drivers are detached on claim.
func NewTransport(dev *gousb.Device) *Transport {
	dev.SetAutoDetach(true)
	return &Transport{dev: dev}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked()
	return mapErr(t.dev.Close())
}

func (t *Transport) SelectConfiguration(config int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked()
	cfg, err := t.dev.Config(config)
	if err != nil {
		return fmt.Errorf("config %d: %w", config, mapErr(err))
	}
	t.cfg = cfg
	return nil
}

func (t *Transport) ClaimInterface(iface, alt int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg == nil {
		return errors.New("usb: no configuration selected")
	}
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	intf, err := t.cfg.Interface(iface, alt)
	if err != nil {
		return fmt.Errorf("interface %d alt %d: %w", iface, alt, mapErr(err))
	}
	t.intf = intf
	t.out = make(map[int]*gousb.OutEndpoint)
	t.in = make(map[int]*gousb.InEndpoint)
	return nil
}

func (t *Transport) ReleaseInterface(int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	return nil
}

func (t *Transport) releaseLocked() {
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	if t.cfg != nil {
		t.cfg.Close()
		t.cfg = nil
	}
}

func (t *Transport) outEndpoint(n int) (*gousb.OutEndpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.intf == nil {
		return nil, errors.New("usb: no interface claimed")
	}
	if ep, ok := t.out[n]; ok {
		return ep, nil
	}
	ep, err := t.intf.OutEndpoint(n)
	if err != nil {
		return nil, fmt.Errorf("%w: out endpoint %d: %w", rkflash.ErrNotSupported, n, err)
	}
	t.out[n] = ep
	return ep, nil
}

func (t *Transport) inEndpoint(n int) (*gousb.InEndpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.intf == nil {
		return nil, errors.New("usb: no interface claimed")
	}
	if ep, ok := t.in[n]; ok {
		return ep, nil
	}
	ep, err := t.intf.InEndpoint(n)
	if err != nil {
		return nil, fmt.Errorf("%w: in endpoint %d: %w", rkflash.ErrNotSupported, n, err)
	}
	t.in[n] = ep
	return ep, nil
}

func (t *Transport) TransferOut(ctx context.Context, endpoint int, data []byte) (int, rkflash.Status, error) {
	ep, err := t.outEndpoint(endpoint)
	if err != nil {
		return 0, rkflash.StatusOK, err
	}
	n, err := ep.WriteContext(ctx, data)
	st, err := classify(ctx, err)
	return n, st, err
}

func (t *Transport) TransferIn(ctx context.Context, endpoint int, length int) ([]byte, rkflash.Status, error) {
	ep, err := t.inEndpoint(endpoint)
	if err != nil {
		return nil, rkflash.StatusOK, err
	}
	buf := make([]byte, length)
	n, err := ep.ReadContext(ctx, buf)
	st, err := classify(ctx, err)
	return buf[:n], st, err
}

func (t *Transport) ControlOut(ctx context.Context, setup rkflash.SetupPacket, data []byte) (rkflash.Status, error) {
	_, st, err := t.control(ctx, setup, data)
	return st, err
}

func (t *Transport) ControlIn(ctx context.Context, setup rkflash.SetupPacket, length int) ([]byte, rkflash.Status, error) {
	buf := make([]byte, length)
	n, st, err := t.control(ctx, setup, buf)
	return buf[:n], st, err
}

// control issues a synchronous control transfer. gousb has no context
// variant, so the remaining time of ctx becomes the control timeout.
func (t *Transport) control(ctx context.Context, setup rkflash.SetupPacket, data []byte) (int, rkflash.Status, error) {
	if err := ctx.Err(); err != nil {
		return 0, rkflash.StatusOK, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		t.dev.ControlTimeout = max(time.Until(deadline), time.Millisecond)
	}
	n, err := t.dev.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, data)
	st, err := classify(ctx, err)
	return n, st, err
}

// classify splits a libusb error into a transfer status and a transport
// error. Stalls and overflows are statuses, not errors.
func classify(ctx context.Context, err error) (rkflash.Status, error) {
	switch {
	case err == nil:
		return rkflash.StatusOK, nil
	case errors.Is(err, gousb.TransferStall), errors.Is(err, gousb.ErrorPipe):
		return rkflash.StatusStall, nil
	case errors.Is(err, gousb.TransferOverflow), errors.Is(err, gousb.ErrorOverflow):
		return rkflash.StatusBabble, nil
	case errors.Is(err, gousb.TransferCancelled) && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return rkflash.StatusOK, fmt.Errorf("%w: %w", rkflash.ErrTimeout, err)
	}
	return rkflash.StatusOK, mapErr(err)
}

// mapErr maps libusb errors onto the transport sentinels.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.TransferNoDevice):
		return fmt.Errorf("%w: %w", rkflash.ErrDisconnected, err)
	case errors.Is(err, gousb.ErrorTimeout), errors.Is(err, gousb.TransferTimedOut),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", rkflash.ErrTimeout, err)
	case errors.Is(err, gousb.ErrorNotSupported):
		return fmt.Errorf("%w: %w", rkflash.ErrNotSupported, err)
	}
	return err
}

// Describe converts a gousb device descriptor.
func Describe(d *gousb.DeviceDesc) rkflash.Descriptor {
	desc := rkflash.Descriptor{
		VendorID:  uint16(d.Vendor),
		ProductID: uint16(d.Product),
		BCDUSB:    uint16(d.Spec),
		Bus:       d.Bus,
		Address:   d.Address,
	}

	cfgNums := make([]int, 0, len(d.Configs))
	for n := range d.Configs {
		cfgNums = append(cfgNums, n)
	}
	slices.Sort(cfgNums)

	for _, n := range cfgNums {
		c := d.Configs[n]
		cd := rkflash.ConfigDescriptor{Number: c.Number}
		for _, intf := range c.Interfaces {
			id := rkflash.InterfaceDescriptor{Number: intf.Number}
			for _, alt := range intf.AltSettings {
				as := rkflash.AltSetting{Alternate: alt.Alternate}
				for _, ep := range alt.Endpoints {
					as.Endpoints = append(as.Endpoints, rkflash.EndpointDescriptor{
						Address:    uint8(ep.Address),
						Attributes: uint8(ep.TransferType),
					})
				}
				slices.SortFunc(as.Endpoints, func(a, b rkflash.EndpointDescriptor) int {
					return int(a.Address) - int(b.Address)
				})
				id.AltSettings = append(id.AltSettings, as)
			}
			cd.Interfaces = append(cd.Interfaces, id)
		}
		desc.Configs = append(desc.Configs, cd)
	}
	return desc
}
