package rkflash

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// Mode is the boot state of a device.
type Mode uint8

const (
	ModeUnknown Mode = iota
	ModeMaskrom
	ModeLoader
	ModeStorageReady
	ModeError
)

func (m Mode) String() string {
	switch m {
	case ModeUnknown:
		return "unknown"
	case ModeMaskrom:
		return "maskrom"
	case ModeLoader:
		return "loader"
	case ModeStorageReady:
		return "storage-ready"
	case ModeError:
		return "error"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// transitions lists the legal targets of each mode. Every mode may also move
// to ModeError, and ModeError is only left through re-identification.
var transitions = map[Mode][]Mode{
	ModeUnknown:      {ModeMaskrom, ModeLoader},
	ModeMaskrom:      {ModeLoader, ModeUnknown},
	ModeLoader:       {ModeStorageReady, ModeUnknown},
	ModeStorageReady: {ModeStorageReady, ModeLoader, ModeUnknown},
}

// Endpoints is the interface and bulk endpoint pair used for commands.
type Endpoints struct {
	Config    int
	Interface int
	Alt       int
	BulkOut   int // endpoint number
	BulkIn    int // endpoint number

	// Default is set when no bulk pair was found in the descriptors.
	Default bool
}

// Device is an identified Rockchip device. Only one operation may use a
// Device at a time.
type Device struct {
	Chip ChipType

	params chipParams

	mu        sync.Mutex
	desc      Descriptor
	mode      Mode
	storage   StorageKind
	transport Transport
	ep        Endpoints
	claimed   bool

	busy atomic.Bool
}

// Identify resolves the chip type, endpoints and boot mode of raw.
//
// The mode is taken from the low bit of bcdUSB, which the Rockchip boot ROM
// clears and the loader sets.
func Identify(raw RawDevice, opts ...Option) (*Device, error) {
	cfg := newConfig(opts)
	log := newLogger(cfg.Logger, ComponentIdentify)

	d := &Device{}
	mode, err := d.resolve(raw, log)
	if err != nil {
		return nil, err
	}
	if err := d.transition(mode); err != nil {
		return nil, err
	}
	log.info("identified", "device", d.String())
	return d, nil
}

// resolve fills in everything but the mode from raw and returns the mode the
// descriptor reports.
func (d *Device) resolve(raw RawDevice, log logger) (Mode, error) {
	desc := raw.Descriptor
	params, err := lookupChip(desc.VendorID, desc.ProductID)
	if err != nil {
		return ModeUnknown, err
	}

	ep, ok := findEndpoints(desc)
	if !ok {
		log.warn("no bulk endpoint pair, using defaults (degraded-confidence identification)",
			"chip", params.chip, "interface", ep.Interface, "endpoint", ep.BulkOut)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.Chip = params.chip
	d.params = params
	d.desc = desc
	d.transport = raw.Transport
	d.ep = ep
	d.claimed = false
	d.storage = StorageNone

	if desc.BCDUSB&1 != 0 {
		return ModeLoader, nil
	}
	return ModeMaskrom, nil
}

// findEndpoints returns the first alternate setting carrying both a bulk OUT
// and a bulk IN endpoint. Without one it returns interface 0, endpoint 1 in
// both directions and false.
func findEndpoints(desc Descriptor) (Endpoints, bool) {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				out, in := -1, -1
				for _, e := range alt.Endpoints {
					if e.TransferType() != TransferBulk {
						continue
					}
					if e.IsIn() && in < 0 {
						in = e.Number()
					}
					if !e.IsIn() && out < 0 {
						out = e.Number()
					}
				}
				if out >= 0 && in >= 0 {
					return Endpoints{
						Config:    cfg.Number,
						Interface: intf.Number,
						Alt:       alt.Alternate,
						BulkOut:   out,
						BulkIn:    in,
					}, true
				}
			}
		}
	}

	ep := Endpoints{Config: 1, BulkOut: 1, BulkIn: 1, Default: true}
	if len(desc.Configs) > 0 {
		ep.Config = desc.Configs[0].Number
	}
	return ep, false
}

// transition moves the device to mode to, or returns a *StateError.
func (d *Device) transition(to Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transitionLocked(to)
}

func (d *Device) transitionLocked(to Mode) error {
	if to != ModeError && !slices.Contains(transitions[d.mode], to) {
		return &StateError{From: d.mode, To: to}
	}
	d.mode = to
	if to != ModeStorageReady {
		d.storage = StorageNone
	}
	return nil
}

// selectStorage records kind as the selected target.
func (d *Device) selectStorage(kind StorageKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.transitionLocked(ModeStorageReady); err != nil {
		return err
	}
	d.storage = kind
	return nil
}

// loseStorage drops a selection after a failed switch.
func (d *Device) loseStorage() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode == ModeStorageReady {
		d.mode = ModeLoader
		d.storage = StorageNone
	}
}

// fail moves the device to ModeError after a disconnection.
func (d *Device) fail() {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.transitionLocked(ModeError)
}

// reidentify swaps a fresh handle of the same chip into d. It is the only way
// out of ModeError.
func (d *Device) reidentify(raw RawDevice, log logger) error {
	prev := d.Chip

	d.mu.Lock()
	from := d.mode
	d.mu.Unlock()
	if from != ModeError {
		return &StateError{From: from, To: ModeMaskrom}
	}

	next := &Device{}
	mode, err := next.resolve(raw, log)
	if err != nil {
		return err
	}
	if next.Chip != prev {
		return fmt.Errorf("%w: expected %s, found %s", ErrUnknownDevice, prev, next.Chip)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.params = next.params
	d.desc = next.desc
	d.transport = next.transport
	d.ep = next.ep
	d.claimed = false
	d.storage = StorageNone
	d.mode = mode
	return nil
}

// handle returns the transport and endpoints, claiming the interface on
// first use.
func (d *Device) handle() (Transport, Endpoints, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transport == nil {
		return nil, d.ep, fmt.Errorf("%w: no transport", ErrTransportDisconnected)
	}
	if !d.claimed {
		if err := d.transport.SelectConfiguration(d.ep.Config); err != nil {
			return nil, d.ep, fmt.Errorf("select configuration %d: %w", d.ep.Config, transportErr(err))
		}
		if err := d.transport.ClaimInterface(d.ep.Interface, d.ep.Alt); err != nil {
			return nil, d.ep, fmt.Errorf("claim interface %d: %w", d.ep.Interface, transportErr(err))
		}
		d.claimed = true
	}
	return d.transport, d.ep, nil
}

// acquire marks the device busy or returns ErrDeviceBusy.
func (d *Device) acquire() error {
	if !d.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrDeviceBusy, d)
	}
	return nil
}

func (d *Device) release() { d.busy.Store(false) }

// Mode returns the current boot mode.
func (d *Device) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Storage returns the selected storage target, StorageNone unless the device
// is in ModeStorageReady.
func (d *Device) Storage() StorageKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.storage
}

// Endpoints returns the endpoints used for commands.
func (d *Device) Endpoints() Endpoints {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ep
}

// Descriptor returns the descriptor the device was identified from.
func (d *Device) Descriptor() Descriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.desc
}

// Close releases the interface and closes the transport.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *Device) closeLocked() error {
	if d.transport == nil {
		return nil
	}
	if d.claimed {
		_ = d.transport.ReleaseInterface(d.ep.Interface)
		d.claimed = false
	}
	err := d.transport.Close()
	d.transport = nil
	return err
}

func (d *Device) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("%s [%s] bus %03d addr %03d", d.Chip, d.mode, d.desc.Bus, d.desc.Address)
}
