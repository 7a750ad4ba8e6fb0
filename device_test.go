package rkflash

import (
	"errors"
	"testing"
)

func TestIdentify(t *testing.T) {
	tests := []struct {
		productID uint16
		chip      ChipType
	}{
		{0x320a, ChipRK3288},
		{0x320c, ChipRK3328},
		{0x330c, ChipRK3399},
		{0x350a, ChipRK3568},
		{0x350b, ChipRK3588},
	}

	for _, tt := range tests {
		for _, mode := range []Mode{ModeMaskrom, ModeLoader} {
			t.Run(string(tt.chip)+"/"+mode.String(), func(t *testing.T) {
				bcd := uint16(bcdMaskrom)
				if mode == ModeLoader {
					bcd = bcdLoader
				}
				dev, err := Identify(RawDevice{Descriptor: rkDescriptor(tt.productID, bcd), Transport: &fakeTransport{}})
				if err != nil {
					t.Fatalf("Identify() error = %v", err)
				}
				if dev.Chip != tt.chip {
					t.Errorf("Chip = %s, want %s", dev.Chip, tt.chip)
				}
				if dev.Mode() != mode {
					t.Errorf("Mode() = %s, want %s", dev.Mode(), mode)
				}
				if dev.Storage() != StorageNone {
					t.Errorf("Storage() = %s, want none", dev.Storage())
				}
				want := Endpoints{Config: 1, Interface: 0, Alt: 0, BulkOut: 2, BulkIn: 1}
				if got := dev.Endpoints(); got != want {
					t.Errorf("Endpoints() = %+v, want %+v", got, want)
				}
			})
		}
	}
}

func TestIdentifyUnknown(t *testing.T) {
	tests := []struct {
		name      string
		vendorID  uint16
		productID uint16
	}{
		{"other vendor", 0x1234, 0x350b},
		{"unknown product", vendorRockchip, 0xdead},
		{"zero", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := rkDescriptor(tt.productID, bcdMaskrom)
			desc.VendorID = tt.vendorID
			_, err := Identify(RawDevice{Descriptor: desc, Transport: &fakeTransport{}})
			if !errors.Is(err, ErrUnknownDevice) {
				t.Errorf("Identify() error = %v, want ErrUnknownDevice", err)
			}
			if IsRockchip(tt.vendorID, tt.productID) {
				t.Errorf("IsRockchip(%04x, %04x) = true", tt.vendorID, tt.productID)
			}
		})
	}
}

func TestIdentifyDefaultEndpoints(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
		want Endpoints
	}{
		{
			name: "no configs",
			desc: Descriptor{VendorID: vendorRockchip, ProductID: 0x350b},
			want: Endpoints{Config: 1, BulkOut: 1, BulkIn: 1, Default: true},
		},
		{
			name: "interrupt only",
			desc: Descriptor{
				VendorID: vendorRockchip, ProductID: 0x350b,
				Configs: []ConfigDescriptor{{
					Number: 2,
					Interfaces: []InterfaceDescriptor{{AltSettings: []AltSetting{{
						Endpoints: []EndpointDescriptor{{Address: 0x83, Attributes: uint8(TransferInterrupt)}},
					}}}},
				}},
			},
			want: Endpoints{Config: 2, BulkOut: 1, BulkIn: 1, Default: true},
		},
		{
			name: "second alternate setting",
			desc: Descriptor{
				VendorID: vendorRockchip, ProductID: 0x350b,
				Configs: []ConfigDescriptor{{
					Number: 1,
					Interfaces: []InterfaceDescriptor{{Number: 1, AltSettings: []AltSetting{
						{Alternate: 0},
						{Alternate: 1, Endpoints: []EndpointDescriptor{
							{Address: 0x04, Attributes: uint8(TransferBulk)},
							{Address: 0x85, Attributes: uint8(TransferBulk)},
						}},
					}}},
				}},
			},
			want: Endpoints{Config: 1, Interface: 1, Alt: 1, BulkOut: 4, BulkIn: 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, err := Identify(RawDevice{Descriptor: tt.desc, Transport: &fakeTransport{}})
			if err != nil {
				t.Fatalf("Identify() error = %v", err)
			}
			if got := dev.Endpoints(); got != tt.want {
				t.Errorf("Endpoints() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to Mode
		ok       bool
	}{
		{ModeUnknown, ModeMaskrom, true},
		{ModeUnknown, ModeLoader, true},
		{ModeUnknown, ModeStorageReady, false},
		{ModeMaskrom, ModeLoader, true},
		{ModeMaskrom, ModeStorageReady, false},
		{ModeMaskrom, ModeUnknown, true},
		{ModeLoader, ModeStorageReady, true},
		{ModeLoader, ModeMaskrom, false},
		{ModeStorageReady, ModeStorageReady, true},
		{ModeStorageReady, ModeLoader, true},
		{ModeStorageReady, ModeMaskrom, false},
		{ModeError, ModeLoader, false},
		{ModeError, ModeMaskrom, false},
		{ModeMaskrom, ModeError, true},
		{ModeStorageReady, ModeError, true},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			d := &Device{mode: tt.from}
			err := d.transition(tt.to)
			if tt.ok {
				if err != nil {
					t.Fatalf("transition() error = %v", err)
				}
				if d.Mode() != tt.to {
					t.Errorf("Mode() = %s, want %s", d.Mode(), tt.to)
				}
				return
			}
			var stateErr *StateError
			if !errors.As(err, &stateErr) {
				t.Fatalf("transition() error = %v, want *StateError", err)
			}
			if stateErr.From != tt.from || stateErr.To != tt.to {
				t.Errorf("StateError = %s -> %s, want %s -> %s", stateErr.From, stateErr.To, tt.from, tt.to)
			}
			if d.Mode() != tt.from {
				t.Errorf("Mode() = %s after failed transition, want %s", d.Mode(), tt.from)
			}
		})
	}
}

func TestStorageClearedOutsideStorageReady(t *testing.T) {
	d := &Device{mode: ModeLoader}
	if err := d.selectStorage(StorageSD); err != nil {
		t.Fatalf("selectStorage() error = %v", err)
	}
	if d.Storage() != StorageSD {
		t.Fatalf("Storage() = %s, want SD", d.Storage())
	}
	if err := d.transition(ModeLoader); err != nil {
		t.Fatalf("transition() error = %v", err)
	}
	if d.Storage() != StorageNone {
		t.Errorf("Storage() = %s after leaving storage-ready, want none", d.Storage())
	}
}

func TestReidentify(t *testing.T) {
	old := &fakeTransport{}
	dev := newTestDevice(t, old, false)
	log := newLogger(nil, ComponentRecovery)

	fresh := &fakeTransport{}
	raw := RawDevice{Descriptor: rkDescriptor(0x350b, bcdLoader), Transport: fresh}
	if err := dev.reidentify(raw, log); err == nil {
		t.Fatal("reidentify() outside error mode succeeded")
	}

	dev.fail()
	other := RawDevice{Descriptor: rkDescriptor(0x350a, bcdLoader), Transport: &fakeTransport{}}
	if err := dev.reidentify(other, log); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("reidentify(other chip) error = %v, want ErrUnknownDevice", err)
	}
	if dev.Mode() != ModeError {
		t.Fatalf("Mode() = %s after mismatch, want error", dev.Mode())
	}

	if err := dev.reidentify(raw, log); err != nil {
		t.Fatalf("reidentify() error = %v", err)
	}
	if dev.Mode() != ModeLoader {
		t.Errorf("Mode() = %s, want loader", dev.Mode())
	}
	if dev.Chip != ChipRK3588 {
		t.Errorf("Chip = %s, want RK3588", dev.Chip)
	}
}

func TestDeviceBusy(t *testing.T) {
	dev := newTestDevice(t, &fakeTransport{}, true)
	if err := dev.acquire(); err != nil {
		t.Fatalf("acquire() error = %v", err)
	}

	var rec recorder
	_, err := ReadChipInfo(t.Context(), dev, fastOptions(WithProgress(rec.record))...)
	if !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("ReadChipInfo() error = %v, want ErrDeviceBusy", err)
	}
	events := rec.all()
	if len(events) != 1 || events[0].Phase != PhaseFailed || events[0].Kind != "DeviceBusy" {
		t.Errorf("events = %+v, want one failed DeviceBusy event", events)
	}

	dev.release()
	if _, err := ReadChipInfo(t.Context(), dev, fastOptions()...); err != nil {
		t.Errorf("ReadChipInfo() after release error = %v", err)
	}
}

func TestChips(t *testing.T) {
	chips := Chips()
	if len(chips) != len(knownChips) {
		t.Fatalf("Chips() = %v, want %d entries", chips, len(knownChips))
	}
	for _, chip := range chips {
		l, ok := LayoutFor(chip)
		if !ok {
			t.Errorf("LayoutFor(%s) not found", chip)
		}
		if l.IDBLoader >= l.UBoot {
			t.Errorf("%s layout %+v: idbloader not below u-boot", chip, l)
		}
	}
	if _, ok := LayoutFor("RK9999"); ok {
		t.Error("LayoutFor(RK9999) found")
	}
}
