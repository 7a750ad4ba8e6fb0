package rkflash

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Fake transport
// =============================================================================

// call is one recorded transfer.
type call struct {
	kind     string // "out", "in", "ctrl"
	endpoint int
	setup    SetupPacket
	data     []byte
}

// fakeTransport records transfers and answers them through optional hooks.
// Without hooks every transfer succeeds and IN returns a 13 byte status.
type fakeTransport struct {
	mu     sync.Mutex
	calls  []call
	last   []byte // last command packet seen on bulk OUT or control
	closed bool

	// out judges a bulk OUT; last is the preceding packet.
	out func(data []byte) (Status, error)
	// in answers a bulk IN for the command packet last.
	in func(last []byte) ([]byte, Status, error)
	// ctrl judges a control OUT.
	ctrl func(setup SetupPacket, data []byte) (Status, error)
}

func isPacket(b []byte) bool { return len(b) == 6 || len(b) == 16 }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) SelectConfiguration(int) error { return nil }
func (f *fakeTransport) ClaimInterface(int, int) error { return nil }
func (f *fakeTransport) ReleaseInterface(int) error    { return nil }

func (f *fakeTransport) TransferOut(ctx context.Context, endpoint int, data []byte) (int, Status, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{kind: "out", endpoint: endpoint, data: data})
	if isPacket(data) {
		f.last = data
	}
	hook := f.out
	f.mu.Unlock()

	if hook != nil {
		st, err := hook(data)
		if err != nil || st != StatusOK {
			return 0, st, err
		}
	}
	return len(data), StatusOK, nil
}

func (f *fakeTransport) TransferIn(ctx context.Context, endpoint int, length int) ([]byte, Status, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{kind: "in", endpoint: endpoint})
	last := f.last
	hook := f.in
	f.mu.Unlock()

	if hook != nil {
		return hook(last)
	}
	return make([]byte, 13), StatusOK, nil
}

func (f *fakeTransport) ControlOut(ctx context.Context, setup SetupPacket, data []byte) (Status, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{kind: "ctrl", setup: setup, data: data})
	if isPacket(data) {
		f.last = data
	}
	hook := f.ctrl
	f.mu.Unlock()

	if hook != nil {
		return hook(setup, data)
	}
	return StatusOK, nil
}

func (f *fakeTransport) ControlIn(ctx context.Context, setup SetupPacket, length int) ([]byte, Status, error) {
	return nil, StatusStall, nil
}

// packets returns the command packets sent over bulk OUT.
func (f *fakeTransport) packets() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ps [][]byte
	for _, c := range f.calls {
		if c.kind == "out" && isPacket(c.data) {
			ps = append(ps, c.data)
		}
	}
	return ps
}

// count returns the number of packets with opcode op (and subcode sub when
// sub >= 0).
func (f *fakeTransport) count(op byte, sub int) int {
	n := 0
	for _, p := range f.packets() {
		if p[0] == op && (sub < 0 || int(p[1]) == sub) {
			n++
		}
	}
	return n
}

func (f *fakeTransport) callsOf(kind string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var cs []call
	for _, c := range f.calls {
		if c.kind == kind {
			cs = append(cs, c)
		}
	}
	return cs
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// =============================================================================
// Helpers
// =============================================================================

const (
	bcdMaskrom = 0x0200
	bcdLoader  = 0x0201
)

// rkDescriptor describes a device with one bulk pair on interface 0.
func rkDescriptor(productID, bcd uint16) Descriptor {
	return Descriptor{
		VendorID:  vendorRockchip,
		ProductID: productID,
		BCDUSB:    bcd,
		Bus:       1,
		Address:   7,
		Configs: []ConfigDescriptor{{
			Number: 1,
			Interfaces: []InterfaceDescriptor{{
				Number: 0,
				AltSettings: []AltSetting{{
					Endpoints: []EndpointDescriptor{
						{Address: 0x81, Attributes: uint8(TransferBulk)},
						{Address: 0x02, Attributes: uint8(TransferBulk)},
					},
				}},
			}},
		}},
	}
}

// newTestDevice identifies an RK3588 on tr in maskrom or loader mode.
func newTestDevice(t *testing.T, tr *fakeTransport, loader bool) *Device {
	t.Helper()
	bcd := uint16(bcdMaskrom)
	if loader {
		bcd = bcdLoader
	}
	dev, err := Identify(RawDevice{Descriptor: rkDescriptor(0x350b, bcd), Transport: tr})
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	return dev
}

// fastOptions shrink every delay so that retries and waits take
// milliseconds.
func fastOptions(extra ...Option) []Option {
	return append([]Option{
		WithRetries(3, time.Millisecond),
		WithProbeRetries(3, time.Millisecond),
		WithTimeout(50 * time.Millisecond),
		WithSettleDelay(-1, 0),
		WithLoaderChunking(8<<10, 0),
		WithErase(time.Second, time.Millisecond),
	}, extra...)
}

// recorder collects progress events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// checkMonotonic fails when the percentage drops within a phase.
func checkMonotonic(t *testing.T, events []Event) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1], events[i]
		if prev.Phase == cur.Phase && cur.Percent < prev.Percent {
			t.Errorf("event %d: %s percent went from %d to %d", i, cur.Phase, prev.Percent, cur.Percent)
		}
	}
}

// flashInfo returns a flash info response of sectors.
func flashInfo(sectors uint32) []byte {
	b := make([]byte, 11)
	binary.LittleEndian.PutUint32(b, sectors)
	return b
}

// storageResponder answers ChangeStorage and ReadFlashInfo. Kinds in
// sectors are present; others stall on the switch.
func storageResponder(sectors map[StorageKind]uint32) func([]byte) ([]byte, Status, error) {
	var mu sync.Mutex
	var current StorageKind
	return func(last []byte) ([]byte, Status, error) {
		mu.Lock()
		defer mu.Unlock()
		switch last[0] {
		case opChangeStorage:
			kind := StorageKind(last[1])
			if _, ok := sectors[kind]; !ok {
				return nil, StatusStall, nil
			}
			current = kind
		case opReadFlashInfo:
			return flashInfo(sectors[current]), StatusOK, nil
		}
		return make([]byte, 13), StatusOK, nil
	}
}
