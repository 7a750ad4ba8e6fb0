package clip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gentam/rkflash"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/spi"
)

var (
	_ rkflash.NORProgrammer = (*Flash)(nil)
	_ rkflash.NORReader     = (*Flash)(nil)
)

// norChip emulates a SPI NOR chip behind an spi.Conn.
type norChip struct {
	mu  sync.Mutex
	cs  *gpiotest.Pin
	id  [3]byte
	mem []byte
	wel bool

	busy   int // status reads left that report BUSY, -1 for always
	pages  []int64
	reads  int
	csErrs int
}

func newNORChip(cs *gpiotest.Pin) *norChip {
	return &norChip{
		cs:  cs,
		id:  flashIDWinbondW25Q128,
		mem: bytes.Repeat([]byte{0x5A}, 1<<20),
	}
}

func (c *norChip) String() string               { return "norChip" }
func (c *norChip) Duplex() conn.Duplex          { return conn.Full }
func (c *norChip) TxPackets([]spi.Packet) error { return errors.New("not supported") }

func (c *norChip) Tx(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cs.Read() != gpio.Low {
		c.csErrs++
	}

	cmd := bytes.Clone(w)
	addr := func() int64 { return int64(cmd[1])<<16 | int64(cmd[2])<<8 | int64(cmd[3]) }
	switch cmd[0] {
	case flashCmdReadID:
		copy(r[1:], c.id[:])
	case flashCmdReadStatusRegister:
		var sr byte
		if c.wel {
			sr |= 1 << 1
		}
		if c.busy != 0 {
			sr |= 1
			if c.busy > 0 {
				c.busy--
			}
		}
		r[1] = sr
	case flashCmdWriteEnable:
		c.wel = true
	case flashCmdWriteDisable:
		c.wel = false
	case flashCmdEraseChip:
		if c.wel {
			for i := range c.mem {
				c.mem[i] = 0xFF
			}
		}
		c.wel = false
	case flashCmdPageProgram:
		if !c.wel {
			return errors.New("page program without write enable")
		}
		base := addr()
		c.pages = append(c.pages, base)
		page := base &^ (pageSize - 1)
		for i, b := range cmd[4:] {
			a := page + (base+int64(i))%pageSize
			c.mem[a] &= b
		}
		c.wel = false
	case flashCmdRead:
		c.reads++
		copy(r[4:], c.mem[addr():])
	case flashCmdPowerUp, flashCmdPowerDown:
	default:
		return fmt.Errorf("unexpected command 0x%02X", cmd[0])
	}
	return nil
}

func newTestFlash(t *testing.T) (*Flash, *norChip, *gpiotest.Pin) {
	t.Helper()
	cs := &gpiotest.Pin{N: "CS", L: gpio.High}
	chip := newNORChip(cs)
	f := NewFlash(chip, cs)
	if _, _, err := f.ReadID(); err != nil {
		t.Fatalf("ReadID() error = %v", err)
	}
	return f, chip, cs
}

func TestReadID(t *testing.T) {
	tests := []struct {
		id   [3]byte
		name string
		size int
	}{
		{flashIDWinbondW25Q128, "Winbond W25Q 128Mb", 16 << 20},
		{flashIDMacronixMX128, "Macronix MX25L 128Mb", 16 << 20},
		{[3]byte{0x01, 0x02, 0x03}, "", 0},
	}
	for _, tt := range tests {
		cs := &gpiotest.Pin{N: "CS", L: gpio.High}
		chip := newNORChip(cs)
		chip.id = tt.id
		f := NewFlash(chip, cs)

		id, name, err := f.ReadID()
		if err != nil {
			t.Fatalf("ReadID() error = %v", err)
		}
		if id != tt.id || name != tt.name || f.Size() != tt.size {
			t.Errorf("ReadID() = %X %q size %d, want %X %q %d", id, name, f.Size(), tt.id, tt.name, tt.size)
		}
		if cs.Read() != gpio.High {
			t.Error("chip select left asserted")
		}
	}
}

func TestProgramSplitsPages(t *testing.T) {
	f, chip, _ := newTestFlash(t)
	ctx := t.Context()

	if err := f.EraseChip(ctx); err != nil {
		t.Fatalf("EraseChip() error = %v", err)
	}
	data := make([]byte, 600)
	for i := range data {
		data[i] = byte(i)
	}
	if err := f.Program(ctx, 0xF0, data); err != nil {
		t.Fatalf("Program() error = %v", err)
	}

	want := []int64{0xF0, 0x100, 0x200, 0x300}
	if fmt.Sprint(chip.pages) != fmt.Sprint(want) {
		t.Errorf("pages = %X, want %X", chip.pages, want)
	}
	got, err := f.Read(ctx, 0xF0, len(data))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("read back differs from programmed data")
	}
	if chip.csErrs != 0 {
		t.Errorf("%d transactions without chip select", chip.csErrs)
	}
}

func TestReadSplitsTransactions(t *testing.T) {
	f, chip, _ := newTestFlash(t)

	got, err := f.Read(t.Context(), 0, 70000)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got) != 70000 || chip.reads != 2 {
		t.Errorf("Read() = %d bytes in %d transactions, want 70000 in 2", len(got), chip.reads)
	}
	if !bytes.Equal(got, chip.mem[:70000]) {
		t.Error("Read() content differs")
	}

	if _, err := f.Read(t.Context(), max24, 2); err == nil {
		t.Error("Read() past 24-bit range succeeded")
	}
}

func TestReadRejectsNegativeLength(t *testing.T) {
	f, chip, _ := newTestFlash(t)

	if _, err := f.Read(t.Context(), 0x1000, -0x1000); err == nil {
		t.Fatal("Read() of a negative length succeeded")
	}
	if chip.reads != 0 {
		t.Errorf("%d read transactions, want none", chip.reads)
	}
}

func TestProgramNORThroughClip(t *testing.T) {
	f, chip, _ := newTestFlash(t)
	comps, err := rkflash.NewComponents(rkflash.ChipRK3588,
		bytes.Repeat([]byte{0x11}, 100<<10),
		bytes.Repeat([]byte{0x22}, 200<<10))
	if err != nil {
		t.Fatalf("NewComponents() error = %v", err)
	}

	err = rkflash.ProgramNOR(t.Context(), f, comps, rkflash.WithErase(time.Second, time.Millisecond))
	if err != nil {
		t.Fatalf("ProgramNOR() error = %v", err)
	}
	for _, comp := range comps {
		if !bytes.Equal(chip.mem[comp.Offset:comp.Offset+int64(len(comp.Data))], comp.Data) {
			t.Errorf("%s not at 0x%X", comp.Name, comp.Offset)
		}
	}
	if chip.mem[0] != 0xFF {
		t.Error("chip not erased before programming")
	}
	if chip.wel {
		t.Error("write enable latch left set")
	}
}

func TestBusyWait(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		f, chip, _ := newTestFlash(t)
		chip.busy = 3
		if err := f.BusyWait(t.Context(), time.Millisecond, time.Second); err != nil {
			t.Errorf("BusyWait() error = %v", err)
		}
	})
	t.Run("timeout", func(t *testing.T) {
		f, chip, _ := newTestFlash(t)
		chip.busy = -1
		err := f.BusyWait(t.Context(), time.Millisecond, 10*time.Millisecond)
		if !errors.Is(err, ErrBusyTimeout) {
			t.Errorf("BusyWait() error = %v, want ErrBusyTimeout", err)
		}
	})
	t.Run("cancelled", func(t *testing.T) {
		f, chip, _ := newTestFlash(t)
		chip.busy = -1
		ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
		defer cancel()
		err := f.BusyWait(ctx, time.Millisecond, 0)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("BusyWait() error = %v, want deadline exceeded", err)
		}
	})
}

func TestStatusRegister(t *testing.T) {
	tests := []struct {
		sr        StatusRegister
		want      string
		protected bool
	}{
		{0x00, "00000000", false},
		{0x03, "00000011 WEL,BUSY", false},
		{0x9C, "10011100 SRP,BP2,BP1,BP0", true},
		{0x04, "00000100 BP0", true},
	}
	for _, tt := range tests {
		if got := tt.sr.String(); got != tt.want {
			t.Errorf("StatusRegister(0x%02X).String() = %q, want %q", byte(tt.sr), got, tt.want)
		}
		if got := tt.sr.Protected(); got != tt.protected {
			t.Errorf("StatusRegister(0x%02X).Protected() = %v, want %v", byte(tt.sr), got, tt.protected)
		}
	}
}

func TestParamsFallBackToMaximum(t *testing.T) {
	f := NewFlash(nil, nil)
	if got := f.tEraseChip(); got != 400*time.Second {
		t.Errorf("tEraseChip() = %s, want the slowest known chip", got)
	}
	f.pr = &flashParams{tEraseChip: time.Second}
	if got := f.tEraseChip(); got != time.Second {
		t.Errorf("tEraseChip() = %s, want the configured value", got)
	}
}
