package clip

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

type Flash struct {
	conn spi.Conn
	cs   gpio.PinIO
	id   [3]byte // JEDEC ID of the flash chip
	pr   *flashParams
}

func NewFlash(conn spi.Conn, cs gpio.PinIO) *Flash {
	return &Flash{
		conn: conn,
		cs:   cs,
	}
}

// Flash commands [W25Q128|8.1.2 Instruction Set Table 1]
const (
	flashCmdPowerUp            = 0xAB // Release Power Down
	flashCmdPowerDown          = 0xB9
	flashCmdReadID             = 0x9F
	flashCmdRead               = 0x03
	flashCmdWriteEnable        = 0x06
	flashCmdWriteDisable       = 0x04
	flashCmdPageProgram        = 0x02
	flashCmdEraseChip          = 0xC7 // Bulk Erase / Chip Erase
	flashCmdReadStatusRegister = 0x05
)

const (
	pageSize = 256
	max24    = 1<<24 - 1 // 0xFFFFFF
)

// ErrBusyTimeout is returned when the flash stays busy past its maximum
// cycle time.
var ErrBusyTimeout = errors.New("flash busy timeout")

// tx wraps SPI transaction with CS assertion.
func (f *Flash) tx(buf []byte) (err error) {
	if err = f.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := f.cs.Out(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()
	err = f.conn.Tx(buf, buf)
	return
}

func (f *Flash) PowerUp() error {
	buf := []byte{flashCmdPowerUp}
	if err := f.tx(buf); err != nil {
		return err
	}
	time.Sleep(f.tRES1())
	return nil
}

func (f *Flash) PowerDown() error {
	buf := []byte{flashCmdPowerDown}
	if err := f.tx(buf); err != nil {
		return err
	}
	time.Sleep(f.tDP())
	return nil
}

// ReadID returns the JEDEC ID of the flash chip and configures its parameters.
// It returns a non-empty name for known IDs.
func (f *Flash) ReadID() (id [3]byte, name string, err error) {
	buf := make([]byte, 4)
	buf[0] = flashCmdReadID

	if err = f.tx(buf); err != nil {
		return
	}

	f.id = [3]byte(buf[1:])
	if params, ok := knownFlash[f.id]; ok {
		f.pr = &params
		name = params.name
	}
	return f.id, name, err
}

// Size returns the capacity of an identified chip, or 0.
func (f *Flash) Size() int {
	if f.pr == nil {
		return 0
	}
	return f.pr.size
}

// Read reads n bytes at addr, splitting it into multiple transactions if
// needed to stay within the maximum transaction size.
func (f *Flash) Read(ctx context.Context, addr int64, n int) ([]byte, error) {
	const (
		maxTx    = 65536 // [FTDI-AN_108]
		cmdBytes = 4     // opRead + 24-bit address
		maxData  = maxTx - cmdBytes
	)
	if n < 0 {
		return nil, fmt.Errorf("read of %d bytes", n)
	}
	if addr < 0 || addr+int64(n) > max24+1 {
		return nil, fmt.Errorf("read 0x%X+0x%X out of 24-bit range", addr, n)
	}

	out := make([]byte, n)
	off := 0
	for remaining := n; remaining > 0; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk := min(remaining, maxData)
		buf := make([]byte, cmdBytes+chunk)
		buf[0] = flashCmdRead
		putAddr(buf, addr)
		// buf[4:] dummy bytes

		if err := f.tx(buf); err != nil {
			return nil, err
		}

		copy(out[off:], buf[cmdBytes:])

		addr += int64(chunk)
		off += chunk
		remaining -= chunk
	}
	return out, nil
}

func putAddr(buf []byte, addr int64) {
	buf[1] = byte(addr >> 16)
	buf[2] = byte(addr >> 8)
	buf[3] = byte(addr)
}

func (f *Flash) WriteEnable(context.Context) error {
	return f.tx([]byte{flashCmdWriteEnable})
}

func (f *Flash) WriteDisable(context.Context) error {
	return f.tx([]byte{flashCmdWriteDisable})
}

// pageProgram programs up to one page. data must not cross a page boundary.
func (f *Flash) pageProgram(ctx context.Context, addr int64, data []byte) error {
	if addr < 0 || addr+int64(len(data))-1 > max24 {
		return fmt.Errorf("address 0x%X out of 24-bit range", addr)
	}
	if len(data) > pageSize {
		return fmt.Errorf("data must not exceed %d bytes", pageSize)
	}
	if err := f.WriteEnable(ctx); err != nil {
		return err
	}

	buf := make([]byte, 4+len(data))
	buf[0] = flashCmdPageProgram
	putAddr(buf, addr)
	copy(buf[4:], data)

	if err := f.tx(buf); err != nil {
		return err
	}
	return f.BusyWait(ctx, 100*time.Microsecond, f.tPP())
}

// Program writes data at addr page by page. The chip must be erased.
func (f *Flash) Program(ctx context.Context, addr int64, data []byte) error {
	for len(data) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		// stop at the page boundary, the chip wraps within a page
		n := min(len(data), pageSize-int(addr%pageSize))
		if err := f.pageProgram(ctx, addr, data[:n]); err != nil {
			return fmt.Errorf("page 0x%X: %w", addr, err)
		}
		addr += int64(n)
		data = data[n:]
	}
	return nil
}

// EraseChip bulk erase the entire chip.
func (f *Flash) EraseChip(ctx context.Context) error {
	if err := f.WriteEnable(ctx); err != nil {
		return err
	}

	buf := []byte{flashCmdEraseChip}
	if err := f.tx(buf); err != nil {
		return err
	}
	return f.BusyWait(ctx, time.Second, f.tEraseChip())
}

// BusyWait waits for the flash to become ready by polling the status register's
// bit 0 with specified intervals. It returns ErrBusyTimeout once timeout
// expires; a zero timeout waits until ctx is done.
func (f *Flash) BusyWait(ctx context.Context, interval, timeout time.Duration) error {
	// Fast path
	if sr, err := f.ReadStatusRegister(); err == nil && !sr.Busy() {
		return nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-expired:
			return fmt.Errorf("%w after %s", ErrBusyTimeout, timeout)
		case <-ticker.C:
			sr, err := f.ReadStatusRegister()
			if err != nil {
				return err
			}
			if !sr.Busy() {
				return nil
			}
		}
	}
}

// StatusRegister represents the status register of the flash chip.
//
//	Bits| [W25Q128|7.1 Status Registers]
//	----+-------------------------------
//	7   | SRP: Status Register Protect
//	6   | SEC: Sector protect
//	5   | TB: Top/Bottom protect
//	4:2 | BP2-0: Block Protect bit 2-0
//	1   | WEL: Write Enable Latch
//	0   | BUSY: Erase/Write in progress
type StatusRegister byte

func (sr StatusRegister) StatusRegisterProtect() bool { return sr&(1<<7) != 0 }
func (sr StatusRegister) SectorProtect() bool         { return sr&(1<<6) != 0 }
func (sr StatusRegister) TopBottom() bool             { return sr&(1<<5) != 0 }
func (sr StatusRegister) BlockProtect2() bool         { return sr&(1<<4) != 0 }
func (sr StatusRegister) BlockProtect1() bool         { return sr&(1<<3) != 0 }
func (sr StatusRegister) BlockProtect0() bool         { return sr&(1<<2) != 0 }
func (sr StatusRegister) WriteEnabled() bool          { return sr&(1<<1) != 0 }
func (sr StatusRegister) Busy() bool                  { return sr&(1<<0) != 0 }

// Protected reports whether any block protect bit is set. Programming a
// protected range is silently ignored by the chip.
func (sr StatusRegister) Protected() bool { return sr&0b0001_1100 != 0 }

func (sr StatusRegister) String() string {
	b := fmt.Sprintf("%08b", byte(sr))
	s := []string{}
	for _, bit := range []struct {
		set  bool
		name string
	}{
		{sr.StatusRegisterProtect(), "SRP"},
		{sr.SectorProtect(), "SEC"},
		{sr.TopBottom(), "TB"},
		{sr.BlockProtect2(), "BP2"},
		{sr.BlockProtect1(), "BP1"},
		{sr.BlockProtect0(), "BP0"},
		{sr.WriteEnabled(), "WEL"},
		{sr.Busy(), "BUSY"},
	} {
		if bit.set {
			s = append(s, bit.name)
		}
	}
	if len(s) == 0 {
		return b
	}
	return b + " " + strings.Join(s, ",")
}

func (f *Flash) ReadStatusRegister() (StatusRegister, error) {
	buf := []byte{flashCmdReadStatusRegister, 0}
	if err := f.tx(buf); err != nil {
		return 0, err
	}
	return StatusRegister(buf[1]), nil
}
