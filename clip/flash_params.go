package clip

import "time"

type flashParams struct {
	name string
	size int

	tRES1      time.Duration
	tDP        time.Duration
	tPP        time.Duration
	tEraseChip time.Duration
}

// SPI NOR chips found on Rockchip boards.
var (
	flashIDWinbondW25Q128  = [3]byte{0xEF, 0x40, 0x18}
	flashIDWinbondW25Q256  = [3]byte{0xEF, 0x40, 0x19}
	flashIDGigaDeviceGD128 = [3]byte{0xC8, 0x40, 0x18}
	flashIDMacronixMX128   = [3]byte{0xC2, 0x20, 0x18}
)

var knownFlash = map[[3]byte]flashParams{
	flashIDWinbondW25Q128: {
		name: "Winbond W25Q 128Mb",
		size: 16 << 20,

		// [W25Q128|9.6 AC Electrical Characteristics]:
		// tRES1: /CS High to Standby Mode without ID Read
		tRES1: 3 * time.Microsecond,
		// tDP: /CS High to Power-down Mode
		tDP: 3 * time.Microsecond,
		// tPP: Page Program Time
		tPP: 3 * time.Millisecond,
		// tCE: Chip Erase Time
		tEraseChip: 200 * time.Second,
	},

	// 4-byte addressing above 16MB is not used; only the low 16MB holding the
	// bootloader is reachable.
	flashIDWinbondW25Q256: {
		name: "Winbond W25Q 256Mb",
		size: 16 << 20,

		tRES1:      3 * time.Microsecond,
		tDP:        3 * time.Microsecond,
		tPP:        3 * time.Millisecond,
		tEraseChip: 400 * time.Second,
	},

	flashIDGigaDeviceGD128: {
		name: "GigaDevice GD25Q 128Mb",
		size: 16 << 20,

		// [GD25Q128|AC Characteristics]
		tRES1:      20 * time.Microsecond,
		tDP:        20 * time.Microsecond,
		tPP:        2400 * time.Microsecond,
		tEraseChip: 120 * time.Second,
	},

	flashIDMacronixMX128: {
		name: "Macronix MX25L 128Mb",
		size: 16 << 20,

		// [MX25L128|AC Characteristics]
		tRES1:      8800 * time.Nanosecond,
		tDP:        10 * time.Microsecond,
		tPP:        3 * time.Millisecond,
		tEraseChip: 150 * time.Second,
	},
}

func (f *Flash) paramOrMax(get func(*flashParams) time.Duration) time.Duration {
	// get parameter if configured
	if f.pr != nil {
		return get(f.pr)
	}

	// fall back to maximum duration from all known flash parameters
	var tmax time.Duration
	for _, param := range knownFlash {
		tmax = max(tmax, get(&param))
	}
	return tmax
}

func (f *Flash) tRES1() time.Duration {
	return f.paramOrMax(func(p *flashParams) time.Duration { return p.tRES1 })
}
func (f *Flash) tDP() time.Duration {
	return f.paramOrMax(func(p *flashParams) time.Duration { return p.tDP })
}
func (f *Flash) tPP() time.Duration {
	return f.paramOrMax(func(p *flashParams) time.Duration { return p.tPP })
}
func (f *Flash) tEraseChip() time.Duration {
	return f.paramOrMax(func(p *flashParams) time.Duration { return p.tEraseChip })
}
