package rkflash

import (
	"fmt"
	"slices"
	"time"
)

// ChipType identifies a Rockchip SoC.
type ChipType string

const (
	ChipUnknown ChipType = ""
	ChipRK3288  ChipType = "RK3288"
	ChipRK3328  ChipType = "RK3328"
	ChipRK3399  ChipType = "RK3399"
	ChipRK3568  ChipType = "RK3568"
	ChipRK3588  ChipType = "RK3588"
)

const vendorRockchip = 0x2207

// SPILayout holds the absolute byte offsets of the bootloader components in
// SPI NOR.
type SPILayout struct {
	IDBLoader int64 // first stage (TPL/SPL)
	UBoot     int64 // second stage (u-boot.itb)
}

type chipParams struct {
	chip ChipType

	spi SPILayout

	// DRAM bring-up after the second stage download
	tSettle time.Duration
}

// [u-boot-rockchip|SPI image] idbloader at 0x8000, u-boot.itb at
// CONFIG_SYS_SPI_U_BOOT_OFFS which is 0x60000 for all boards below.
var defaultSPILayout = SPILayout{
	IDBLoader: 0x8000,
	UBoot:     0x60000,
}

// [rkdeveloptool|config.ini] mask ROM product IDs.
var knownChips = map[uint16]chipParams{
	0x320a: {chip: ChipRK3288, spi: defaultSPILayout, tSettle: 2 * time.Second},
	0x320c: {chip: ChipRK3328, spi: defaultSPILayout, tSettle: 2 * time.Second},
	0x330c: {chip: ChipRK3399, spi: defaultSPILayout, tSettle: 2500 * time.Millisecond},
	0x350a: {chip: ChipRK3568, spi: defaultSPILayout, tSettle: 2500 * time.Millisecond},
	0x350b: {chip: ChipRK3588, spi: defaultSPILayout, tSettle: 3 * time.Second},
}

func lookupChip(vendorID, productID uint16) (chipParams, error) {
	if vendorID != vendorRockchip {
		return chipParams{}, fmt.Errorf("%w: %04x:%04x", ErrUnknownDevice, vendorID, productID)
	}
	p, ok := knownChips[productID]
	if !ok {
		return chipParams{}, fmt.Errorf("%w: %04x:%04x", ErrUnknownDevice, vendorID, productID)
	}
	return p, nil
}

func paramsFor(chip ChipType) (chipParams, bool) {
	for _, p := range knownChips {
		if p.chip == chip {
			return p, true
		}
	}
	return chipParams{}, false
}

// LayoutFor returns the SPI NOR layout of chip.
func LayoutFor(chip ChipType) (SPILayout, bool) {
	p, ok := paramsFor(chip)
	return p.spi, ok
}

// IsRockchip reports whether vendorID/productID is a supported chip. It is
// meant for enumeration filters.
func IsRockchip(vendorID, productID uint16) bool {
	_, err := lookupChip(vendorID, productID)
	return err == nil
}

// Chips returns the supported chip types.
func Chips() []ChipType {
	chips := make([]ChipType, 0, len(knownChips))
	for _, p := range knownChips {
		chips = append(chips, p.chip)
	}
	slices.Sort(chips)
	return chips
}
