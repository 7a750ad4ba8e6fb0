// Package rkflash talks to Rockchip SoCs over the mask-ROM / loader USB boot
// protocol: it identifies a board, downloads a loader into DRAM, probes the
// attached storage, programs the SPI NOR bootloader and writes whole disk
// images.
//
// The package does not open USB devices itself. Callers hand it a [RawDevice]
// whose [Transport] is already open (see the usb subpackage for a gousb-backed
// implementation) and the binary blobs to transfer.
//
// # References:
//
// Rockchip
//   - [rkdeveloptool]: Rockchip USB loader tool (https://github.com/rockchip-linux/rkdeveloptool)
//   - [rkbin]: Rockchip loader binaries (https://github.com/rockchip-linux/rkbin)
//   - [RK-bootflow]: Rockchip boot flow (https://opensource.rock-chips.com/wiki_Boot_option)
//
// U-Boot
//   - [u-boot-rockchip]: Rockchip SPI image layout (https://docs.u-boot.org/en/latest/board/rockchip/rockchip.html)
//
// SPI Flash
//   - [W25Q128]: W25Q128JV-DTR Winbond Serial Flash Memory (https://www.winbond.com/resource-files/W25Q128JV_DTR%20RevD%2012232024%20Plus.pdf)
//
// USB
//   - [USB2.0]: Universal Serial Bus Specification Revision 2.0, chapter 9
package rkflash
