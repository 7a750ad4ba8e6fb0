// Package clip programs the SPI NOR flash of a Rockchip board directly,
// through an FTDI FT2232H or FT232H in MPSSE mode wired to a SOIC-8 test
// clip. It recovers boards whose SPI bootloader no longer reaches mask ROM
// USB mode.
//
// [Flash] implements rkflash.NORProgrammer and rkflash.NORReader, so the
// same erase, program and verify sequence runs over the clip and over the
// loader's USB commands.
//
// # References:
//
// FTDI (https://ftdichip.com/document/application-notes/)
//   - [FTDI-AN_108]: Command Processor for MPSSE and MCU Host Bus Emulation Modes (https://ftdichip.com/wp-content/uploads/2020/08/AN_108_Command_Processor_for_MPSSE_and_MCU_Host_Bus_Emulation_Modes.pdf)
//   - [FTDI-AN_114]: Interfacing FT2232H Hi-Speed Devices To SPI Bus (https://ftdichip.com/wp-content/uploads/2020/08/AN_114_FTDI_Hi_Speed_USB_To_SPI_Example.pdf)
//   - [FTDI-AN_135]: FTDI MPSSE Basics (https://ftdichip.com/wp-content/uploads/2020/08/AN_135_MPSSE_Basics.pdf)
//
// SPI Flash
//   - [W25Q128]: W25Q128JV-DTR Winbond Serial Flash Memory (https://www.winbond.com/resource-files/W25Q128JV_DTR%20RevD%2012232024%20Plus.pdf)
//   - [GD25Q128]: GD25Q128E GigaDevice Serial NOR Flash datasheet
//   - [MX25L128]: MX25L12835F Macronix Serial NOR Flash datasheet
package clip
