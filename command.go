package rkflash

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// SectorSize is the LBA sector size of every storage target.
const SectorSize = 512

// Loader opcodes [rkdeveloptool|RKComm.h USB_OPERATION_CODE].
const (
	opTestUnitReady = 0x00
	opWriteLBA      = 0x15
	opReadFlashInfo = 0x1A
	opReadChipInfo  = 0x1B
	opWriteSPIFlash = 0x22
	opChangeStorage = 0x2A
	opSPIControl    = 0x2E
	opDeviceReset   = 0xFF
)

// SPI control subcodes are the NOR instructions themselves
// [W25Q128|8.1.2 Instruction Set Table 1].
const (
	spiWriteEnable  = 0x06
	spiWriteDisable = 0x04
	spiChipErase    = 0xC7
)

var opcodeNames = map[byte]string{
	opTestUnitReady: "TestUnitReady",
	opWriteLBA:      "WriteLBA",
	opReadFlashInfo: "ReadFlashInfo",
	opReadChipInfo:  "ReadChipInfo",
	opWriteSPIFlash: "WriteSPIFlash",
	opChangeStorage: "ChangeStorage",
	opSPIControl:    "SPIControl",
	opDeviceReset:   "DeviceReset",
}

func opcodeName(op byte) string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return "Unknown"
}

// AckPolicy decides how a missing or stalled response is judged.
type AckPolicy uint8

const (
	// RequireOK fails the attempt unless the response read completes.
	RequireOK AckPolicy = iota
	// TolerateStall accepts a stalled, timed out or absent response.
	TolerateStall
)

// StorageKind is a storage target of the loader. The values are the codes of
// the ChangeStorage command.
type StorageKind uint8

const (
	StorageNone   StorageKind = 0
	StorageEMMC   StorageKind = 1
	StorageSD     StorageKind = 2
	StorageSPINOR StorageKind = 9
)

// storagePriority is the probing and recommendation order.
var storagePriority = []StorageKind{StorageEMMC, StorageSD, StorageSPINOR}

func (k StorageKind) String() string {
	switch k {
	case StorageNone:
		return "none"
	case StorageEMMC:
		return "eMMC"
	case StorageSD:
		return "SD"
	case StorageSPINOR:
		return "SPI-NOR"
	default:
		return fmt.Sprintf("storage(%d)", uint8(k))
	}
}

// ParseStorageKind parses "emmc", "sd" or "spinor" (case insensitive).
func ParseStorageKind(s string) (StorageKind, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "")) {
	case "emmc":
		return StorageEMMC, nil
	case "sd":
		return StorageSD, nil
	case "spinor", "spi", "nor":
		return StorageSPINOR, nil
	}
	return StorageNone, fmt.Errorf("unknown storage %q", s)
}

// Command is a single loader command. Commands are built per call by the
// cmd* functions and never modified afterwards.
type Command struct {
	Opcode byte
	Packet []byte // 6 or 16 bytes
	Ack    AckPolicy

	// NeedsLoader restricts the command to Loader and StorageReady modes.
	NeedsLoader bool

	// NeedsStorage restricts the command to StorageReady mode.
	NeedsStorage bool

	// Data is sent over bulk OUT between the packet and the response.
	Data []byte

	// ResponseLen overrides Config.ResponseSize when non-zero.
	ResponseLen int

	// Timeout overrides Config.ReadTimeout for the response when non-zero.
	Timeout time.Duration
}

// Packet layout:
//
//	6 bytes:  [0] opcode | [1] subcode
//	16 bytes: [0] opcode | [1] subcode | [2:6] LBA/offset u32 | [6] 0 | [7:9] count u16 | [9:16] 0
func shortPacket(op, sub byte) []byte {
	return []byte{op, sub, 0, 0, 0, 0}
}

func longPacket(op, sub byte, addr uint32, count uint16) []byte {
	p := make([]byte, 16)
	p[0] = op
	p[1] = sub
	binary.LittleEndian.PutUint32(p[2:6], addr)
	binary.LittleEndian.PutUint16(p[7:9], count)
	return p
}

func cmdTestUnitReady() Command {
	return Command{
		Opcode: opTestUnitReady,
		Packet: shortPacket(opTestUnitReady, 0),
	}
}

func cmdReadChipInfo() Command {
	return Command{
		Opcode: opReadChipInfo,
		Packet: shortPacket(opReadChipInfo, 0),
	}
}

func cmdChangeStorage(kind StorageKind) Command {
	return Command{
		Opcode:      opChangeStorage,
		Packet:      shortPacket(opChangeStorage, byte(kind)),
		NeedsLoader: true,
	}
}

func cmdReadFlashInfo() Command {
	return Command{
		Opcode:      opReadFlashInfo,
		Packet:      shortPacket(opReadFlashInfo, 0),
		NeedsLoader: true,
	}
}

func cmdSPIControl(sub byte, long bool, ack AckPolicy) Command {
	p := shortPacket(opSPIControl, sub)
	if long {
		p = longPacket(opSPIControl, sub, 0, 0)
	}
	return Command{
		Opcode:      opSPIControl,
		Packet:      p,
		Ack:         ack,
		NeedsLoader: true,
	}
}

// cmdWriteSPI programs data at byte offset addr. The response read is
// optional and bounded by timeout.
func cmdWriteSPI(addr uint32, data []byte, timeout time.Duration) Command {
	return Command{
		Opcode:       opWriteSPIFlash,
		Packet:       longPacket(opWriteSPIFlash, 0, addr, uint16(len(data))),
		Ack:          TolerateStall,
		NeedsLoader:  true,
		NeedsStorage: true,
		Data:         data,
		Timeout:      timeout,
	}
}

// cmdWriteLBA writes data at sector lba. data is padded with zeros to a whole
// number of sectors.
func cmdWriteLBA(lba uint32, data []byte) Command {
	sectors := (len(data) + SectorSize - 1) / SectorSize
	if pad := sectors*SectorSize - len(data); pad > 0 {
		data = append(data[:len(data):len(data)], make([]byte, pad)...)
	}
	return Command{
		Opcode:       opWriteLBA,
		Packet:       longPacket(opWriteLBA, 0, lba, uint16(sectors)),
		NeedsLoader:  true,
		NeedsStorage: true,
		Data:         data,
	}
}

func cmdDeviceReset() Command {
	return Command{
		Opcode: opDeviceReset,
		Packet: shortPacket(opDeviceReset, 0),
		Ack:    TolerateStall,
	}
}
