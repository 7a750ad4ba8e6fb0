package rkflash

import (
	"context"
	"errors"
)

// Status is the completion status of a single USB transfer.
type Status uint8

const (
	StatusOK Status = iota
	StatusStall
	StatusBabble
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusStall:
		return "stall"
	case StatusBabble:
		return "babble"
	default:
		return "unknown"
	}
}

// Transport errors. Implementations must return (or wrap) these so that the
// command channel can tell a missed response from a vanished device.
var (
	ErrTimeout      = errors.New("usb: transfer timeout")
	ErrDisconnected = errors.New("usb: device disconnected")
	ErrNotSupported = errors.New("usb: transfer type not supported")
)

// SetupPacket is a USB control request [USB2.0|9.3].
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
}

// bmRequestType bits.
const (
	requestDirIn       = 0x80
	requestTypeVendor  = 0x40
	requestRecipDevice = 0x00
)

// Transport is the host USB stack as seen by one opened device.
//
// Transfers honour ctx deadlines; the command channel derives a per-call
// timeout for every transfer it issues.
type Transport interface {
	Close() error
	SelectConfiguration(config int) error
	ClaimInterface(iface, alt int) error
	ReleaseInterface(iface int) error

	TransferOut(ctx context.Context, endpoint int, data []byte) (int, Status, error)
	TransferIn(ctx context.Context, endpoint int, length int) ([]byte, Status, error)
	ControlOut(ctx context.Context, setup SetupPacket, data []byte) (Status, error)
	ControlIn(ctx context.Context, setup SetupPacket, length int) ([]byte, Status, error)
}

// TransferType is the endpoint transfer type [USB2.0|Table 9-13].
type TransferType uint8

const (
	TransferControl     TransferType = 0
	TransferIsochronous TransferType = 1
	TransferBulk        TransferType = 2
	TransferInterrupt   TransferType = 3
)

// EndpointDescriptor describes one endpoint of an alternate setting.
type EndpointDescriptor struct {
	Address    uint8 // endpoint number with direction bit
	Attributes uint8 // transfer type in bits 1:0
}

// Number returns the endpoint number (0-15).
func (e EndpointDescriptor) Number() int { return int(e.Address & 0x0F) }

// IsIn reports whether this is an IN (device to host) endpoint.
func (e EndpointDescriptor) IsIn() bool { return e.Address&0x80 != 0 }

// TransferType returns the endpoint transfer type.
func (e EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

type AltSetting struct {
	Alternate int
	Endpoints []EndpointDescriptor
}

type InterfaceDescriptor struct {
	Number      int
	AltSettings []AltSetting
}

type ConfigDescriptor struct {
	Number     int
	Interfaces []InterfaceDescriptor
}

// Descriptor is the enumerated description of a USB device.
type Descriptor struct {
	VendorID  uint16
	ProductID uint16
	BCDUSB    uint16
	Bus       int
	Address   int
	Configs   []ConfigDescriptor
}

// RawDevice is an enumerated, opened but not yet identified device.
type RawDevice struct {
	Descriptor Descriptor
	Transport  Transport
}

// Enumerator lists the Rockchip devices currently attached to the host. It is
// used to find a device again after it dropped off the bus.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]RawDevice, error)
}

// ChangeWaiter is optionally implemented by an Enumerator that can block until
// the set of attached devices may have changed.
type ChangeWaiter interface {
	WaitForChange(ctx context.Context) error
}

// Claimer is optionally implemented by an Enumerator shared by several
// Devices. Reconnect never picks a device claimed by another Device and
// moves the claim of the reconnected one to its new address.
type Claimer interface {
	Claimed(bus, addr int) bool
	Reclaim(from, to Descriptor)
}
