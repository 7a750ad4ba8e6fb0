package rkflash

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownDevice is returned by Identify for a vendor/product pair that
	// is not in the chip table.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrTransportTimeout indicates a transfer that did not complete in time
	// after all local retries.
	ErrTransportTimeout = errors.New("transport timeout")

	// ErrTransportDisconnected indicates the device left the bus.
	ErrTransportDisconnected = errors.New("transport disconnected")

	// ErrOperationTimedOut indicates an operation watchdog expired.
	ErrOperationTimedOut = errors.New("operation timed out")

	// ErrDeviceBusy is returned when another operation owns the device.
	ErrDeviceBusy = errors.New("device busy")
)

// CommandError indicates a command that failed on every attempt.
type CommandError struct {
	Opcode byte
	Err    error // last attempt's failure
}

func (e *CommandError) Error() string {
	name := opcodeName(e.Opcode)
	if e.Err != nil {
		return fmt.Sprintf("command %s (0x%02X) failed: %v", name, e.Opcode, e.Err)
	}
	return fmt.Sprintf("command %s (0x%02X) failed", name, e.Opcode)
}

func (e *CommandError) Unwrap() error { return e.Err }

// InvalidBootloaderError indicates a bootloader component rejected before any
// transfer was attempted.
type InvalidBootloaderError struct {
	Component string
	Size      int
	Min       int
}

func (e *InvalidBootloaderError) Error() string {
	return fmt.Sprintf("invalid bootloader component %q: %d bytes, need at least %d",
		e.Component, e.Size, e.Min)
}

// BootloaderTransferError indicates that every transmission strategy failed
// for a component.
type BootloaderTransferError struct {
	Component string
	Errs      []error // one per strategy, in order
}

func (e *BootloaderTransferError) Error() string {
	return fmt.Sprintf("transfer of %q failed: %v", e.Component, errors.Join(e.Errs...))
}

func (e *BootloaderTransferError) Unwrap() []error { return e.Errs }

// StorageUnavailableError indicates a storage target that could not be
// selected.
type StorageUnavailableError struct {
	Kind StorageKind
	Err  error
}

func (e *StorageUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage %s unavailable: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("storage %s unavailable", e.Kind)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Err }

// StateError indicates an illegal state transition, or a command issued in a
// mode that does not allow it.
type StateError struct {
	From Mode
	To   Mode
}

func (e *StateError) Error() string {
	return fmt.Sprintf("illegal state transition: %s -> %s", e.From, e.To)
}

// ChunkError reports the byte offset of a failed chunk.
type ChunkError struct {
	Offset int64
	Err    error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk at offset 0x%X: %v", e.Offset, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// Kind returns a stable name for the error class of err, for progress events
// and machine-readable output.
func Kind(err error) string {
	var (
		cmdErr   *CommandError
		invErr   *InvalidBootloaderError
		xferErr  *BootloaderTransferError
		stErr    *StorageUnavailableError
		stateErr *StateError
	)
	switch {
	case err == nil:
		return ""
	// disconnection and timeouts first: they are usually wrapped by the others
	case errors.Is(err, ErrTransportDisconnected):
		return "TransportDisconnected"
	case errors.Is(err, ErrOperationTimedOut):
		return "OperationTimedOut"
	case errors.Is(err, ErrDeviceBusy):
		return "DeviceBusy"
	case errors.Is(err, ErrUnknownDevice):
		return "UnknownDevice"
	case errors.As(err, &invErr):
		return "InvalidBootloader"
	case errors.As(err, &xferErr):
		return "BootloaderTransferFailed"
	case errors.As(err, &stErr):
		return "StorageUnavailable"
	case errors.As(err, &stateErr):
		return "StateTransitionFailed"
	case errors.As(err, &cmdErr):
		return "CommandFailed"
	case errors.Is(err, ErrTransportTimeout):
		return "TransportTimeout"
	default:
		return "Error"
	}
}

// transportErr maps transport sentinels onto the engine's taxonomy.
func transportErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTransportDisconnected), errors.Is(err, ErrTransportTimeout):
		return err
	case errors.Is(err, ErrDisconnected):
		return fmt.Errorf("%w: %w", ErrTransportDisconnected, err)
	case errors.Is(err, ErrTimeout):
		return fmt.Errorf("%w: %w", ErrTransportTimeout, err)
	default:
		return err
	}
}
