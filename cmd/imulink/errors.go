package main

import (
	"errors"
	"fmt"

	"github.com/srg/imulink/internal/device"
	"github.com/srg/imulink/internal/protocol"
	"github.com/srg/imulink/internal/protocol/textline"
	"github.com/srg/imulink/internal/session"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a command was using it.
	// device.ErrNotConnected instead means the device was never connected.
	ErrConnectionLost = errors.New("connection lost")
	// ErrUnsupportedFamily is returned by commands a device family has no equivalent for.
	ErrUnsupportedFamily = errors.New("not supported by this device family")
)

// FormatUserError turns an error chain into a message with a hint where one helps.
func FormatUserError(err error) string {
	var devErr *textline.DeviceError
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return fmt.Sprintf("Bluetooth is off or unavailable; turn it on and retry (%v)", err)
	case errors.Is(err, device.ErrDeviceNotFound):
		return fmt.Sprintf("device not found; check it is powered on, advertising and not connected elsewhere (%v)", err)
	case errors.Is(err, device.ErrBindFailed):
		return fmt.Sprintf("connected, but the device does not look like the selected family (%v)", err)
	case errors.Is(err, ErrConnectionLost):
		return fmt.Sprintf("%v; the device went out of range or was switched off", err)
	case errors.As(err, &devErr):
		return fmt.Sprintf("device rejected the command: %s (%v)", textline.StatusText(devErr.Code), err)
	case errors.Is(err, session.ErrReadOnly):
		return fmt.Sprintf("%v; only writable fields can be set", err)
	case errors.Is(err, protocol.ErrUnknown):
		return fmt.Sprintf("%v; run 'imulink get --help' for the known names", err)
	default:
		return err.Error()
	}
}
