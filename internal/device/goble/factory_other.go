//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"

	"github.com/srg/imulink/internal/device"
)

func newDevice() (ble.Device, error) {
	return nil, fmt.Errorf("%w: no BLE central stack for %s", device.ErrUnsupported, runtime.GOOS)
}
