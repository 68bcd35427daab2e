//go:build !linux && !darwin

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
)

func newDevice() (ble.Device, error) {
	return nil, fmt.Errorf("no BLE backend for %s", runtime.GOOS)
}
