package goble

import (
	"fmt"
	"strings"

	"github.com/srg/mwstream/internal/device"
)

// NormalizeError maps go-ble specific error strings to structured errors and
// defers everything else to device.NormalizeError.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "can't init hci"), containsIgnoreCase(msg, "no devices available"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case msg == "disconnected":
		// CoreBluetooth client calls on a dropped peripheral
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case containsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", device.ErrNotReady, err)
	default:
		return device.NormalizeError(err)
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
