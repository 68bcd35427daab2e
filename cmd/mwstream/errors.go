package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/mwstream/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the board dropped while streaming and was
	// not recovered.
	ErrConnectionLost = errors.New("connection lost")

	errNoDevices = errors.New("no MetaWear boards discovered")
)

// FormatUserError turns err into a one-line message for the console.
func FormatUserError(err error) string {
	var fe *device.FormatError
	var ce *device.ConnectError

	switch {
	case err == nil:
		return ""
	case errors.As(err, &fe):
		return fmt.Sprintf("%q is not a board address (expected six hex pairs like E6:1F:69:18:13:38)", fe.Input)
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off or unavailable"
	case errors.As(err, &ce) && errors.Is(err, device.ErrTimeout):
		return fmt.Sprintf("timed out connecting to %s", ce.Address)
	case errors.As(err, &ce):
		return fmt.Sprintf("could not connect to %s during %s: %v", ce.Address, ce.Stage, errors.Unwrap(ce))
	case errors.Is(err, ErrConnectionLost), errors.Is(err, device.ErrUnexpectedDisconnect):
		return "the board disconnected unexpectedly"
	case errors.Is(err, device.ErrModuleConflict):
		return "the requested sensor cannot stream alongside the one already running"
	case errors.Is(err, device.ErrNotReady):
		return "the board is not connected"
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	default:
		return err.Error()
	}
}
