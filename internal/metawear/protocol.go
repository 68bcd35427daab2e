// Package metawear builds MetaWear command packets and decodes the board's
// notification packets. It has no radio dependency; the go-ble backend writes
// the bytes produced here to the command characteristic.
package metawear

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// GATT identifiers of the MetaWear profile.
const (
	ServiceUUID     = "326a9000-85cb-9195-d9dd-464cfbbae75a"
	CommandCharUUID = "326a9001-85cb-9195-d9dd-464cfbbae75a"
	NotifyCharUUID  = "326a9006-85cb-9195-d9dd-464cfbbae75a"

	DeviceInfoServiceUUID = "180a"
	FirmwareRevisionUUID  = "2a26"
	BatteryServiceUUID    = "180f"
	BatteryLevelUUID      = "2a19"
)

// Module identifiers.
const (
	ModuleAccelerometer byte = 0x03
	ModuleSettings      byte = 0x11
	ModuleGyro          byte = 0x13
	ModuleMagnetometer  byte = 0x15
	ModuleSensorFusion  byte = 0x19
)

const (
	readFlag byte = 0x80

	regInfo byte = 0x00

	accPowerMode     byte = 0x01
	accDataIntEnable byte = 0x02
	accDataConfig    byte = 0x03
	accDataValue     byte = 0x04
	accPackedValue   byte = 0x1C

	settingsConnParams byte = 0x09

	fusionEnable       byte = 0x01
	fusionMode         byte = 0x02
	fusionOutputEnable byte = 0x03
	fusionQuaternion   byte = 0x07

	quaternionOutputBit byte = 1 << 3
)

// connection parameter limits, in 1.25 ms units
const (
	connIntervalUnit       = 1250 * time.Microsecond
	minConnIntervalUnits   = 6
	maxConnIntervalUnits   = 3200
	supervisionTimeout10ms = 600
)

var ErrShortPacket = errors.New("metawear: packet too short")

// ModuleInfo is the decoded response to a module info read.
type ModuleInfo struct {
	Module         byte
	Present        bool
	Implementation byte
	Revision       byte
}

// ReadModuleInfo returns the command that requests a module's info register.
func ReadModuleInfo(module byte) []byte {
	return []byte{module, readFlag | regInfo}
}

// IsModuleInfo reports whether a notification answers ReadModuleInfo(module).
func IsModuleInfo(n Notification, module byte) bool {
	return n.Module == module && n.Register == readFlag|regInfo
}

// ParseModuleInfo decodes a module info response. A response without an
// implementation byte means the module is absent from the board.
func ParseModuleInfo(n Notification) ModuleInfo {
	info := ModuleInfo{Module: n.Module}
	if len(n.Payload) >= 1 {
		info.Present = true
		info.Implementation = n.Payload[0]
	}
	if len(n.Payload) >= 2 {
		info.Revision = n.Payload[1]
	}
	return info
}

// ConnectionParameters returns the settings command requesting interval as
// both the minimum and maximum connection interval.
func ConnectionParameters(interval time.Duration) []byte {
	units := int64(math.Round(float64(interval) / float64(connIntervalUnit)))
	if units < minConnIntervalUnits {
		units = minConnIntervalUnits
	}
	if units > maxConnIntervalUnits {
		units = maxConnIntervalUnits
	}

	cmd := make([]byte, 10)
	cmd[0] = ModuleSettings
	cmd[1] = settingsConnParams
	binary.LittleEndian.PutUint16(cmd[2:], uint16(units))
	binary.LittleEndian.PutUint16(cmd[4:], uint16(units))
	binary.LittleEndian.PutUint16(cmd[6:], 0)
	binary.LittleEndian.PutUint16(cmd[8:], supervisionTimeout10ms)
	return cmd
}

// Notification is a packet received on the notify characteristic.
type Notification struct {
	Module   byte
	Register byte
	Payload  []byte
}

// ParseNotification splits a raw packet into its header and payload.
func ParseNotification(data []byte) (Notification, error) {
	if len(data) < 2 {
		return Notification{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}
	return Notification{Module: data[0], Register: data[1], Payload: data[2:]}, nil
}

func bool2byte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
