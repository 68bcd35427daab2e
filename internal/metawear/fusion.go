package metawear

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/srg/mwstream/internal/device"
)

// gyro range 2000 dps, stored one-based in the high nibble
const fusionGyroRange2000 byte = 0x01 << 4

func fusionAccelRangeIndex(g float64) byte {
	switch {
	case g <= 2:
		return 0
	case g <= 4:
		return 1
	case g <= 8:
		return 2
	default:
		return 3
	}
}

// FusionModeConfig builds the sensor fusion mode command.
func FusionModeConfig(cfg device.FusionConfig) ([]byte, error) {
	if cfg.Mode < device.FusionNDoF || cfg.Mode > device.FusionM4G {
		return nil, fmt.Errorf("unsupported fusion mode %d", cfg.Mode)
	}
	return []byte{ModuleSensorFusion, fusionMode, byte(cfg.Mode), fusionAccelRangeIndex(cfg.RangeG) | fusionGyroRange2000}, nil
}

// FusionStart returns the command sequence that subscribes to quaternion
// output and starts the fusion engine along with the sensors it consumes.
func FusionStart() [][]byte {
	return [][]byte{
		{ModuleSensorFusion, fusionQuaternion, 0x01},
		{ModuleSensorFusion, fusionOutputEnable, quaternionOutputBit, 0x00},
		{ModuleAccelerometer, accDataIntEnable, 0x01, 0x00},
		{ModuleGyro, 0x02, 0x01, 0x00},
		{ModuleMagnetometer, 0x02, 0x01, 0x00},
		{ModuleAccelerometer, accPowerMode, 0x01},
		{ModuleGyro, 0x01, 0x01},
		{ModuleMagnetometer, 0x01, 0x01},
		{ModuleSensorFusion, fusionEnable, 0x01},
	}
}

// FusionStop is the reverse of FusionStart.
func FusionStop() [][]byte {
	return [][]byte{
		{ModuleSensorFusion, fusionEnable, 0x00},
		{ModuleAccelerometer, accPowerMode, 0x00},
		{ModuleGyro, 0x01, 0x00},
		{ModuleMagnetometer, 0x01, 0x00},
		{ModuleAccelerometer, accDataIntEnable, 0x00, 0x01},
		{ModuleGyro, 0x02, 0x00, 0x01},
		{ModuleMagnetometer, 0x02, 0x00, 0x01},
		{ModuleSensorFusion, fusionOutputEnable, 0x00, quaternionOutputBit},
		{ModuleSensorFusion, fusionQuaternion, 0x00},
	}
}

// IsQuaternion reports whether n carries a fusion quaternion.
func IsQuaternion(n Notification) bool {
	return n.Module == ModuleSensorFusion && n.Register == fusionQuaternion
}

// DecodeQuaternion decodes four little-endian float32 values (w, x, y, z).
func DecodeQuaternion(payload []byte) (device.Quaternion, error) {
	if len(payload) < 16 {
		return device.Quaternion{}, fmt.Errorf("%w: quaternion payload of %d bytes", ErrShortPacket, len(payload))
	}
	f := func(off int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
	}
	return device.Quaternion{W: f(0), X: f(4), Y: f(8), Z: f(12)}, nil
}
