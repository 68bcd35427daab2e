package metawear

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/srg/mwstream/internal/device"
)

// BMI160 output data rates and their register codes.
var accelODRs = []struct {
	hz   float64
	code byte
}{
	{0.78125, 0x01}, {1.5625, 0x02}, {3.125, 0x03}, {6.25, 0x04},
	{12.5, 0x05}, {25, 0x06}, {50, 0x07}, {100, 0x08},
	{200, 0x09}, {400, 0x0A}, {800, 0x0B}, {1600, 0x0C},
}

// BMI160 ranges: register code and LSB per g.
var accelRanges = []struct {
	g     float64
	code  byte
	scale float32
}{
	{2, 0x03, 16384}, {4, 0x05, 8192}, {8, 0x08, 4096}, {16, 0x0C, 2048},
}

// normal filter bandwidth, bits 4..6 of the acc_conf byte
const accelBandwidthNormal byte = 0x02 << 4

// AccelSetting is an accelerometer configuration resolved to what the
// hardware supports.
type AccelSetting struct {
	ODR    float64
	RangeG float64
	Scale  float32 // LSB per g
	Config []byte  // data config command
}

// ResolveAccel snaps cfg to the nearest supported output data rate and the
// smallest range covering cfg.RangeG, and builds the data config command.
func ResolveAccel(cfg device.AccelConfig) (AccelSetting, error) {
	if cfg.ODR <= 0 {
		return AccelSetting{}, fmt.Errorf("accelerometer ODR must be positive, got %v", cfg.ODR)
	}

	odr := accelODRs[0]
	best := math.Inf(1)
	for _, o := range accelODRs {
		if d := math.Abs(math.Log2(o.hz / cfg.ODR)); d < best {
			best = d
			odr = o
		}
	}

	rng := accelRanges[len(accelRanges)-1]
	for _, r := range accelRanges {
		if cfg.RangeG <= r.g {
			rng = r
			break
		}
	}

	return AccelSetting{
		ODR:    odr.hz,
		RangeG: rng.g,
		Scale:  rng.scale,
		Config: []byte{ModuleAccelerometer, accDataConfig, odr.code | accelBandwidthNormal, rng.code},
	}, nil
}

// AccelSubscribe enables or disables delivery of accelerometer data
// notifications. Packed mode delivers three samples per packet.
func AccelSubscribe(packed, enable bool) []byte {
	reg := accDataValue
	if packed {
		reg = accPackedValue
	}
	return []byte{ModuleAccelerometer, reg, bool2byte(enable)}
}

// AccelInterrupt enables or disables the data-ready interrupt.
func AccelInterrupt(enable bool) []byte {
	if enable {
		return []byte{ModuleAccelerometer, accDataIntEnable, 0x01, 0x00}
	}
	return []byte{ModuleAccelerometer, accDataIntEnable, 0x00, 0x01}
}

// AccelPower starts sampling or returns the accelerometer to standby.
func AccelPower(start bool) []byte {
	return []byte{ModuleAccelerometer, accPowerMode, bool2byte(start)}
}

// IsAccelData reports whether n carries accelerometer samples.
func IsAccelData(n Notification) bool {
	return n.Module == ModuleAccelerometer && (n.Register == accDataValue || n.Register == accPackedValue)
}

// DecodeAcceleration decodes one (6 byte) or packed (18 byte) accelerometer
// payload into samples in g.
func DecodeAcceleration(payload []byte, scale float32) ([]device.Acceleration, error) {
	if len(payload) == 0 || len(payload)%6 != 0 {
		return nil, fmt.Errorf("%w: acceleration payload of %d bytes", ErrShortPacket, len(payload))
	}
	if scale == 0 {
		return nil, fmt.Errorf("acceleration scale must be non-zero")
	}

	out := make([]device.Acceleration, 0, len(payload)/6)
	for off := 0; off < len(payload); off += 6 {
		out = append(out, device.Acceleration{
			X: float32(int16(binary.LittleEndian.Uint16(payload[off:]))) / scale,
			Y: float32(int16(binary.LittleEndian.Uint16(payload[off+2:]))) / scale,
			Z: float32(int16(binary.LittleEndian.Uint16(payload[off+4:]))) / scale,
		})
	}
	return out, nil
}
