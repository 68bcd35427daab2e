// Package device defines the radio capability used by the stream coordinator
// and the value types shared across it.
//
// It provides:
//   - Address, the 48-bit BLE device address and its colon-separated codec
//   - Radio and Link, the injected BLE transport (scan, dial, GATT-backed
//     module primitives, unexpected-disconnect notification)
//   - Sample, the unit of streamed accelerometer / orientation data
//   - Typed connection errors comparable with errors.Is
package device
