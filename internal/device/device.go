package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected         ConnectionState = "not_connected"
	AlreadyConnected     ConnectionState = "already_connected"
	ConnectFailed        ConnectionState = "connect_failed"
	NotReady             ConnectionState = "not_ready"
	ModuleConflict       ConnectionState = "module_conflict"
	NotStreaming         ConnectionState = "not_streaming"
	UnexpectedDisconnect ConnectionState = "unexpected_disconnect"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected         = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected     = &ConnectionError{State: AlreadyConnected}
	ErrConnectFailed        = &ConnectionError{State: ConnectFailed}
	ErrNotReady             = &ConnectionError{State: NotReady}
	ErrModuleConflict       = &ConnectionError{State: ModuleConflict}
	ErrNotStreaming         = &ConnectionError{State: NotStreaming}
	ErrUnexpectedDisconnect = &ConnectionError{State: UnexpectedDisconnect}
)

// Operation errors
var (
	ErrTimeout      = errors.New("timeout")
	ErrBluetoothOff = errors.New("bluetooth is turned off")
)

// ConnectError is returned when a board could not be connected or initialized.
// The link has already been released when this error is observed.
type ConnectError struct {
	Address Address
	Stage   string // "connect", "initialize", "battery"
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("could not %s board %s: %v", e.Stage, e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Is makes every ConnectError match ErrConnectFailed.
func (e *ConnectError) Is(target error) bool {
	t, ok := target.(*ConnectionError)
	return ok && t.State == ConnectFailed
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	return errors.Is(err, &ConnectionError{State: state})
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// NormalizeError maps common radio error strings to structured errors.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "bluetooth is turned off"), containsIgnoreCase(msg, "is Bluetooth turned on"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	default:
		return err
	}
}

// Advertisement is a single BLE advertisement observed while scanning.
type Advertisement interface {
	Addr() Address
	LocalName() string
	Services() []string
	RSSI() int
}

// Radio is the BLE transport the core calls into.
type Radio interface {
	// Scan delivers advertisements to handler until ctx is done.
	Scan(ctx context.Context, handler func(Advertisement)) error
	// Dial acquires a radio link to the board at addr.
	Dial(ctx context.Context, addr Address) (Link, error)
}

// ModuleKind identifies a board-side sensor module.
type ModuleKind int

const (
	Accelerometer ModuleKind = iota
	SensorFusion
)

func (m ModuleKind) String() string {
	switch m {
	case Accelerometer:
		return "accelerometer"
	case SensorFusion:
		return "sensor_fusion"
	default:
		return fmt.Sprintf("module(%d)", int(m))
	}
}

// Acceleration in units of g.
type Acceleration struct {
	X, Y, Z float32
}

// Quaternion is a unit orientation quaternion.
type Quaternion struct {
	W, X, Y, Z float32
}

// Sample is one reading delivered by a streaming module.
// Exactly one of Acceleration and Quaternion is set, according to Module.
type Sample struct {
	Address      Address
	Module       ModuleKind
	Timestamp    time.Time
	Acceleration *Acceleration
	Quaternion   *Quaternion
}

// SampleHandler receives samples from the radio layer. It is called from the
// radio's notification goroutine and must not block.
type SampleHandler func(Sample)

// AccelConfig configures the accelerometer output data rate and range.
type AccelConfig struct {
	ODR    float64 // Hz
	RangeG float64
}

// FusionMode selects the sensor fusion algorithm.
type FusionMode int

const (
	FusionNDoF FusionMode = iota + 1
	FusionIMUPlus
	FusionCompass
	FusionM4G
)

// FusionConfig configures the sensor fusion module.
type FusionConfig struct {
	Mode   FusionMode
	RangeG float64
}

// Link is a live radio connection to a single board.
type Link interface {
	Address() Address

	// Initialize performs the board's one-time setup handshake.
	Initialize(ctx context.Context) error
	// ReadBattery returns the battery charge in percent.
	ReadBattery(ctx context.Context) (uint8, error)
	// SetConnectionInterval requests a new BLE connection interval.
	SetConnectionInterval(ctx context.Context, interval time.Duration) error

	ConfigureAccelerometer(ctx context.Context, cfg AccelConfig) error
	EnableAccelerometer(ctx context.Context, packed bool, handler SampleHandler) error
	// DisableAccelerometer stops sampling and returns the module to standby.
	DisableAccelerometer(ctx context.Context) error

	ConfigureSensorFusion(ctx context.Context, cfg FusionConfig) error
	EnableSensorFusion(ctx context.Context, handler SampleHandler) error
	DisableSensorFusion(ctx context.Context) error

	// Disconnected is closed when the link drops without Close being called.
	Disconnected() <-chan struct{}
	// Close releases the radio link.
	Close() error
}
