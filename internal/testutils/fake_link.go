package testutils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/srg/mwstream/internal/device"
)

// FakeLink is an in-memory device.Link. Every call is recorded by method
// name; failures and blocking can be injected per method.
type FakeLink struct {
	addr device.Address

	mu            sync.Mutex
	calls         []string
	failures      map[string]error
	blocks        map[string]chan struct{}
	battery       uint8
	intervals     []time.Duration
	packed        bool
	accelCfg      device.AccelConfig
	fusionCfg     device.FusionConfig
	accelHandler  device.SampleHandler
	fusionHandler device.SampleHandler
	closed        bool

	disconnected chan struct{}
	dropOnce     sync.Once
}

// NewFakeLink creates a link reporting a full battery.
func NewFakeLink(addr device.Address) *FakeLink {
	return &FakeLink{
		addr:         addr,
		failures:     make(map[string]error),
		blocks:       make(map[string]chan struct{}),
		battery:      100,
		disconnected: make(chan struct{}),
	}
}

// Fail makes the named method return err until cleared with Fail(method, nil).
func (l *FakeLink) Fail(method string, err error) *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.failures, method)
	} else {
		l.failures[method] = err
	}
	return l
}

// Block makes the named method wait until the returned function is called or
// the call's context is done.
func (l *FakeLink) Block(method string) (release func()) {
	ch := make(chan struct{})
	l.mu.Lock()
	l.blocks[method] = ch
	l.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// SetBattery sets the charge reported by ReadBattery.
func (l *FakeLink) SetBattery(percent uint8) *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.battery = percent
	return l
}

// Drop simulates an unexpected disconnect.
func (l *FakeLink) Drop() {
	l.dropOnce.Do(func() { close(l.disconnected) })
}

// Calls returns the recorded method names in call order.
func (l *FakeLink) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// CallCount returns how often method was called.
func (l *FakeLink) CallCount(method string) int {
	n := 0
	for _, c := range l.Calls() {
		if c == method {
			n++
		}
	}
	return n
}

// Intervals returns the requested connection intervals.
func (l *FakeLink) Intervals() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Duration(nil), l.intervals...)
}

// Packed reports whether the accelerometer was last enabled in packed mode.
func (l *FakeLink) Packed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.packed
}

// AccelConfig returns the last accelerometer configuration.
func (l *FakeLink) AccelConfig() device.AccelConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accelCfg
}

// FusionConfig returns the last sensor fusion configuration.
func (l *FakeLink) FusionConfig() device.FusionConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fusionCfg
}

// Closed reports whether Close was called.
func (l *FakeLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// EmitAcceleration delivers a sample to the enabled accelerometer handler.
// It reports false when the accelerometer is not enabled.
func (l *FakeLink) EmitAcceleration(a device.Acceleration) bool {
	l.mu.Lock()
	h := l.accelHandler
	l.mu.Unlock()
	if h == nil {
		return false
	}
	h(device.Sample{Address: l.addr, Module: device.Accelerometer, Timestamp: time.Now(), Acceleration: &a})
	return true
}

// EmitQuaternion delivers a sample to the enabled sensor fusion handler.
func (l *FakeLink) EmitQuaternion(q device.Quaternion) bool {
	l.mu.Lock()
	h := l.fusionHandler
	l.mu.Unlock()
	if h == nil {
		return false
	}
	h(device.Sample{Address: l.addr, Module: device.SensorFusion, Timestamp: time.Now(), Quaternion: &q})
	return true
}

// record logs the call, then honours any injected block and failure.
func (l *FakeLink) record(ctx context.Context, method string) error {
	l.mu.Lock()
	l.calls = append(l.calls, method)
	block := l.blocks[method]
	err := l.failures[method]
	l.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		case <-l.disconnected:
			return fmt.Errorf("%s: %w", method, device.ErrNotConnected)
		}
	}
	return err
}

func (l *FakeLink) Address() device.Address { return l.addr }

func (l *FakeLink) Initialize(ctx context.Context) error {
	return l.record(ctx, "Initialize")
}

func (l *FakeLink) ReadBattery(ctx context.Context) (uint8, error) {
	if err := l.record(ctx, "ReadBattery"); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.battery, nil
}

func (l *FakeLink) SetConnectionInterval(ctx context.Context, interval time.Duration) error {
	if err := l.record(ctx, "SetConnectionInterval"); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.intervals = append(l.intervals, interval)
	return nil
}

func (l *FakeLink) ConfigureAccelerometer(ctx context.Context, cfg device.AccelConfig) error {
	if err := l.record(ctx, "ConfigureAccelerometer"); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accelCfg = cfg
	return nil
}

func (l *FakeLink) EnableAccelerometer(ctx context.Context, packed bool, handler device.SampleHandler) error {
	if err := l.record(ctx, "EnableAccelerometer"); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.packed = packed
	l.accelHandler = handler
	return nil
}

func (l *FakeLink) DisableAccelerometer(ctx context.Context) error {
	if err := l.record(ctx, "DisableAccelerometer"); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accelHandler = nil
	return nil
}

func (l *FakeLink) ConfigureSensorFusion(ctx context.Context, cfg device.FusionConfig) error {
	if err := l.record(ctx, "ConfigureSensorFusion"); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fusionCfg = cfg
	return nil
}

func (l *FakeLink) EnableSensorFusion(ctx context.Context, handler device.SampleHandler) error {
	if err := l.record(ctx, "EnableSensorFusion"); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fusionHandler = handler
	return nil
}

func (l *FakeLink) DisableSensorFusion(ctx context.Context) error {
	if err := l.record(ctx, "DisableSensorFusion"); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fusionHandler = nil
	return nil
}

func (l *FakeLink) Disconnected() <-chan struct{} { return l.disconnected }

func (l *FakeLink) Close() error {
	err := l.record(context.Background(), "Close")
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.accelHandler = nil
	l.fusionHandler = nil
	return err
}
