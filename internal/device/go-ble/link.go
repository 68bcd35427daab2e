package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/mwstream/internal/device"
	"github.com/srg/mwstream/internal/groutine"
	"github.com/srg/mwstream/internal/metawear"
)

// LinkOptions tunes the MetaWear handshake.
type LinkOptions struct {
	// ModuleProbeTimeout bounds each module info round trip.
	ModuleProbeTimeout time.Duration `default:"2s"`
	// WriteWithResponse makes command writes acknowledged.
	WriteWithResponse bool `default:"false"`
}

// DefaultLinkOptions returns the options used when none are given.
func DefaultLinkOptions() *LinkOptions {
	return &LinkOptions{ModuleProbeTimeout: 2 * time.Second}
}

var errModuleMissing = errors.New("module not present")

// required modules, probed during Initialize
var requiredModules = []struct {
	id   byte
	name string
}{
	{metawear.ModuleAccelerometer, "accelerometer"},
	{metawear.ModuleSensorFusion, "sensor fusion"},
}

// link is a MetaWear session over a go-ble client.
type link struct {
	addr   device.Address
	client ble.Client
	logger *logrus.Logger
	opts   *LinkOptions

	writeSlot  chan struct{} // held until the radio call returns
	commandChr *ble.Characteristic
	notifyChr  *ble.Characteristic
	profile    *ble.Profile
	firmware   string

	mu          sync.Mutex
	accel       device.SampleHandler
	accelScale  float32
	accelPacked bool
	fusion      device.SampleHandler
	probes      map[byte]chan metawear.ModuleInfo

	closing  atomic.Bool
	dropped  chan struct{}
	stopOnce sync.Once
	stop     chan struct{}
}

func newLink(addr device.Address, client ble.Client, opts *LinkOptions, logger *logrus.Logger) *link {
	l := &link{
		addr:    addr,
		client:  client,
		logger:  logger,
		opts:    opts,
		probes:    make(map[byte]chan metawear.ModuleInfo),
		writeSlot: make(chan struct{}, 1),
		dropped:   make(chan struct{}),
		stop:      make(chan struct{}),
	}

	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-link-monitor-"+addr.String(), func(context.Context) {
			select {
			case <-dc.Disconnected():
				if !l.closing.Load() {
					l.logger.WithField("address", l.addr).Warn("BLE link reported disconnection")
					close(l.dropped)
				}
			case <-l.stop:
			}
		})
	} else {
		logger.Debug("Client does not support Disconnected() channel")
	}
	return l
}

func (l *link) Address() device.Address { return l.addr }

func (l *link) Disconnected() <-chan struct{} { return l.dropped }

// call runs a blocking go-ble call so that ctx can abandon it. go-ble calls
// take no context; an abandoned call finishes in the background.
func call[T any](ctx context.Context, name string, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	groutine.Go(ctx, name, func(context.Context) {
		v, err := fn()
		done <- result{v, err}
	})

	select {
	case r := <-done:
		return r.v, NormalizeError(r.err)
	case <-ctx.Done():
		var zero T
		return zero, context.Cause(ctx)
	}
}

func (l *link) Initialize(ctx context.Context) error {
	log := l.logger.WithField("address", l.addr)

	log.Debug("Discovering services and characteristics...")
	profile, err := call(ctx, "ble-discover", func() (*ble.Profile, error) {
		return l.client.DiscoverProfile(true)
	})
	if err != nil {
		return fmt.Errorf("failed to discover profile: %w", err)
	}

	l.profile = profile
	l.commandChr = findCharacteristic(profile, metawear.CommandCharUUID)
	l.notifyChr = findCharacteristic(profile, metawear.NotifyCharUUID)
	if l.commandChr == nil || l.notifyChr == nil {
		return fmt.Errorf("board does not expose the MetaWear service %s", metawear.ServiceUUID)
	}

	if _, err := call(ctx, "ble-subscribe", func() (struct{}, error) {
		return struct{}{}, l.client.Subscribe(l.notifyChr, false, l.handleNotification)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to notifications: %w", err)
	}

	if fw := findCharacteristic(profile, metawear.FirmwareRevisionUUID); fw != nil {
		if b, err := call(ctx, "ble-read-firmware", func() ([]byte, error) {
			return l.client.ReadCharacteristic(fw)
		}); err == nil {
			l.firmware = string(b)
		} else {
			log.WithField("error", err).Debug("Failed to read firmware revision")
		}
	}

	for _, m := range requiredModules {
		info, err := l.probe(ctx, m.id)
		if err != nil {
			return fmt.Errorf("probe %s: %w", m.name, err)
		}
		if !info.Present {
			return fmt.Errorf("%s: %w", m.name, errModuleMissing)
		}
		log.WithFields(logrus.Fields{
			"module":         m.name,
			"implementation": info.Implementation,
			"revision":       info.Revision,
		}).Debug("Module present")
	}

	log.WithFields(logrus.Fields{
		"firmware": l.firmware,
		"services": len(profile.Services),
	}).Info("MetaWear board initialized")
	return nil
}

// probe writes a module info read and waits for the answer.
func (l *link) probe(ctx context.Context, module byte) (metawear.ModuleInfo, error) {
	ch := make(chan metawear.ModuleInfo, 1)
	l.mu.Lock()
	l.probes[module] = ch
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.probes, module)
		l.mu.Unlock()
	}()

	if err := l.write(ctx, metawear.ReadModuleInfo(module)); err != nil {
		return metawear.ModuleInfo{}, err
	}

	timer := time.NewTimer(l.opts.ModuleProbeTimeout)
	defer timer.Stop()
	select {
	case info := <-ch:
		return info, nil
	case <-timer.C:
		return metawear.ModuleInfo{}, fmt.Errorf("%w: no module info for 0x%02x", device.ErrTimeout, module)
	case <-ctx.Done():
		return metawear.ModuleInfo{}, context.Cause(ctx)
	}
}

func (l *link) ReadBattery(ctx context.Context) (uint8, error) {
	c := findCharacteristic(l.profile, metawear.BatteryLevelUUID)
	if c == nil {
		return 0, fmt.Errorf("battery level characteristic not found")
	}
	b, err := call(ctx, "ble-read-battery", func() ([]byte, error) {
		return l.client.ReadCharacteristic(c)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read battery: %w", err)
	}
	if len(b) == 0 {
		return 0, fmt.Errorf("empty battery level")
	}
	return b[0], nil
}

func (l *link) SetConnectionInterval(ctx context.Context, interval time.Duration) error {
	return l.write(ctx, metawear.ConnectionParameters(interval))
}

func (l *link) ConfigureAccelerometer(ctx context.Context, cfg device.AccelConfig) error {
	setting, err := metawear.ResolveAccel(cfg)
	if err != nil {
		return err
	}
	if err := l.write(ctx, setting.Config); err != nil {
		return err
	}

	l.mu.Lock()
	l.accelScale = setting.Scale
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"address": l.addr,
		"odr":     setting.ODR,
		"range_g": setting.RangeG,
	}).Debug("Accelerometer configured")
	return nil
}

func (l *link) EnableAccelerometer(ctx context.Context, packed bool, handler device.SampleHandler) error {
	l.mu.Lock()
	l.accel = handler
	l.accelPacked = packed
	l.mu.Unlock()

	err := l.writeAll(ctx, [][]byte{
		metawear.AccelSubscribe(packed, true),
		metawear.AccelInterrupt(true),
		metawear.AccelPower(true),
	})
	if err != nil {
		l.mu.Lock()
		l.accel = nil
		l.mu.Unlock()
	}
	return err
}

func (l *link) DisableAccelerometer(ctx context.Context) error {
	l.mu.Lock()
	packed := l.accelPacked
	l.mu.Unlock()

	if err := l.writeAll(ctx, [][]byte{
		metawear.AccelPower(false),
		metawear.AccelInterrupt(false),
		metawear.AccelSubscribe(packed, false),
	}); err != nil {
		return err
	}

	l.mu.Lock()
	l.accel = nil
	l.mu.Unlock()
	return nil
}

func (l *link) ConfigureSensorFusion(ctx context.Context, cfg device.FusionConfig) error {
	cmd, err := metawear.FusionModeConfig(cfg)
	if err != nil {
		return err
	}
	return l.write(ctx, cmd)
}

func (l *link) EnableSensorFusion(ctx context.Context, handler device.SampleHandler) error {
	l.mu.Lock()
	l.fusion = handler
	l.mu.Unlock()

	err := l.writeAll(ctx, metawear.FusionStart())
	if err != nil {
		l.mu.Lock()
		l.fusion = nil
		l.mu.Unlock()
	}
	return err
}

func (l *link) DisableSensorFusion(ctx context.Context) error {
	if err := l.writeAll(ctx, metawear.FusionStop()); err != nil {
		return err
	}
	l.mu.Lock()
	l.fusion = nil
	l.mu.Unlock()
	return nil
}

func (l *link) Close() error {
	l.closing.Store(true)
	l.stopOnce.Do(func() { close(l.stop) })

	if l.notifyChr != nil {
		if err := NormalizeError(l.client.Unsubscribe(l.notifyChr, false)); err != nil {
			l.logger.WithFields(logrus.Fields{
				"address": l.addr,
				"error":   err,
			}).Debug("Failed to unsubscribe from notifications")
		}
	}
	return NormalizeError(l.client.CancelConnection())
}

func (l *link) write(ctx context.Context, cmd []byte) error {
	if l.commandChr == nil {
		return fmt.Errorf("%w: link not initialized", device.ErrNotReady)
	}

	select {
	case l.writeSlot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("write % x: %w", cmd, context.Cause(ctx))
	}

	// An abandoned write keeps the slot until go-ble returns, so the next
	// command never overlaps it on the radio.
	_, err := call(ctx, "ble-write", func() (struct{}, error) {
		defer func() { <-l.writeSlot }()
		return struct{}{}, l.client.WriteCharacteristic(l.commandChr, cmd, !l.opts.WriteWithResponse)
	})
	if err != nil {
		return fmt.Errorf("write % x: %w", cmd, err)
	}
	return nil
}

func (l *link) writeAll(ctx context.Context, cmds [][]byte) error {
	for _, cmd := range cmds {
		if err := l.write(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// handleNotification runs on the go-ble notification goroutine.
func (l *link) handleNotification(data []byte) {
	n, err := metawear.ParseNotification(data)
	if err != nil {
		l.logger.WithField("error", err).Debug("Dropping malformed notification")
		return
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case metawear.IsAccelData(n):
		if l.accel == nil {
			return
		}
		samples, err := metawear.DecodeAcceleration(n.Payload, l.accelScale)
		if err != nil {
			l.logger.WithField("error", err).Debug("Dropping acceleration packet")
			return
		}
		for i := range samples {
			l.accel(device.Sample{Address: l.addr, Module: device.Accelerometer, Timestamp: now, Acceleration: &samples[i]})
		}

	case metawear.IsQuaternion(n):
		if l.fusion == nil {
			return
		}
		q, err := metawear.DecodeQuaternion(n.Payload)
		if err != nil {
			l.logger.WithField("error", err).Debug("Dropping quaternion packet")
			return
		}
		l.fusion(device.Sample{Address: l.addr, Module: device.SensorFusion, Timestamp: now, Quaternion: &q})

	default:
		for module, ch := range l.probes {
			if metawear.IsModuleInfo(n, module) {
				select {
				case ch <- metawear.ParseModuleInfo(n):
				default:
				}
				return
			}
		}
	}
}

func findCharacteristic(p *ble.Profile, uuid string) *ble.Characteristic {
	if p == nil {
		return nil
	}
	return p.FindCharacteristic(ble.NewCharacteristic(ble.MustParse(uuid)))
}
