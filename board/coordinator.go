package board

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/mwstream/internal/device"
)

// Speed selects the accelerometer sampling profile.
type Speed int

const (
	// Normal streams one sample per radio packet.
	Normal Speed = iota
	// Fast packs three samples per radio packet.
	Fast
)

func (s Speed) String() string {
	if s == Fast {
		return "fast"
	}
	return "normal"
}

// ParseSpeed accepts "normal" or "fast".
func ParseSpeed(s string) (Speed, error) {
	switch strings.ToLower(s) {
	case "normal", "":
		return Normal, nil
	case "fast":
		return Fast, nil
	}
	return Normal, fmt.Errorf("unknown speed %q (want normal or fast)", s)
}

// Bandwidth is the share of the link budget a stream may use.
type Bandwidth int

const (
	FullBandwidth Bandwidth = iota
	// ReducedBandwidth runs the accelerometer at the combined-mode profile,
	// which leaves room for sensor fusion on the same link.
	ReducedBandwidth
)

// StreamProfile describes one module stream.
type StreamProfile struct {
	Module    device.ModuleKind
	Speed     Speed
	Bandwidth Bandwidth
}

// Scenario is a user-level streaming choice.
type Scenario int

const (
	ScenarioAccelerometer Scenario = iota
	ScenarioSensorFusion
	ScenarioCombined
)

func (s Scenario) String() string {
	switch s {
	case ScenarioAccelerometer:
		return "accel"
	case ScenarioSensorFusion:
		return "fusion"
	case ScenarioCombined:
		return "combined"
	default:
		return fmt.Sprintf("scenario(%d)", int(s))
	}
}

// ParseScenario accepts accel, fusion or combined.
func ParseScenario(s string) (Scenario, error) {
	switch strings.ToLower(s) {
	case "accel", "accelerometer":
		return ScenarioAccelerometer, nil
	case "fusion", "sensor_fusion":
		return ScenarioSensorFusion, nil
	case "combined":
		return ScenarioCombined, nil
	}
	return 0, fmt.Errorf("unknown scenario %q (want accel, fusion or combined)", s)
}

// CoordinatorOptions sets the module profiles and link tuning.
type CoordinatorOptions struct {
	Accel  device.AccelConfig
	Fusion device.FusionConfig

	// CombinedAccel and CombinedPacked are the reduced accelerometer profile
	// used alongside sensor fusion.
	CombinedAccel  device.AccelConfig
	CombinedPacked bool

	// ConnectionInterval is requested once per link before the first module
	// is enabled; IntervalSettle is how long to wait for it to take effect.
	ConnectionInterval time.Duration
	IntervalSettle     time.Duration
}

// DefaultCoordinatorOptions returns the stock MetaWear streaming profiles.
func DefaultCoordinatorOptions() *CoordinatorOptions {
	return &CoordinatorOptions{
		Accel:              device.AccelConfig{ODR: 25, RangeG: 4},
		Fusion:             device.FusionConfig{Mode: device.FusionNDoF, RangeG: 16},
		CombinedAccel:      device.AccelConfig{ODR: 12.5, RangeG: 4},
		CombinedPacked:     true,
		ConnectionInterval: 7500 * time.Microsecond,
		IntervalSettle:     1500 * time.Millisecond,
	}
}

// Coordinator starts and stops sensor modules while enforcing which modules
// may stream together. It is stateless; per-board state lives on the
// Connection, so one Coordinator serves every board.
type Coordinator struct {
	opts   CoordinatorOptions
	logger *logrus.Logger
}

func NewCoordinator(opts *CoordinatorOptions, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultCoordinatorOptions()
	}
	return &Coordinator{opts: *opts, logger: logger}
}

// StartAccelerometer streams the accelerometer at full bandwidth. It conflicts
// with any other active module.
func (co *Coordinator) StartAccelerometer(ctx context.Context, c *Connection, speed Speed) error {
	return co.withBoard(ctx, c, "start accelerometer", func(ctx context.Context, link device.Link) error {
		return co.startAccel(ctx, c, link, co.opts.Accel, speed == Fast, false)
	})
}

// StopAccelerometer returns the accelerometer to standby.
func (co *Coordinator) StopAccelerometer(ctx context.Context, c *Connection) error {
	return co.withBoard(ctx, c, "stop accelerometer", func(ctx context.Context, link device.Link) error {
		return co.stopModule(ctx, c, link, device.Accelerometer)
	})
}

// StartSensorFusion streams quaternions. It conflicts with a full-bandwidth
// accelerometer stream.
func (co *Coordinator) StartSensorFusion(ctx context.Context, c *Connection) error {
	return co.withBoard(ctx, c, "start sensor fusion", func(ctx context.Context, link device.Link) error {
		return co.startFusion(ctx, c, link)
	})
}

func (co *Coordinator) StopSensorFusion(ctx context.Context, c *Connection) error {
	return co.withBoard(ctx, c, "stop sensor fusion", func(ctx context.Context, link device.Link) error {
		return co.stopModule(ctx, c, link, device.SensorFusion)
	})
}

// StartCombined streams sensor fusion at full rate together with the
// accelerometer at the reduced profile. If the accelerometer cannot be
// started, sensor fusion is stopped again.
func (co *Coordinator) StartCombined(ctx context.Context, c *Connection) error {
	return co.withBoard(ctx, c, "start combined streaming", func(ctx context.Context, link device.Link) error {
		if mods := c.ActiveModules(); len(mods) > 0 {
			return &device.ConnectionError{State: device.ModuleConflict, Msg: fmt.Sprintf("%v already streaming", mods)}
		}
		if err := co.startFusion(ctx, c, link); err != nil {
			return err
		}

		err := co.startAccel(ctx, c, link, co.opts.CombinedAccel, co.opts.CombinedPacked, true)
		if err == nil {
			return nil
		}
		if rerr := co.stopModule(ctx, c, link, device.SensorFusion); rerr != nil {
			c.logger.WithError(rerr).WithField("address", c.address.String()).Warn("Failed to roll back sensor fusion")
			return errors.Join(err, fmt.Errorf("roll back: %w", rerr))
		}
		return err
	})
}

// StopCombined stops every active module. When one of them fails to stop the
// board reflects whichever did stop and the failures are joined.
func (co *Coordinator) StopCombined(ctx context.Context, c *Connection) error {
	return co.withBoard(ctx, c, "stop combined streaming", func(ctx context.Context, link device.Link) error {
		if c.active.Cardinality() == 0 {
			return &device.ConnectionError{State: device.NotStreaming, Msg: "no module is streaming"}
		}
		var errs []error
		for _, m := range []device.ModuleKind{device.Accelerometer, device.SensorFusion} {
			if !c.active.Contains(m) {
				continue
			}
			if err := co.stopModule(ctx, c, link, m); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// StartStreaming starts a single module stream. A reduced-bandwidth
// accelerometer profile may run next to sensor fusion.
func (co *Coordinator) StartStreaming(ctx context.Context, c *Connection, p StreamProfile) error {
	switch p.Module {
	case device.Accelerometer:
		if p.Bandwidth == ReducedBandwidth {
			return co.withBoard(ctx, c, "start accelerometer", func(ctx context.Context, link device.Link) error {
				return co.startAccel(ctx, c, link, co.opts.CombinedAccel, co.opts.CombinedPacked || p.Speed == Fast, true)
			})
		}
		return co.StartAccelerometer(ctx, c, p.Speed)
	case device.SensorFusion:
		return co.StartSensorFusion(ctx, c)
	}
	return fmt.Errorf("unknown module %s", p.Module)
}

func (co *Coordinator) StopStreaming(ctx context.Context, c *Connection, p StreamProfile) error {
	switch p.Module {
	case device.Accelerometer:
		return co.StopAccelerometer(ctx, c)
	case device.SensorFusion:
		return co.StopSensorFusion(ctx, c)
	}
	return fmt.Errorf("unknown module %s", p.Module)
}

// Start runs a scenario.
func (co *Coordinator) Start(ctx context.Context, c *Connection, s Scenario, speed Speed) error {
	switch s {
	case ScenarioAccelerometer:
		return co.StartAccelerometer(ctx, c, speed)
	case ScenarioSensorFusion:
		return co.StartSensorFusion(ctx, c)
	case ScenarioCombined:
		return co.StartCombined(ctx, c)
	}
	return fmt.Errorf("unknown scenario %s", s)
}

// Stop ends a scenario started with Start.
func (co *Coordinator) Stop(ctx context.Context, c *Connection, s Scenario) error {
	switch s {
	case ScenarioAccelerometer:
		return co.StopAccelerometer(ctx, c)
	case ScenarioSensorFusion:
		return co.StopSensorFusion(ctx, c)
	case ScenarioCombined:
		return co.StopCombined(ctx, c)
	}
	return fmt.Errorf("unknown scenario %s", s)
}

// withBoard runs fn with the board locked and its link attached. Boards that
// are not Ready or Streaming are rejected before any radio traffic.
func (co *Coordinator) withBoard(ctx context.Context, c *Connection, op string, fn func(ctx context.Context, link device.Link) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st := c.State(); (st != Ready && st != Streaming) || c.link == nil {
		return &device.ConnectionError{State: device.NotReady, Msg: fmt.Sprintf("cannot %s: board %s is %s", op, c.address, st)}
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	err := fn(opCtx, c.link)
	c.syncStreaming()
	if err == nil {
		return nil
	}

	if errors.Is(context.Cause(opCtx), device.ErrUnexpectedDisconnect) && !errors.Is(err, device.ErrUnexpectedDisconnect) {
		err = fmt.Errorf("%w: %w", device.ErrUnexpectedDisconnect, err)
	}
	co.logger.WithFields(logrus.Fields{
		"address": c.address.String(),
		"error":   err,
	}).Debugf("Failed to %s", op)
	return fmt.Errorf("%s: %w", op, err)
}

func (co *Coordinator) startAccel(ctx context.Context, c *Connection, link device.Link, cfg device.AccelConfig, packed, reduced bool) error {
	if c.active.Contains(device.Accelerometer) {
		return &device.ConnectionError{State: device.ModuleConflict, Msg: "accelerometer is already streaming"}
	}
	if !reduced && c.active.Contains(device.SensorFusion) {
		return &device.ConnectionError{State: device.ModuleConflict, Msg: "sensor fusion is streaming; use combined mode"}
	}

	if err := link.ConfigureAccelerometer(ctx, cfg); err != nil {
		return fmt.Errorf("configure accelerometer: %w", err)
	}
	if err := co.ensureInterval(ctx, c, link); err != nil {
		return err
	}
	if err := link.EnableAccelerometer(ctx, packed, c.deliver); err != nil {
		return fmt.Errorf("enable accelerometer: %w", err)
	}

	c.active.Add(device.Accelerometer)
	c.reducedAccel = reduced
	co.logger.WithFields(logrus.Fields{
		"address": c.address.String(),
		"odr_hz":  cfg.ODR,
		"range_g": cfg.RangeG,
		"packed":  packed,
	}).Info("Accelerometer streaming")
	return nil
}

func (co *Coordinator) startFusion(ctx context.Context, c *Connection, link device.Link) error {
	if c.active.Contains(device.SensorFusion) {
		return &device.ConnectionError{State: device.ModuleConflict, Msg: "sensor fusion is already streaming"}
	}
	if c.active.Contains(device.Accelerometer) && !c.reducedAccel {
		return &device.ConnectionError{State: device.ModuleConflict, Msg: "accelerometer is streaming at full rate; use combined mode"}
	}

	if err := link.ConfigureSensorFusion(ctx, co.opts.Fusion); err != nil {
		return fmt.Errorf("configure sensor fusion: %w", err)
	}
	if err := co.ensureInterval(ctx, c, link); err != nil {
		return err
	}
	if err := link.EnableSensorFusion(ctx, c.deliver); err != nil {
		return fmt.Errorf("enable sensor fusion: %w", err)
	}

	c.active.Add(device.SensorFusion)
	co.logger.WithField("address", c.address.String()).Info("Sensor fusion streaming")
	return nil
}

func (co *Coordinator) stopModule(ctx context.Context, c *Connection, link device.Link, m device.ModuleKind) error {
	if !c.active.Contains(m) {
		return &device.ConnectionError{State: device.NotStreaming, Msg: fmt.Sprintf("%s is not streaming", m)}
	}

	var err error
	switch m {
	case device.Accelerometer:
		err = link.DisableAccelerometer(ctx)
	case device.SensorFusion:
		err = link.DisableSensorFusion(ctx)
	}
	if err != nil {
		return fmt.Errorf("disable %s: %w", m, err)
	}

	c.active.Remove(m)
	if m == device.Accelerometer {
		c.reducedAccel = false
	}
	co.logger.WithField("address", c.address.String()).Infof("Stopped %s", m)
	return nil
}

// ensureInterval lowers the connection interval once per link and waits for
// it to settle. Modules must not be enabled before this returns.
func (co *Coordinator) ensureInterval(ctx context.Context, c *Connection, link device.Link) error {
	if c.intervalSet {
		return nil
	}

	co.logger.WithFields(logrus.Fields{
		"address":  c.address.String(),
		"interval": co.opts.ConnectionInterval,
		"settle":   co.opts.IntervalSettle,
	}).Debug("Lowering connection interval")
	if err := link.SetConnectionInterval(ctx, co.opts.ConnectionInterval); err != nil {
		return fmt.Errorf("set connection interval: %w", err)
	}

	timer := time.NewTimer(co.opts.IntervalSettle)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return context.Cause(ctx)
	}

	c.intervalSet = true
	return nil
}
