package board

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/mwstream/internal/device"
	"github.com/srg/mwstream/internal/groutine"
	"github.com/srg/mwstream/internal/ringchan"
)

const teardownTimeout = 5 * time.Second

// errRetired marks a connection the registry has dropped; callers must
// obtain a fresh one.
var errRetired = errors.New("board connection retired")

// Options configures board connections.
type Options struct {
	// MinBattery is the charge, in percent, below which a low battery
	// advisory is raised after connecting. It never blocks the connection.
	MinBattery     uint8
	ConnectTimeout time.Duration
	SampleBuffer   int
	EventBuffer    int
	Reconnect      ReconnectPolicy
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() *Options {
	return &Options{
		MinBattery:     20,
		ConnectTimeout: 30 * time.Second,
		SampleBuffer:   256,
		EventBuffer:    64,
		Reconnect:      NoReconnect,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SampleBuffer <= 0 {
		o.SampleBuffer = d.SampleBuffer
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = d.EventBuffer
	}
	if o.Reconnect == nil {
		o.Reconnect = NoReconnect
	}
	return o
}

// Connection owns the lifecycle of a single board:
//
//	Disconnected -> Connecting -> Initializing -> Ready <-> Streaming -> Disconnecting -> Disconnected
//
// Lifecycle and module operations on one Connection are serialized; separate
// connections are fully independent.
type Connection struct {
	address device.Address
	radio   device.Radio
	opts    Options
	logger  *logrus.Logger

	// mu is held for the whole of every lifecycle and module operation,
	// including radio I/O and the connection interval settle wait.
	mu           sync.Mutex
	link         device.Link
	linkCtx      context.Context
	linkCancel   context.CancelCauseFunc
	intervalSet  bool
	reducedAccel bool
	retired      bool
	onRetire     func(*Connection)

	rcMu      sync.Mutex
	reconnect *reconnectRun

	state   atomic.Int32
	battery atomic.Uint32
	active  mapset.Set[device.ModuleKind]

	samples *ringchan.Channel[device.Sample]
	events  *ringchan.Channel[Event]
}

// NewConnection creates a disconnected board connection. Most callers should
// go through a Registry instead.
func NewConnection(radio device.Radio, addr device.Address, opts *Options, logger *logrus.Logger) *Connection {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	o := opts.withDefaults()

	return &Connection{
		address: addr,
		radio:   radio,
		opts:    o,
		logger:  logger,
		active:  mapset.NewSet[device.ModuleKind](),
		samples: ringchan.New[device.Sample](o.SampleBuffer),
		events:  ringchan.New[Event](o.EventBuffer),
	}
}

func (c *Connection) Address() device.Address { return c.address }

func (c *Connection) State() State { return State(c.state.Load()) }

// Battery returns the charge read during the last successful connect.
func (c *Connection) Battery() uint8 { return uint8(c.battery.Load()) }

// ActiveModules returns the streaming modules in ModuleKind order.
func (c *Connection) ActiveModules() []device.ModuleKind {
	mods := c.active.ToSlice()
	slices.Sort(mods)
	return mods
}

// IsActive reports whether module is streaming.
func (c *Connection) IsActive(module device.ModuleKind) bool {
	return c.active.Contains(module)
}

// Samples delivers readings from every streaming module. When the consumer
// falls behind the oldest buffered sample is dropped.
func (c *Connection) Samples() <-chan device.Sample { return c.samples.C() }

// DroppedSamples returns how many samples were overwritten before being read.
func (c *Connection) DroppedSamples() int64 { return c.samples.Dropped() }

// Events delivers state changes and advisories.
func (c *Connection) Events() <-chan Event { return c.events.C() }

// Connect dials the board, runs its setup handshake and reads the battery.
// Connecting a Ready or Streaming board returns an AlreadyConnected error and
// leaves the session untouched. On any failure the link is released, the
// state is back to Disconnected and the error is a *device.ConnectError.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Connection) connectLocked(ctx context.Context) error {
	if c.retired {
		return fmt.Errorf("%w: %w", device.ErrNotConnected, errRetired)
	}
	switch st := c.State(); st {
	case Ready, Streaming:
		return &device.ConnectionError{State: device.AlreadyConnected, Msg: fmt.Sprintf("board %s is %s", c.address, st)}
	case Disconnected:
	default:
		return &device.ConnectionError{State: device.NotReady, Msg: fmt.Sprintf("board %s is %s", c.address, st)}
	}

	if c.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}

	log := c.logger.WithField("address", c.address.String())
	log.Info("Connecting to board...")
	c.transition(Connecting)

	link, err := c.radio.Dial(ctx, c.address)
	if err != nil {
		c.transition(Disconnected)
		return c.connectFailed(ctx, "connect", err)
	}

	c.transition(Initializing)
	if err := link.Initialize(ctx); err != nil {
		c.abandon(link)
		return c.connectFailed(ctx, "initialize", err)
	}

	level, err := link.ReadBattery(ctx)
	if err != nil {
		c.abandon(link)
		return c.connectFailed(ctx, "validate", fmt.Errorf("read battery: %w", err))
	}
	if err := ctx.Err(); err != nil {
		c.abandon(link)
		return c.connectFailed(ctx, "connect", err)
	}

	c.battery.Store(uint32(level))
	if level < c.opts.MinBattery {
		log.WithFields(logrus.Fields{
			"battery": level,
			"minimum": c.opts.MinBattery,
		}).Warn("Battery level is low")
		c.emit(Event{Kind: EventLowBattery, Battery: level})
	}

	c.attach(link)
	c.transition(Ready)
	log.WithField("battery", level).Info("Board ready")
	return nil
}

func (c *Connection) connectFailed(ctx context.Context, stage string, err error) error {
	err = device.NormalizeError(err)
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, device.ErrTimeout) {
		err = fmt.Errorf("%w: %w", device.ErrTimeout, err)
	} else if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}

	c.logger.WithFields(logrus.Fields{
		"address": c.address.String(),
		"stage":   stage,
		"error":   err,
	}).Error("Failed to connect board")
	return &device.ConnectError{Address: c.address, Stage: stage, Err: err}
}

// abandon releases a link that never reached Ready.
func (c *Connection) abandon(link device.Link) {
	if err := link.Close(); err != nil {
		c.logger.WithError(err).WithField("address", c.address.String()).Warn("Failed to release radio link")
	}
	c.transition(Disconnected)
}

// attach adopts a ready link and starts watching it for drops.
func (c *Connection) attach(link device.Link) {
	linkCtx, cancel := context.WithCancelCause(context.Background())
	c.link, c.linkCtx, c.linkCancel = link, linkCtx, cancel
	c.intervalSet, c.reducedAccel = false, false
	c.active.Clear()

	groutine.Go(linkCtx, "board-monitor-"+c.address.String(), func(ctx context.Context) {
		select {
		case <-link.Disconnected():
			if ctx.Err() != nil {
				return // released by us
			}
			cancel(device.ErrUnexpectedDisconnect)
			c.handleUnexpectedDisconnect(link)
		case <-ctx.Done():
		}
	})
}

// detach forgets the current link and everything negotiated on it.
func (c *Connection) detach(cause error) {
	c.linkCancel(cause)
	c.link, c.linkCtx, c.linkCancel = nil, nil, nil
	c.intervalSet, c.reducedAccel = false, false
	c.active.Clear()
}

// opContext derives a context for a module operation that is also cancelled
// when the link drops. Must be called with mu held and a link attached.
func (c *Connection) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithCancelCause(ctx)
	linkCtx := c.linkCtx
	stop := context.AfterFunc(linkCtx, func() { cancel(context.Cause(linkCtx)) })
	return opCtx, func() {
		stop()
		cancel(nil)
	}
}

func (c *Connection) handleUnexpectedDisconnect(link device.Link) {
	c.mu.Lock()
	if c.link != link {
		c.mu.Unlock()
		return
	}
	from := c.State()
	modules := c.ActiveModules()
	c.detach(device.ErrUnexpectedDisconnect)
	if err := link.Close(); err != nil {
		c.logger.WithError(err).WithField("address", c.address.String()).Debug("Closing dropped link failed")
	}
	c.transition(Disconnected)

	rctx, rcancel := context.WithCancel(context.Background())
	run := &reconnectRun{cancel: rcancel}
	c.rcMu.Lock()
	c.reconnect = run
	c.rcMu.Unlock()
	c.mu.Unlock()

	cause := &device.ConnectionError{
		State: device.UnexpectedDisconnect,
		Msg:   fmt.Sprintf("board %s dropped while %s", c.address, from),
	}
	c.logger.WithFields(logrus.Fields{
		"address": c.address.String(),
		"state":   from.String(),
		"modules": modules,
	}).Warn("Board disconnected unexpectedly")
	c.emit(Event{Kind: EventUnexpectedDisconnect, Err: cause})

	groutine.Go(rctx, "board-reconnect-"+c.address.String(), func(ctx context.Context) {
		c.runReconnect(ctx, run, cause)
	})
}

type reconnectRun struct {
	cancel context.CancelFunc
}

// runReconnect drives the reconnect policy until it succeeds, gives up, or
// ctx is cancelled by Disconnect.
func (c *Connection) runReconnect(ctx context.Context, run *reconnectRun, cause error) {
	defer c.clearReconnect(run)
	log := c.logger.WithField("address", c.address.String())

	for attempt := 1; ; attempt++ {
		delay, ok := c.opts.Reconnect.Next(attempt, cause)
		if !ok {
			c.giveUp(ctx, attempt-1, cause)
			return
		}

		log.WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).Info("Reconnecting board...")
		c.emit(Event{Kind: EventReconnectAttempt, Attempt: attempt})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		err := c.connectLocked(ctx)
		c.mu.Unlock()

		switch {
		case err == nil:
			log.WithField("attempt", attempt).Info("Board reconnected")
			c.emit(Event{Kind: EventReconnected, Attempt: attempt})
			return
		case device.IsConnectionState(err, device.AlreadyConnected), errors.Is(err, errRetired):
			return
		}
		cause = err
	}
}

func (c *Connection) giveUp(ctx context.Context, attempts int, cause error) {
	c.mu.Lock()
	if ctx.Err() != nil || c.State() != Disconnected {
		c.mu.Unlock()
		return
	}
	c.retired = true
	onRetire := c.onRetire
	c.mu.Unlock()

	if attempts > 0 {
		c.logger.WithFields(logrus.Fields{
			"address":  c.address.String(),
			"attempts": attempts,
			"error":    cause,
		}).Error("Giving up on board")
		c.emit(Event{Kind: EventReconnectFailed, Attempt: attempts, Err: cause})
	}
	if onRetire != nil {
		onRetire(c)
	}
}

func (c *Connection) stopReconnect() {
	c.rcMu.Lock()
	defer c.rcMu.Unlock()
	if c.reconnect != nil {
		c.reconnect.cancel()
		c.reconnect = nil
	}
}

func (c *Connection) clearReconnect(run *reconnectRun) {
	run.cancel()
	c.rcMu.Lock()
	defer c.rcMu.Unlock()
	if c.reconnect == run {
		c.reconnect = nil
	}
}

func (c *Connection) reconnecting() bool {
	c.rcMu.Lock()
	defer c.rcMu.Unlock()
	return c.reconnect != nil
}

// Disconnect stops any active modules, releases the radio link and leaves the
// board Disconnected. Teardown is best effort: release failures are logged,
// not returned. Disconnecting a board that is not connected returns a
// NotConnected error; a pending reconnect is abandoned either way.
func (c *Connection) Disconnect(ctx context.Context) error {
	return c.disconnect(ctx, false)
}

func (c *Connection) disconnect(ctx context.Context, retire bool) error {
	c.stopReconnect()

	c.mu.Lock()
	defer c.mu.Unlock()
	if retire {
		c.retired = true
	}

	if c.link == nil {
		return &device.ConnectionError{State: device.NotConnected, Msg: fmt.Sprintf("board %s is %s", c.address, c.State())}
	}

	log := c.logger.WithField("address", c.address.String())
	log.Info("Disconnecting board...")
	c.transition(Disconnecting)

	link := c.link
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	c.disableActive(tctx, link)

	c.detach(nil)
	if err := link.Close(); err != nil {
		log.WithError(device.NormalizeError(err)).Warn("Failed to release radio link")
	}
	c.transition(Disconnected)
	log.Info("Board disconnected")
	return nil
}

// disableActive returns streaming modules to standby before the link goes.
func (c *Connection) disableActive(ctx context.Context, link device.Link) {
	if c.active.Contains(device.Accelerometer) {
		if err := link.DisableAccelerometer(ctx); err != nil {
			c.logger.WithError(err).WithField("address", c.address.String()).Warn("Failed to stop accelerometer")
		}
	}
	if c.active.Contains(device.SensorFusion) {
		if err := link.DisableSensorFusion(ctx); err != nil {
			c.logger.WithError(err).WithField("address", c.address.String()).Warn("Failed to stop sensor fusion")
		}
	}
}

// retireIfIdle marks a disconnected connection as dead so concurrent users
// move to a fresh one. It reports false if the board is in use.
func (c *Connection) retireIfIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != Disconnected || c.reconnecting() {
		return false
	}
	c.retired = true
	return true
}

// syncStreaming moves between Ready and Streaming to match the active set.
func (c *Connection) syncStreaming() {
	n := c.active.Cardinality()
	switch st := c.State(); {
	case st == Ready && n > 0:
		c.transition(Streaming)
	case st == Streaming && n == 0:
		c.transition(Ready)
	}
}

// transition moves the state machine; an illegal move is a programming error.
func (c *Connection) transition(to State) {
	from := c.State()
	if !CanTransition(from, to) {
		panic(fmt.Sprintf("board %s: invalid state transition %s -> %s", c.address, from, to))
	}
	c.state.Store(int32(to))

	c.logger.WithFields(logrus.Fields{
		"address": c.address.String(),
		"from":    from.String(),
		"to":      to.String(),
	}).Debug("State changed")
	c.emit(Event{Kind: EventStateChanged, From: from, To: to})
}

func (c *Connection) emit(e Event) {
	e.Address = c.address
	e.Time = time.Now()
	c.events.Send(e)
}

// deliver is the sample handler given to the link.
func (c *Connection) deliver(s device.Sample) {
	c.samples.Send(s)
}
