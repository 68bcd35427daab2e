package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/mwstream/board"
	"github.com/srg/mwstream/internal/device"
	"github.com/srg/mwstream/internal/device/go-ble"
	"github.com/srg/mwstream/internal/groutine"
	"github.com/srg/mwstream/pkg/config"
	"github.com/srg/mwstream/scanner"
)

// radioFactory opens the host radio (can be overridden in tests)
var radioFactory = func(cfg *config.Config, logger *logrus.Logger) (device.Radio, error) {
	return goble.NewRadio(cfg.LinkOptions(), logger)
}

var errScanEnded = errors.New("scan ended")

// app carries what every command needs: configuration, logger, radio and
// console.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	radio  device.Radio
	con    *console
}

func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	radio, err := radioFactory(cfg, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		radio:  radio,
		con:    newConsole(cmd.InOrStdin(), cmd.OutOrStdout()),
	}, nil
}

func (a *app) Close() {
	if c, ok := a.radio.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.WithError(err).Debug("Failed to close radio")
		}
	}
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// scan runs a discovery until a key is pressed or duration elapses
// (duration 0 waits for a key only) and returns the boards in first-seen
// order.
func (a *app) scan(ctx context.Context, opts *scanner.ScanOptions, duration time.Duration) ([]scanner.DiscoveredDevice, error) {
	sc, err := scanner.NewScanner(a.radio, opts, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create scanner: %w", err)
	}

	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if duration > 0 {
		var stop context.CancelFunc
		waitCtx, stop = context.WithTimeout(waitCtx, duration)
		defer stop()
	}

	if err := sc.Start(ctx); err != nil {
		return nil, err
	}
	groutine.Go(waitCtx, "scan-watch", func(ctx context.Context) {
		select {
		case <-sc.Done():
			cancel(errScanEnded)
		case <-ctx.Done():
		}
	})

	a.con.Heading("Scanning for MetaWear boards...")
	if duration > 0 {
		a.con.Printf("Scanning for %s. Press any key to stop early.\n", duration)
	} else {
		a.con.Println("Press any key to stop scanning.")
	}

	progress := NewProgressPrinter(a.con.out, "Scanning", duration, func() string {
		return fmt.Sprintf("%d found", sc.Len())
	})
	progress.Start()
	waitErr := a.con.WaitKey(waitCtx)
	progress.Stop()

	stopErr := sc.Stop()
	switch {
	case stopErr != nil:
		return nil, stopErr
	case waitErr != nil && !errors.Is(waitErr, context.DeadlineExceeded) && !errors.Is(waitErr, errScanEnded):
		return nil, waitErr
	}
	return sc.Devices(), nil
}

// stream connects to addr, runs scenario until a key is pressed, the board
// drops, or ctx is done, then stops the scenario and disconnects.
func (a *app) stream(ctx context.Context, addr device.Address, scenario board.Scenario, speed board.Speed, recordPath string) error {
	reg := board.NewRegistry(a.radio, a.cfg.BoardOptions(), a.logger)
	coord := board.NewCoordinator(a.cfg.CoordinatorOptions(), a.logger)

	a.con.Printf("Connecting to %s...\n", addr)
	conn, err := reg.Connect(ctx, addr)
	if err != nil {
		return err
	}
	defer func() {
		// teardown outlives a cancelled ctx
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := reg.Close(dctx); err != nil {
			a.logger.WithError(err).Warn("Disconnect failed")
		}
		a.con.Printf("Disconnected from %s.\n", addr)
	}()

	a.con.Heading("Connected to %s (battery %d%%)", addr, conn.Battery())

	var sink *sampleSink
	if recordPath != "" {
		if sink, err = openSink(recordPath, addr, scenario, a.logger); err != nil {
			return err
		}
	}

	pumpCtx, stopPump := context.WithCancel(ctx)
	pumped := a.pumpSamples(pumpCtx, conn, sink)
	finish := func() error {
		stopPump()
		<-pumped
		if sink == nil {
			return nil
		}
		return sink.Close(conn.DroppedSamples())
	}

	if err := coord.Start(ctx, conn, scenario, speed); err != nil {
		return errors.Join(err, finish())
	}
	a.con.Printf("Streaming %s. Press any key to stop.\n", scenario)

	lost := make(chan struct{})
	watchCtx, stopWatch := context.WithCancel(ctx)
	groutine.Go(watchCtx, "stream-events", func(ctx context.Context) {
		a.watchEvents(ctx, conn, lost, func() error {
			return coord.Start(ctx, conn, scenario, speed)
		})
	})

	waitCtx, cancelWait := context.WithCancelCause(ctx)
	groutine.Go(waitCtx, "stream-lost", func(ctx context.Context) {
		select {
		case <-lost:
			cancelWait(ErrConnectionLost)
		case <-ctx.Done():
		}
	})
	waitErr := a.con.WaitKey(waitCtx)
	cancelWait(nil)
	stopWatch()

	if errors.Is(waitErr, ErrConnectionLost) {
		return errors.Join(ErrConnectionLost, finish())
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	stopErr := coord.Stop(stopCtx, conn, scenario)
	if stopErr != nil {
		a.logger.WithError(stopErr).Warn("Failed to stop streaming")
	}
	a.con.Printf("Stopped streaming (%d samples dropped).\n", conn.DroppedSamples())

	if err := finish(); err != nil {
		return err
	}
	if waitErr != nil {
		return waitErr
	}
	return stopErr
}

// pumpSamples prints samples and forwards them to sink until ctx is done.
func (a *app) pumpSamples(ctx context.Context, conn *board.Connection, sink *sampleSink) <-chan struct{} {
	done := make(chan struct{})
	groutine.Go(ctx, "sample-pump-"+conn.Address().String(), func(ctx context.Context) {
		defer close(done)
		warned := false
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-conn.Samples():
				if sink != nil {
					if err := sink.Add(s); err != nil && !warned {
						warned = true
						a.con.Warn("Recording stopped: %v", err)
					}
				}
				a.con.Println(formatSample(s))
			}
		}
	})
	return done
}

// watchEvents reports advisories, calls resume after a successful
// reconnect, and closes lost when the board is gone for good.
func (a *app) watchEvents(ctx context.Context, conn *board.Connection, lost chan<- struct{}, resume func() error) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-conn.Events():
			switch e.Kind {
			case board.EventLowBattery:
				a.con.Warn("Battery is low (%d%%).", e.Battery)
			case board.EventUnexpectedDisconnect:
				a.con.Warn("Board %s disconnected unexpectedly.", e.Address)
				if !a.reconnectEnabled() {
					close(lost)
					return
				}
			case board.EventReconnectAttempt:
				a.con.Printf("Reconnecting to %s (attempt %d)...\n", e.Address, e.Attempt)
			case board.EventReconnected:
				if err := resume(); err != nil {
					a.con.Warn("Reconnected to %s but could not resume streaming: %s", e.Address, FormatUserError(err))
					close(lost)
					return
				}
				a.con.Printf("Reconnected to %s, streaming resumed.\n", e.Address)
			case board.EventReconnectFailed:
				close(lost)
				return
			}
		}
	}
}

func (a *app) reconnectEnabled() bool {
	return a.cfg.Reconnect.MaxAttempts > 0
}

func formatSample(s device.Sample) string {
	switch {
	case s.Acceleration != nil:
		return fmt.Sprintf("%s accel x=%+.3f y=%+.3f z=%+.3f g", s.Timestamp.Format("15:04:05.000"),
			s.Acceleration.X, s.Acceleration.Y, s.Acceleration.Z)
	case s.Quaternion != nil:
		return fmt.Sprintf("%s quat  w=%+.3f x=%+.3f y=%+.3f z=%+.3f", s.Timestamp.Format("15:04:05.000"),
			s.Quaternion.W, s.Quaternion.X, s.Quaternion.Y, s.Quaternion.Z)
	default:
		return fmt.Sprintf("%s %s (empty)", s.Timestamp.Format("15:04:05.000"), s.Module)
	}
}
