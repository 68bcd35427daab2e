package board_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/mwstream/board"
	"github.com/srg/mwstream/internal/device"
	suitelib "github.com/stretchr/testify/suite"
)

type CoordinatorTestSuite struct {
	BoardSuite
}

func (s *CoordinatorTestSuite) TestStartStopAccelerometer() {
	c, link := s.connect(s.addr1)

	start := time.Now()
	s.Require().NoError(s.Coord.StartAccelerometer(context.Background(), c, board.Normal))

	s.Equal(board.Streaming, c.State())
	s.Equal([]device.ModuleKind{device.Accelerometer}, c.ActiveModules())
	s.Equal([]string{"Initialize", "ReadBattery", "ConfigureAccelerometer", "SetConnectionInterval", "EnableAccelerometer"}, link.Calls(),
		"interval MUST be lowered before the module is enabled")
	s.GreaterOrEqual(time.Since(start), testSettle, "enable MUST wait for the interval to settle")
	s.Equal([]time.Duration{7500 * time.Microsecond}, link.Intervals())
	s.False(link.Packed())
	s.Equal(device.AccelConfig{ODR: 25, RangeG: 4}, link.AccelConfig())

	s.Require().NoError(s.Coord.StopAccelerometer(context.Background(), c))

	s.Equal(board.Ready, c.State())
	s.Empty(c.ActiveModules())
	s.Equal(1, link.CallCount("DisableAccelerometer"))
}

func (s *CoordinatorTestSuite) TestFastAccelerometerPacksSamples() {
	c, link := s.connect(s.addr1)

	s.Require().NoError(s.Coord.StartAccelerometer(context.Background(), c, board.Fast))

	s.True(link.Packed())
}

func (s *CoordinatorTestSuite) TestStopInactiveModule() {
	c, link := s.connect(s.addr1)

	err := s.Coord.StopAccelerometer(context.Background(), c)
	s.ErrorIs(err, device.ErrNotStreaming)

	err = s.Coord.StopSensorFusion(context.Background(), c)
	s.ErrorIs(err, device.ErrNotStreaming)

	err = s.Coord.StopCombined(context.Background(), c)
	s.ErrorIs(err, device.ErrNotStreaming)

	s.Equal(board.Ready, c.State())
	s.Zero(link.CallCount("DisableAccelerometer"))
}

func (s *CoordinatorTestSuite) TestModuleConflicts() {
	s.Run("fusion after accelerometer", func() {
		s.SetupTest()
		c, link := s.connect(s.addr1)
		s.Require().NoError(s.Coord.StartAccelerometer(context.Background(), c, board.Normal))

		err := s.Coord.StartSensorFusion(context.Background(), c)

		s.ErrorIs(err, device.ErrModuleConflict)
		s.Zero(link.CallCount("ConfigureSensorFusion"), "a conflict MUST NOT touch the hardware")
		s.Equal([]device.ModuleKind{device.Accelerometer}, c.ActiveModules())
		s.Equal(board.Streaming, c.State())
	})

	s.Run("accelerometer after fusion", func() {
		s.SetupTest()
		c, _ := s.connect(s.addr1)
		s.Require().NoError(s.Coord.StartSensorFusion(context.Background(), c))

		err := s.Coord.StartAccelerometer(context.Background(), c, board.Fast)
		s.ErrorIs(err, device.ErrModuleConflict)
	})

	s.Run("same module twice", func() {
		s.SetupTest()
		c, _ := s.connect(s.addr1)
		s.Require().NoError(s.Coord.StartSensorFusion(context.Background(), c))

		err := s.Coord.StartSensorFusion(context.Background(), c)
		s.ErrorIs(err, device.ErrModuleConflict)
	})

	s.Run("combined while streaming", func() {
		s.SetupTest()
		c, _ := s.connect(s.addr1)
		s.Require().NoError(s.Coord.StartAccelerometer(context.Background(), c, board.Normal))

		err := s.Coord.StartCombined(context.Background(), c)
		s.ErrorIs(err, device.ErrModuleConflict)
	})
}

func (s *CoordinatorTestSuite) TestCombined() {
	c, link := s.connect(s.addr1)

	s.Require().NoError(s.Coord.StartCombined(context.Background(), c))

	s.Equal(board.Streaming, c.State())
	s.Equal([]device.ModuleKind{device.Accelerometer, device.SensorFusion}, c.ActiveModules())
	s.Equal(device.AccelConfig{ODR: 12.5, RangeG: 4}, link.AccelConfig(), "accelerometer MUST run at the reduced profile")
	s.True(link.Packed())
	s.Equal(device.FusionNDoF, link.FusionConfig().Mode)
	s.Len(link.Intervals(), 1)

	s.True(link.EmitQuaternion(device.Quaternion{W: 1}))
	s.True(link.EmitAcceleration(device.Acceleration{Z: 1}))
	s.Equal(device.SensorFusion, (<-c.Samples()).Module)
	s.Equal(device.Accelerometer, (<-c.Samples()).Module)

	s.Require().NoError(s.Coord.StopCombined(context.Background(), c))

	s.Empty(c.ActiveModules())
	s.Equal(board.Ready, c.State())
}

func (s *CoordinatorTestSuite) TestCombinedRollsBackFusion() {
	c, link := s.connect(s.addr1)
	link.Fail("EnableAccelerometer", errors.New("write failed"))

	err := s.Coord.StartCombined(context.Background(), c)

	s.ErrorContains(err, "write failed")
	s.Empty(c.ActiveModules())
	s.Equal(board.Ready, c.State())
	s.Equal(1, link.CallCount("DisableSensorFusion"))
}

func (s *CoordinatorTestSuite) TestStopCombinedPartialFailure() {
	c, link := s.connect(s.addr1)
	s.Require().NoError(s.Coord.StartCombined(context.Background(), c))
	link.Fail("DisableSensorFusion", errors.New("gatt timeout"))

	err := s.Coord.StopCombined(context.Background(), c)

	s.ErrorContains(err, "gatt timeout")
	s.Equal([]device.ModuleKind{device.SensorFusion}, c.ActiveModules(), "state MUST reflect the module that did stop")
	s.Equal(board.Streaming, c.State())

	link.Fail("DisableSensorFusion", nil)
	s.NoError(s.Coord.StopCombined(context.Background(), c))
	s.Equal(board.Ready, c.State())
}

func (s *CoordinatorTestSuite) TestReducedAccelerometerBesideFusion() {
	c, link := s.connect(s.addr1)
	s.Require().NoError(s.Coord.StartSensorFusion(context.Background(), c))

	err := s.Coord.StartStreaming(context.Background(), c, board.StreamProfile{
		Module:    device.Accelerometer,
		Bandwidth: board.ReducedBandwidth,
	})

	s.Require().NoError(err)
	s.Len(c.ActiveModules(), 2)
	s.Equal(12.5, link.AccelConfig().ODR)

	s.NoError(s.Coord.StopStreaming(context.Background(), c, board.StreamProfile{Module: device.Accelerometer}))
	s.NoError(s.Coord.StopStreaming(context.Background(), c, board.StreamProfile{Module: device.SensorFusion}))
	s.Equal(board.Ready, c.State())
}

func (s *CoordinatorTestSuite) TestIntervalNegotiatedOncePerLink() {
	c, link := s.connect(s.addr1)

	s.Require().NoError(s.Coord.StartAccelerometer(context.Background(), c, board.Normal))
	s.Require().NoError(s.Coord.StopAccelerometer(context.Background(), c))
	s.Require().NoError(s.Coord.StartSensorFusion(context.Background(), c))

	s.Len(link.Intervals(), 1)
}

func (s *CoordinatorTestSuite) TestIntervalFailureLeavesModuleOff() {
	c, link := s.connect(s.addr1)
	link.Fail("SetConnectionInterval", errors.New("not permitted"))

	err := s.Coord.StartAccelerometer(context.Background(), c, board.Normal)

	s.ErrorContains(err, "set connection interval")
	s.Zero(link.CallCount("EnableAccelerometer"))
	s.Equal(board.Ready, c.State())
}

func (s *CoordinatorTestSuite) TestNotReady() {
	c := board.NewConnection(s.Radio, s.addr1, s.Options, s.Logger)

	ops := map[string]func() error{
		"start accelerometer": func() error { return s.Coord.StartAccelerometer(context.Background(), c, board.Normal) },
		"stop accelerometer":  func() error { return s.Coord.StopAccelerometer(context.Background(), c) },
		"start fusion":        func() error { return s.Coord.StartSensorFusion(context.Background(), c) },
		"stop fusion":         func() error { return s.Coord.StopSensorFusion(context.Background(), c) },
		"start combined":      func() error { return s.Coord.StartCombined(context.Background(), c) },
		"stop combined":       func() error { return s.Coord.StopCombined(context.Background(), c) },
	}
	for name, op := range ops {
		s.Run(name, func() {
			s.ErrorIs(op(), device.ErrNotReady)
		})
	}
	s.Equal(board.Disconnected, c.State())
	s.Zero(s.Radio.Dials(s.addr1))
}

func (s *CoordinatorTestSuite) TestScenarios() {
	for _, sc := range []board.Scenario{board.ScenarioAccelerometer, board.ScenarioSensorFusion, board.ScenarioCombined} {
		s.Run(sc.String(), func() {
			s.SetupTest()
			c, _ := s.connect(s.addr1)

			s.Require().NoError(s.Coord.Start(context.Background(), c, sc, board.Normal))
			s.Equal(board.Streaming, c.State())
			s.Require().NoError(s.Coord.Stop(context.Background(), c, sc))
			s.Equal(board.Ready, c.State())
		})
	}
}

func TestCoordinatorTestSuite(t *testing.T) {
	suitelib.Run(t, new(CoordinatorTestSuite))
}
