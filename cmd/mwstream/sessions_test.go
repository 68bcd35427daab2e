package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/srg/mwstream/internal/device"
	"github.com/srg/mwstream/internal/recorder"
	"github.com/srg/mwstream/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type SessionsCommandSuite struct {
	CommandTestSuite
}

func TestSessionsCommandSuite(t *testing.T) {
	suite.Run(t, new(SessionsCommandSuite))
}

func (s *SessionsCommandSuite) TestListsSessions() {
	db := filepath.Join(s.T().TempDir(), "samples.db")
	rec, err := recorder.Open(db, s.Logger)
	s.Require().NoError(err)

	addr := device.MustParseAddress(TestBoardAddress1)
	done, err := rec.Begin(addr, "fusion")
	s.Require().NoError(err)
	in := make(chan device.Sample, 2)
	in <- device.Sample{Address: addr, Module: device.SensorFusion, Timestamp: time.Now(), Quaternion: &device.Quaternion{W: 1}}
	in <- device.Sample{Address: addr, Module: device.SensorFusion, Timestamp: time.Now(), Quaternion: &device.Quaternion{W: 1}}
	close(in)
	s.Require().NoError(done.Consume(context.Background(), in))
	s.Require().NoError(done.SetDropped(4))

	running, err := rec.Begin(device.MustParseAddress(TestBoardAddress2), "accel")
	s.Require().NoError(err)
	s.Require().NoError(rec.Close())

	out, err := s.ExecuteCommand("sessions", db)
	s.Require().NoError(err)

	ca := testutils.NewConsoleAsserter(s.T())
	ca.AssertLines(out,
		"SESSION",
		done.ID()+"  "+TestBoardAddress1+"  fusion",
		running.ID()+"  "+TestBoardAddress2+"  accel",
	)
	s.Contains(out, "running")
	s.Regexp(`fusion\s+\S+ \S+\s+\S+\s+2\s+4`, out, "sample and dropped counts MUST be listed")
}

func (s *SessionsCommandSuite) TestEmptyDatabase() {
	out, err := s.ExecuteCommand("sessions", filepath.Join(s.T().TempDir(), "new.db"))

	s.Require().NoError(err)
	s.Equal("No sessions recorded\n", out)
}
