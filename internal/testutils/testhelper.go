package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// RadioSuite is the base suite for tests driving boards through a FakeRadio.
//
//	type ConnectionSuite struct {
//	    testutils.RadioSuite
//	}
//
//	func (s *ConnectionSuite) TestConnect() {
//	    s.Radio.PrepareLink(testutils.NewFakeLink(addr).SetBattery(10))
//	    ...
//	}
type RadioSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger
	Radio  *FakeRadio

	// Timeout bounds Eventually-style waits.
	Timeout time.Duration
}

func (s *RadioSuite) SetupTest() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.Radio = NewFakeRadio()
	if s.Timeout == 0 {
		s.Timeout = 2 * time.Second
	}
}

// Eventually waits for cond using the suite timeout.
func (s *RadioSuite) Eventually(cond func() bool, msgAndArgs ...interface{}) {
	s.Require().Eventually(cond, s.Timeout, 5*time.Millisecond, msgAndArgs...)
}
