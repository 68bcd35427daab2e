package board_test

import (
	"context"
	"time"

	"github.com/srg/mwstream/board"
	"github.com/srg/mwstream/internal/device"
	"github.com/srg/mwstream/internal/testutils"
)

const testSettle = 20 * time.Millisecond

// BoardSuite wires a registry and coordinator to a fake radio.
type BoardSuite struct {
	testutils.RadioSuite

	Options   *board.Options
	Registry  *board.Registry
	Coord     *board.Coordinator
	CoordOpts *board.CoordinatorOptions

	addr1, addr2 device.Address
}

func (s *BoardSuite) SetupTest() {
	s.RadioSuite.SetupTest()

	s.addr1 = device.MustParseAddress("1A:00:00:00:00:01")
	s.addr2 = device.MustParseAddress("2B:00:00:00:00:02")

	s.Options = board.DefaultOptions()
	s.Options.ConnectTimeout = time.Second

	s.CoordOpts = board.DefaultCoordinatorOptions()
	s.CoordOpts.IntervalSettle = testSettle

	s.Registry = board.NewRegistry(s.Radio, s.Options, s.Logger)
	s.Coord = board.NewCoordinator(s.CoordOpts, s.Logger)
}

func (s *BoardSuite) TearDownTest() {
	if s.Registry != nil {
		_ = s.Registry.Close(context.Background())
	}
}

// connect connects addr through the registry and returns its fake link.
func (s *BoardSuite) connect(addr device.Address) (*board.Connection, *testutils.FakeLink) {
	c, err := s.Registry.Connect(context.Background(), addr)
	s.Require().NoError(err)
	s.Require().Equal(board.Ready, c.State())
	link := s.Radio.Link(addr)
	s.Require().NotNil(link)
	return c, link
}

// waitEvent reads events until one of kind arrives.
func (s *BoardSuite) waitEvent(c *board.Connection, kind board.EventKind) board.Event {
	timeout := time.After(s.Timeout)
	for {
		select {
		case e := <-c.Events():
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			s.FailNowf("timed out", "waiting for %s on %s", kind, c.Address())
			return board.Event{}
		}
	}
}

// drainStates returns the state changes buffered so far.
func (s *BoardSuite) drainStates(c *board.Connection) []board.State {
	var states []board.State
	for {
		select {
		case e := <-c.Events():
			if e.Kind == board.EventStateChanged {
				if len(states) == 0 {
					states = append(states, e.From)
				}
				states = append(states, e.To)
			}
		default:
			return states
		}
	}
}
