package main

import (
	"encoding/json"
	"testing"

	"github.com/srg/mwstream/internal/device"
	"github.com/srg/mwstream/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type ScanCommandSuite struct {
	CommandTestSuite
}

func TestScanCommandSuite(t *testing.T) {
	suite.Run(t, new(ScanCommandSuite))
}

func (s *ScanCommandSuite) advertiseBoards() {
	s.Eventually(s.Radio.IsScanning, "scan MUST start")
	s.Require().True(s.Radio.Advertise(
		testutils.MetaWear(TestBoardAddress1).WithRSSI(-40).Build(),
		testutils.NewAdvertisementBuilder().WithAddress("11:22:33:44:55:66").WithName("Heart Rate").Build(),
		testutils.MetaWear(TestBoardAddress2).WithName("MetaWear C").WithRSSI(-71).Build(),
		testutils.MetaWear(TestBoardAddress1).WithRSSI(-30).Build(),
	))
}

func (s *ScanCommandSuite) TestScanUntilKeyPress() {
	run := s.Start("scan")
	s.advertiseBoards()
	run.WaitOutput("2 found")

	run.Type("\n")
	s.Require().NoError(run.Wait())

	testutils.NewConsoleAsserter(s.T()).AssertLines(run.Output(),
		"Scanning for MetaWear boards...",
		"Press any key to stop scanning.",
		"#  ADDRESS  NAME  RSSI  FIRST SEEN",
		"1  D1:2E:0A:11:22:33  MetaWear    -40 dBm",
		"2  E6:1F:69:18:13:38  MetaWear C  -71 dBm",
	)
	s.NotContains(run.Output(), "11:22:33:44:55:66", "boards without the MetaWear service MUST be skipped")
	s.False(s.Radio.IsScanning(), "scan MUST stop")
}

func (s *ScanCommandSuite) TestScanJSONWithDuration() {
	run := s.Start("scan", "--duration", "500ms", "--format", "json")
	s.advertiseBoards()
	s.Require().NoError(run.Wait())

	var got []deviceJSON
	s.Require().NoError(json.Unmarshal([]byte(run.stdout.String()), &got), "stdout MUST be plain JSON")
	s.Require().Len(got, 2)
	s.Equal(TestBoardAddress1, got[0].Address)
	s.Equal(-40, got[0].RSSI, "the first advertisement MUST be kept")
	s.Equal(TestBoardAddress2, got[1].Address)
	s.Equal("MetaWear C", got[1].Name)

	s.Contains(run.stderr.String(), "Scanning for 500ms")
}

func (s *ScanCommandSuite) TestScanFilters() {
	run := s.Start("scan", "--duration", "300ms", "--format", "json", "--block", TestBoardAddress1)
	s.advertiseBoards()
	s.Require().NoError(run.Wait())

	var got []deviceJSON
	s.Require().NoError(json.Unmarshal([]byte(run.stdout.String()), &got))
	s.Require().Len(got, 1)
	s.Equal(TestBoardAddress2, got[0].Address)
}

func (s *ScanCommandSuite) TestScanNothingFound() {
	run := s.Start("scan", "--duration", "50ms")
	s.Require().NoError(run.Wait())

	s.Contains(run.Output(), "No devices discovered")
}

func (s *ScanCommandSuite) TestScanErrors() {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"invalid format", []string{"scan", "--format", "xml"}, "invalid format 'xml'"},
		{"invalid service", []string{"scan", "--service", "nope", "--duration", "10ms"}, "invalid service UUID"},
		{"invalid allow list", []string{"scan", "--allow", "nope", "--duration", "10ms"}, `"nope"`},
		{"invalid log level", []string{"scan", "--log-level", "chatty"}, "invalid log level"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			resetFlags(rootCmd)
			_, err := s.ExecuteCommand(tt.args...)
			s.Require().Error(err)
			s.Contains(err.Error(), tt.want)
		})
	}
	s.Zero(s.Radio.Scans(), "invalid arguments MUST fail before scanning")
}

func (s *ScanCommandSuite) TestScanBluetoothOff() {
	s.Radio.FailScan(device.ErrBluetoothOff)

	_, err := s.ExecuteCommand("scan")

	s.Require().ErrorIs(err, device.ErrBluetoothOff)
	s.Equal("Bluetooth is turned off or unavailable", FormatUserError(err))
}

func (s *ScanCommandSuite) TestVersion() {
	out, err := s.ExecuteCommand("--version")

	s.Require().NoError(err)
	s.Contains(out, "mwstream version dev")
}
