package main

import (
	"github.com/spf13/cobra"
	"github.com/srg/mwstream/board"
	"github.com/srg/mwstream/internal/device"
)

// streamCmd represents the stream command
var streamCmd = &cobra.Command{
	Use:   "stream <address>",
	Short: "Stream sensor data from a MetaWear board",
	Long: `Connect to the board at <address>, start a streaming scenario and print
samples until a key is pressed.

Scenarios:
  accel     accelerometer only (--speed fast packs three samples per packet)
  fusion    sensor fusion quaternions only
  combined  sensor fusion plus a reduced-rate accelerometer`,
	Example: `  mwstream stream E6:1F:69:18:13:38 --scenario fusion
  mwstream stream E6:1F:69:18:13:38 --scenario accel --speed fast --record samples.db`,
	Args: cobra.ExactArgs(1),
	RunE: runStream,
}

var (
	streamScenario string
	streamSpeed    string
	streamRecord   string
)

func init() {
	streamCmd.Flags().StringVar(&streamScenario, "scenario", "accel", "Streaming scenario (accel, fusion, combined)")
	streamCmd.Flags().StringVar(&streamSpeed, "speed", "normal", "Accelerometer speed (normal, fast)")
	streamCmd.Flags().StringVar(&streamRecord, "record", "", "Record samples to this SQLite database")
}

func runStream(cmd *cobra.Command, args []string) error {
	addr, err := device.ParseAddress(args[0])
	if err != nil {
		return err
	}
	scenario, err := board.ParseScenario(streamScenario)
	if err != nil {
		return err
	}
	speed, err := board.ParseSpeed(streamSpeed)
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	return a.stream(ctx, addr, scenario, speed, streamRecord)
}
