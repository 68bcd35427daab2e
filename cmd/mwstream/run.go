package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/srg/mwstream/board"
)

// runCmd represents the interactive flow
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Scan, pick a board and stream interactively",
	Long: `Scan until a key is pressed, list the boards found, ask which one to
connect to and which scenario to run, then stream until a key is pressed.`,
	Args: cobra.NoArgs,
	RunE: runInteractive,
}

var (
	runSpeed  string
	runRecord string
)

func init() {
	runCmd.Flags().StringVar(&runSpeed, "speed", "normal", "Accelerometer speed (normal, fast)")
	runCmd.Flags().StringVar(&runRecord, "record", "", "Record samples to this SQLite database")
}

func runInteractive(cmd *cobra.Command, _ []string) error {
	speed, err := board.ParseSpeed(runSpeed)
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	opts, err := a.scanOptions("", nil, nil)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	found, err := a.scan(ctx, opts, a.cfg.ScanTimeout)
	if err != nil {
		return err
	}
	if err := displayDevicesTable(a.con.out, found); err != nil {
		return err
	}
	if len(found) == 0 {
		return errNoDevices
	}

	idx, err := a.chooseIndex(ctx, len(found))
	if err != nil {
		return err
	}
	scenario, err := a.chooseScenario(ctx)
	if err != nil {
		return err
	}

	return a.stream(ctx, found[idx].Address, scenario, speed, runRecord)
}

func (a *app) chooseIndex(ctx context.Context, n int) (int, error) {
	for {
		answer, err := a.con.Prompt(ctx, fmt.Sprintf("Select a board [1-%d]: ", n))
		if err != nil {
			return 0, err
		}
		i, err := strconv.Atoi(answer)
		if err == nil && i >= 1 && i <= n {
			return i - 1, nil
		}
		a.con.Warn("%q is not a number between 1 and %d.", answer, n)
	}
}

var scenarioChoices = []board.Scenario{board.ScenarioAccelerometer, board.ScenarioSensorFusion, board.ScenarioCombined}

func (a *app) chooseScenario(ctx context.Context) (board.Scenario, error) {
	for i, s := range scenarioChoices {
		a.con.Printf("  %d) %s\n", i+1, s)
	}
	for {
		answer, err := a.con.Prompt(ctx, "Select a scenario: ")
		if err != nil {
			return 0, err
		}
		if i, err := strconv.Atoi(answer); err == nil && i >= 1 && i <= len(scenarioChoices) {
			return scenarioChoices[i-1], nil
		}
		if s, err := board.ParseScenario(answer); err == nil {
			return s, nil
		}
		a.con.Warn("%q is not a scenario.", answer)
	}
}
