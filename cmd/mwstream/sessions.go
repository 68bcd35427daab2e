package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/mwstream/internal/recorder"
)

// sessionsCmd lists recorded sessions
var sessionsCmd = &cobra.Command{
	Use:   "sessions <database>",
	Short: "List recorded streaming sessions",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessions,
}

func runSessions(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	rec, err := recorder.Open(args[0], nil)
	if err != nil {
		return err
	}
	defer rec.Close()

	sessions, err := rec.Sessions()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tADDRESS\tSCENARIO\tSTARTED\tDURATION\tSAMPLES\tDROPPED")
	for _, s := range sessions {
		duration := "running"
		if s.EndedAt != nil {
			duration = s.EndedAt.Sub(s.StartedAt).Truncate(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			s.ID, s.Address, s.Scenario, s.StartedAt.Local().Format(time.DateTime), duration, s.SampleCount, s.Dropped)
	}
	return w.Flush()
}
