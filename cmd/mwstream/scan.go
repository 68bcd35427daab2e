package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/mwstream/internal/device"
	"github.com/srg/mwstream/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for MetaWear boards",
	Long: `Scan for boards advertising the MetaWear service and list them in the
order they were first seen.

The scan runs until a key is pressed, or for --duration when given.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanService   string
	scanAllowList []string
	scanBlockList []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (0 scans until a key is pressed)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringVarP(&scanService, "service", "s", "", "Service UUID a board must advertise (default from config)")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only list boards with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide boards with these addresses")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if !slices.Contains([]string{"table", "json"}, scanFormat) {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if scanFormat == "json" {
		// keep stdout parseable
		a.con = newConsole(cmd.InOrStdin(), cmd.ErrOrStderr())
	}

	opts, err := a.scanOptions(scanService, scanAllowList, scanBlockList)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	found, err := a.scan(ctx, opts, scanDuration)
	if err != nil {
		return err
	}

	if scanFormat == "json" {
		return displayDevicesJSON(cmd.OutOrStdout(), found)
	}
	return displayDevicesTable(a.con.out, found)
}

// scanOptions merges command line filters over the configured ones.
func (a *app) scanOptions(service string, allow, block []string) (*scanner.ScanOptions, error) {
	opts, err := a.cfg.ScanOptions()
	if err != nil {
		return nil, err
	}
	if service != "" {
		if _, err := device.ValidateUUID(service); err != nil {
			return nil, fmt.Errorf("invalid service UUID: %w", err)
		}
		opts.ServiceUUID = service
	}
	for _, s := range allow {
		addr, err := device.ParseAddress(s)
		if err != nil {
			return nil, err
		}
		opts.AllowList = append(opts.AllowList, addr)
	}
	for _, s := range block {
		addr, err := device.ParseAddress(s)
		if err != nil {
			return nil, err
		}
		opts.BlockList = append(opts.BlockList, addr)
	}
	return opts, nil
}

func displayDevicesTable(out io.Writer, devices []scanner.DiscoveredDevice) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tADDRESS\tNAME\tRSSI\tFIRST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 64))

	for _, d := range devices {
		name := d.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d dBm\t%s\n",
			d.Order+1, d.Address, name, d.RSSI, d.FirstSeen.Format(time.TimeOnly))
	}
	return w.Flush()
}

type deviceJSON struct {
	Address   string    `json:"address"`
	Name      string    `json:"name,omitempty"`
	RSSI      int       `json:"rssi"`
	FirstSeen time.Time `json:"first_seen"`
}

func displayDevicesJSON(out io.Writer, devices []scanner.DiscoveredDevice) error {
	list := make([]deviceJSON, len(devices))
	for i, d := range devices {
		list[i] = deviceJSON{Address: d.Address.String(), Name: d.Name, RSSI: d.RSSI, FirstSeen: d.FirstSeen}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(list)
}
