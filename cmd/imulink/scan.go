package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/srg/imulink/internal/imu"
	"github.com/srg/imulink/scanner"
)

var outputFormats = []string{"table", "json"}

func newScanCmd() *cobra.Command {
	var (
		duration    time.Duration
		format      string
		techs       []string
		all         bool
		allowList   []string
		blockList   []string
		noDuplicate bool
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Discover nearby IMUs",
		Long: `Scan for Bluetooth Low Energy advertisements and list the IMUs in range.

Devices are classified by their advertised name prefix. Devices of no known
family are hidden unless --all is given.`,
		Example: `  imulink scan
  imulink scan --duration 30s --tech regmap
  imulink scan --all --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !lo.Contains(outputFormats, format) {
				return fmt.Errorf("invalid format '%s': must be one of %v", format, outputFormats)
			}
			families := make([]imu.Technology, 0, len(techs))
			for _, t := range techs {
				tech, err := imu.ParseTechnology(t)
				if err != nil {
					return err
				}
				families = append(families, tech)
			}

			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			if !cmd.Flags().Changed("duration") {
				duration = e.cfg.Scan.Timeout
			}
			opts := &scanner.ScanOptions{
				Duration:        duration,
				DuplicateFilter: noDuplicate,
				Technologies:    families,
				IncludeUnknown:  all || e.cfg.Scan.IncludeUnknown,
				AllowList:       allowList,
				BlockList:       blockList,
			}

			s, err := scanner.NewScanner(scanningDevice(e), e.logger)
			if err != nil {
				return fmt.Errorf("failed to create scanner: %w", err)
			}

			progress, stop := startProgress(cmd.ErrOrStderr(), "Scanning for IMUs", "Scanning", duration, "Processing results")
			devices, err := s.Scan(cmd.Context(), opts, progress)
			stop()
			if err != nil {
				return err
			}

			if format == "json" {
				return writeDevicesJSON(cmd.OutOrStdout(), devices)
			}
			return writeDevicesTable(cmd.OutOrStdout(), devices)
		},
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "Scan duration (0 scans until interrupted)")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table, json)")
	cmd.Flags().StringSliceVarP(&techs, "tech", "t", nil, fmt.Sprintf("Only show these families %v", imu.Technologies()))
	cmd.Flags().BoolVar(&all, "all", false, "Also show devices of no known family")
	cmd.Flags().StringSliceVar(&allowList, "allow", nil, "Only show devices with these addresses")
	cmd.Flags().StringSliceVar(&blockList, "block", nil, "Hide devices with these addresses")
	cmd.Flags().BoolVar(&noDuplicate, "no-duplicates", true, "Filter duplicate advertisements")
	return cmd
}

var techColors = map[imu.Technology]*color.Color{
	imu.TechHalfStream: color.New(color.FgCyan),
	imu.TechRegMap:     color.New(color.FgMagenta),
	imu.TechTextLine:   color.New(color.FgYellow),
}

func writeDevicesTable(out io.Writer, devices []scanner.Device) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(out, "No devices discovered")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tFAMILY\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 72))

	for _, d := range devices {
		name := d.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		family := "-"
		if d.Technology != "" {
			family = string(d.Technology)
			if c, ok := techColors[d.Technology]; ok {
				family = c.Sprint(family)
			}
		}
		lastSeen := time.Since(d.LastSeen).Truncate(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s ago\n", name, d.Address, d.RSSI, family, lastSeen)
	}
	return w.Flush()
}

type deviceJSON struct {
	Address     string    `json:"address"`
	Name        string    `json:"name"`
	RSSI        int       `json:"rssi"`
	Technology  string    `json:"technology,omitempty"`
	Connectable bool      `json:"connectable"`
	Services    []string  `json:"services,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

func writeDevicesJSON(out io.Writer, devices []scanner.Device) error {
	list := lo.Map(devices, func(d scanner.Device, _ int) deviceJSON {
		return deviceJSON{
			Address:     d.Address,
			Name:        d.Name,
			RSSI:        d.RSSI,
			Technology:  string(d.Technology),
			Connectable: d.Connectable,
			Services:    d.Services,
			LastSeen:    d.LastSeen,
		}
	})
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(list)
}
