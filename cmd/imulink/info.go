package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/imulink/internal/protocol"
	"github.com/srg/imulink/internal/protocol/regmap"
	"github.com/srg/imulink/internal/session"
)

func newInfoCmd() *cobra.Command {
	var (
		f      targetFlags
		format string
	)

	cmd := &cobra.Command{
		Use:   "info [device]",
		Short: "Show a device's identity and state",
		Long: `Connect to a device and print its identity, battery level and session state.

For regmap devices the whole control memory is read and printed as well.`,
		Example: `  imulink info left-wrist
  imulink info --tech regmap --address AA:BB:CC:DD:EE:FF --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !lo.Contains(outputFormats, format) {
				return fmt.Errorf("invalid format '%s': must be one of %v", format, outputFormats)
			}
			return withDevice(cmd, args, f, func(ctx context.Context, e *env, s session.Session) error {
				info := deviceInfo{Snapshot: s.Snapshot(), State: s.State().String()}
				if rm, ok := s.(*session.RegMap); ok {
					resp, err := rm.ReadControl(ctx, regmap.ControlAddress, regmap.ControlSize)
					if err != nil {
						return fmt.Errorf("read control memory: %w", err)
					}
					info.Control = resp.Values
				}
				if format == "json" {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(info)
				}
				return info.writeTable(cmd.OutOrStdout())
			})
		},
	}

	addTargetFlags(cmd, &f)
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table, json)")
	return cmd
}

type deviceInfo struct {
	session.Snapshot
	State   string                                            `json:"state"`
	Control *orderedmap.OrderedMap[string, regmap.FieldValue] `json:"-"`
}

// MarshalJSON renders control fields as decoded strings in address order.
func (i deviceInfo) MarshalJSON() ([]byte, error) {
	type plain deviceInfo
	out := struct {
		plain
		Control *orderedmap.OrderedMap[string, string] `json:"control,omitempty"`
	}{plain: plain(i)}
	if i.Control != nil {
		out.Control = orderedmap.New[string, string]()
		for p := i.Control.Oldest(); p != nil; p = p.Next() {
			out.Control.Set(p.Key, p.Value.String())
		}
	}
	return json.Marshal(out)
}

func (i deviceInfo) writeTable(out io.Writer) error {
	battery := "n/a"
	if i.Battery != protocol.NoBattery {
		battery = strconv.Itoa(i.Battery) + "%"
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Technology:\t%s\n", i.Technology)
	fmt.Fprintf(w, "Name:\t%s\n", i.Name)
	fmt.Fprintf(w, "Address:\t%s\n", i.Address)
	fmt.Fprintf(w, "Serial:\t%s\n", i.Serial)
	fmt.Fprintf(w, "Version:\t%s\n", i.Version)
	fmt.Fprintf(w, "Battery:\t%s\n", battery)
	fmt.Fprintf(w, "State:\t%s\n", i.State)
	if i.Control != nil {
		fmt.Fprintln(w, "\nControl memory:")
		for p := i.Control.Oldest(); p != nil; p = p.Next() {
			fmt.Fprintf(w, "  %s\t0x%02x\t%s\n", p.Key, p.Value.Field.Address, p.Value)
		}
	}
	return w.Flush()
}
