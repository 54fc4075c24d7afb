package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/srg/imulink/internal/protocol"
	"github.com/srg/imulink/internal/protocol/regmap"
	"github.com/srg/imulink/internal/session"
)

func newGetCmd() *cobra.Command {
	var f targetFlags

	cmd := &cobra.Command{
		Use:   "get [device] <name>...",
		Short: "Read device properties",
		Long: `Read named values from a device.

regmap devices take control field names and print every field when none is
given. textline devices take property names such as serial, version, rate and
name. halfstream devices have no readable properties.

With --tech or another device flag every argument is a name; otherwise the
first argument is a configured device.`,
		Example: `  imulink get left-wrist serial version
  imulink get --tech regmap --address AA:BB:CC:DD:EE:FF
  imulink get --tech textline --port /dev/ttyACM0 rate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, names := splitDeviceArgs(args, f)
			return withDevice(cmd, devices, f, func(ctx context.Context, e *env, s session.Session) error {
				switch dev := s.(type) {
				case *session.RegMap:
					return getControl(ctx, cmd.OutOrStdout(), dev, names)
				case *session.TextLine:
					return getProperties(ctx, cmd.OutOrStdout(), dev, names)
				default:
					return fmt.Errorf("get: %s devices: %w", s.Technology(), ErrUnsupportedFamily)
				}
			})
		},
	}

	addTargetFlags(cmd, &f)
	return cmd
}

// splitDeviceArgs separates a leading configured device name from the remaining
// arguments. Device flags mean no positional device is given.
func splitDeviceArgs(args []string, f targetFlags) ([]string, []string) {
	if f.set() || len(args) == 0 {
		return nil, args
	}
	return args[:1], args[1:]
}

func getControl(ctx context.Context, out io.Writer, s *session.RegMap, names []string) error {
	resp, err := s.ReadControl(ctx, regmap.ControlAddress, regmap.ControlSize)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if len(names) == 0 {
		for p := resp.Values.Oldest(); p != nil; p = p.Next() {
			fmt.Fprintf(w, "%s\t%s\n", p.Key, p.Value)
		}
		return w.Flush()
	}
	for _, name := range names {
		v, ok := resp.Value(name)
		if !ok {
			return protocol.Unknownf("control field %q", name)
		}
		fmt.Fprintf(w, "%s\t%s\n", name, v)
	}
	return w.Flush()
}

func getProperties(ctx context.Context, out io.Writer, s *session.TextLine, names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("get: at least one property name is required")
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, name := range names {
		v, err := s.GetValue(ctx, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\n", name, v)
	}
	return w.Flush()
}
