package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/imulink/internal/session"
)

func newSetCmd() *cobra.Command {
	var f targetFlags

	cmd := &cobra.Command{
		Use:   "set [device] <name> <value>",
		Short: "Write a device property",
		Long: `Write one named value to a device and wait for it to be acknowledged.

regmap devices take a writable control field; the device echoes the stored value.
textline devices take a property and answer with a status and write count.`,
		Example: `  imulink set left-wrist rate 100
  imulink set --tech regmap --address AA:BB:CC:DD:EE:FF mode 3`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, rest := splitDeviceArgs(args, f)
			if len(rest) != 2 {
				return fmt.Errorf("set: expected <name> <value>, got %d arguments", len(rest))
			}
			name, value := rest[0], rest[1]

			return withDevice(cmd, devices, f, func(ctx context.Context, e *env, s session.Session) error {
				switch dev := s.(type) {
				case *session.RegMap:
					v, err := dev.WriteField(ctx, name, value)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", name, v)
					return err
				case *session.TextLine:
					n, err := dev.SetValue(ctx, name, value)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s = %s (writes: %d)\n", name, value, n)
					return err
				default:
					return fmt.Errorf("set: %s devices: %w", s.Technology(), ErrUnsupportedFamily)
				}
			})
		},
	}

	addTargetFlags(cmd, &f)
	return cmd
}
