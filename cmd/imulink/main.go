package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"unicode"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree. Every call returns fresh flag state.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "imulink",
		Short: "Wireless IMU streaming tool",
		Long: `Connect to wireless inertial measurement units and stream orientation data.

Supported device families:

- halfstream  half-float sample notifications, fast-converge support
- regmap      register-mapped control memory and multi-mode streaming
- textline    ASCII line protocol, over BLE or a USB serial port

Every family is normalized to the same sample record: time in seconds, a unit
quaternion, acceleration in m/s², angular rate in rad/s and magnetic field in µT.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		SilenceErrors: true, // main prints clean errors
	}

	// Global flags
	root.PersistentFlags().String("config", "", "Config file (default: ~/.config/imulink/config.yaml, /etc/imulink, ./config.yaml)")
	root.PersistentFlags().String("log-level", "", "Log level (trace, debug, info, warn, error)")
	root.PersistentFlags().Bool("verbose", false, "Verbose logging (same as --log-level=debug)")
	root.PersistentFlags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9464")

	// Add -v as a short flag for --version
	root.Flags().BoolP("version", "v", false, "Show version information")

	root.AddCommand(
		newScanCmd(),
		newStreamCmd(),
		newInfoCmd(),
		newGetCmd(),
		newSetCmd(),
		newBridgeCmd(),
		newConfigCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "%s %s\n", color.New(color.FgRed, color.Bold).Sprint("ERROR:"), FormatUserError(err))
		os.Exit(1)
	}
}
