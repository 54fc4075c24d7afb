package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/srg/imulink/internal/imu"
	"github.com/srg/imulink/pkg/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the configuration",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigShowCmd())
	return cmd
}

// sampleConfig is the default configuration with one example device per family.
func sampleConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Devices = []config.DeviceConfig{
		{Name: "left-wrist", Technology: string(imu.TechHalfStream), Serial: "00A1"},
		{Name: "chest", Technology: string(imu.TechRegMap), Address: "AA:BB:CC:DD:EE:FF"},
		{Name: "bench", Technology: string(imu.TechTextLine), Port: "/dev/ttyACM0"},
	}
	return cfg
}

func newConfigInitCmd() *cobra.Command {
	var (
		output string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starting configuration",
		Long: `Write the default configuration with example devices.

Without --output the file goes to ~/.config/imulink/config.yaml; use
--output - to print it instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true

			var buf bytes.Buffer
			if err := config.WriteYAML(&buf, sampleConfig()); err != nil {
				return err
			}
			if output == "-" {
				_, err := cmd.OutOrStdout().Write(buf.Bytes())
				return err
			}

			if output == "" {
				paths := config.DefaultSearchPaths()
				if len(paths) == 0 {
					return errors.New("no user config directory, pass --output")
				}
				output = filepath.Join(paths[0], config.ConfigName+".yaml")
			}
			if _, err := os.Stat(output); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", output)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(output, buf.Bytes(), 0o644); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", output)
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file, - for stdout")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after defaults, the config file and IMULINK_* environment overrides are applied.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			out := cmd.OutOrStdout()
			if src := cfg.Source(); src != "" {
				fmt.Fprintf(out, "# source: %s\n", src)
			} else {
				fmt.Fprintln(out, "# source: defaults")
			}
			return config.WriteYAML(out, cfg)
		},
	}
}
