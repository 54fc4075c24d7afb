package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/imulink/pkg/config"
)

// configureLogger creates a logger from the config and the logging flags.
// --log-level takes precedence over --verbose. Without either, the config file's
// log_level applies; with no config file the CLI only logs errors so it does not
// interleave with command output.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	logger := cfg.NewLogger()

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s (must be trace, debug, info, warn, or error)", level)
		}
		logger.SetLevel(parsed)
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else if cfg.Source() == "" {
		logger.SetLevel(logrus.ErrorLevel)
	}

	logger.SetOutput(cmd.ErrOrStderr())
	return logger, nil
}
