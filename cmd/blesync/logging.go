package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blesync/pkg/config"
)

// loadConfig reads the configuration named by --config and applies the
// logging flags on top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// configureLogger creates a logger with the appropriate log level.
// --log-level takes precedence over --verbose, which takes precedence over
// the configured log_level.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr != "" {
		switch logLevelStr {
		case "debug", "info", "warn", "error":
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
		cfg.LogLevel = logLevelStr
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.LogLevel = logrus.DebugLevel.String()
	}

	return cfg.NewLogger(), nil
}
