// Package cmd implements the cpufreq-governor command line.
package cmd

import (
	"fmt"

	"cpufreq-governor/internal/logging"

	"github.com/spf13/cobra"
)

const Version = "0.4.0"

var (
	logLevel  string
	logFormat string
)

// Execute loads the environment and runs the root command.
func Execute() error {
	loadEnvironment()
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "cpufreq-governor",
		Short:   "Adaptive CPU frequency governor",
		Long:    "Samples per-CPU load and drives cpufreq policies through the userspace governor",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.SetFormat(logFormat); err != nil {
				return err
			}
			if logLevel != "" {
				if err := logging.SetLogLevel(logLevel); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
				if err := logging.SetGovernorLogLevel(logLevel); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
			}
			return nil
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", logging.FormatText, "Log output format (text, json)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newSimulateCmd())
	rootCmd.AddCommand(newTunablesCmd())
	rootCmd.AddCommand(newStatusCmd())

	return rootCmd
}

// applyConfigLogLevel uses the configured level unless --log-level was given.
func applyConfigLogLevel(level string) error {
	if logLevel != "" || level == "" {
		return nil
	}
	if err := logging.SetLogLevel(level); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", level, err)
	}
	return logging.SetGovernorLogLevel(level)
}
