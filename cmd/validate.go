package cmd

import (
	"fmt"

	"cpufreq-governor/internal/config"
	"cpufreq-governor/internal/host"
	"cpufreq-governor/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var configFile string
	var checkHost bool

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a governor configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(configFile, checkHost)
		},
	}
	validateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to governor configuration file")
	validateCmd.Flags().BoolVar(&checkHost, "host", false, "Also resolve the groups against this host's cpufreq policies")
	validateCmd.MarkFlagRequired("config")
	return validateCmd
}

func validateConfig(configFile string, checkHost bool) error {
	logger := logging.GetLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Configuration validation failed")
		return err
	}
	checksum, err := config.Checksum(cfg)
	if err != nil {
		return err
	}

	if checkHost && cfg.Governor.Activity.Source != config.ActivitySimulated {
		hc, err := host.Discover(sysfsRoot(cfg), procRoot(cfg))
		if err != nil {
			return fmt.Errorf("failed to discover host policies: %w", err)
		}
		specs, err := groupSpecs(cfg, hc)
		if err != nil {
			logger.WithField("config_file", configFile).WithError(err).Error("Configuration does not match this host")
			return err
		}
		for _, spec := range specs {
			logger.WithFields(logrus.Fields{
				"group":   spec.Name,
				"policy":  spec.Policy.ID,
				"cpus":    spec.Policy.CPUs,
				"entries": spec.Policy.Table.Len(),
			}).Info("Group resolved")
		}
	}

	logger.WithFields(logrus.Fields{
		"config_file": configFile,
		"groups":      len(cfg.Groups),
		"checksum":    checksum,
	}).Info("Configuration is valid")
	return nil
}
