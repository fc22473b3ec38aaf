package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"cpufreq-governor/internal/logging"
	"cpufreq-governor/internal/telemetry"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"
)

const simulationTraceLimit = 200000

func newSimulateCmd() *cobra.Command {
	var configFile string
	var duration time.Duration
	var spoolDir string

	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the governor against simulated hardware",
		Long:  "Drives in-memory policies with a phased workload and writes every decision to a spool artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(configFile, duration, spoolDir)
		},
	}
	simulateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to governor configuration file")
	simulateCmd.Flags().DurationVar(&duration, "duration", 30*time.Second, "How long to simulate")
	simulateCmd.Flags().StringVar(&spoolDir, "spool-dir", telemetry.DefaultSpoolDir(), "Directory for the decision spool")
	simulateCmd.MarkFlagRequired("config")
	return simulateCmd
}

func runSimulation(configFile string, duration time.Duration, spoolDir string) error {
	logger := logging.GetLogger()
	if duration <= 0 {
		return fmt.Errorf("duration must be positive")
	}

	st, err := loadStack(configFile)
	if err != nil {
		return err
	}

	clk := clock.RealClock{}
	drv, err := st.simulateHardware(clk)
	if err != nil {
		return err
	}
	spool := telemetry.NewSpoolSink(spoolDir, st.cfg.Governor.Name, st.checksum, st.content, simulationTraceLimit)
	st.sinks.Add(spool)
	st.connectTelemetry()
	st.connectEvents()

	gov, err := st.newGovernor(clk)
	if err != nil {
		st.close()
		return err
	}
	if err := startGroups(gov); err != nil {
		gov.Close()
		st.close()
		return err
	}

	logger.WithFields(logrus.Fields{
		"governor": st.cfg.Governor.Name,
		"groups":   len(st.specs),
		"duration": duration,
	}).Info("Starting simulation")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	timer := time.NewTimer(duration)
	select {
	case <-timer.C:
	case <-sigChan:
		timer.Stop()
		logger.Info("Received interrupt signal, ending simulation early")
	}

	if err := gov.Close(); err != nil {
		logger.WithError(err).Warn("Governor stopped with errors")
	}
	if err := st.close(); err != nil {
		return err
	}

	outcomes := make(map[telemetry.Outcome]int)
	for _, t := range spool.Traces() {
		outcomes[t.Outcome]++
	}
	names := make([]string, 0, len(outcomes))
	for o := range outcomes {
		names = append(names, string(o))
	}
	sort.Strings(names)

	fields := logrus.Fields{
		"spool":   spool.Path(),
		"applied": len(drv.Applied()),
	}
	for _, n := range names {
		fields[n] = outcomes[telemetry.Outcome(n)]
	}
	logger.WithFields(fields).Info("Simulation finished")
	return nil
}
