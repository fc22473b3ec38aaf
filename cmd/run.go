package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cpufreq-governor/internal/governor"
	"cpufreq-governor/internal/logging"
	"cpufreq-governor/internal/metrics"
	"cpufreq-governor/internal/web"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"
)

const shutdownTimeout = 5 * time.Second

func newRunCmd() *cobra.Command {
	var configFile string
	var addr string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Govern the host's cpufreq policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGovernor(configFile, addr)
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to governor configuration file")
	runCmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides http.addr)")
	runCmd.MarkFlagRequired("config")
	return runCmd
}

func runGovernor(configFile, addr string) error {
	logger := logging.GetLogger()

	st, err := loadStack(configFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			logger.WithError(err).Warn("Failed to close telemetry and event sources")
		}
	}()

	if err := st.resolveHardware(); err != nil {
		return fmt.Errorf("failed to resolve cpufreq policies: %w", err)
	}
	st.connectTelemetry()
	collector := metrics.New()
	st.sinks.Add(collector)
	st.connectEvents()

	gov, err := st.newGovernor(clock.RealClock{})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"governor": st.cfg.Governor.Name,
		"checksum": st.checksum,
		"groups":   len(st.specs),
		"activity": st.cfg.Governor.Activity.Source,
	}).Info("Starting governor")

	if err := startGroups(gov); err != nil {
		gov.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			logger.Info("Received interrupt signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	if addr == "" {
		addr = st.cfg.HTTP.Addr
	}
	var server *web.Server
	serveErr := make(chan error, 1)
	if addr != "" {
		server = web.New(addr, gov, collector.Handler())
		go func() {
			logger.WithField("addr", addr).Info("Serving governor API")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		logger.WithError(err).Error("HTTP server failed")
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("HTTP server did not shut down cleanly")
		}
		shutdownCancel()
	}

	if closeErr := gov.Close(); closeErr != nil {
		logger.WithError(closeErr).Warn("Governor stopped with errors")
	}
	logger.Info("Governor stopped")
	return err
}

// startGroups starts every group. Failures are scoped to their group; the
// run only fails when no group could start.
func startGroups(gov *governor.Governor) error {
	logger := logging.GetLogger()
	err := gov.StartAll()
	if err == nil {
		return nil
	}
	logger.WithError(err).Warn("Some groups failed to start")
	for _, g := range gov.Groups() {
		if g.State() == governor.StateStarted {
			return nil
		}
	}
	return fmt.Errorf("no group could be started: %w", err)
}
