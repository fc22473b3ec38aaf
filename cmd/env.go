package cmd

import (
	"os"
	"path/filepath"

	"cpufreq-governor/internal/logging"

	"github.com/joho/godotenv"
)

// loadEnvironment reads GOVERNOR_ENV_FILE, ./.env or the .env next to the
// binary, whichever exists first. Values already set in the environment win.
func loadEnvironment() {
	logger := logging.GetLogger()

	candidates := []string{os.Getenv("GOVERNOR_ENV_FILE"), ".env"}
	if execPath, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(execPath), ".env"))
	}

	for _, envFile := range candidates {
		if envFile == "" {
			continue
		}
		if _, err := os.Stat(envFile); err != nil {
			continue
		}
		if err := godotenv.Load(envFile); err != nil {
			logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		} else {
			logger.WithField("file", envFile).Debug("Loaded environment variables")
		}
		return
	}
}
