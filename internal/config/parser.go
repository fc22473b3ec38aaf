package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"cpufreq-governor/internal/logging"
	"cpufreq-governor/internal/tunables"

	"gopkg.in/yaml.v3"
)

func LoadConfig(filepath string) (*GovernorConfig, error) {
	config, _, err := LoadConfigWithContent(filepath)
	return config, err
}

func LoadConfigWithContent(filepath string) (*GovernorConfig, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, "", err
	}

	originalContent := string(data)
	config, err := Parse([]byte(expandEnvVars(originalContent)))
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to load config file")
		return nil, "", err
	}
	return config, originalContent, nil
}

// Parse decodes an already expanded document and validates it.
func Parse(data []byte) (*GovernorConfig, error) {
	var config GovernorConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Set KeyName for each group based on the YAML key and parse its CPUs
	for keyName, group := range config.Groups {
		group.KeyName = keyName
		if group.CPUs != "" {
			cpus, err := parseCPUSpec(group.CPUs)
			if err != nil {
				return nil, fmt.Errorf("group %s: invalid CPU specification '%s': %w", keyName, group.CPUs, err)
			}
			group.CPUList = cpus
		}
		config.Groups[keyName] = group
	}

	applyDefaults(&config)
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func applyDefaults(config *GovernorConfig) {
	if config.Governor.TunablesScope == "" {
		config.Governor.TunablesScope = ScopeGroup
	}
	if config.Governor.Activity.Source == "" {
		config.Governor.Activity.Source = ActivityProcfs
	}
	if config.Events.MQTT.TopicPrefix == "" {
		config.Events.MQTT.TopicPrefix = "governor"
	}
	if config.Events.MQTT.ClientID == "" {
		config.Events.MQTT.ClientID = "cpufreq-governor"
	}
	if config.Simulation.PhaseMS <= 0 {
		config.Simulation.PhaseMS = 2000
	}
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

// CPU specification strings like "0", "0,2,4", or "0-3"
func parseCPUSpec(spec string) ([]int, error) {
	var cpus []int
	seen := make(map[int]bool)

	parts := strings.Split(spec, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "-") {
			rangeParts := strings.Split(part, "-")
			if len(rangeParts) != 2 {
				return nil, fmt.Errorf("invalid CPU range: %s", part)
			}

			start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid CPU range start: %s", rangeParts[0])
			}

			end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid CPU range end: %s", rangeParts[1])
			}

			if start > end {
				return nil, fmt.Errorf("invalid CPU range: start > end (%d > %d)", start, end)
			}

			for i := start; i <= end; i++ {
				if !seen[i] {
					cpus = append(cpus, i)
					seen[i] = true
				}
			}
		} else {
			cpu, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid CPU number: %s", part)
			}

			if !seen[cpu] {
				cpus = append(cpus, cpu)
				seen[cpu] = true
			}
		}
	}

	if len(cpus) == 0 {
		return nil, fmt.Errorf("no CPUs specified")
	}

	return cpus, nil
}

// ParseCPUSpec is exported for the CLI.
func ParseCPUSpec(spec string) ([]int, error) { return parseCPUSpec(spec) }

func validateConfig(config *GovernorConfig) error {
	gov := config.Governor
	if gov.Name == "" {
		return fmt.Errorf("governor name is required")
	}
	if gov.TickUS < 0 {
		return fmt.Errorf("tick_us must not be negative")
	}

	switch gov.TunablesScope {
	case ScopeGroup, ScopeSystem:
	default:
		return fmt.Errorf("tunables_scope must be %q or %q, got %q", ScopeGroup, ScopeSystem, gov.TunablesScope)
	}

	simulated := false
	switch gov.Activity.Source {
	case ActivityProcfs, ActivityPerf:
	case ActivitySimulated:
		simulated = true
	default:
		return fmt.Errorf("unknown activity source %q", gov.Activity.Source)
	}

	if gov.Dispatcher.RealtimePriority < 0 || gov.Dispatcher.RealtimePriority > 99 {
		return fmt.Errorf("dispatcher realtime_priority must be within [0, 99]")
	}

	if _, err := tunables.New(config.Tick()).Apply(gov.Tunables.Values()); err != nil {
		return fmt.Errorf("governor tunables: %w", err)
	}

	owners := make(map[int]string)
	policies := make(map[string]string)
	for name, group := range config.Groups {
		if group.Policy == "" && len(group.CPUList) == 0 {
			return fmt.Errorf("group %s: either policy or cpus is required", name)
		}
		if simulated && (len(group.CPUList) == 0 || len(group.Frequencies) == 0) {
			return fmt.Errorf("group %s: simulated groups need cpus and frequencies", name)
		}
		for _, f := range group.Frequencies {
			if f == 0 {
				return fmt.Errorf("group %s: frequencies must be positive", name)
			}
		}
		if group.MinKHz != 0 && group.MaxKHz != 0 && group.MinKHz > group.MaxKHz {
			return fmt.Errorf("group %s: min_khz %d above max_khz %d", name, group.MinKHz, group.MaxKHz)
		}
		if group.Policy != "" {
			if other, ok := policies[group.Policy]; ok {
				return fmt.Errorf("group %s: policy %s already used by group %s", name, group.Policy, other)
			}
			policies[group.Policy] = name
		}
		for _, cpu := range group.CPUList {
			if other, ok := owners[cpu]; ok {
				return fmt.Errorf("group %s: cpu %d already belongs to group %s", name, cpu, other)
			}
			owners[cpu] = name
		}

		merged := config.TunablesFor(name)
		if _, err := tunables.New(config.Tick()).Apply(merged); err != nil {
			return fmt.Errorf("group %s tunables: %w", name, err)
		}
	}

	if simulated && len(config.Groups) == 0 {
		return fmt.Errorf("simulated activity needs at least one group")
	}

	if mqtt := config.Events.MQTT; mqtt.Enabled {
		if mqtt.Broker == "" {
			return fmt.Errorf("mqtt broker is required when mqtt is enabled")
		}
		if mqtt.QoS > 2 {
			return fmt.Errorf("mqtt qos must be 0, 1 or 2")
		}
	}

	if gpio := config.Events.GPIO; gpio.Enabled {
		if gpio.Chip == "" {
			return fmt.Errorf("gpio chip is required when gpio is enabled")
		}
		if gpio.EarphonesLine == nil && gpio.BluetoothLine == nil && gpio.DisplayLine == nil {
			return fmt.Errorf("gpio needs at least one line")
		}
	}

	// Validate database config
	if db := config.Telemetry.InfluxDB; db.Enabled {
		if db.Host == "" || db.Token == "" || db.Org == "" || db.Bucket == "" {
			return fmt.Errorf("incomplete database configuration")
		}
	}

	return nil
}
