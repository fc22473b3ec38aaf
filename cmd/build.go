package cmd

import (
	"fmt"
	"os"
	"time"

	"cpufreq-governor/internal/activity"
	"cpufreq-governor/internal/config"
	"cpufreq-governor/internal/cpufreq"
	"cpufreq-governor/internal/events"
	"cpufreq-governor/internal/governor"
	"cpufreq-governor/internal/host"
	"cpufreq-governor/internal/logging"
	"cpufreq-governor/internal/telemetry"
	"cpufreq-governor/internal/tunables"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"
)

// stack is everything a governor run owns besides the governor itself.
type stack struct {
	cfg      *config.GovernorConfig
	content  string
	checksum string

	specs    []governor.GroupSpec
	driver   cpufreq.Driver
	notifier cpufreq.Notifier
	activity activity.Clock
	hub      *events.Hub
	sinks    *telemetry.Multi

	closers []func() error
}

func loadStack(configFile string) (*stack, error) {
	cfg, content, err := config.LoadConfigWithContent(configFile)
	if err != nil {
		return nil, err
	}
	if err := applyConfigLogLevel(cfg.Governor.LogLevel); err != nil {
		return nil, err
	}
	checksum, err := config.Checksum(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to compute config checksum: %w", err)
	}
	return &stack{
		cfg:      cfg,
		content:  content,
		checksum: checksum,
		hub:      events.NewHub(),
		sinks:    telemetry.NewMulti(),
	}, nil
}

// resolveHardware discovers the host policies and builds the sysfs driver.
func (s *stack) resolveHardware() error {
	cfg := s.cfg
	hc, err := host.Discover(sysfsRoot(cfg), procRoot(cfg))
	if err != nil {
		return err
	}

	specs, err := groupSpecs(cfg, hc)
	if err != nil {
		return err
	}
	s.specs = specs

	policies := make([]cpufreq.Policy, 0, len(specs))
	for _, spec := range specs {
		policies = append(policies, spec.Policy)
	}
	drv := cpufreq.NewSysfsDriver(cfg.Governor.Driver.SysfsRoot, policies)
	if cfg.UserspaceGovernor() {
		s.driver = drv
	} else {
		// Hide Prepare so an operator-selected governor is left alone.
		s.driver = struct {
			cpufreq.Driver
		}{drv}
	}
	s.notifier = drv

	refKHz := cfg.Governor.Activity.RefKHz
	if refKHz == 0 {
		refKHz = hc.BaseFrequencyKHz
	}
	switch cfg.Governor.Activity.Source {
	case config.ActivityPerf:
		pc, err := activity.NewPerfClock(allCPUs(specs), refKHz, clock.RealClock{})
		if err != nil {
			return err
		}
		s.activity = pc
	default:
		pc, err := activity.NewProcfsClock(cfg.Governor.Activity.ProcRoot)
		if err != nil {
			return err
		}
		s.activity = pc
	}
	if c, ok := s.activity.(activity.Closer); ok {
		s.closers = append(s.closers, c.Close)
	}
	return nil
}

// simulateHardware backs every group with an in-memory driver and a phased
// workload.
func (s *stack) simulateHardware(clk clock.PassiveClock) (*cpufreq.FakeDriver, error) {
	specs, err := groupSpecs(s.cfg, nil)
	if err != nil {
		return nil, err
	}
	s.specs = specs

	policies := make([]cpufreq.Policy, 0, len(specs))
	policyOf := make(map[int]string)
	for _, spec := range specs {
		policies = append(policies, spec.Policy)
		for _, cpu := range spec.Policy.CPUs {
			policyOf[cpu] = spec.Policy.ID
		}
	}
	drv := cpufreq.NewFakeDriver(policies)
	s.driver = drv
	s.notifier = drv

	sim := s.cfg.Simulation
	demands := sim.DemandKHz
	if len(demands) == 0 {
		demands = defaultDemands(specs)
	}
	workload := activity.PhasedWorkload(time.Duration(sim.PhaseMS)*time.Millisecond, demands, sim.JitterPct, sim.Seed)
	s.activity = activity.NewSimulatedClock(clk, allCPUs(specs), workload, func(unit int) uint {
		freq, err := drv.Current(policyOf[unit])
		if err != nil {
			return 0
		}
		return freq
	})
	return drv, nil
}

// connectEvents attaches the configured event sources to the hub. A source
// that cannot be reached is logged and skipped.
func (s *stack) connectEvents() {
	logger := logging.GetLogger()
	ev := s.cfg.Events

	if ev.MQTT.Enabled {
		src, err := events.NewMQTTSource(events.MQTTConfig{
			Broker:      ev.MQTT.Broker,
			ClientID:    ev.MQTT.ClientID,
			Username:    ev.MQTT.Username,
			Password:    ev.MQTT.Password,
			TopicPrefix: ev.MQTT.TopicPrefix,
			QoS:         ev.MQTT.QoS,
		}, s.hub)
		if err != nil {
			logger.WithField("broker", ev.MQTT.Broker).WithError(err).Warn("MQTT events unavailable")
		} else {
			s.closers = append(s.closers, src.Close)
		}
	}

	if ev.GPIO.Enabled {
		lines := make(map[events.Kind]int)
		if ev.GPIO.DisplayLine != nil {
			lines[events.KindDisplay] = *ev.GPIO.DisplayLine
		}
		if ev.GPIO.EarphonesLine != nil {
			lines[events.KindEarphones] = *ev.GPIO.EarphonesLine
		}
		if ev.GPIO.BluetoothLine != nil {
			lines[events.KindBluetooth] = *ev.GPIO.BluetoothLine
		}
		src, err := events.NewGPIOSource(events.GPIOConfig{
			Chip:       ev.GPIO.Chip,
			Lines:      lines,
			ActiveLow:  ev.GPIO.ActiveLow,
			DebounceMS: ev.GPIO.DebounceMS,
		}, s.hub)
		if err != nil {
			logger.WithField("chip", ev.GPIO.Chip).WithError(err).Warn("GPIO events unavailable")
		} else {
			s.closers = append(s.closers, src.Close)
		}
	}
}

// connectTelemetry adds the decision log and, when enabled, InfluxDB.
func (s *stack) connectTelemetry() {
	tel := s.cfg.Telemetry
	s.sinks.Add(telemetry.NewLogSink(logging.GetGovernorLogger(), tel.LogDecisions))

	if tel.InfluxDB.Enabled {
		hostname, _ := os.Hostname()
		sink, err := telemetry.NewInfluxSink(tel.InfluxDB, map[string]string{
			"host":     hostname,
			"governor": s.cfg.Governor.Name,
			"checksum": s.checksum,
		})
		if err != nil {
			logging.GetLogger().WithError(err).Warn("InfluxDB telemetry unavailable")
			return
		}
		s.sinks.Add(sink)
	}
}

func (s *stack) newGovernor(clk clock.WithDelayedExecution) (*governor.Governor, error) {
	return governor.New(s.specs, governor.Options{
		Clock:            clk,
		Activity:         s.activity,
		Driver:           s.driver,
		Notifier:         s.notifier,
		Events:           s.hub,
		Sink:             s.sinks,
		Cache:            newTunablesCache(s.cfg, s.specs),
		SystemScope:      s.cfg.SystemScope(),
		DisplayOn:        s.cfg.DisplayInitiallyOn(),
		BusyRetry:        s.cfg.BusyRetry(),
		RealtimePriority: s.cfg.Governor.Dispatcher.RealtimePriority,
	})
}

// close releases sinks and sources in reverse order of acquisition.
func (s *stack) close() error {
	var err error
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i]())
	}
	return multierr.Append(err, s.sinks.Close())
}

// newTunablesCache builds tunables from the configured overrides. With
// group scope every fingerprint belongs to one group; with system scope only
// the global overrides apply.
func newTunablesCache(cfg *config.GovernorConfig, specs []governor.GroupSpec) *tunables.Cache {
	logger := logging.GetLogger()
	owners := make(map[string]string, len(specs))
	for _, spec := range specs {
		owners[tunables.Fingerprint(spec.Policy.CPUs)] = spec.Name
	}

	return tunables.NewCache(func(fingerprint string) (*tunables.Tunables, error) {
		values := cfg.Governor.Tunables.Values()
		if group, ok := owners[fingerprint]; ok && !cfg.SystemScope() {
			values = cfg.TunablesFor(group)
		}

		t := tunables.New(cfg.Tick())
		adjusted, err := t.Apply(values)
		if err != nil {
			return nil, fmt.Errorf("tunables for %s: %w", fingerprint, err)
		}
		for _, a := range adjusted {
			logger.WithFields(logrus.Fields{
				"cpus":  fingerprint,
				"key":   a.Key,
				"value": a.Value,
			}).Warn(a.Reason)
		}
		return t, nil
	})
}

// groupSpecs resolves every configured group to a policy. hc is nil for
// simulated runs, where the configuration must carry cpus and frequencies.
func groupSpecs(cfg *config.GovernorConfig, hc *host.HostConfig) ([]governor.GroupSpec, error) {
	groups := cfg.GetGroupsSorted()
	specs := make([]governor.GroupSpec, 0, len(groups))
	for _, g := range groups {
		policy, err := resolvePolicy(g, hc)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", g.KeyName, err)
		}
		specs = append(specs, governor.GroupSpec{Name: g.KeyName, Policy: policy})
	}
	if len(specs) == 0 && hc != nil {
		// Without explicit groups every host policy is governed.
		for _, p := range hc.Policies {
			policy, err := resolvePolicy(config.GroupConfig{KeyName: p.Name, Policy: p.Name}, hc)
			if err != nil {
				return nil, err
			}
			specs = append(specs, governor.GroupSpec{Name: p.Name, Policy: policy})
		}
	}
	return specs, nil
}

func resolvePolicy(g config.GroupConfig, hc *host.HostConfig) (cpufreq.Policy, error) {
	policy := cpufreq.Policy{ID: g.Policy, CPUs: g.CPUList, Min: g.MinKHz, Max: g.MaxKHz}
	freqs := g.Frequencies

	if hc != nil {
		var info host.PolicyInfo
		var ok bool
		if g.Policy != "" {
			info, ok = hc.Policy(g.Policy)
		} else if len(g.CPUList) > 0 {
			info, ok = hc.PolicyForCPU(g.CPUList[0])
		}
		if !ok {
			return policy, fmt.Errorf("no cpufreq policy found on this host")
		}
		if len(g.CPUList) > 0 && tunables.Fingerprint(g.CPUList) != tunables.Fingerprint(info.CPUs) {
			return policy, fmt.Errorf("cpus %s do not match %s cpus %s",
				tunables.Fingerprint(g.CPUList), info.Name, tunables.Fingerprint(info.CPUs))
		}
		policy.ID = info.Name
		policy.CPUs = info.CPUs
		if len(freqs) == 0 {
			freqs = info.Frequencies
		}
		if policy.Min == 0 {
			policy.Min = info.ScalingMinKHz
		}
		if policy.Max == 0 {
			policy.Max = info.ScalingMaxKHz
		}
	} else if policy.ID == "" {
		policy.ID = "sim-" + g.KeyName
	}

	table, err := cpufreq.NewTable(freqs)
	if err != nil {
		return policy, err
	}
	policy.Table = table
	return policy, nil
}

func allCPUs(specs []governor.GroupSpec) []int {
	var cpus []int
	for _, spec := range specs {
		cpus = append(cpus, spec.Policy.CPUs...)
	}
	return cpus
}

// defaultDemands sweeps the fastest group's table from its lowest to its
// highest entry and back.
func defaultDemands(specs []governor.GroupSpec) []uint {
	var table cpufreq.Table
	for _, spec := range specs {
		if spec.Policy.Table.Max() > table.Max() {
			table = spec.Policy.Table
		}
	}
	freqs := table.Frequencies()
	out := append([]uint(nil), freqs...)
	for i := len(freqs) - 2; i > 0; i-- {
		out = append(out, freqs[i])
	}
	return out
}

func sysfsRoot(cfg *config.GovernorConfig) string {
	if cfg.Governor.Driver.SysfsRoot != "" {
		return cfg.Governor.Driver.SysfsRoot
	}
	return host.DefaultCPURoot
}

func procRoot(cfg *config.GovernorConfig) string {
	if cfg.Governor.Activity.ProcRoot != "" {
		return cfg.Governor.Activity.ProcRoot
	}
	return host.DefaultProcRoot
}
