package host

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"cpufreq-governor/internal/logging"

	"github.com/sirupsen/logrus"
)

const (
	DefaultCPURoot  = "/sys/devices/system/cpu"
	DefaultProcRoot = "/proc"

	// Step used to synthesize a frequency table when the driver does not
	// publish scaling_available_frequencies.
	SyntheticStepKHz = 100000
)

// HostConfig contains host system configuration information
// This is initialized once at startup and used throughout the application
type HostConfig struct {
	// CPU Information
	CPUVendor    string
	CPUModel     string
	TotalThreads int

	// Frequency scaling
	ScalingDriver    string
	BaseFrequencyKHz uint64
	Policies         []PolicyInfo

	// System Information
	Hostname      string
	OSInfo        string
	KernelVersion string

	logger *logrus.Logger
}

// PolicyInfo describes one cpufreq policy: a set of CPUs that share a clock.
type PolicyInfo struct {
	Name               string
	CPUs               []int
	Frequencies        []uint
	Synthetic          bool
	CPUInfoMinKHz      uint
	CPUInfoMaxKHz      uint
	ScalingMinKHz      uint
	ScalingMaxKHz      uint
	Governor           string
	AvailableGovernors []string
}

var (
	globalHostConfig *HostConfig
	hostConfigOnce   sync.Once
	hostConfigErr    error
)

// GetHostConfig returns the global host configuration
// It initializes the configuration on first call
func GetHostConfig() (*HostConfig, error) {
	hostConfigOnce.Do(func() {
		globalHostConfig, hostConfigErr = Discover(DefaultCPURoot, DefaultProcRoot)
	})
	return globalHostConfig, hostConfigErr
}

// Discover reads CPU and cpufreq policy information below cpuRoot and procRoot.
func Discover(cpuRoot, procRoot string) (*HostConfig, error) {
	logger := logging.GetLogger()
	logger.Info("Initializing host configuration")

	config := &HostConfig{
		logger:       logger,
		TotalThreads: runtime.NumCPU(),
	}

	config.initSystemInfo(procRoot)
	config.initCPUInfo(procRoot)

	if err := config.initPolicies(cpuRoot); err != nil {
		return nil, fmt.Errorf("failed to discover cpufreq policies: %w", err)
	}
	config.initBaseFrequency(cpuRoot)

	logger.WithFields(logrus.Fields{
		"cpu_model":      config.CPUModel,
		"total_threads":  config.TotalThreads,
		"scaling_driver": config.ScalingDriver,
		"policies":       len(config.Policies),
		"base_khz":       config.BaseFrequencyKHz,
	}).Info("Host configuration initialized")

	return config, nil
}

// Policy returns the policy with the given name ("policy0").
func (hc *HostConfig) Policy(name string) (PolicyInfo, bool) {
	for _, p := range hc.Policies {
		if p.Name == name {
			return p, true
		}
	}
	return PolicyInfo{}, false
}

// PolicyForCPU returns the policy that clocks cpu.
func (hc *HostConfig) PolicyForCPU(cpu int) (PolicyInfo, bool) {
	for _, p := range hc.Policies {
		for _, c := range p.CPUs {
			if c == cpu {
				return p, true
			}
		}
	}
	return PolicyInfo{}, false
}

// MaxCPU returns the highest CPU id managed by any policy.
func (hc *HostConfig) MaxCPU() int {
	max := -1
	for _, p := range hc.Policies {
		for _, c := range p.CPUs {
			if c > max {
				max = c
			}
		}
	}
	return max
}

func (hc *HostConfig) initSystemInfo(procRoot string) {
	if hostname, err := os.Hostname(); err == nil {
		hc.Hostname = hostname
	}
	hc.OSInfo = runtime.GOOS + "/" + runtime.GOARCH

	// Get kernel version from /proc/version
	if data, err := os.ReadFile(filepath.Join(procRoot, "version")); err == nil {
		version := strings.Fields(string(data))
		if len(version) >= 3 {
			hc.KernelVersion = version[2]
		}
	}
	if hc.KernelVersion == "" {
		hc.KernelVersion = "unknown"
	}
}

func (hc *HostConfig) initCPUInfo(procRoot string) {
	file, err := os.Open(filepath.Join(procRoot, "cpuinfo"))
	if err != nil {
		hc.CPUVendor = "unknown"
		hc.CPUModel = "unknown"
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch {
		case key == "vendor_id" && hc.CPUVendor == "":
			hc.CPUVendor = value
		case (key == "model name" || key == "Hardware") && hc.CPUModel == "":
			hc.CPUModel = value
		}
	}

	if hc.CPUVendor == "" {
		hc.CPUVendor = "unknown"
	}
	if hc.CPUModel == "" {
		hc.CPUModel = "unknown"
	}
}

func (hc *HostConfig) initPolicies(cpuRoot string) error {
	dirs, err := filepath.Glob(filepath.Join(cpuRoot, "cpufreq", "policy*"))
	if err != nil {
		return err
	}
	if len(dirs) == 0 {
		return fmt.Errorf("no cpufreq policies under %s", filepath.Join(cpuRoot, "cpufreq"))
	}

	for _, dir := range dirs {
		policy, err := readPolicy(dir)
		if err != nil {
			hc.logger.WithField("policy", filepath.Base(dir)).WithError(err).Warn("Skipping unreadable cpufreq policy")
			continue
		}
		if policy.Synthetic {
			hc.logger.WithFields(logrus.Fields{
				"policy":  policy.Name,
				"entries": len(policy.Frequencies),
			}).Warn("Driver publishes no frequency table, synthesized one from cpuinfo limits")
		}
		hc.Policies = append(hc.Policies, policy)
		if hc.ScalingDriver == "" {
			hc.ScalingDriver = readString(filepath.Join(dir, "scaling_driver"))
		}
	}
	if len(hc.Policies) == 0 {
		return fmt.Errorf("no readable cpufreq policies")
	}

	sort.Slice(hc.Policies, func(i, j int) bool {
		return policyIndex(hc.Policies[i].Name) < policyIndex(hc.Policies[j].Name)
	})
	return nil
}

// Intel pstate publishes the non-turbo rate, which is the reference cycle rate.
func (hc *HostConfig) initBaseFrequency(cpuRoot string) {
	if v, err := readUint(filepath.Join(cpuRoot, "cpu0", "cpufreq", "base_frequency")); err == nil {
		hc.BaseFrequencyKHz = uint64(v)
		return
	}
	if len(hc.Policies) > 0 {
		hc.BaseFrequencyKHz = uint64(hc.Policies[0].CPUInfoMaxKHz)
	}
}

func readPolicy(dir string) (PolicyInfo, error) {
	p := PolicyInfo{Name: filepath.Base(dir)}

	cpus, err := readIntList(filepath.Join(dir, "related_cpus"))
	if err != nil {
		return p, err
	}
	if len(cpus) == 0 {
		return p, fmt.Errorf("policy has no related cpus")
	}
	p.CPUs = cpus

	if p.CPUInfoMinKHz, err = readUint(filepath.Join(dir, "cpuinfo_min_freq")); err != nil {
		return p, err
	}
	if p.CPUInfoMaxKHz, err = readUint(filepath.Join(dir, "cpuinfo_max_freq")); err != nil {
		return p, err
	}
	if p.ScalingMinKHz, err = readUint(filepath.Join(dir, "scaling_min_freq")); err != nil {
		p.ScalingMinKHz = p.CPUInfoMinKHz
	}
	if p.ScalingMaxKHz, err = readUint(filepath.Join(dir, "scaling_max_freq")); err != nil {
		p.ScalingMaxKHz = p.CPUInfoMaxKHz
	}
	p.Governor = readString(filepath.Join(dir, "scaling_governor"))
	p.AvailableGovernors = strings.Fields(readString(filepath.Join(dir, "scaling_available_governors")))

	freqs, err := readUintList(filepath.Join(dir, "scaling_available_frequencies"))
	if err != nil || len(freqs) == 0 {
		freqs = synthesize(p.CPUInfoMinKHz, p.CPUInfoMaxKHz)
		p.Synthetic = true
	}
	sort.Slice(freqs, func(i, j int) bool { return freqs[i] < freqs[j] })
	p.Frequencies = freqs
	return p, nil
}

func synthesize(min, max uint) []uint {
	var out []uint
	for f := min; f < max; f += SyntheticStepKHz {
		out = append(out, f)
	}
	return append(out, max)
}

func policyIndex(name string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(name, "policy"))
	if err != nil {
		return 1 << 30
	}
	return n
}

func readString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readUint(path string) (uint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return uint(v), nil
}

func readUintList(path string) ([]uint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []uint
	for _, field := range strings.Fields(string(data)) {
		v, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		out = append(out, uint(v))
	}
	return out, nil
}

func readIntList(path string) ([]int, error) {
	vals, err := readUintList(path)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(vals))
	for i, v := range vals {
		out[i] = int(v)
	}
	return out, nil
}
