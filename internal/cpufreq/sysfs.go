package cpufreq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"cpufreq-governor/internal/logging"

	"github.com/sirupsen/logrus"
)

const (
	userspaceGovernor = "userspace"
	// DefaultSysfsRoot is the cpu directory that holds cpufreq/policy*.
	DefaultSysfsRoot = "/sys/devices/system/cpu"
)

// SysfsDriver applies frequencies through the userspace scaling governor.
type SysfsDriver struct {
	notifierList

	root   string
	logger *logrus.Logger

	mu       sync.Mutex
	policies map[string]Policy
	current  map[string]uint
}

// NewSysfsDriver creates a driver for the given policies rooted at root
// (normally DefaultSysfsRoot).
func NewSysfsDriver(root string, policies []Policy) *SysfsDriver {
	if root == "" {
		root = DefaultSysfsRoot
	}
	d := &SysfsDriver{
		root:     root,
		logger:   logging.GetLogger(),
		policies: make(map[string]Policy, len(policies)),
		current:  make(map[string]uint, len(policies)),
	}
	for _, p := range policies {
		d.policies[p.ID] = p
	}
	return d
}

func (d *SysfsDriver) policyPath(policy, resource string) string {
	return filepath.Join(d.root, "cpufreq", policy, resource)
}

func (d *SysfsDriver) currentGovernor(policy string) (string, error) {
	data, err := os.ReadFile(d.policyPath(policy, "scaling_governor"))
	if err != nil {
		return "", fmt.Errorf("failed to read current governor for %s: %w", policy, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Prepare switches the policy to the userspace governor if needed.
func (d *SysfsDriver) Prepare(policy string) error {
	governor, err := d.currentGovernor(policy)
	if err != nil {
		return err
	}
	if governor == userspaceGovernor {
		return nil
	}
	if err := os.WriteFile(d.policyPath(policy, "scaling_governor"), []byte(userspaceGovernor), 0644); err != nil {
		return fmt.Errorf("failed to select userspace governor for %s: %w", policy, err)
	}
	d.logger.WithFields(logrus.Fields{
		"policy":   policy,
		"previous": governor,
	}).Info("Selected userspace scaling governor")
	return nil
}

// Current reads scaling_cur_freq for the policy.
func (d *SysfsDriver) Current(policy string) (uint, error) {
	data, err := os.ReadFile(d.policyPath(policy, "scaling_cur_freq"))
	if err != nil {
		return 0, fmt.Errorf("failed to read current frequency for %s: %w", policy, err)
	}
	freq, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to convert frequency for %s to uint: %w", policy, err)
	}
	return uint(freq), nil
}

// Apply rounds the request onto the policy table and writes scaling_setspeed.
func (d *SysfsDriver) Apply(ctx context.Context, req Request) (uint, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	policy, ok := d.policies[req.Policy]
	old := d.current[req.Policy]
	d.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("unknown policy %s", req.Policy)
	}

	freq, ok := policy.Table.Target(req.Target, req.Min, req.Max, req.Relation)
	if !ok {
		return 0, fmt.Errorf("no frequency of %s within [%d, %d]", req.Policy, req.Min, req.Max)
	}

	governor, err := d.currentGovernor(req.Policy)
	if err != nil {
		return 0, err
	}
	if governor != userspaceGovernor {
		return 0, fmt.Errorf("userspace governor not set for %s", req.Policy)
	}

	err = os.WriteFile(d.policyPath(req.Policy, "scaling_setspeed"), []byte(strconv.FormatUint(uint64(freq), 10)), 0644)
	if err != nil {
		if errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.EAGAIN) {
			return 0, fmt.Errorf("set frequency for %s: %w", req.Policy, ErrBusy)
		}
		return 0, fmt.Errorf("failed to set frequency for %s: %w", req.Policy, err)
	}

	d.mu.Lock()
	d.current[req.Policy] = freq
	d.mu.Unlock()

	if old != freq {
		d.notify(Transition{Policy: req.Policy, Old: old, New: freq})
	}
	return freq, nil
}
