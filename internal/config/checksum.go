package config

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
)

type checksumGroup struct {
	Key         string            `json:"key"`
	Policy      string            `json:"policy,omitempty"`
	CPUs        []int             `json:"cpus,omitempty"`
	Frequencies []uint            `json:"frequencies,omitempty"`
	MinKHz      uint              `json:"min_khz,omitempty"`
	MaxKHz      uint              `json:"max_khz,omitempty"`
	Tunables    map[string]string `json:"tunables"`
}

type checksumPayload struct {
	Scope  string          `json:"scope"`
	TickUS int             `json:"tick_us"`
	Source string          `json:"source"`
	Groups []checksumGroup `json:"groups"`
}

// Checksum returns a short, stable checksum that identifies the effective
// control policy (groups, scope and tunables), independent of telemetry and
// event wiring.
//
// It computes MD5 over a canonical JSON representation and returns the first 6 hex
// characters (equivalent to `md5sum | cut -c1-6`).
func Checksum(cfg *GovernorConfig) (string, error) {
	if cfg == nil {
		return "", nil
	}

	groups := make([]checksumGroup, 0, len(cfg.Groups))
	for key, g := range cfg.Groups {
		cpus := append([]int(nil), g.CPUList...)
		sort.Ints(cpus)
		groups = append(groups, checksumGroup{
			Key:         key,
			Policy:      g.Policy,
			CPUs:        cpus,
			Frequencies: g.Frequencies,
			MinKHz:      g.MinKHz,
			MaxKHz:      g.MaxKHz,
			Tunables:    cfg.TunablesFor(key),
		})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Key < groups[j].Key })

	payload := checksumPayload{
		Scope:  cfg.Governor.TunablesScope,
		TickUS: int(cfg.Tick().Microseconds()),
		Source: cfg.Governor.Activity.Source,
		Groups: groups,
	}
	// encoding/json sorts map keys, so the tunables maps are canonical.
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	sum := md5.Sum(b)
	hexStr := hex.EncodeToString(sum[:])
	if len(hexStr) > 6 {
		hexStr = hexStr[:6]
	}
	return hexStr, nil
}
