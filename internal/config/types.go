package config

import (
	"sort"
	"strconv"
	"time"

	"cpufreq-governor/internal/tunables"
)

const (
	ScopeGroup  = "group"
	ScopeSystem = "system"

	ActivityProcfs    = "procfs"
	ActivityPerf      = "perf"
	ActivitySimulated = "simulated"
)

type GovernorConfig struct {
	Governor   GovernorInfo           `yaml:"governor"`
	Groups     map[string]GroupConfig `yaml:"groups"`
	Events     EventsConfig           `yaml:"events"`
	Telemetry  TelemetryConfig        `yaml:"telemetry"`
	HTTP       HTTPConfig             `yaml:"http"`
	Simulation SimulationConfig       `yaml:"simulation"`
}

type GovernorInfo struct {
	Name          string         `yaml:"name"`
	Description   string         `yaml:"description"`
	LogLevel      string         `yaml:"log_level"`
	TickUS        int            `yaml:"tick_us"`
	TunablesScope string         `yaml:"tunables_scope"`
	Activity      ActivityConfig `yaml:"activity"`
	Driver        DriverConfig   `yaml:"driver"`
	Dispatcher    DispatchConfig `yaml:"dispatcher"`
	Tunables      TunablesConfig `yaml:"tunables"`
}

type ActivityConfig struct {
	Source   string `yaml:"source"`
	ProcRoot string `yaml:"proc_root"`
	RefKHz   uint64 `yaml:"ref_khz"`
}

type DriverConfig struct {
	SysfsRoot            string `yaml:"sysfs_root"`
	SetUserspaceGovernor *bool  `yaml:"set_userspace_governor"`
}

type DispatchConfig struct {
	RealtimePriority int `yaml:"realtime_priority"`
	BusyRetryMS      int `yaml:"busy_retry_ms"`
}

// TunablesConfig holds optional overrides; nil fields keep the defaults.
type TunablesConfig struct {
	TargetLoads          *string `yaml:"target_loads" json:"target_loads,omitempty"`
	AboveHispeedDelay    *string `yaml:"above_hispeed_delay" json:"above_hispeed_delay,omitempty"`
	HispeedFreq          *uint   `yaml:"hispeed_freq" json:"hispeed_freq,omitempty"`
	ScreenOffHispeedFreq *uint   `yaml:"screen_off_hispeed_freq" json:"screen_off_hispeed_freq,omitempty"`
	GoHispeedLoad        *uint   `yaml:"go_hispeed_load" json:"go_hispeed_load,omitempty"`
	MinSampleTimeUS      *int64  `yaml:"min_sample_time" json:"min_sample_time,omitempty"`
	TimerRateUS          *int64  `yaml:"timer_rate" json:"timer_rate,omitempty"`
	TimerRateMultiplier  *uint   `yaml:"timer_rate_multiplier" json:"timer_rate_multiplier,omitempty"`
	TimerSlackUS         *int64  `yaml:"timer_slack" json:"timer_slack,omitempty"`
	AlignWindows         *bool   `yaml:"align_windows" json:"align_windows,omitempty"`
	SamplingDownFactor   *bool   `yaml:"sampling_down_factor" json:"sampling_down_factor,omitempty"`
	ScreenOffMaxFreq     *uint   `yaml:"screen_off_maxfreq" json:"screen_off_maxfreq,omitempty"`
	EarphonesMaxFreq     *uint   `yaml:"earphones_maxfreq" json:"earphones_maxfreq,omitempty"`
	BluetoothMaxFreq     *uint   `yaml:"bluetooth_maxfreq" json:"bluetooth_maxfreq,omitempty"`
}

type GroupConfig struct {
	KeyName     string         `yaml:"-"`
	Policy      string         `yaml:"policy"`
	CPUs        string         `yaml:"cpus"`
	Frequencies []uint         `yaml:"frequencies"`
	MinKHz      uint           `yaml:"min_khz"`
	MaxKHz      uint           `yaml:"max_khz"`
	Tunables    TunablesConfig `yaml:"tunables"`

	CPUList []int `yaml:"-"`
}

type EventsConfig struct {
	DisplayOn *bool      `yaml:"display_on"`
	MQTT      MQTTConfig `yaml:"mqtt"`
	GPIO      GPIOConfig `yaml:"gpio"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

type GPIOConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Chip          string `yaml:"chip"`
	EarphonesLine *int   `yaml:"earphones_line"`
	BluetoothLine *int   `yaml:"bluetooth_line"`
	DisplayLine   *int   `yaml:"display_line"`
	ActiveLow     bool   `yaml:"active_low"`
	DebounceMS    int    `yaml:"debounce_ms"`
}

type TelemetryConfig struct {
	LogDecisions bool           `yaml:"log_decisions"`
	InfluxDB     DatabaseConfig `yaml:"influxdb"`
}

type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type SimulationConfig struct {
	PhaseMS   int    `yaml:"phase_ms"`
	DemandKHz []uint `yaml:"demand_khz"`
	JitterPct int    `yaml:"jitter_pct"`
	Seed      int64  `yaml:"seed"`
}

func (c *GovernorConfig) Tick() time.Duration {
	if c.Governor.TickUS <= 0 {
		return tunables.DefaultTick
	}
	return time.Duration(c.Governor.TickUS) * time.Microsecond
}

func (c *GovernorConfig) SystemScope() bool {
	return c.Governor.TunablesScope == ScopeSystem
}

func (c *GovernorConfig) DisplayInitiallyOn() bool {
	return c.Events.DisplayOn == nil || *c.Events.DisplayOn
}

func (c *GovernorConfig) UserspaceGovernor() bool {
	return c.Governor.Driver.SetUserspaceGovernor == nil || *c.Governor.Driver.SetUserspaceGovernor
}

func (c *GovernorConfig) BusyRetry() time.Duration {
	if c.Governor.Dispatcher.BusyRetryMS <= 0 {
		return 0
	}
	return time.Duration(c.Governor.Dispatcher.BusyRetryMS) * time.Millisecond
}

// GetGroupsSorted returns the configured groups ordered by name.
func (c *GovernorConfig) GetGroupsSorted() []GroupConfig {
	groups := make([]GroupConfig, 0, len(c.Groups))
	for _, g := range c.Groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].KeyName < groups[j].KeyName })
	return groups
}

// TunablesFor merges the global overrides with the group's own.
func (c *GovernorConfig) TunablesFor(group string) map[string]string {
	out := c.Governor.Tunables.Values()
	if g, ok := c.Groups[group]; ok {
		for k, v := range g.Tunables.Values() {
			out[k] = v
		}
	}
	return out
}

// Values renders the set overrides in the tunables key/value format.
func (t TunablesConfig) Values() map[string]string {
	out := make(map[string]string)
	putString := func(key string, v *string) {
		if v != nil {
			out[key] = *v
		}
	}
	putUint := func(key string, v *uint) {
		if v != nil {
			out[key] = strconv.FormatUint(uint64(*v), 10)
		}
	}
	putInt := func(key string, v *int64) {
		if v != nil {
			out[key] = strconv.FormatInt(*v, 10)
		}
	}
	putBool := func(key string, v *bool) {
		if v != nil {
			out[key] = strconv.FormatBool(*v)
		}
	}

	putString(tunables.KeyTargetLoads, t.TargetLoads)
	putString(tunables.KeyAboveHispeedDelay, t.AboveHispeedDelay)
	putUint(tunables.KeyHispeedFreq, t.HispeedFreq)
	putUint(tunables.KeyScreenOffHispeedFreq, t.ScreenOffHispeedFreq)
	putUint(tunables.KeyGoHispeedLoad, t.GoHispeedLoad)
	putInt(tunables.KeyMinSampleTime, t.MinSampleTimeUS)
	putInt(tunables.KeyTimerRate, t.TimerRateUS)
	putUint(tunables.KeyTimerRateMultiplier, t.TimerRateMultiplier)
	putInt(tunables.KeyTimerSlack, t.TimerSlackUS)
	putBool(tunables.KeyAlignWindows, t.AlignWindows)
	putBool(tunables.KeySamplingDownFactor, t.SamplingDownFactor)
	putUint(tunables.KeyScreenOffMaxFreq, t.ScreenOffMaxFreq)
	putUint(tunables.KeyEarphonesMaxFreq, t.EarphonesMaxFreq)
	putUint(tunables.KeyBluetoothMaxFreq, t.BluetoothMaxFreq)
	return out
}
