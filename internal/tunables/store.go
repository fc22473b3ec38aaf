package tunables

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	KeyTargetLoads          = "target_loads"
	KeyAboveHispeedDelay    = "above_hispeed_delay"
	KeyHispeedFreq          = "hispeed_freq"
	KeyScreenOffHispeedFreq = "screen_off_hispeed_freq"
	KeyGoHispeedLoad        = "go_hispeed_load"
	KeyMinSampleTime        = "min_sample_time"
	KeyTimerRate            = "timer_rate"
	KeyTimerRateMultiplier  = "timer_rate_multiplier"
	KeyTimerSlack           = "timer_slack"
	KeyAlignWindows         = "align_windows"
	KeySamplingDownFactor   = "sampling_down_factor"
	KeyScreenOffMaxFreq     = "screen_off_maxfreq"
	KeyEarphonesMaxFreq     = "earphones_maxfreq"
	KeyBluetoothMaxFreq     = "bluetooth_maxfreq"
)

// ErrUnknownKey is returned for keys outside Keys().
var ErrUnknownKey = errors.New("unknown tunable")

// Applied reports what a Set actually stored.
type Applied struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Adjusted bool   `json:"adjusted"`
	Reason   string `json:"reason,omitempty"`
}

type accessor struct {
	get func(t *Tunables) string
	set func(t *Tunables, v string) (Applied, error)
}

var keys = []string{
	KeyTargetLoads,
	KeyAboveHispeedDelay,
	KeyHispeedFreq,
	KeyScreenOffHispeedFreq,
	KeyGoHispeedLoad,
	KeyMinSampleTime,
	KeyTimerRate,
	KeyTimerRateMultiplier,
	KeyTimerSlack,
	KeyAlignWindows,
	KeySamplingDownFactor,
	KeyScreenOffMaxFreq,
	KeyEarphonesMaxFreq,
	KeyBluetoothMaxFreq,
}

var accessors = map[string]accessor{
	KeyTargetLoads: {
		get: func(t *Tunables) string { return t.TargetLoads().String() },
		set: func(t *Tunables, v string) (Applied, error) {
			if err := t.SetTargetLoads(v); err != nil {
				return Applied{}, err
			}
			return Applied{Value: t.TargetLoads().String()}, nil
		},
	},
	KeyAboveHispeedDelay: {
		get: func(t *Tunables) string { return t.AboveHispeedDelayTable().String() },
		set: func(t *Tunables, v string) (Applied, error) {
			if err := t.SetAboveHispeedDelay(v); err != nil {
				return Applied{}, err
			}
			return Applied{Value: t.AboveHispeedDelayTable().String()}, nil
		},
	},
	KeyHispeedFreq: {
		get: func(t *Tunables) string { return itoa(uint64(t.Params().HispeedFreq)) },
		set: func(t *Tunables, v string) (Applied, error) {
			freq, err := parseUint(KeyHispeedFreq, v)
			if err != nil {
				return Applied{}, err
			}
			return Applied{Value: itoa(uint64(freq))}, t.SetHispeedFreq(freq)
		},
	},
	KeyScreenOffHispeedFreq: {
		get: func(t *Tunables) string { return itoa(uint64(t.Params().ScreenOffHispeedFreq)) },
		set: func(t *Tunables, v string) (Applied, error) {
			freq, err := parseUint(KeyScreenOffHispeedFreq, v)
			if err != nil {
				return Applied{}, err
			}
			t.SetScreenOffHispeedFreq(freq)
			return Applied{Value: itoa(uint64(freq))}, nil
		},
	},
	KeyGoHispeedLoad: {
		get: func(t *Tunables) string { return itoa(uint64(t.Params().GoHispeedLoad)) },
		set: func(t *Tunables, v string) (Applied, error) {
			load, err := parseUint(KeyGoHispeedLoad, v)
			if err != nil {
				return Applied{}, err
			}
			return Applied{Value: itoa(uint64(load))}, t.SetGoHispeedLoad(load)
		},
	},
	KeyMinSampleTime: {
		get: func(t *Tunables) string { return formatMicros(t.Params().MinSampleTime) },
		set: func(t *Tunables, v string) (Applied, error) {
			d, err := parseMicros(KeyMinSampleTime, v)
			if err != nil {
				return Applied{}, err
			}
			return Applied{Value: formatMicros(d)}, t.SetMinSampleTime(d)
		},
	},
	KeyTimerRate: {
		get: func(t *Tunables) string { return formatMicros(t.Params().TimerRate) },
		set: func(t *Tunables, v string) (Applied, error) {
			d, err := parseMicros(KeyTimerRate, v)
			if err != nil {
				return Applied{}, err
			}
			stored, rounded, err := t.SetTimerRate(d)
			if err != nil {
				return Applied{}, err
			}
			a := Applied{Value: formatMicros(stored), Adjusted: rounded}
			if rounded {
				a.Reason = fmt.Sprintf("not a multiple of the %s tick, rounded up to %s", formatMicros(t.tick)+"us", a.Value)
			}
			return a, nil
		},
	},
	KeyTimerRateMultiplier: {
		get: func(t *Tunables) string { return itoa(uint64(t.Params().TimerRateMultiplier)) },
		set: func(t *Tunables, v string) (Applied, error) {
			m, err := parseUint(KeyTimerRateMultiplier, v)
			if err != nil {
				return Applied{}, err
			}
			return Applied{Value: itoa(uint64(m))}, t.SetTimerRateMultiplier(m)
		},
	},
	KeyTimerSlack: {
		get: func(t *Tunables) string { return formatMicros(t.Params().TimerSlack) },
		set: func(t *Tunables, v string) (Applied, error) {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return Applied{}, invalid(KeyTimerSlack, v, "not an integer")
			}
			if n < -1 {
				return Applied{}, invalid(KeyTimerSlack, v, "must be -1 or a non-negative number of microseconds")
			}
			t.SetTimerSlack(time.Duration(n) * time.Microsecond)
			return Applied{Value: formatMicros(t.Params().TimerSlack)}, nil
		},
	},
	KeyAlignWindows: {
		get: func(t *Tunables) string { return formatBool(t.Params().AlignWindows) },
		set: func(t *Tunables, v string) (Applied, error) {
			b, err := parseBool(KeyAlignWindows, v)
			if err != nil {
				return Applied{}, err
			}
			t.SetAlignWindows(b)
			return Applied{Value: formatBool(b)}, nil
		},
	},
	KeySamplingDownFactor: {
		get: func(t *Tunables) string { return formatBool(t.Params().SamplingDownFactor) },
		set: func(t *Tunables, v string) (Applied, error) {
			b, err := parseBool(KeySamplingDownFactor, v)
			if err != nil {
				return Applied{}, err
			}
			t.SetSamplingDownFactor(b)
			return Applied{Value: formatBool(b)}, nil
		},
	},
	KeyScreenOffMaxFreq: {
		get: func(t *Tunables) string { return itoa(uint64(t.Params().ScreenOffMaxFreq)) },
		set: func(t *Tunables, v string) (Applied, error) {
			freq, err := parseUint(KeyScreenOffMaxFreq, v)
			if err != nil {
				return Applied{}, err
			}
			return Applied{Value: itoa(uint64(freq))}, t.SetScreenOffMaxFreq(freq)
		},
	},
	KeyEarphonesMaxFreq: {
		get: func(t *Tunables) string { return itoa(uint64(t.Params().EarphonesMaxFreq)) },
		set: func(t *Tunables, v string) (Applied, error) {
			freq, err := parseUint(KeyEarphonesMaxFreq, v)
			if err != nil {
				return Applied{}, err
			}
			stored, clamped := t.SetEarphonesMaxFreq(freq)
			return clampedApplied(stored, clamped, MinEarphonesMaxFreq), nil
		},
	},
	KeyBluetoothMaxFreq: {
		get: func(t *Tunables) string { return itoa(uint64(t.Params().BluetoothMaxFreq)) },
		set: func(t *Tunables, v string) (Applied, error) {
			freq, err := parseUint(KeyBluetoothMaxFreq, v)
			if err != nil {
				return Applied{}, err
			}
			stored, clamped := t.SetBluetoothMaxFreq(freq)
			return clampedApplied(stored, clamped, MinBluetoothMaxFreq), nil
		},
	},
}

// Keys lists every tunable in a stable order.
func Keys() []string {
	return append([]string(nil), keys...)
}

// Get returns the canonical string form of key.
func (t *Tunables) Get(key string) (string, error) {
	acc, ok := accessors[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return acc.get(t), nil
}

// Set parses and stores value under key. On error the previous value is kept.
func (t *Tunables) Set(key, value string) (Applied, error) {
	acc, ok := accessors[key]
	if !ok {
		return Applied{}, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	applied, err := acc.set(t, value)
	if err != nil {
		return Applied{}, err
	}
	applied.Key = key
	return applied, nil
}

// Snapshot returns every key with its current value.
func (t *Tunables) Snapshot() map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = accessors[k].get(t)
	}
	return out
}

// Apply sets every entry of values in Keys() order and stops at the first
// failure. Adjusted values are returned so callers can log them.
func (t *Tunables) Apply(values map[string]string) ([]Applied, error) {
	for k := range values {
		if _, ok := accessors[k]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKey, k)
		}
	}
	var adjusted []Applied
	for _, k := range keys {
		v, ok := values[k]
		if !ok {
			continue
		}
		a, err := t.Set(k, v)
		if err != nil {
			return adjusted, err
		}
		if a.Adjusted {
			adjusted = append(adjusted, a)
		}
	}
	return adjusted, nil
}

func clampedApplied(stored uint, clamped bool, floor uint) Applied {
	a := Applied{Value: itoa(uint64(stored)), Adjusted: clamped}
	if clamped {
		a.Reason = fmt.Sprintf("raised to the %d kHz floor", floor)
	}
	return a
}

func withKey(key string, err error) error {
	var verr *ValidationError
	if errors.As(err, &verr) && verr.Key == "" {
		verr.Key = key
	}
	return err
}

func parseUint(key, v string) (uint, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
	if err != nil {
		return 0, invalid(key, v, "not an unsigned integer")
	}
	return uint(n), nil
}

func parseMicros(key, v string) (time.Duration, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, invalid(key, v, "not an integer number of microseconds")
	}
	return time.Duration(n) * time.Microsecond, nil
}

func parseBool(key, v string) (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, invalid(key, v, "not a boolean")
	}
	return b, nil
}

func formatMicros(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Microsecond), 10)
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func itoa(n uint64) string { return strconv.FormatUint(n, 10) }
