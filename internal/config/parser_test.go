package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"cpufreq-governor/internal/tunables"
)

const sampleConfig = `
governor:
  name: handset
  tick_us: 1000
  tunables_scope: group
  activity:
    source: simulated
  tunables:
    target_loads: "85 1000000:90"
    timer_rate: 20000
groups:
  little:
    cpus: "0-3"
    frequencies: [300000, 384000, 600000, 1000000, 1400000]
  big:
    cpus: "4-5,7"
    frequencies: [300000, 1000000, 1800000]
    tunables:
      hispeed_freq: 1000000
      align_windows: false
telemetry:
  influxdb:
    enabled: true
    host: http://localhost:8086
    token: ${GOVERNOR_TEST_TOKEN}
    org: lab
    bucket: governor
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "governor.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("GOVERNOR_TEST_TOKEN", "s3cret")
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Telemetry.InfluxDB.Token != "s3cret" {
		t.Fatalf("env var not expanded: %q", cfg.Telemetry.InfluxDB.Token)
	}
	big := cfg.Groups["big"]
	if big.KeyName != "big" || !reflect.DeepEqual(big.CPUList, []int{4, 5, 7}) {
		t.Fatalf("big group: %+v", big)
	}

	merged := cfg.TunablesFor("big")
	want := map[string]string{
		tunables.KeyTargetLoads:  "85 1000000:90",
		tunables.KeyTimerRate:    "20000",
		tunables.KeyHispeedFreq:  "1000000",
		tunables.KeyAlignWindows: "false",
	}
	if !reflect.DeepEqual(merged, want) {
		t.Fatalf("merged tunables = %v, want %v", merged, want)
	}

	groups := cfg.GetGroupsSorted()
	if len(groups) != 2 || groups[0].KeyName != "big" {
		t.Fatalf("groups not sorted: %+v", groups)
	}
	if !cfg.DisplayInitiallyOn() || !cfg.UserspaceGovernor() {
		t.Fatalf("unexpected boolean defaults")
	}
	if cfg.Events.MQTT.TopicPrefix != "governor" {
		t.Fatalf("topic prefix default = %q", cfg.Events.MQTT.TopicPrefix)
	}
}

func TestValidateConfigRejects(t *testing.T) {
	cases := map[string]struct {
		doc  string
		want string
	}{
		"missing name": {
			doc:  "governor: {}\n",
			want: "name is required",
		},
		"bad scope": {
			doc:  "governor: {name: x, tunables_scope: cluster}\n",
			want: "tunables_scope",
		},
		"bad source": {
			doc:  "governor: {name: x, activity: {source: magic}}\n",
			want: "unknown activity source",
		},
		"overlapping cpus": {
			doc: `governor: {name: x}
groups:
  a: {cpus: "0-3"}
  b: {cpus: "3-4"}
`,
			want: "already belongs",
		},
		"bad multiplier": {
			doc:  "governor: {name: x, tunables: {timer_rate_multiplier: 11}}\n",
			want: "timer_rate_multiplier",
		},
		"even table": {
			doc: `governor: {name: x}
groups:
  a: {policy: policy0, tunables: {target_loads: "85 1000000"}}
`,
			want: "group a tunables",
		},
		"simulated without frequencies": {
			doc: `governor: {name: x, activity: {source: simulated}}
groups:
  a: {cpus: "0"}
`,
			want: "simulated groups need",
		},
		"incomplete influx": {
			doc:  "governor: {name: x}\ntelemetry: {influxdb: {enabled: true, host: h}}\n",
			want: "incomplete database",
		},
		"mqtt without broker": {
			doc:  "governor: {name: x}\nevents: {mqtt: {enabled: true}}\n",
			want: "broker is required",
		},
		"gpio without lines": {
			doc:  "governor: {name: x}\nevents: {gpio: {enabled: true, chip: gpiochip0}}\n",
			want: "at least one line",
		},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(c.doc))
			if err == nil {
				t.Fatalf("expected error containing %q", c.want)
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Fatalf("error %q does not mention %q", err, c.want)
			}
		})
	}
}

func TestInvalidTunableWrapsErrInvalid(t *testing.T) {
	_, err := Parse([]byte("governor: {name: x, tunables: {go_hispeed_load: 0}}\n"))
	if !errors.Is(err, tunables.ErrInvalid) {
		t.Fatalf("expected ErrInvalid in chain, got %v", err)
	}
}

func TestParseCPUSpec(t *testing.T) {
	cases := []struct {
		spec    string
		want    []int
		wantErr bool
	}{
		{spec: "0", want: []int{0}},
		{spec: "0,2,4", want: []int{0, 2, 4}},
		{spec: "0-3", want: []int{0, 1, 2, 3}},
		{spec: "0-1, 1-2", want: []int{0, 1, 2}},
		{spec: "3-1", wantErr: true},
		{spec: "a", wantErr: true},
		{spec: "", wantErr: true},
	}
	for _, c := range cases {
		got, err := ParseCPUSpec(c.spec)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseCPUSpec(%q) expected error", c.spec)
			}
			continue
		}
		if err != nil || !reflect.DeepEqual(got, c.want) {
			t.Errorf("ParseCPUSpec(%q) = %v, %v; want %v", c.spec, got, err, c.want)
		}
	}
}

func TestChecksumDeterministicAcrossMapOrder(t *testing.T) {
	t.Setenv("GOVERNOR_TEST_TOKEN", "a")
	cfg1, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg2, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	// Telemetry does not affect the control policy.
	cfg2.Telemetry.InfluxDB.Token = "b"

	s1, err := Checksum(cfg1)
	if err != nil {
		t.Fatalf("Checksum(cfg1): %v", err)
	}
	s2, err := Checksum(cfg2)
	if err != nil {
		t.Fatalf("Checksum(cfg2): %v", err)
	}
	if s1 != s2 {
		t.Fatalf("checksums differ: %s vs %s", s1, s2)
	}
	if len(s1) != 6 {
		t.Fatalf("checksum length = %d", len(s1))
	}

	rate := int64(40000)
	cfg2.Governor.Tunables.TimerRateUS = &rate
	s3, _ := Checksum(cfg2)
	if s3 == s1 {
		t.Fatalf("checksum should change with tunables")
	}
}
