package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cpufreq-governor/internal/activity"
	"cpufreq-governor/internal/cpufreq"
	"cpufreq-governor/internal/governor"
	"cpufreq-governor/internal/metrics"
	"cpufreq-governor/internal/telemetry"
	"cpufreq-governor/internal/tunables"

	testclock "k8s.io/utils/clock/testing"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	table, err := cpufreq.NewTable([]uint{200000, 384000, 600000, 1000000})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	little := cpufreq.Policy{ID: "policy0", CPUs: []int{0, 1}, Table: table}
	big := cpufreq.Policy{ID: "policy2", CPUs: []int{2, 3}, Table: table}

	gov, err := governor.New(
		[]governor.GroupSpec{{Name: "little", Policy: little}, {Name: "big", Policy: big}},
		governor.Options{
			Clock:     testclock.NewFakeClock(time.Unix(0, 0)),
			Activity:  activity.NewFakeClock(0, 1, 2, 3),
			Driver:    cpufreq.NewFakeDriver([]cpufreq.Policy{little, big}),
			DisplayOn: true,
		},
	)
	if err != nil {
		t.Fatalf("governor.New: %v", err)
	}
	t.Cleanup(func() { _ = gov.Close() })

	grp, err := gov.Group("little")
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	if err := grp.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	m := metrics.New()
	m.Record(telemetry.Trace{Group: "little", Unit: 0, Outcome: telemetry.OutcomeTarget, Target: 384000, Load: 99})

	srv := New(":0", gov, m.Handler())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, contentType, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func TestStatusAndGroups(t *testing.T) {
	ts := newTestServer(t)

	code, body := do(t, http.MethodGet, ts.URL+"/status", "", "")
	if code != http.StatusOK {
		t.Fatalf("GET /status: got %d", code)
	}
	var st governor.Status
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.DisplayOn {
		t.Error("expected display_on=true")
	}
	if len(st.Groups) != 2 {
		t.Fatalf("groups: got %d, want 2", len(st.Groups))
	}
	if len(st.Groups[0].Units) != 2 {
		t.Errorf("little units: got %d, want 2", len(st.Groups[0].Units))
	}

	code, body = do(t, http.MethodGet, ts.URL+"/groups", "", "")
	if code != http.StatusOK {
		t.Fatalf("GET /groups: got %d", code)
	}
	var groups []GroupSummary
	if err := json.Unmarshal(body, &groups); err != nil {
		t.Fatalf("decode groups: %v", err)
	}
	if groups[0].Name != "little" || groups[0].State != "started" || groups[0].CPUs != "0-1" {
		t.Errorf("little: got %+v", groups[0])
	}
	if groups[1].Name != "big" || groups[1].State != "uninitialized" {
		t.Errorf("big: got %+v", groups[1])
	}
}

func TestTunablesRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	base := ts.URL + "/groups/little/tunables"

	code, body := do(t, http.MethodGet, base, "", "")
	if code != http.StatusOK {
		t.Fatalf("GET tunables: got %d", code)
	}
	var snap map[string]string
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap) != len(tunables.Keys()) {
		t.Errorf("snapshot keys: got %d, want %d", len(snap), len(tunables.Keys()))
	}
	if snap[tunables.KeyHispeedFreq] != "384000" {
		t.Errorf("hispeed_freq: got %q", snap[tunables.KeyHispeedFreq])
	}

	code, body = do(t, http.MethodPut, base+"/timer_rate", "text/plain", "59999\n")
	if code != http.StatusOK {
		t.Fatalf("PUT timer_rate: got %d: %s", code, body)
	}
	var applied tunables.Applied
	if err := json.Unmarshal(body, &applied); err != nil {
		t.Fatalf("decode applied: %v", err)
	}
	if applied.Value != "60000" || !applied.Adjusted {
		t.Errorf("timer_rate: got %+v, want 60000 adjusted", applied)
	}

	code, _ = do(t, http.MethodPut, base+"/go_hispeed_load", "application/json", `{"value":"90"}`)
	if code != http.StatusOK {
		t.Fatalf("PUT go_hispeed_load: got %d", code)
	}
	code, body = do(t, http.MethodGet, base+"/go_hispeed_load", "", "")
	var tv TunableValue
	if err := json.Unmarshal(body, &tv); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if code != http.StatusOK || tv.Value != "90" {
		t.Errorf("go_hispeed_load: got %d %+v", code, tv)
	}
}

func TestTunableErrors(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"odd table", http.MethodPut, "/groups/little/tunables/target_loads", "85 1000000", http.StatusBadRequest},
		{"multiplier range", http.MethodPut, "/groups/little/tunables/timer_rate_multiplier", "11", http.StatusBadRequest},
		{"unknown key", http.MethodPut, "/groups/little/tunables/boost", "1", http.StatusNotFound},
		{"unknown group", http.MethodGet, "/groups/mid/tunables", "", http.StatusNotFound},
		{"not started", http.MethodGet, "/groups/big/tunables/hispeed_freq", "", http.StatusConflict},
		{"method", http.MethodPost, "/groups/little/tunables/hispeed_freq", "1", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := do(t, tc.method, ts.URL+tc.path, "text/plain", tc.body)
			if code != tc.want {
				t.Errorf("got %d, want %d: %s", code, tc.want, body)
			}
		})
	}

	_, body := do(t, http.MethodGet, ts.URL+"/groups/little/tunables/target_loads", "", "")
	var tv TunableValue
	if err := json.Unmarshal(body, &tv); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if tv.Value != "85" {
		t.Errorf("target_loads after rejected update: got %q, want 85", tv.Value)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	code, body := do(t, http.MethodGet, ts.URL+"/metrics", "", "")
	if code != http.StatusOK {
		t.Fatalf("GET /metrics: got %d", code)
	}
	if !strings.Contains(string(body), `cpufreq_governor_decisions_total{group="little",outcome="target"} 1`) {
		t.Errorf("decision counter missing:\n%s", body)
	}
}
