package activity

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	testclock "k8s.io/utils/clock/testing"
)

const procStat = `cpu  300 0 150 3000 60 0 0 0 0 0
cpu0 100 0 50 1000 20 0 0 0 0 0
cpu1 200 0 100 2000 40 0 0 0 0 0
intr 0
ctxt 12345
btime 1700000000
processes 42
procs_running 1
procs_blocked 0
`

func writeProcStat(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(content), 0o644); err != nil {
		t.Fatalf("write stat: %v", err)
	}
}

func TestProcfsClockReadsIdleAndIowait(t *testing.T) {
	dir := t.TempDir()
	writeProcStat(t, dir, procStat)
	fake := testclock.NewFakePassiveClock(time.Unix(1000, 0))

	c, err := NewProcfsClock(dir, WithPassiveClock(fake), WithStatMaxAge(0))
	if err != nil {
		t.Fatalf("NewProcfsClock: %v", err)
	}
	fake.SetTime(time.Unix(1002, 0))

	idle, now, err := c.IdleTime(0)
	if err != nil {
		t.Fatalf("IdleTime: %v", err)
	}
	// 1000 + 20 USER_HZ ticks at 100Hz.
	if idle != 10200*time.Millisecond {
		t.Fatalf("idle = %s, want 10.2s", idle)
	}
	if now != 2*time.Second {
		t.Fatalf("now = %s, want 2s", now)
	}

	if _, _, err := c.IdleTime(7); !errors.Is(err, ErrUnknownUnit) {
		t.Fatalf("IdleTime(7) error = %v", err)
	}
}

func TestProcfsClockReusesRecentRead(t *testing.T) {
	dir := t.TempDir()
	writeProcStat(t, dir, procStat)
	fake := testclock.NewFakePassiveClock(time.Unix(1000, 0))

	c, err := NewProcfsClock(dir, WithPassiveClock(fake), WithStatMaxAge(time.Millisecond))
	if err != nil {
		t.Fatalf("NewProcfsClock: %v", err)
	}
	first, _, err := c.IdleTime(1)
	if err != nil {
		t.Fatalf("IdleTime: %v", err)
	}

	writeProcStat(t, dir, "cpu1 200 0 100 9000 40 0 0 0 0 0\n")
	again, _, _ := c.IdleTime(1)
	if again != first {
		t.Fatalf("read within max age should be cached: %s != %s", again, first)
	}

	fake.SetTime(time.Unix(1000, 0).Add(2 * time.Millisecond))
	fresh, _, _ := c.IdleTime(1)
	if fresh != 90400*time.Millisecond {
		t.Fatalf("fresh idle = %s, want 90.4s", fresh)
	}
}

func TestNewProcfsClockMissingStat(t *testing.T) {
	if _, err := NewProcfsClock(t.TempDir()); err == nil {
		t.Fatalf("expected error without a stat file")
	}
}

func TestFakeClockAdvance(t *testing.T) {
	f := NewFakeClock(0, 1)
	f.SetBusy(0, 0.25)
	f.SetBusy(1, 1)
	f.Advance(100 * time.Millisecond)

	idle, now, err := f.IdleTime(0)
	if err != nil {
		t.Fatalf("IdleTime: %v", err)
	}
	if idle != 75*time.Millisecond || now != 100*time.Millisecond {
		t.Fatalf("unit 0: idle=%s now=%s", idle, now)
	}
	if idle, _, _ := f.IdleTime(1); idle != 0 {
		t.Fatalf("fully busy unit accrued idle %s", idle)
	}

	boom := errors.New("boom")
	f.FailWith(boom)
	if _, _, err := f.IdleTime(0); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
}

func TestSimulatedClockBusyShrinksWithFrequency(t *testing.T) {
	fake := testclock.NewFakePassiveClock(time.Unix(0, 0))
	freq := uint(500000)
	sim := NewSimulatedClock(fake, []int{0},
		func(int, time.Duration) uint { return 400000 },
		func(int) uint { return freq })

	fake.SetTime(time.Unix(0, 0).Add(100 * time.Millisecond))
	idle, _, err := sim.IdleTime(0)
	if err != nil {
		t.Fatalf("IdleTime: %v", err)
	}
	// 80% busy at 500MHz.
	if idle != 20*time.Millisecond {
		t.Fatalf("idle = %s, want 20ms", idle)
	}

	freq = 1000000
	fake.SetTime(time.Unix(0, 0).Add(200 * time.Millisecond))
	idle, _, _ = sim.IdleTime(0)
	// Another 60ms idle at 40% busy.
	if idle != 80*time.Millisecond {
		t.Fatalf("idle = %s, want 80ms", idle)
	}
}

func TestPhasedWorkload(t *testing.T) {
	w := PhasedWorkload(time.Second, []uint{100, 900}, 0, 1)
	if got := w(0, 500*time.Millisecond); got != 100 {
		t.Fatalf("phase 0 demand = %d", got)
	}
	if got := w(0, 1500*time.Millisecond); got != 900 {
		t.Fatalf("phase 1 demand = %d", got)
	}
	if got := w(0, 2500*time.Millisecond); got != 100 {
		t.Fatalf("phase 2 demand = %d", got)
	}

	jittered := PhasedWorkload(time.Second, []uint{1000}, 10, 7)
	for i := 0; i < 50; i++ {
		if got := jittered(0, 0); got < 900 || got > 1100 {
			t.Fatalf("jittered demand %d outside ±10%%", got)
		}
	}
}
