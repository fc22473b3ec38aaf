package governor

import (
	"time"

	"cpufreq-governor/internal/cpufreq"
	"cpufreq-governor/internal/telemetry"
	"cpufreq-governor/internal/tunables"
)

// hysteresis is the per-unit decision state guarded by unit.targetMu.
type hysteresis struct {
	target                  uint
	floor                   uint
	floorValidatedAt        time.Duration
	hispeedValidatedAt      time.Duration
	localHispeedValidatedAt time.Duration
	boundMax                uint
	lastIdleEnteredAt       time.Duration
}

// seed resets the state for a group start at frequency cur.
func (h *hysteresis) seed(cur, max uint, now time.Duration) {
	h.target = cur
	h.floor = cur
	h.floorValidatedAt = now
	h.hispeedValidatedAt = now
	h.localHispeedValidatedAt = now
	h.boundMax = max
}

// decision holds everything one evaluation reads besides the hysteresis state.
type decision struct {
	Now         time.Duration
	Cur         uint
	Min         uint
	Max         uint
	LoadAdjFreq uint
	Load        uint

	Hispeed           uint
	GoHispeedLoad     uint
	MinSampleTime     time.Duration
	SamplingDown      bool
	AboveHispeedDelay time.Duration

	TargetLoads tunables.Table
	Table       cpufreq.Table
}

// verdict is the result of one decision.
type verdict struct {
	Outcome   telemetry.Outcome
	Candidate uint
	Reason    string
}

// decide runs the escalation and de-escalation rules and updates h. Only
// OutcomeTarget asks for a dispatch.
func decide(in decision, h *hysteresis) verdict {
	var candidate uint
	if in.Load >= in.GoHispeedLoad {
		if in.Cur < in.Hispeed {
			candidate = in.Hispeed
		} else {
			candidate, _ = ChooseFrequency(in.Cur, in.LoadAdjFreq, in.TargetLoads, in.Table, in.Min, in.Max)
			if candidate < in.Hispeed {
				candidate = in.Hispeed
			}
		}
	} else {
		candidate, _ = ChooseFrequency(in.Cur, in.LoadAdjFreq, in.TargetLoads, in.Table, in.Min, in.Max)
		if candidate > in.Hispeed && h.target < in.Hispeed {
			candidate = in.Hispeed
		}
	}

	if in.Cur >= in.Hispeed && candidate > in.Cur &&
		in.Now-h.hispeedValidatedAt < in.AboveHispeedDelay {
		return verdict{Outcome: telemetry.OutcomeNotYet, Candidate: candidate, Reason: "above_hispeed_delay"}
	}
	h.localHispeedValidatedAt = in.Now

	rounded, ok := in.Table.Target(candidate, in.Min, in.Max, cpufreq.RelationL)
	if !ok {
		return verdict{Outcome: telemetry.OutcomeFailed, Candidate: candidate, Reason: "no_table_entry"}
	}
	candidate = rounded

	if in.SamplingDown && h.target >= h.boundMax && candidate < h.target &&
		in.Now-h.lastIdleEnteredAt < in.MinSampleTime {
		return verdict{Outcome: telemetry.OutcomeNotYet, Candidate: candidate, Reason: "sampling_down"}
	}

	if candidate < h.floor && in.Now-h.floorValidatedAt < in.MinSampleTime {
		return verdict{Outcome: telemetry.OutcomeNotYet, Candidate: candidate, Reason: "min_sample_time"}
	}

	if candidate >= in.Hispeed {
		h.floor = candidate
		h.floorValidatedAt = in.Now
	}

	// A target the group has not reached yet is queued again.
	if h.target == candidate && h.target <= in.Cur {
		return verdict{Outcome: telemetry.OutcomeAlready, Candidate: candidate}
	}
	h.target = candidate
	return verdict{Outcome: telemetry.OutcomeTarget, Candidate: candidate}
}
