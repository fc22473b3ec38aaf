package governor

import (
	"math"

	"cpufreq-governor/internal/cpufreq"
	"cpufreq-governor/internal/tunables"
)

// ChooseFrequency returns the lowest table frequency within [min, max] at
// which loadAdjFreq (load percent × kHz) stays at or below the target load
// for that frequency. It also returns the number of search iterations.
func ChooseFrequency(cur, loadAdjFreq uint, loads tunables.Table, table cpufreq.Table, min, max uint) (uint, int) {
	freq := cur
	freqMin, freqMax := uint(0), uint(math.MaxUint32)
	limit := 2*table.Len() + 2

	iterations := 0
	for iterations < limit {
		iterations++
		prev := freq

		tl := loads.Lookup(freq)
		if tl == 0 {
			tl = 1
		}
		next, ok := table.Target(loadAdjFreq/tl, min, max, cpufreq.RelationL)
		if !ok {
			break
		}
		freq = next

		if freq > prev {
			// prev is too slow
			freqMin = prev
			if freq >= freqMax {
				below, ok := table.Target(freqMax-1, min, max, cpufreq.RelationH)
				if !ok {
					break
				}
				freq = below
				if freq == freqMin {
					// Nothing between a known-slow and a known-fast frequency.
					freq = freqMax
					break
				}
			}
		} else if freq < prev {
			// prev is fast enough
			freqMax = prev
			if freq <= freqMin {
				above, ok := table.Target(freqMin+1, min, max, cpufreq.RelationL)
				if !ok {
					break
				}
				freq = above
				if freq == freqMax {
					break
				}
			}
		}

		if freq == prev {
			break
		}
	}
	return freq, iterations
}
