// Package cpufreq models the discrete frequency table of a cpufreq policy and
// the driver that applies frequencies to it.
package cpufreq

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Relation selects how a requested frequency is rounded onto the table.
type Relation int

const (
	// RelationL picks the lowest frequency at or above the request.
	RelationL Relation = iota
	// RelationH picks the highest frequency at or below the request.
	RelationH
)

func (r Relation) String() string {
	switch r {
	case RelationL:
		return "at-least"
	case RelationH:
		return "at-most"
	default:
		return fmt.Sprintf("relation(%d)", int(r))
	}
}

// Table is an immutable, ascending list of available frequencies in kHz.
type Table struct {
	freqs []uint
}

// NewTable sorts and de-duplicates freqs. Zero entries are rejected.
func NewTable(freqs []uint) (Table, error) {
	if len(freqs) == 0 {
		return Table{}, fmt.Errorf("frequency table is empty")
	}
	sorted := append([]uint(nil), freqs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := sorted[:0]
	for i, f := range sorted {
		if f == 0 {
			return Table{}, fmt.Errorf("frequency table contains a zero entry")
		}
		if i > 0 && f == sorted[i-1] {
			continue
		}
		out = append(out, f)
	}
	return Table{freqs: out}, nil
}

// ParseTable parses a whitespace separated list such as the contents of
// scaling_available_frequencies.
func ParseTable(s string) (Table, error) {
	fields := strings.Fields(s)
	freqs := make([]uint, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return Table{}, fmt.Errorf("invalid frequency %q: %w", f, err)
		}
		freqs = append(freqs, uint(v))
	}
	return NewTable(freqs)
}

func (t Table) Len() int { return len(t.freqs) }

func (t Table) Min() uint {
	if len(t.freqs) == 0 {
		return 0
	}
	return t.freqs[0]
}

func (t Table) Max() uint {
	if len(t.freqs) == 0 {
		return 0
	}
	return t.freqs[len(t.freqs)-1]
}

// Frequencies returns a copy of the table entries.
func (t Table) Frequencies() []uint {
	return append([]uint(nil), t.freqs...)
}

// Contains reports whether f is a table entry.
func (t Table) Contains(f uint) bool {
	i := sort.Search(len(t.freqs), func(i int) bool { return t.freqs[i] >= f })
	return i < len(t.freqs) && t.freqs[i] == f
}

// Target rounds target onto the entries that lie within [min, max].
//
// RelationL returns the lowest entry >= target, falling back to the highest
// entry below it. RelationH returns the highest entry <= target, falling back
// to the lowest entry above it. ok is false when no entry lies within the
// bounds.
func (t Table) Target(target, min, max uint, rel Relation) (uint, bool) {
	var (
		optimal, suboptimal uint
		haveOpt, haveSub    bool
	)
	for _, f := range t.freqs {
		if f < min || f > max {
			continue
		}
		switch rel {
		case RelationH:
			if f <= target {
				if !haveOpt || f >= optimal {
					optimal, haveOpt = f, true
				}
			} else if !haveSub || f <= suboptimal {
				suboptimal, haveSub = f, true
			}
		default:
			if f >= target {
				if !haveOpt || f <= optimal {
					optimal, haveOpt = f, true
				}
			} else if !haveSub || f >= suboptimal {
				suboptimal, haveSub = f, true
			}
		}
	}
	if haveOpt {
		return optimal, true
	}
	return suboptimal, haveSub
}

func (t Table) String() string {
	parts := make([]string, len(t.freqs))
	for i, f := range t.freqs {
		parts[i] = strconv.FormatUint(uint64(f), 10)
	}
	return strings.Join(parts, " ")
}
