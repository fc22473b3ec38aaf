// Package tunables holds the per-group governor parameters: breakpoint
// tables, scalar knobs, their key/value surface and the reference-counted
// cache that lets a group reuse its tunables across stop/start.
package tunables

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid tunable")

// ValidationError describes a rejected tunable write. The previous value is
// always left in place.
type ValidationError struct {
	Key    string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("invalid value %q: %s", e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Key, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

func invalid(key, value, format string, args ...interface{}) error {
	return &ValidationError{Key: key, Value: value, Reason: fmt.Sprintf(format, args...)}
}

// Breakpoint maps every frequency at or above Freq to Value, up to the next
// breakpoint.
type Breakpoint struct {
	Freq  uint
	Value uint
}

// Table is an immutable breakpoint table. The first breakpoint always has
// Freq 0, breakpoints are strictly frequency-ascending.
type Table struct {
	points []Breakpoint
}

// NewFlatTable returns a single-breakpoint table.
func NewFlatTable(value uint) Table {
	return Table{points: []Breakpoint{{Freq: 0, Value: value}}}
}

// ParseTable parses "value[ freq:value]*". Tokens may be separated by spaces
// or colons; the token count must be odd.
func ParseTable(s string) (Table, error) {
	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ':' || r == '\t' || r == '\n'
	})
	if len(tokens) == 0 {
		return Table{}, invalid("", s, "empty table")
	}
	if len(tokens)%2 == 0 {
		return Table{}, invalid("", s, "expected an odd number of tokens, got %d", len(tokens))
	}

	values := make([]uint, len(tokens))
	for i, tok := range tokens {
		v, err := strconv.ParseUint(tok, 10, 32)
		if err != nil {
			return Table{}, invalid("", s, "token %d (%q) is not an unsigned integer", i, tok)
		}
		values[i] = uint(v)
	}

	points := make([]Breakpoint, 0, len(values)/2+1)
	points = append(points, Breakpoint{Freq: 0, Value: values[0]})
	for i := 1; i < len(values); i += 2 {
		freq := values[i]
		prev := points[len(points)-1].Freq
		if freq <= prev {
			return Table{}, invalid("", s, "breakpoint %d is not above %d", freq, prev)
		}
		points = append(points, Breakpoint{Freq: freq, Value: values[i+1]})
	}
	return Table{points: points}, nil
}

// ParseLoadTable parses a target load table; every load must be a percentage
// in [1, 100].
func ParseLoadTable(s string) (Table, error) {
	t, err := ParseTable(s)
	if err != nil {
		return Table{}, err
	}
	for _, p := range t.points {
		if p.Value == 0 || p.Value > 100 {
			return Table{}, invalid("", s, "target load %d outside [1, 100]", p.Value)
		}
	}
	return t, nil
}

// Lookup returns the value of the last breakpoint at or below freq.
func (t Table) Lookup(freq uint) uint {
	if len(t.points) == 0 {
		return 0
	}
	i := 0
	for i < len(t.points)-1 && freq >= t.points[i+1].Freq {
		i++
	}
	return t.points[i].Value
}

func (t Table) Len() int { return len(t.points) }

// String renders the table in the same format ParseTable accepts.
func (t Table) String() string {
	var b strings.Builder
	for i, p := range t.points {
		if i == 0 {
			b.WriteString(strconv.FormatUint(uint64(p.Value), 10))
			continue
		}
		fmt.Fprintf(&b, " %d:%d", p.Freq, p.Value)
	}
	return b.String()
}
