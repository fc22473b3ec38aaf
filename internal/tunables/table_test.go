package tunables

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseTableBreakpoints(t *testing.T) {
	table, err := ParseTable("85 1000000:90 1700000:99")
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}
	want := []Breakpoint{{Freq: 0, Value: 85}, {Freq: 1000000, Value: 90}, {Freq: 1700000, Value: 99}}
	if diff := cmp.Diff(want, table.points); diff != "" {
		t.Fatalf("breakpoints mismatch (-want +got):\n%s", diff)
	}
	if got := table.String(); got != "85 1000000:90 1700000:99" {
		t.Fatalf("String() = %q", got)
	}
}

func TestParseTableAcceptsAnySeparatorMix(t *testing.T) {
	table, err := ParseTable("80:1000000 90")
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}
	if got := table.String(); got != "80 1000000:90" {
		t.Fatalf("String() = %q", got)
	}
}

func TestParseTableRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"even tokens":   "85 1000000",
		"not a number":  "85 1000000:abc",
		"negative":      "-5",
		"not ascending": "85 1000000:90 900000:95",
		"duplicate":     "85 1000000:90 1000000:95",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTable(in)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("ParseTable(%q) error = %v, want ErrInvalid", in, err)
			}
		})
	}
}

func TestParseLoadTableRejectsOutOfRangeLoad(t *testing.T) {
	for _, in := range []string{"0", "85 1000000:101"} {
		if _, err := ParseLoadTable(in); !errors.Is(err, ErrInvalid) {
			t.Fatalf("ParseLoadTable(%q) error = %v, want ErrInvalid", in, err)
		}
	}
}

func TestTableLookup(t *testing.T) {
	table, err := ParseTable("85 1000000:90 1700000:99")
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}
	cases := []struct {
		freq uint
		want uint
	}{
		{0, 85},
		{384000, 85},
		{999999, 85},
		{1000000, 90},
		{1500000, 90},
		{1700000, 99},
		{2400000, 99},
	}
	for _, c := range cases {
		if got := table.Lookup(c.freq); got != c.want {
			t.Errorf("Lookup(%d) = %d, want %d", c.freq, got, c.want)
		}
	}
}
