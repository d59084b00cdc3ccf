package fsd

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"5s", 5 * time.Second},
		{"2m", 2 * time.Minute},
		{"1.5h", 90 * time.Minute},
		{"3d", 72 * time.Hour},
		{"7", 7 * time.Second}, // bare number defaults to seconds
		{"0.5", 500 * time.Millisecond},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("Parse(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{"", "s", "-5s", "abc", "5x5s"} {
		if _, err := Parse(in); err == nil {
			t.Fatalf("Parse(%q) should fail", in)
		}
	}
}

func TestFormatRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{5 * time.Second, 2 * time.Minute, 3 * time.Hour, 48 * time.Hour, 1500 * time.Millisecond} {
		got, err := Parse(Format(d))
		if err != nil {
			t.Fatalf("Parse(Format(%v)): %v", d, err)
		}
		if got != d {
			t.Fatalf("round trip of %v gave %v", d, got)
		}
	}
}
