package cron

import (
	"strings"
	"testing"
	"time"
)

// Test helpers

func mustParse(t *testing.T, expr string) *Schedule {
	t.Helper()
	s, err := Parse(expr)
	if err != nil {
		t.Fatalf("Parse(%q) unexpected error: %v", expr, err)
	}
	return s
}

func makeTime(year, month, day, hour, minute int) time.Time {
	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC)
}

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		expr string
		desc string
	}{
		{"* * * * *", "every minute"},
		{"0 * * * *", "every hour"},
		{"*/15 * * * *", "every quarter hour"},
		{"0 9-17/2 * * 1-5", "every other working hour"},
		{"0,30 6,18 * * *", "lists"},
		{"0 0 29 2 *", "leap day"},
		{"0 0 31 1-12 *", "31st of long months"},
		{"@daily", "descriptor"},
		{"@Hourly", "descriptor case"},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			if _, err := Parse(tt.expr); err != nil {
				t.Errorf("Parse(%q) unexpected error: %v", tt.expr, err)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		expr        string
		errContains string
	}{
		{"", "expected 5 fields"},
		{"* * * *", "expected 5 fields"},
		{"* * * * * *", "expected 5 fields"},
		{"60 * * * *", "minute field"},
		{"* 24 * * *", "hour field"},
		{"* * 0 * *", "day-of-month field"},
		{"* * * 13 *", "month field"},
		{"* * * * 7", "day-of-week field"},
		{"*/0 * * * *", "step must be greater than 0"},
		{"5/10 * * * *", "step needs"},
		{"10-5 * * * *", "start 10 > end 5"},
		{"1,,2 * * * *", "empty value"},
		{"a * * * *", "invalid value"},
		{"0 0 30 2 *", "no month has"},
		{"0 0 31 4,6,9,11 *", "no month has"},
		{"@fortnightly", "unknown cron descriptor"},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := Parse(tt.expr)
			if err == nil {
				t.Fatalf("Parse(%q) expected error containing %q", tt.expr, tt.errContains)
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("Parse(%q) error %q does not contain %q", tt.expr, err, tt.errContains)
			}
		})
	}
}

func TestParse_ImpossibleDayIsFineWithWeekday(t *testing.T) {
	// Either field may match, so the weekday keeps it reachable
	s := mustParse(t, "0 0 30 2 1")
	next := s.Next(makeTime(2024, 1, 31, 0, 0))
	if want := makeTime(2024, 2, 5, 0, 0); !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		expr  string
		after time.Time
		want  time.Time
	}{
		{"* * * * *", makeTime(2024, 3, 1, 12, 0), makeTime(2024, 3, 1, 12, 1)},
		{"0 * * * *", makeTime(2024, 3, 1, 12, 0), makeTime(2024, 3, 1, 13, 0)},
		{"0 * * * *", makeTime(2024, 3, 1, 12, 0).Add(30 * time.Second), makeTime(2024, 3, 1, 13, 0)},
		{"30 2 * * *", makeTime(2024, 3, 1, 12, 0), makeTime(2024, 3, 2, 2, 30)},
		{"0 0 1 * *", makeTime(2024, 12, 15, 0, 0), makeTime(2025, 1, 1, 0, 0)},
		{"0 9 * * 1", makeTime(2024, 3, 1, 12, 0), makeTime(2024, 3, 4, 9, 0)},
		{"0 0 29 2 *", makeTime(2024, 3, 1, 0, 0), makeTime(2028, 2, 29, 0, 0)},
		{"0 0 31 * *", makeTime(2024, 4, 1, 0, 0), makeTime(2024, 5, 31, 0, 0)},
		{"@weekly", makeTime(2024, 3, 1, 12, 0), makeTime(2024, 3, 3, 0, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := mustParse(t, tt.expr).Next(tt.after)
			if !got.Equal(tt.want) {
				t.Errorf("Next(%v) = %v, want %v", tt.after, got, tt.want)
			}
		})
	}
}

func TestNext_KeepsLocation(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	s := mustParse(t, "0 9 * * *")

	got := s.Next(time.Date(2024, 3, 1, 10, 0, 0, 0, est))
	if want := time.Date(2024, 3, 2, 9, 0, 0, 0, est); !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestMatches(t *testing.T) {
	s := mustParse(t, "*/20 8-9 * * *")

	if !s.Matches(makeTime(2024, 3, 1, 8, 40).Add(59 * time.Second)) {
		t.Error("expected 08:40:59 to match")
	}
	if s.Matches(makeTime(2024, 3, 1, 8, 41)) {
		t.Error("expected 08:41 not to match")
	}
	if s.Matches(makeTime(2024, 3, 1, 10, 0)) {
		t.Error("expected 10:00 not to match")
	}
}

func TestDue(t *testing.T) {
	s := mustParse(t, "0 6 * * *")
	day := makeTime(2024, 3, 1, 0, 0)

	tests := []struct {
		name         string
		since, until time.Time
		want         bool
	}{
		{"window covers the slot", day.Add(5 * time.Hour), day.Add(7 * time.Hour), true},
		{"until is inclusive", day.Add(5 * time.Hour), day.Add(6 * time.Hour), true},
		{"since is exclusive", day.Add(6 * time.Hour), day.Add(7 * time.Hour), false},
		{"window before the slot", day, day.Add(5 * time.Hour), false},
		{"window spans days", day.Add(7 * time.Hour), day.Add(31 * time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Due(tt.since, tt.until); got != tt.want {
				t.Errorf("Due = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestString(t *testing.T) {
	if got := mustParse(t, "@daily").String(); got != "@daily" {
		t.Errorf("String = %q, want @daily", got)
	}
}
