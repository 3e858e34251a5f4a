package cron

import (
	"fmt"
	"strconv"
	"strings"
)

// field bounds, in expression order
var fields = []struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// descriptors are the shorthand expressions accepted in place of five fields
var descriptors = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

func parse(expr string) (*Schedule, error) {
	spec := strings.TrimSpace(expr)
	if strings.HasPrefix(spec, "@") {
		expanded, ok := descriptors[strings.ToLower(spec)]
		if !ok {
			return nil, fmt.Errorf("unknown cron descriptor %q", spec)
		}
		spec = expanded
	}

	parts := strings.Fields(spec)
	if len(parts) != len(fields) {
		return nil, fmt.Errorf("invalid cron expression %q: expected 5 fields, got %d", expr, len(parts))
	}

	var sets [5]bitset
	for i, f := range fields {
		set, err := parseField(parts[i], f.min, f.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field %q: %w", f.name, parts[i], err)
		}
		sets[i] = set
	}

	s := &Schedule{
		minutes:     sets[0],
		hours:       sets[1],
		daysOfMonth: sets[2],
		months:      sets[3],
		daysOfWeek:  sets[4],
		domStar:     sets[2] == span(1, 31, 1),
		dowStar:     sets[4] == span(0, 6, 1),
		expr:        expr,
	}

	if !s.reachable() {
		return nil, fmt.Errorf("invalid cron expression %q: no month has any of the listed days", expr)
	}
	return s, nil
}

// parseField parses a comma separated list of values, ranges and steps
func parseField(field string, min, max int) (bitset, error) {
	if field == "" {
		return 0, fmt.Errorf("empty field")
	}

	var set bitset
	for _, part := range strings.Split(field, ",") {
		if part == "" {
			return 0, fmt.Errorf("empty value in list")
		}
		s, err := parseTerm(part, min, max)
		if err != nil {
			return 0, err
		}
		set |= s
	}
	return set, nil
}

// parseTerm parses one of: *, N, N-M, */S, N-M/S
func parseTerm(term string, min, max int) (bitset, error) {
	rng, stepText, hasStep := strings.Cut(term, "/")

	step := 1
	if hasStep {
		var err error
		step, err = strconv.Atoi(stepText)
		if err != nil {
			return 0, fmt.Errorf("invalid step %q", stepText)
		}
		if step <= 0 {
			return 0, fmt.Errorf("step must be greater than 0")
		}
	}

	if rng == "*" {
		return span(min, max, step), nil
	}

	lowText, highText, isRange := strings.Cut(rng, "-")
	low, err := parseValue(lowText, min, max)
	if err != nil {
		return 0, err
	}
	if !isRange {
		if hasStep {
			return 0, fmt.Errorf("step needs * or a range, got %q", term)
		}
		return span(low, low, 1), nil
	}

	high, err := parseValue(highText, min, max)
	if err != nil {
		return 0, err
	}
	if low > high {
		return 0, fmt.Errorf("invalid range: start %d > end %d", low, high)
	}
	return span(low, high, step), nil
}

func parseValue(text string, min, max int) (int, error) {
	v, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", text)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("value %d out of bounds [%d, %d]", v, min, max)
	}
	return v, nil
}

// bitset holds one cron field; bit n set means value n matches
type bitset uint64

func span(low, high, step int) bitset {
	var b bitset
	for v := low; v <= high; v += step {
		b |= 1 << uint(v)
	}
	return b
}

func (b bitset) has(v int) bool {
	return b&(1<<uint(v)) != 0
}

// daysIn is the longest a month can be; February allows the leap day
func daysIn(month int) int {
	switch month {
	case 2:
		return 29
	case 4, 6, 9, 11:
		return 30
	default:
		return 31
	}
}
