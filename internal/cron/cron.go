// Package cron parses five-field cron expressions and finds the times they
// fire. Fields are minute, hour, day of month, month and day of week
// (0 is Sunday). Each field takes *, N, N-M, */S, N-M/S and comma lists of
// those. The @hourly, @daily, @midnight, @weekly, @monthly, @yearly and
// @annually shorthands are accepted too.
package cron

import "time"

// searchYears bounds Next; a leap-day-only schedule can skip eight years
const searchYears = 9

// Schedule is a parsed cron expression
type Schedule struct {
	minutes     bitset
	hours       bitset
	daysOfMonth bitset
	months      bitset
	daysOfWeek  bitset

	// Unrestricted day fields; when both are restricted a day matches if
	// either does
	domStar bool
	dowStar bool

	expr string
}

// Parse parses expr. It fails on bad syntax, out of range values and on day
// and month combinations that can never occur, such as "0 0 31 2 *".
func Parse(expr string) (*Schedule, error) {
	return parse(expr)
}

// String returns the expression the schedule was parsed from
func (s *Schedule) String() string {
	return s.expr
}

// Matches reports whether the minute containing t is a firing time
func (s *Schedule) Matches(t time.Time) bool {
	return s.minutes.has(t.Minute()) &&
		s.hours.has(t.Hour()) &&
		s.months.has(int(t.Month())) &&
		s.dayMatches(t)
}

// Next returns the first firing time strictly after after, in after's
// location. The zero time means none was found within the search horizon.
func (s *Schedule) Next(after time.Time) time.Time {
	loc := after.Location()
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(searchYears, 0, 0)

	for t.Before(limit) {
		switch {
		case !s.months.has(int(t.Month())):
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
		case !s.dayMatches(t):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
		case !s.hours.has(t.Hour()):
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
		case !s.minutes.has(t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t
		}
	}
	return time.Time{}
}

// Due reports whether the schedule fires in the window (since, until]
func (s *Schedule) Due(since, until time.Time) bool {
	next := s.Next(since)
	return !next.IsZero() && !next.After(until)
}

func (s *Schedule) dayMatches(t time.Time) bool {
	dom := s.daysOfMonth.has(t.Day())
	dow := s.daysOfWeek.has(int(t.Weekday()))

	switch {
	case !s.domStar && !s.dowStar:
		return dom || dow
	case !s.domStar:
		return dom
	case !s.dowStar:
		return dow
	}
	return true
}

// reachable reports whether some calendar day satisfies the day and month
// fields
func (s *Schedule) reachable() bool {
	if s.domStar || !s.dowStar {
		return true
	}
	for month := 1; month <= 12; month++ {
		if !s.months.has(month) {
			continue
		}
		for day := 1; day <= daysIn(month); day++ {
			if s.daysOfMonth.has(day) {
				return true
			}
		}
	}
	return false
}
