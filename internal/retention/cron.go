// Package retention runs the scheduled cleanup tasks: outbox, login
// attempts, reset tokens, audit logs and orphaned blacklist keys.
package retention

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed five-field cron expression
// (minute hour day-of-month month day-of-week).
type Schedule struct {
	minutes  map[int]bool
	hours    map[int]bool
	days     map[int]bool
	months   map[int]bool
	weekdays map[int]bool
}

type cronField struct {
	name string
	min  int
	max  int
}

var cronFields = []cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day of month", 1, 31},
	{"month", 1, 12},
	{"day of week", 0, 6},
}

// ParseSchedule parses a five-field cron expression. Supported syntax per
// field: "*", "*/n", single values, comma lists and ranges ("1-5").
// Malformed expressions fail at construction, not at fire time.
func ParseSchedule(expr string) (*Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron %q: want 5 fields, got %d", expr, len(parts))
	}

	sets := make([]map[int]bool, 5)
	for i, part := range parts {
		set, err := parseCronField(part, cronFields[i])
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", expr, err)
		}
		sets[i] = set
	}
	return &Schedule{
		minutes:  sets[0],
		hours:    sets[1],
		days:     sets[2],
		months:   sets[3],
		weekdays: sets[4],
	}, nil
}

func parseCronField(part string, f cronField) (map[int]bool, error) {
	set := make(map[int]bool)
	for _, item := range strings.Split(part, ",") {
		switch {
		case item == "*":
			for v := f.min; v <= f.max; v++ {
				set[v] = true
			}
		case strings.HasPrefix(item, "*/"):
			step, err := strconv.Atoi(item[2:])
			if err != nil || step <= 0 {
				return nil, fmt.Errorf("%s: bad step %q", f.name, item)
			}
			for v := f.min; v <= f.max; v += step {
				set[v] = true
			}
		case strings.Contains(item, "-"):
			bounds := strings.SplitN(item, "-", 2)
			lo, errLo := strconv.Atoi(bounds[0])
			hi, errHi := strconv.Atoi(bounds[1])
			if errLo != nil || errHi != nil || lo > hi || lo < f.min || hi > f.max {
				return nil, fmt.Errorf("%s: bad range %q", f.name, item)
			}
			for v := lo; v <= hi; v++ {
				set[v] = true
			}
		default:
			v, err := strconv.Atoi(item)
			if err != nil || v < f.min || v > f.max {
				return nil, fmt.Errorf("%s: bad value %q", f.name, item)
			}
			set[v] = true
		}
	}
	return set, nil
}

// Matches reports whether the schedule fires at the given minute.
func (s *Schedule) Matches(t time.Time) bool {
	return s.minutes[t.Minute()] &&
		s.hours[t.Hour()] &&
		s.days[t.Day()] &&
		s.months[int(t.Month())] &&
		s.weekdays[int(t.Weekday())]
}

// Next returns the first matching minute strictly after t. The scan is
// bounded; a satisfiable five-field expression always matches within four
// years (day-of-month 29-31 and month combinations included).
func (s *Schedule) Next(t time.Time) time.Time {
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	limit := candidate.AddDate(4, 0, 0)
	for candidate.Before(limit) {
		if !s.months[int(candidate.Month())] {
			candidate = time.Date(candidate.Year(), candidate.Month(), 1, 0, 0, 0, 0, candidate.Location()).AddDate(0, 1, 0)
			continue
		}
		if !s.days[candidate.Day()] || !s.weekdays[int(candidate.Weekday())] {
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day(), 0, 0, 0, 0, candidate.Location()).AddDate(0, 0, 1)
			continue
		}
		if !s.hours[candidate.Hour()] {
			candidate = candidate.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if !s.minutes[candidate.Minute()] {
			candidate = candidate.Add(time.Minute)
			continue
		}
		return candidate
	}
	return limit
}
