package clock

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrNoFireTime = errors.New("schedule has no upcoming fire time")

// Five-field crontab with an optional leading seconds field, plus descriptors
// like "@daily" and "@every 10m".
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Schedule is a parsed cron expression bound to a timezone.
//
// All wall-clock fields are resolved in Location, never in the host zone,
// so "0 6 * * 1-5" in America/New_York fires at 06:00 local across DST.
type Schedule struct {
	Expr     string
	Location *time.Location

	spec cron.Schedule
}

// Parse parses expr and binds it to tz. An empty tz falls back to def
// (and to UTC if def is nil).
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 30 6 * * 1-5" (seconds), "@hourly", "@every 55m"
//   - "cron:" prefix forces cron parsing
//   - "interval:" / "every:" prefix, a bare Go duration ("55m") or HH:MM ("02:30")
//     become "@every <duration>"
func Parse(expr, tz string, def *time.Location) (Schedule, error) {
	loc, err := LoadLocation(tz, def)
	if err != nil {
		return Schedule{}, err
	}
	normalized, err := normalize(expr)
	if err != nil {
		return Schedule{}, err
	}
	spec, err := parser.Parse(normalized)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Schedule{Expr: strings.TrimSpace(expr), Location: loc, spec: spec}, nil
}

// MustParse is Parse for tests and static tables.
func MustParse(expr, tz string) Schedule {
	s, err := Parse(expr, tz, time.UTC)
	if err != nil {
		panic(err)
	}
	return s
}

// LoadLocation resolves a timezone name. Empty means def (UTC if def is nil).
func LoadLocation(tz string, def *time.Location) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		if def != nil {
			return def, nil
		}
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}

func (s Schedule) IsZero() bool { return s.spec == nil }

// Next returns the first fire time strictly after the given instant, expressed
// in the schedule's location. It returns the zero time if the expression can
// never match (e.g. "0 0 30 2 *").
func (s Schedule) Next(after time.Time) time.Time {
	if s.spec == nil {
		return time.Time{}
	}
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	return s.spec.Next(after.In(loc))
}

func normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return "", errors.New("cron schedule required after 'cron:'")
		}
		if strings.HasPrefix(strings.ToUpper(expr), "TZ=") || strings.HasPrefix(strings.ToUpper(expr), "CRON_TZ=") {
			return "", errors.New("set the timezone on the job instead of inside the expression")
		}
		return expr, nil
	case strings.HasPrefix(low, "interval:"):
		return every(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return every(s[len("every:"):])
	case strings.HasPrefix(strings.ToUpper(s), "TZ="), strings.HasPrefix(strings.ToUpper(s), "CRON_TZ="):
		return "", errors.New("set the timezone on the job instead of inside the expression")
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return s, nil
	}
	if out, err := every(s); err == nil {
		return out, nil
	}
	return "", fmt.Errorf(
		"invalid schedule %q (use cron like '0 6 * * 1-5', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func every(v string) (string, error) {
	d, err := parseInterval(v)
	if err != nil {
		return "", err
	}
	return "@every " + d.String(), nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, errors.New("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, errors.New("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m')", v)
	}
	if d < time.Second {
		return 0, errors.New("interval must be >= 1s")
	}
	return d, nil
}
