package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Schedule struct {
	Kind       string `json:"kind"`        // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr"`   // Cron expression (if kind=cron)
	IntervalMs int64  `json:"interval_ms"` // Interval in ms (if kind=interval)
	AtMs       int64  `json:"at_ms"`       // Unix ms timestamp (if kind=once)
}

// Parse accepts a cron expression, "@every <duration>", or the JSON form
// of a Schedule.
func Parse(raw string) (*Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	if strings.HasPrefix(raw, "{") {
		var s Schedule
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("parse schedule: %w", err)
		}
		if err := s.validate(); err != nil {
			return nil, err
		}
		return &s, nil
	}

	if rest, ok := strings.CutPrefix(raw, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", rest, err)
		}
		s := &Schedule{Kind: "interval", IntervalMs: d.Milliseconds()}
		if err := s.validate(); err != nil {
			return nil, err
		}
		return s, nil
	}

	s := &Schedule{Kind: "cron", CronExpr: raw}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Schedule) validate() error {
	switch s.Kind {
	case "cron":
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case "interval":
		if s.IntervalMs <= 0 {
			return fmt.Errorf("interval_ms must be positive")
		}
	case "once":
		if s.AtMs <= 0 {
			return fmt.Errorf("at_ms must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}

// Next returns the first run strictly after now. It reports false when
// the schedule will not run again.
func (s *Schedule) Next(now time.Time) (time.Time, bool) {
	switch s.Kind {
	case "cron":
		next, err := gronx.NextTickAfter(s.CronExpr, now, false)
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	case "interval":
		return now.Add(time.Duration(s.IntervalMs) * time.Millisecond), true
	case "once":
		t := time.UnixMilli(s.AtMs)
		if t.After(now) {
			return t, true
		}
	}
	return time.Time{}, false
}

// String returns a human-readable description of the schedule.
func (s *Schedule) String() string {
	switch s.Kind {
	case "cron":
		if strings.HasPrefix(s.CronExpr, "@") {
			return s.CronExpr
		}
		fields := strings.Fields(s.CronExpr)
		if len(fields) == 6 {
			return "Every tick: " + s.CronExpr
		}
		return s.CronExpr
	case "interval":
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		default:
			return fmt.Sprintf("Every %d seconds", int(d.Seconds()))
		}
	case "once":
		return "Once at " + time.UnixMilli(s.AtMs).Format("Jan 2 15:04")
	}
	return s.Kind
}
