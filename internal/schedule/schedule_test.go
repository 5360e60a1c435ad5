package schedule

import (
	"fmt"
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	s, err := Parse("0 9 * * 1-5")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != "cron" {
		t.Errorf("expected kind 'cron', got '%s'", s.Kind)
	}
	if s.CronExpr != "0 9 * * 1-5" {
		t.Errorf("expected cron expr '0 9 * * 1-5', got '%s'", s.CronExpr)
	}
}

func TestParseEvery(t *testing.T) {
	s, err := Parse("@every 15m")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != "interval" {
		t.Errorf("expected kind 'interval', got '%s'", s.Kind)
	}
	if s.IntervalMs != 15*60*1000 {
		t.Errorf("expected interval_ms 900000, got %d", s.IntervalMs)
	}
}

func TestParseJSON(t *testing.T) {
	s, err := Parse(`{"kind":"interval","interval_ms":60000}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.IntervalMs != 60000 {
		t.Errorf("expected interval_ms 60000, got %d", s.IntervalMs)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []string{
		"",
		"not a cron",
		"@every soon",
		"@every -1m",
		`{"kind":"interval","interval_ms":0}`,
		`{"kind":"weekly"}`,
		`{"kind":`,
	}
	for _, raw := range tests {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q): expected error", raw)
		}
	}
}

func TestNextCron(t *testing.T) {
	s, err := Parse("* * * * *")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	now := time.Now()
	next, ok := s.Next(now)
	if !ok {
		t.Fatal("expected next run time")
	}
	if !next.After(now) {
		t.Error("expected next run in the future")
	}
	if next.Sub(now) > time.Minute {
		t.Errorf("expected next run within a minute, got %v", next.Sub(now))
	}
}

func TestNextInterval(t *testing.T) {
	s := &Schedule{Kind: "interval", IntervalMs: 60000}
	now := time.Now()
	next, ok := s.Next(now)
	if !ok {
		t.Fatal("expected next run time")
	}
	if got := next.Sub(now); got != time.Minute {
		t.Errorf("expected next run 60s from now, got %v", got)
	}
}

func TestNextOnce(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour).UnixMilli()
	s, err := Parse(fmt.Sprintf(`{"kind":"once","at_ms":%d}`, future))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if _, ok := s.Next(now); !ok {
		t.Fatal("expected next run time")
	}

	// Past time should not run
	s.AtMs = now.Add(-time.Hour).UnixMilli()
	if _, ok := s.Next(now); ok {
		t.Error("expected no run for past once schedule")
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		s    Schedule
		want string
	}{
		{Schedule{Kind: "cron", CronExpr: "@daily"}, "@daily"},
		{Schedule{Kind: "cron", CronExpr: "0 9 * * *"}, "0 9 * * *"},
		{Schedule{Kind: "interval", IntervalMs: 3600000}, "Every hour"},
		{Schedule{Kind: "interval", IntervalMs: 7200000}, "Every 2 hours"},
		{Schedule{Kind: "interval", IntervalMs: 60000}, "Every minute"},
		{Schedule{Kind: "interval", IntervalMs: 300000}, "Every 5 minutes"},
		{Schedule{Kind: "interval", IntervalMs: 30000}, "Every 30 seconds"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("String(%+v) = %q, want %q", tt.s, got, tt.want)
		}
	}
}
