package scheduler

import (
	"testing"
	"time"

	"github.com/robfig/cron/v3"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		duration time.Duration
	}{
		{name: "cron", raw: "0 */6 * * *", kind: SpecCron},
		{name: "descriptor", raw: "@hourly", kind: SpecCron},
		{name: "every descriptor", raw: "@every 6h", kind: SpecCron},
		{name: "duration", raw: "10m", kind: SpecInterval, duration: 10 * time.Minute},
		{name: "compound duration", raw: "2h30m", kind: SpecInterval, duration: 2*time.Hour + 30*time.Minute},
		{name: "padded", raw: "  45m  ", kind: SpecInterval, duration: 45 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestSixHourCronFiresOnUTCBoundaries(t *testing.T) {
	t.Parallel()
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse("0 */6 * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	at := time.Date(2026, 5, 1, 3, 17, 0, 0, time.UTC)
	want := []int{6, 12, 18, 0, 6}
	for i, wh := range want {
		at = sched.Next(at)
		if at.Hour() != wh || at.Minute() != 0 {
			t.Fatalf("run %d at %v, want hour %02d:00", i, at, wh)
		}
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "-5m", "0s"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Errorf("ParseSchedule(%q): expected error", raw)
		}
	}
}
