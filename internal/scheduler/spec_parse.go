package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// SpecKind is the normalized kind of a job schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a job schedule normalized from its config string. Jobs accept
// a cron expression ("0 */6 * * *"), a cron descriptor ("@hourly",
// "@every 6h"), or a bare Go duration ("45m", "2h30m") as a fixed interval.
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

// ParseSchedule normalizes a job schedule string. Anything with whitespace or
// a leading '@' goes to the cron parser; a single token must be a positive Go
// duration.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf(
			"invalid schedule %q (use cron like '0 */6 * * *', a descriptor like '@hourly', or an interval like '45m')",
			raw)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d}, nil
}
