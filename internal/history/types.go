package history

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("history disabled")

// Config configures the run-history store.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", history is disabled. Jobs never read
// history; it exists for operators and the admin API only.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Run records one finished (or skipped) job run.
// Keep it compact and schema-stable.
type Run struct {
	ID        int64
	RunID     string
	Job       string
	Trigger   string // "scheduled" or "manual"
	StartedAt time.Time
	TookMS    int64
	Status    string // "ok", "failed", "skipped"
	ExitCode  int
	Attempts  int
	Error     string
	LogPath   string
}
