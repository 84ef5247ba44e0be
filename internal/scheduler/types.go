package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"triggerd/internal/config"
	"triggerd/internal/runner"
	"triggerd/pkg/logx"
)

// Config controls the scheduler service.
type Config struct {
	Enabled        bool // gates cron triggers only; manual dispatch always works
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	HistorySize    int
	Timezone       string // IANA TZ, e.g. "UTC"
}

type OverlapPolicy int

const (
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

func parseOverlap(s string) OverlapPolicy {
	if s == "allow" {
		return OverlapAllow
	}
	// default: skip (safer for long-running scrapes)
	return OverlapSkipIfRunning
}

var (
	ErrNotFound       = errors.New("job not found")
	ErrAlreadyRunning = errors.New("job already running")
	ErrNotStarted     = errors.New("scheduler not started")
	ErrQueueFull      = errors.New("dispatch queue full")
)

// Runner executes one run end to end. Satisfied by *runner.Runner.
type Runner interface {
	Run(ctx context.Context, rc runner.RunConfig) runner.Result
}

type runState struct {
	mu      sync.Mutex
	running bool
}

type HistoryItem struct {
	RunID    string
	Job      string
	Trigger  string
	Started  time.Time
	Duration time.Duration
	Attempts int
	ExitCode int
	Error    string
	LogPath  string
}

// RunEvent is the payload carried on run.* bus events.
type RunEvent struct {
	RunID    string
	Job      string
	Trigger  string
	Started  time.Time
	Duration time.Duration
	Attempts int
	ExitCode int
	Error    string
	LogPath  string
}

type task struct {
	runID   string
	trigger string
	def     *jobDef
}

type jobDef struct {
	name     string
	spec     string
	timeout  time.Duration
	overlap  OverlapPolicy
	retryMax int
	job      config.JobConfig
	entryID  cron.EntryID
	state    *runState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	run  Runner
	bus  eventOut
	hist historyOut

	parser cron.Parser
	c      *cron.Cron
	defs   []*jobDef

	queue  chan task
	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed when workers fully exit.
	stopDone chan struct{}

	hmu     sync.Mutex
	history []HistoryItem

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

type ScheduleInfo struct {
	Job     string
	Spec    string
	Timeout time.Duration
	Overlap string
	Running bool
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Enabled   bool
	Timezone  string
	Workers   int
	QueueLen  int
	QueueCap  int
	Schedules []ScheduleInfo
	History   []HistoryItem
}
