package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"triggerd/internal/config"
	"triggerd/internal/eventbus"
	"triggerd/internal/history"
	"triggerd/internal/runner"
	"triggerd/pkg/logx"
)

// fakeRunner records invocations and returns canned results.
type fakeRunner struct {
	mu    sync.Mutex
	calls []runner.RunConfig
	block chan struct{} // when non-nil, Run waits until closed
	fail  atomic.Int32  // number of leading calls that fail
}

func (f *fakeRunner) Run(ctx context.Context, rc runner.RunConfig) runner.Result {
	f.mu.Lock()
	f.calls = append(f.calls, rc)
	n := len(f.calls)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	if int32(n) <= f.fail.Load() {
		return runner.Result{ExitCode: 1, Err: errors.New("exit status 1")}
	}
	return runner.Result{ExitCode: 0}
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func testJob(name string) config.JobConfig {
	return config.JobConfig{
		Name:     name,
		Enabled:  true,
		Schedule: "0 */6 * * *",
		Command:  "true",
	}
}

func startService(t *testing.T, fr *fakeRunner, cfg Config) *Service {
	t.Helper()
	s := New(cfg, fr, nil, nil, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestRunNowDispatchesOnce(t *testing.T) {
	fr := &fakeRunner{}
	s := startService(t, fr, Config{Workers: 1, Timezone: "UTC"})
	if err := s.SetJobs([]config.JobConfig{testJob("scrape")}); err != nil {
		t.Fatalf("SetJobs: %v", err)
	}

	runID, err := s.RunNow("scrape")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if runID == "" {
		t.Fatal("empty run id")
	}

	waitFor(t, func() bool { return fr.count() == 1 })

	fr.mu.Lock()
	rc := fr.calls[0]
	fr.mu.Unlock()
	if rc.Job != "scrape" || rc.Trigger != "manual" || rc.RunID != runID {
		t.Errorf("unexpected run config: %+v", rc)
	}

	waitFor(t, func() bool { return len(s.History(0)) == 1 })
	h := s.History(0)[0]
	if h.Job != "scrape" || h.Trigger != "manual" || h.Error != "" {
		t.Errorf("unexpected history item: %+v", h)
	}
}

func TestRunNowUnknownJob(t *testing.T) {
	fr := &fakeRunner{}
	s := startService(t, fr, Config{Workers: 1})
	if _, err := s.RunNow("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRunNowRejectsOverlap(t *testing.T) {
	fr := &fakeRunner{block: make(chan struct{})}
	s := startService(t, fr, Config{Workers: 1})
	if err := s.SetJobs([]config.JobConfig{testJob("scrape")}); err != nil {
		t.Fatalf("SetJobs: %v", err)
	}

	if _, err := s.RunNow("scrape"); err != nil {
		t.Fatalf("first RunNow: %v", err)
	}
	waitFor(t, func() bool { return fr.count() == 1 })

	if _, err := s.RunNow("scrape"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	close(fr.block)
}

func TestRunNowAllowsOverlapWhenConfigured(t *testing.T) {
	fr := &fakeRunner{block: make(chan struct{})}
	s := startService(t, fr, Config{Workers: 2})
	jc := testJob("scrape")
	jc.Overlap = "allow"
	if err := s.SetJobs([]config.JobConfig{jc}); err != nil {
		t.Fatalf("SetJobs: %v", err)
	}

	if _, err := s.RunNow("scrape"); err != nil {
		t.Fatalf("first RunNow: %v", err)
	}
	waitFor(t, func() bool { return fr.count() == 1 })
	if _, err := s.RunNow("scrape"); err != nil {
		t.Fatalf("second RunNow with overlap allow: %v", err)
	}
	waitFor(t, func() bool { return fr.count() == 2 })
	close(fr.block)
}

func TestRunNowBeforeStart(t *testing.T) {
	fr := &fakeRunner{}
	s := New(Config{Workers: 1}, fr, nil, nil, logx.Nop())
	if err := s.SetJobs([]config.JobConfig{testJob("scrape")}); err != nil {
		t.Fatalf("SetJobs: %v", err)
	}
	if _, err := s.RunNow("scrape"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err = %v, want ErrNotStarted", err)
	}
}

func TestNoRetryByDefault(t *testing.T) {
	fr := &fakeRunner{}
	fr.fail.Store(10)
	s := startService(t, fr, Config{Workers: 1})
	if err := s.SetJobs([]config.JobConfig{testJob("scrape")}); err != nil {
		t.Fatalf("SetJobs: %v", err)
	}

	if _, err := s.RunNow("scrape"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	waitFor(t, func() bool { return len(s.History(0)) == 1 })
	if fr.count() != 1 {
		t.Fatalf("runner called %d times, want 1 (no retry)", fr.count())
	}
	h := s.History(0)[0]
	if h.Error == "" || h.Attempts != 1 || h.ExitCode != 1 {
		t.Errorf("unexpected history item: %+v", h)
	}
}

func TestRetryWhenConfigured(t *testing.T) {
	fr := &fakeRunner{}
	fr.fail.Store(1)
	s := startService(t, fr, Config{Workers: 1})
	jc := testJob("scrape")
	jc.RetryMax = 2
	if err := s.SetJobs([]config.JobConfig{jc}); err != nil {
		t.Fatalf("SetJobs: %v", err)
	}

	if _, err := s.RunNow("scrape"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	waitFor(t, func() bool { return len(s.History(0)) == 1 })
	if fr.count() != 2 {
		t.Fatalf("runner called %d times, want 2 (one retry)", fr.count())
	}
	h := s.History(0)[0]
	if h.Error != "" || h.Attempts != 2 {
		t.Errorf("unexpected history item: %+v", h)
	}
}

func TestSetJobsRejectsBadSchedule(t *testing.T) {
	fr := &fakeRunner{}
	s := New(Config{}, fr, nil, nil, logx.Nop())
	jc := testJob("scrape")
	jc.Schedule = "not-a-schedule"
	if err := s.SetJobs([]config.JobConfig{jc}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestSetJobsRemovesGoneJobs(t *testing.T) {
	fr := &fakeRunner{}
	s := startService(t, fr, Config{Workers: 1})
	if err := s.SetJobs([]config.JobConfig{testJob("a"), testJob("b")}); err != nil {
		t.Fatalf("SetJobs: %v", err)
	}
	if err := s.SetJobs([]config.JobConfig{testJob("b")}); err != nil {
		t.Fatalf("SetJobs: %v", err)
	}
	if _, err := s.RunNow("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("job a still registered: %v", err)
	}
	if _, err := s.RunNow("b"); err != nil {
		t.Fatalf("job b lost: %v", err)
	}
}

// captureBus records published events for assertions.
type captureBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *captureBus) Publish(e eventbus.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *captureBus) firstOfType(typ string) (eventbus.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.events {
		if e.Type == typ {
			return e, true
		}
	}
	return eventbus.Event{}, false
}

// captureHist records persisted run rows.
type captureHist struct {
	mu   sync.Mutex
	rows []history.Run
}

func (h *captureHist) Append(ctx context.Context, r history.Run) error {
	h.mu.Lock()
	h.rows = append(h.rows, r)
	h.mu.Unlock()
	return nil
}

func (h *captureHist) firstWithStatus(status string) (history.Run, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.rows {
		if r.Status == status {
			return r, true
		}
	}
	return history.Run{}, false
}

func TestApplySurvivesActiveTicks(t *testing.T) {
	fr := &fakeRunner{}
	s := startService(t, fr, Config{Enabled: true, Workers: 2, QueueSize: 64, Timezone: "UTC"})

	jobs := make([]config.JobConfig, 0, 8)
	for i := 0; i < 8; i++ {
		jc := testJob(fmt.Sprintf("tick-%d", i))
		jc.Schedule = "1ms"
		jc.Overlap = "allow"
		jobs = append(jobs, jc)
	}
	if err := s.SetJobs(jobs); err != nil {
		t.Fatalf("SetJobs: %v", err)
	}
	waitFor(t, func() bool { return fr.count() > 0 })

	// Toggle the timezone while triggers are firing. Each toggle tears down
	// and rebuilds the cron under live closures.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			cfg := Config{Enabled: true, Workers: 2, QueueSize: 64}
			if i%2 == 0 {
				cfg.Timezone = "UTC"
			}
			s.Apply(cfg)
		}
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("Apply wedged while triggers were in flight")
	}

	// the rebuilt cron keeps triggering and manual dispatch still works
	before := fr.count()
	waitFor(t, func() bool { return fr.count() > before })
	if _, err := s.RunNow("tick-0"); err != nil {
		t.Fatalf("RunNow after restarts: %v", err)
	}
}

func TestQueueFullReportsSkipped(t *testing.T) {
	fr := &fakeRunner{block: make(chan struct{})}
	bus := &captureBus{}
	hist := &captureHist{}
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 1, Timezone: "UTC"}, fr, bus, hist, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		close(fr.block)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	// One worker stuck on the first run and a single queue slot: further
	// ticks have nowhere to go.
	jc := testJob("tick")
	jc.Schedule = "1ms"
	jc.Overlap = "allow"
	if err := s.SetJobs([]config.JobConfig{jc}); err != nil {
		t.Fatalf("SetJobs: %v", err)
	}

	waitFor(t, func() bool {
		_, ok := bus.firstOfType(eventbus.RunSkipped)
		return ok
	})
	ev, _ := bus.firstOfType(eventbus.RunSkipped)
	re, ok := ev.Data.(RunEvent)
	if !ok {
		t.Fatalf("event data = %T, want RunEvent", ev.Data)
	}
	if re.Job != "tick" || re.Trigger != "scheduled" || re.Error != "queue_full" {
		t.Errorf("unexpected skip event: %+v", re)
	}

	waitFor(t, func() bool {
		_, ok := hist.firstWithStatus("skipped")
		return ok
	})
	row, _ := hist.firstWithStatus("skipped")
	if row.Job != "tick" || row.Error != "queue_full" {
		t.Errorf("unexpected skip row: %+v", row)
	}
}

func TestSnapshotListsSchedules(t *testing.T) {
	fr := &fakeRunner{}
	s := startService(t, fr, Config{Enabled: true, Workers: 1, Timezone: "UTC"})
	if err := s.SetJobs([]config.JobConfig{testJob("scrape")}); err != nil {
		t.Fatalf("SetJobs: %v", err)
	}

	snap := s.Snapshot()
	if !snap.Enabled || snap.Timezone != "UTC" {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.Schedules) != 1 || snap.Schedules[0].Job != "scrape" {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if snap.Schedules[0].Next.IsZero() {
		t.Error("no next run computed for registered cron entry")
	}
}
