package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"triggerd/internal/config"
	"triggerd/pkg/logx"
)

// SetJobs replaces the registered job set with the enabled jobs from cfg.
// Upsert by name; jobs absent from the new set are unscheduled. Safe to call
// before Start() and across hot-reloads.
func (s *Service) SetJobs(jobs []config.JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := map[string]bool{}
	for _, jc := range jobs {
		if !jc.Enabled {
			continue
		}
		keep[jc.Name] = true

		timeout, err := config.ParseDurationField("timeout", jc.Timeout)
		if err != nil {
			return fmt.Errorf("job %s: %w", jc.Name, err)
		}
		if _, err := ParseSchedule(jc.Schedule); err != nil {
			return fmt.Errorf("job %s: %w", jc.Name, err)
		}

		d := s.findLocked(jc.Name)
		if d == nil {
			d = &jobDef{name: jc.Name, state: &runState{}}
			s.defs = append(s.defs, d)
		}
		specChanged := d.spec != jc.Schedule
		d.spec = jc.Schedule
		d.timeout = s.resolveTimeout(timeout)
		d.overlap = parseOverlap(jc.Overlap)
		d.retryMax = jc.RetryMax
		d.job = jc

		if s.c != nil && s.cfg.Enabled && (specChanged || d.entryID == 0) {
			if d.entryID != 0 {
				s.c.Remove(d.entryID)
				d.entryID = 0
			}
			s.addCronLocked(d)
		}
	}

	// unschedule jobs gone from config
	n := 0
	for _, d := range s.defs {
		if keep[d.name] {
			s.defs[n] = d
			n++
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.log.Debug("job unscheduled", logx.String("job", d.name))
	}
	s.defs = s.defs[:n]
	return nil
}

func (s *Service) findLocked(name string) *jobDef {
	for _, d := range s.defs {
		if d.name == name {
			return d
		}
	}
	return nil
}

// addCronLocked registers d with the running cron. Call with s.mu held and
// s.c non-nil.
func (s *Service) addCronLocked(d *jobDef) {
	spec := d.spec
	if ps, err := ParseSchedule(spec); err == nil && ps.Kind == SpecInterval {
		spec = fmt.Sprintf("@every %s", ps.Every.String())
	}
	eid, err := s.c.AddFunc(spec, func() {
		if d.overlap == OverlapSkipIfRunning {
			d.state.mu.Lock()
			running := d.state.running
			d.state.mu.Unlock()
			if running {
				s.log.Debug("run skipped (previous run still running)", logx.String("job", d.name))
				s.reportSkip(d.name, "scheduled", "overlap_skip")
				return
			}
		}
		if err := s.enqueue(task{runID: newRunID(), trigger: "scheduled", def: d}); errors.Is(err, ErrQueueFull) {
			s.reportSkip(d.name, "scheduled", "queue_full")
		}
	})
	if err != nil {
		s.log.Error("schedule register failed",
			logx.String("job", d.name), logx.String("spec", d.spec), logx.Err(err))
		return
	}
	d.entryID = eid
	next := s.previewNextRunsLocked(spec, 4)
	attrs := []logx.Field{
		logx.String("job", d.name), logx.String("spec", d.spec),
		logx.Duration("timeout", d.timeout),
	}
	if next != "" {
		attrs = append(attrs, logx.String("next", next))
	}
	s.log.Debug("schedule registered", attrs...)
}

// RunNow dispatches one run of the named job outside its schedule. It returns
// the run id accepted into the queue. Manual dispatch works even when cron
// triggers are disabled, as long as the service is started.
func (s *Service) RunNow(name string) (string, error) {
	s.mu.Lock()
	d := s.findLocked(strings.TrimSpace(name))
	started := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if d == nil {
		return "", ErrNotFound
	}
	if !started {
		return "", ErrNotStarted
	}
	if d.overlap == OverlapSkipIfRunning {
		d.state.mu.Lock()
		running := d.state.running
		d.state.mu.Unlock()
		if running {
			return "", ErrAlreadyRunning
		}
	}

	t := task{runID: newRunID(), trigger: "manual", def: d}
	if err := s.enqueue(t); err != nil {
		return "", err
	}
	s.log.Info("manual dispatch accepted",
		logx.String("job", d.name), logx.String("run_id", t.runID))
	return t.runID, nil
}

func newRunID() string {
	return time.Now().UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8]
}

// previewNextRunsLocked returns a short list of upcoming run times for the
// given cron spec. Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
