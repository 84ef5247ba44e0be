package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"triggerd/internal/eventbus"
	"triggerd/internal/history"
	"triggerd/internal/runner"
	"triggerd/internal/secrets"
	"triggerd/pkg/logx"
)

func (s *Service) enqueue(t task) error {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Debug("scheduler not running; dropping run", logx.String("job", t.def.name))
		return ErrNotStarted
	}
	select {
	case q <- t:
		return nil
	default:
		s.log.Warn("dispatch queue full; dropping run",
			logx.String("job", t.def.name),
			logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
		return ErrQueueFull
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan task) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			s.execOne(ctx, stopCh, t)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, t task) {
	d := t.def
	start := time.Now()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.RunStarted, Time: start, Data: RunEvent{
			RunID: t.runID, Job: d.name, Trigger: t.trigger, Started: start,
		}})
	}

	// Mark running for overlap control (shared state between invocations).
	d.state.mu.Lock()
	d.state.running = true
	d.state.mu.Unlock()
	defer func() {
		d.state.mu.Lock()
		d.state.running = false
		d.state.mu.Unlock()
	}()

	rc := buildRunConfig(t)

	retries := d.retryMax
	if retries < 0 {
		retries = 0
	}
	maxAttempts := 1 + retries

	var res runner.Result
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		// Per-attempt timeout so a timed-out first attempt does not poison retries.
		runCtx := ctx
		var cancel func()
		if d.timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, d.timeout)
		}
		res = s.run.Run(runCtx, rc)
		if cancel != nil {
			cancel()
		}
		if res.Err == nil || attempt >= maxAttempts {
			break
		}
		// A missing secret or a broken provision step will not heal by retrying
		// within the same run window.
		if errors.Is(res.Err, runner.ErrSecrets) || errors.Is(res.Err, runner.ErrProvision) {
			break
		}

		delay := backoffDelay(attempt)
		s.log.Debug("run retry scheduled",
			logx.String("job", d.name), logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay), logx.Err(res.Err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			res.Err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			if !tmr.Stop() {
				<-tmr.C
			}
			res.Err = errors.New("scheduler stopped")
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{
		RunID:    t.runID,
		Job:      d.name,
		Trigger:  t.trigger,
		Started:  start,
		Duration: dur,
		Attempts: attempts,
		ExitCode: res.ExitCode,
		LogPath:  res.LogPath,
	}

	if res.Err != nil {
		item.Error = res.Err.Error()
		s.log.Warn("run failed",
			logx.String("job", d.name), logx.String("run_id", t.runID),
			logx.Int("exit_code", res.ExitCode), logx.Int("attempts", attempts),
			logx.Duration("dur", dur), logx.Err(res.Err))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.RunFailed, Time: time.Now(), Data: RunEvent{
				RunID: t.runID, Job: d.name, Trigger: t.trigger, Started: start,
				Duration: dur, Attempts: attempts, ExitCode: res.ExitCode,
				Error: item.Error, LogPath: res.LogPath,
			}})
		}
	} else {
		s.log.Info("run completed",
			logx.String("job", d.name), logx.String("run_id", t.runID),
			logx.Duration("dur", dur), logx.Int("attempts", attempts))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Time: time.Now(), Data: RunEvent{
				RunID: t.runID, Job: d.name, Trigger: t.trigger, Started: start,
				Duration: dur, Attempts: attempts, LogPath: res.LogPath,
			}})
		}
	}

	s.appendHistory(item)
	s.persist(item)
}

// buildRunConfig assembles a self-contained RunConfig from the job definition.
// Everything a run needs travels in this value.
func buildRunConfig(t task) runner.RunConfig {
	jc := t.def.job
	refs := make([]secrets.Ref, 0, len(jc.Secrets))
	for _, sr := range jc.Secrets {
		refs = append(refs, secrets.Ref{Env: sr.Env, From: sr.From})
	}
	env := make(map[string]string, len(jc.Env))
	for k, v := range jc.Env {
		env[k] = v
	}
	return runner.RunConfig{
		Job:              jc.Name,
		RunID:            t.runID,
		Trigger:          t.trigger,
		Command:          jc.Command,
		Workdir:          jc.Workdir,
		Provision:        append([]string(nil), jc.Provision...),
		Secrets:          refs,
		Env:              env,
		PublishArtifacts: jc.PublishArtifacts,
		Artifacts:        append([]string(nil), jc.Artifacts...),
	}
}

func (s *Service) appendHistory(item HistoryItem) {
	s.mu.Lock()
	historySize := s.cfg.HistorySize
	s.mu.Unlock()
	if historySize <= 0 {
		historySize = 200
	}

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
}

// reportSkip records a trigger that never produced a run: the bus gets a
// run.skipped event and the store (when present) a "skipped" row, so dropped
// triggers stay visible without counting as failures.
func (s *Service) reportSkip(job, trigger, reason string) {
	now := time.Now()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.RunSkipped, Time: now, Data: RunEvent{
			Job: job, Trigger: trigger, Started: now, Error: reason,
		}})
	}
	if s.hist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.hist.Append(ctx, history.Run{
		Job:       job,
		Trigger:   trigger,
		StartedAt: now,
		Status:    "skipped",
		Error:     reason,
	})
	if err != nil && !errors.Is(err, history.ErrDisabled) {
		s.log.Warn("run history write failed", logx.String("job", job), logx.Err(err))
	}
}

func (s *Service) persist(item HistoryItem) {
	if s.hist == nil {
		return
	}
	status := "ok"
	if item.Error != "" {
		status = "failed"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.hist.Append(ctx, history.Run{
		RunID:     item.RunID,
		Job:       item.Job,
		Trigger:   item.Trigger,
		StartedAt: item.Started,
		TookMS:    item.Duration.Milliseconds(),
		Status:    status,
		ExitCode:  item.ExitCode,
		Attempts:  item.Attempts,
		Error:     item.Error,
		LogPath:   item.LogPath,
	})
	if err != nil && !errors.Is(err, history.ErrDisabled) {
		s.log.Warn("run history write failed", logx.String("job", item.Job), logx.Err(err))
	}
}

func backoffDelay(retry int) time.Duration {
	const (
		base     = 500 * time.Millisecond
		maxDelay = 15 * time.Second
		jitter   = 0.2
	)
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxDelay {
			d = maxDelay
			break
		}
	}
	// jitter [1-j, 1+j]
	r := (rand.Float64()*2 - 1) * jitter
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
