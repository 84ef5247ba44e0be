package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"triggerd/internal/eventbus"
	"triggerd/internal/scheduler"
	"triggerd/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeSender) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func startNotifier(t *testing.T, bus eventbus.Bus) *fakeSender {
	t.Helper()
	snd := &fakeSender{}
	s := New(Config{Enabled: true, RatePerSec: 100}, bus, logx.Nop())
	s.SetSender(snd)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		s.Stop(stopCtx)
		cancel()
	})
	return snd
}

func TestNotifiesOnFailedRun(t *testing.T) {
	bus := eventbus.New()
	snd := startNotifier(t, bus)

	bus.Publish(eventbus.Event{Type: eventbus.RunFailed, Data: scheduler.RunEvent{
		Job: "scrape", Trigger: "scheduled", ExitCode: 2,
		Attempts: 1, Error: "exit status 2", Duration: 3 * time.Second,
	}})

	waitFor(t, func() bool { return len(snd.sent()) == 1 })
	msg := snd.sent()[0]
	for _, want := range []string{"scrape", "scheduled", "exit code: 2", "exit status 2"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestIgnoresSuccessfulRuns(t *testing.T) {
	bus := eventbus.New()
	snd := startNotifier(t, bus)

	bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: scheduler.RunEvent{Job: "scrape"}})
	bus.Publish(eventbus.Event{Type: eventbus.RunStarted, Data: scheduler.RunEvent{Job: "scrape"}})
	bus.Publish(eventbus.Event{Type: eventbus.RunFailed, Data: scheduler.RunEvent{Job: "scrape", ExitCode: 1}})

	waitFor(t, func() bool { return len(snd.sent()) == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := len(snd.sent()); got != 1 {
		t.Fatalf("sent %d messages, want 1 (failures only)", got)
	}
}

func TestDisabledNotifierNeverSubscribes(t *testing.T) {
	bus := eventbus.New()
	snd := &fakeSender{}
	s := New(Config{Enabled: false}, bus, logx.Nop())
	s.SetSender(snd)
	s.Start(context.Background())

	bus.Publish(eventbus.Event{Type: eventbus.RunFailed, Data: scheduler.RunEvent{Job: "scrape"}})
	time.Sleep(50 * time.Millisecond)
	if len(snd.sent()) != 0 {
		t.Fatal("disabled notifier sent a message")
	}
}
