package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"triggerd/internal/eventbus"
	"triggerd/internal/scheduler"
	"triggerd/pkg/logx"
)

// Config controls the optional Telegram failure notifier. Disabled by
// default; jobs run the same with or without it.
type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec float64 // 0 means 1/sec
}

// Sender delivers one message. Satisfied by *teleSender in production,
// faked in tests.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Service watches the bus and pushes a short message per failed run.
// Messages never carry secret values; the runner keeps those out of its
// errors, and we only forward job name, exit code and error text.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log    logx.Logger
	bus    eventbus.Bus
	sender Sender
	lim    *rate.Limiter

	unsub  func()
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg, bus: bus, log: log}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	s.cfg = cfg
	s.lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 3)
	if cfg.Enabled && s.sender == nil && strings.TrimSpace(cfg.Token) != "" {
		snd, err := newTeleSender(cfg.Token, cfg.ChatID)
		if err != nil {
			s.log.Error("telegram sender init failed", logx.Err(err))
			return
		}
		s.sender = snd
	}
}

// SetSender overrides the delivery transport. Mainly for tests.
func (s *Service) SetSender(snd Sender) {
	s.mu.Lock()
	s.sender = snd
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil || s.bus == nil {
		return
	}
	if !s.cfg.Enabled || s.sender == nil {
		return
	}
	ch, unsub := s.bus.Subscribe(64)
	s.unsub = unsub
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.handle(ctx, ev)
			}
		}
	}()
	s.log.Info("failure notifier started", logx.Int64("chat_id", s.cfg.ChatID))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) handle(ctx context.Context, ev eventbus.Event) {
	if ev.Type != eventbus.RunFailed {
		return
	}
	re, ok := ev.Data.(scheduler.RunEvent)
	if !ok {
		return
	}

	s.mu.Lock()
	lim := s.lim
	snd := s.sender
	s.mu.Unlock()
	if snd == nil {
		return
	}
	if !lim.Allow() {
		s.log.Debug("failure notification dropped (rate limit)", logx.String("job", re.Job))
		return
	}

	text := formatFailure(re)
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := snd.Send(sendCtx, text); err != nil {
		s.log.Warn("failure notification send failed", logx.String("job", re.Job), logx.Err(err))
	}
}

func formatFailure(re scheduler.RunEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "❌ job %s failed (%s)", re.Job, re.Trigger)
	if re.ExitCode >= 0 {
		fmt.Fprintf(&b, "\nexit code: %d", re.ExitCode)
	}
	if re.Attempts > 1 {
		fmt.Fprintf(&b, "\nattempts: %d", re.Attempts)
	}
	if re.Error != "" {
		fmt.Fprintf(&b, "\nerror: %s", re.Error)
	}
	if re.Duration > 0 {
		fmt.Fprintf(&b, "\ntook: %s", re.Duration.Round(time.Millisecond))
	}
	return b.String()
}

type teleSender struct {
	bot  *tele.Bot
	chat *tele.Chat
}

func newTeleSender(token string, chatID int64) (*teleSender, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token: token,
		// Offline keeps NewBot from calling getMe; the first Send validates
		// the token instead, so startup never blocks on Telegram.
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &teleSender{bot: bot, chat: &tele.Chat{ID: chatID}}, nil
}

func (t *teleSender) Send(ctx context.Context, text string) error {
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
