// Package notifier pushes health transition alerts to a Telegram chat.
package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"golang.org/x/time/rate"

	"monhub/internal/eventbus"
	"monhub/internal/health"
	logx "monhub/pkg/logx"
)

type Config struct {
	Enabled bool
	Token   string
	ChatID  int64
	// RatePerSec bounds outgoing sends. Default 1.
	RatePerSec int
	// DedupWindow suppresses repeated alerts for the same plugin/state.
	// Default 5m.
	DedupWindow time.Duration
}

// sender abstracts the Telegram client for tests.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	bot     sender
	chat    tele.Recipient
	limiter *rate.Limiter

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	unsub func()
	done  chan struct{}

	now func() time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Minute
	}

	s := &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		chat:    tele.ChatID(cfg.ChatID),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   map[string]time.Time{},
		now:     time.Now,
	}
	if !cfg.Enabled {
		return s, nil
	}

	// Send-only client; no poller, no update loop.
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token, Synchronous: true})
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	s.bot = bot
	return s, nil
}

// Start begins consuming health transitions from the bus. No-op when disabled.
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Enabled || s.bot == nil {
		return
	}
	ch, unsub := s.bus.Subscribe(32)
	s.unsub = unsub
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.handle(ctx, ev)
			}
		}
	}()
	s.log.Info("alert notifier started", logx.Int64("chat", s.cfg.ChatID))
}

func (s *Service) Stop() {
	if s.unsub == nil {
		return
	}
	s.unsub()
	<-s.done
	s.unsub = nil
}

func (s *Service) handle(ctx context.Context, ev eventbus.Event) {
	var text string
	switch ev.Type {
	case eventbus.TypePluginUnhealthy:
		he, ok := ev.Data.(health.Event)
		if !ok {
			return
		}
		text = fmt.Sprintf("🔴 plugin %s is unhealthy (%d consecutive failures)", he.PluginID, he.Failures)
	case eventbus.TypePluginRecovered:
		he, ok := ev.Data.(health.Event)
		if !ok {
			return
		}
		text = fmt.Sprintf("🟢 plugin %s recovered", he.PluginID)
	default:
		return
	}

	key := ev.Type + "|" + text
	if s.suppressed(key) {
		s.log.Debug("alert suppressed (dedup)", logx.String("key", key))
		return
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	if _, err := s.bot.Send(s.chat, text); err != nil {
		s.log.Warn("alert send failed", logx.Err(err))
	}
}

func (s *Service) suppressed(key string) bool {
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return true
	}
	// prune expired entries in passing
	for k, until := range s.dedup {
		if now.After(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(s.cfg.DedupWindow)
	return false
}
