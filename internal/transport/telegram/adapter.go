// Package telegram adapts the Telegram Bot API to the orchestrator: a
// long-poll adapter that forwards incoming messages on a channel, and a
// router that turns commands into queue, scheduler, and quota operations.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "recbot/pkg/logx"
)

// Config configures the adapter.
type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Update is one incoming message, decoupled from the telebot types so the
// router can be driven by tests.
type Update struct {
	MessageID    int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

// Adapter runs the long-poll loop and forwards text updates.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup

	// dropped counts updates discarded because the consumer lagged; it is
	// flushed to the log periodically instead of per update.
	dropped uint64
}

// New connects to the Bot API.
func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// Bot exposes the underlying client for senders and editors.
func (a *Adapter) Bot() *tele.Bot { return a.bot }

// Start begins polling and forwards updates to out until the context is
// cancelled. Non-blocking; idempotent.
func (a *Adapter) Start(ctx context.Context, out chan<- Update) {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		flush := func() {
			if n := atomic.SwapUint64(&a.dropped, 0); n > 0 {
				a.log.Warn("incoming updates dropped", logx.Int64("count", int64(n)))
			}
		}
		for {
			select {
			case <-rctx.Done():
				flush()
				return
			case <-ticker.C:
				flush()
			}
		}
	}()

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		up := Update{
			MessageID:    m.ID,
			ChatID:       m.Chat.ID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
		}
		select {
		case out <- up:
		default:
			atomic.AddUint64(&a.dropped, 1)
		}
		return nil
	})

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started")
		a.bot.Start()
	}()
}

// Stop ends polling. Shutdown never waits longer than a short grace on the
// long-poll cycle.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	go a.bot.Stop()

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		a.log.Warn("poll stop grace elapsed, continuing shutdown")
		return nil
	}
}

// Reply sends plain text to a chat.
func (a *Adapter) Reply(chatID int64, text string) error {
	_, err := a.bot.Send(tele.ChatID(chatID), text)
	return err
}
