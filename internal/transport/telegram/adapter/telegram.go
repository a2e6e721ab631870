package adapter

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	rtsup "envoybot/internal/runtime/supervisor"
	"envoybot/internal/transport"
	logx "envoybot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RatePerSec caps outbound API calls (Telegram throttles around 30/s).
	RatePerSec int
}

// Adapter binds the exchange core to Telegram via telebot.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter

	out     atomic.Value // stores (chan<- transport.Update)
	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (poll loop, drop logger, stop watcher).
	sup *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the Telegram poll loop. Logged periodically, not per update.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
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
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.sendUpdate(transport.Update{Message: mapMessage(m)})
		return nil
	})
}

func mapMessage(m *tele.Message) *transport.Message {
	if m == nil {
		return nil
	}
	out := &transport.Message{
		ID:     m.ID,
		Text:   m.Text,
		ChatID: m.Chat.ID,
	}
	if m.Sender != nil {
		out.FromID = m.Sender.ID
		out.FromUsername = m.Sender.Username
	}
	if m.ReplyTo != nil {
		out.ReplyTo = mapMessage(m.ReplyTo)
	}
	return out
}

func (a *Adapter) sendUpdate(up transport.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// adapter errors should not take down the whole app
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Periodic summary for dropped updates.
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)",
					logx.Any("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	// Ensure telebot stops when the adapter context is cancelled.
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// Telebot's Start() is a long-running loop; in some failure modes it can
	// exit unexpectedly, so run it under a restart loop.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		if a.bot != nil {
			a.bot.Start()
		}
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}

	if sup != nil {
		sup.Cancel()
	}
	// telebot Stop is expected to be fast; run it async just in case.
	if a.bot != nil {
		go a.bot.Stop()
	}

	if sup == nil {
		return nil
	}

	// Grace window: keep shutdown snappy even if the long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) wait(ctx context.Context) error {
	if a.limiter == nil {
		return nil
	}
	return a.limiter.Wait(ctx)
}

func (a *Adapter) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	if err := a.wait(ctx); err != nil {
		return 0, err
	}
	msg, err := a.bot.Send(tele.ChatID(chatID), text)
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}

func (a *Adapter) SendPoll(ctx context.Context, chatID int64, question string, options []string) (int, error) {
	if err := a.wait(ctx); err != nil {
		return 0, err
	}
	p := &tele.Poll{
		Type:     tele.PollRegular,
		Question: question,
	}
	p.AddOptions(options...)
	msg, err := a.bot.Send(tele.ChatID(chatID), p)
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}

// StopPoll closes the native poll and returns the text of the option with the
// most votes. Ties resolve to the earliest listed option, which matches the
// platform's result ordering.
func (a *Adapter) StopPoll(ctx context.Context, chatID int64, pollMessageID int) (string, error) {
	if err := a.wait(ctx); err != nil {
		return "", err
	}
	ref := tele.StoredMessage{
		MessageID: strconv.Itoa(pollMessageID),
		ChatID:    chatID,
	}
	p, err := a.bot.StopPoll(ref)
	if err != nil {
		return "", err
	}
	if p == nil || len(p.Options) == 0 {
		return "", errors.New("poll has no options")
	}
	best := p.Options[0]
	for _, opt := range p.Options[1:] {
		if opt.VoterCount > best.VoterCount {
			best = opt
		}
	}
	return best.Text, nil
}

func (a *Adapter) CopyMessage(ctx context.Context, targetChatID, sourceChatID int64, messageID int) (int, error) {
	if err := a.wait(ctx); err != nil {
		return 0, err
	}
	ref := tele.StoredMessage{
		MessageID: strconv.Itoa(messageID),
		ChatID:    sourceChatID,
	}
	msg, err := a.bot.Copy(tele.ChatID(targetChatID), ref)
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}
