// Package app wires the exchange services together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"envoybot/internal/candidates"
	"envoybot/internal/clock"
	"envoybot/internal/config"
	"envoybot/internal/domain"
	"envoybot/internal/lifecycle"
	"envoybot/internal/outbox"
	"envoybot/internal/relations"
	"envoybot/internal/reminder"
	"envoybot/internal/runtime/supervisor"
	"envoybot/internal/scheduler"
	"envoybot/internal/storage"
	"envoybot/internal/transport"
	telegram "envoybot/internal/transport/telegram/adapter"
	logx "envoybot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	adapter transport.Adapter

	ingest *candidates.Ingest
	sched  *scheduler.Scheduler

	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(set.Telegram, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New applies immediately. Bootstrap with the Telegram sink disabled
	// so the first Apply does not warn before the sender target is wired, then
	// enable it with the real config.
	bootLogCfg := set.Logging
	bootLogCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootLogCfg, ad)
	logSvc.Apply(set.Logging)
	log = log.With(logx.String("comp", "app"))

	store, err := storage.Open(set.Storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", set.Storage.Driver))

	clk := clock.System()
	gate := relations.New(store)
	pool := candidates.NewPool(store, clk)
	ingest := candidates.NewIngest(store, pool, ad, clk,
		log.With(logx.String("comp", "ingest")))
	life := lifecycle.New(store, gate, ad, clk,
		log.With(logx.String("comp", "lifecycle")))
	remind := reminder.New(store, ad, clk, set.LookAhead,
		log.With(logx.String("comp", "reminder")))
	dispatch := outbox.New(store, copyDeliver(ad), clk,
		log.With(logx.String("comp", "outbox")))

	sched := scheduler.New(set.Tick, log.With(logx.String("comp", "scheduler")))
	sched.AddStage("remind", remind.Run)
	sched.AddStage("open", life.OpenPending)
	sched.AddStage("close", life.CloseExpired)
	sched.AddStage("dispatch", dispatch.DispatchDue)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		adapter: ad,
		ingest:  ingest,
		sched:   sched,
		updates: make(chan transport.Update, 256),
	}, nil
}

// copyDeliver forwards the winning message to the partner chat verbatim.
func copyDeliver(gw transport.Gateway) outbox.DeliverFunc {
	return func(ctx context.Context, sourceChatID, targetChatID int64, cand domain.Candidate) error {
		_, err := gw.CopyMessage(ctx, targetChatID, sourceChatID, cand.ExternalMessageID)
		return err
	}
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	// Reject bad hot reloads before they are committed.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := config.Resolve(cfg)
		return err
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go0("candidates.ingest", func(c context.Context) {
		a.ingest.Run(c, a.updates)
	})

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	// Catch up immediately instead of waiting out the first tick.
	a.sup.Go0("scheduler.catchup", func(c context.Context) {
		a.sched.RunOnce(c)
	})

	// Hot reload: logging applies live, everything else needs a restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				set, err := config.Resolve(newCfg)
				if err != nil {
					a.log.Warn("invalid config on reload; keeping previous", logx.Err(err))
					continue
				}
				a.logs.Apply(set.Logging)
				a.log.Info("logging config applied")
				a.log.Warn("non-logging config changes need a restart to take effect")
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("scheduler", 3*time.Second, func(context.Context) error { a.sched.Stop(); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
