// Package scheduler drives the exchange pipeline on a fixed tick.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	logx "envoybot/pkg/logx"
)

// DefaultTick is the interval between pipeline passes.
const DefaultTick = 30 * time.Second

// Stage is one pass of a pipeline phase. A stage error is logged and never
// stops the remaining stages of the same tick.
type Stage func(ctx context.Context) error

type namedStage struct {
	name string
	run  Stage
}

// Scheduler runs the stages in a fixed order on every tick: remind, open,
// close, dispatch. Ticks never overlap; a tick that outlasts the interval
// causes the next one to be skipped.
type Scheduler struct {
	tick   time.Duration
	stages []namedStage
	log    logx.Logger

	c      *cron.Cron
	cancel context.CancelFunc
}

func New(tick time.Duration, log logx.Logger) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{tick: tick, log: log}
}

// AddStage appends a stage. Stages run in registration order.
func (s *Scheduler) AddStage(name string, run Stage) {
	s.stages = append(s.stages, namedStage{name: name, run: run})
}

// Start begins ticking. The context bounds every stage call; cancelling it
// does not stop the cron loop itself, use Stop for that.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.c != nil {
		return fmt.Errorf("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.c = cron.New(cron.WithChain(
		cron.Recover(cronLogger{s.log}),
		cron.SkipIfStillRunning(cronLogger{s.log}),
	))
	spec := fmt.Sprintf("@every %s", s.tick)
	if _, err := s.c.AddFunc(spec, func() { s.runTick(ctx) }); err != nil {
		return fmt.Errorf("add tick job: %w", err)
	}
	s.c.Start()
	s.log.Info("scheduler started",
		logx.String("tick", s.tick.String()), logx.Int("stages", len(s.stages)))
	return nil
}

// Stop halts ticking and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	if s.cancel != nil {
		s.cancel()
	}
	s.log.Info("scheduler stopped")
}

// RunOnce executes a single pass outside the cron loop. Used at startup so a
// restart does not wait a full tick to catch up, and by tests.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.runTick(ctx)
}

func (s *Scheduler) runTick(ctx context.Context) {
	for _, st := range s.stages {
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		if err := st.run(ctx); err != nil {
			s.log.Warn("stage failed", logx.String("stage", st.name), logx.Err(err))
			continue
		}
		s.log.Debug("stage done",
			logx.String("stage", st.name),
			logx.String("took", time.Since(started).Round(time.Millisecond).String()))
	}
}

// cronLogger adapts logx for cron's wrappers.
type cronLogger struct {
	log logx.Logger
}

func (c cronLogger) Info(msg string, kv ...any) {
	c.log.Debug(msg, logx.String("detail", fmt.Sprint(kv...)))
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.log.Error(msg, logx.Err(err), logx.String("detail", fmt.Sprint(kv...)))
}
