// Package scheduler runs the page poll on a fixed interval.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Poller checks every tracked page once.
type Poller interface {
	PollAll(ctx context.Context) error
}

// Config sets the poll interval and the delay between readiness and the first poll.
type Config struct {
	Interval time.Duration
	WarmUp   time.Duration
}

// Scheduler periodically polls tracked pages. A poll still running when the
// next one is due makes the next one skip.
type Scheduler struct {
	poller Poller
	cfg    Config
	log    *slog.Logger
}

// New creates a Scheduler. A zero Interval defaults to 120s.
func New(poller Poller, cfg Config, log *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 120 * time.Second
	}
	return &Scheduler{
		poller: poller,
		cfg:    cfg,
		log:    log.With("component", "scheduler"),
	}
}

// Run waits for ready, polls after the warm-up delay and then on every
// interval. It blocks until ctx is cancelled and the running poll returns.
func (s *Scheduler) Run(ctx context.Context, ready <-chan struct{}) {
	select {
	case <-ctx.Done():
		return
	case <-ready:
	}

	if s.cfg.WarmUp > 0 {
		t := time.NewTimer(s.cfg.WarmUp)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	logger := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	job := c.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(func() { s.checkAll(ctx) }))
	c.Start()
	s.log.Info("polling started", "interval", s.cfg.Interval)

	// The first poll goes through the job chain so it cannot overlap a scheduled one.
	var first sync.WaitGroup
	first.Add(1)
	go func() {
		defer first.Done()
		c.Entry(job).WrappedJob.Run()
	}()

	<-ctx.Done()
	<-c.Stop().Done()
	first.Wait()
	s.log.Info("polling stopped")
}

func (s *Scheduler) checkAll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := s.poller.PollAll(ctx); err != nil {
		s.log.Error("poll pages", "error", err)
		return
	}
	s.log.Debug("poll finished", "took", time.Since(start))
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
