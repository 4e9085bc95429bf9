// Package prewarm regenerates selected feeds on a cron schedule so that
// readers hit a fresh cache entry.
package prewarm

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"calfeed/internal/config"
	"calfeed/internal/feed"
	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

// Warmer is the part of *feed.Service the scheduler needs.
type Warmer interface {
	Warm(ctx context.Context, req model.FeedRequest) (feed.Status, error)
}

// Scheduler runs one warm-up pass per cron tick. A tick that fires while the
// previous pass is still running is skipped.
type Scheduler struct {
	warmer  Warmer
	targets []config.PrewarmTarget
	cron    *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
}

// cronLogger routes cron's own messages through appLog.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}

// New validates the schedule and returns a stopped Scheduler.
func New(cfg config.PrewarmConfig, warmer Warmer) (*Scheduler, error) {
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("prewarm: no targets")
	}
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s := &Scheduler{
		warmer:  warmer,
		targets: append([]config.PrewarmTarget(nil), cfg.Targets...),
		cron:    c,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if _, err := c.AddFunc(cfg.Schedule, func() { s.RunOnce(s.ctx) }); err != nil {
		return nil, fmt.Errorf("prewarm: invalid schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start begins scheduling in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	appLog.Info("prewarm scheduler started", "targets", len(s.targets))
}

// Stop halts scheduling, cancels a running pass and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	appLog.Info("prewarm scheduler stopped")
}

// RunOnce warms every target in order. Failures are logged and do not stop
// the pass.
func (s *Scheduler) RunOnce(ctx context.Context) {
	start := time.Now()
	var warmed, failed int
	for _, t := range s.targets {
		if ctx.Err() != nil {
			return
		}
		st, err := s.warmer.Warm(ctx, model.FeedRequest{Target: t.Calendar, Hours: t.Hours})
		if err != nil {
			failed++
			appLog.Error("prewarm failed", err, "target", t.Calendar, "hours", t.Hours)
			continue
		}
		if st != feed.StatusCached {
			warmed++
		}
		appLog.Debug("prewarm target", "target", t.Calendar, "hours", t.Hours, "status", string(st))
	}
	appLog.Info("prewarm pass finished",
		"targets", len(s.targets),
		"regenerated", warmed,
		"failed", failed,
		"duration", time.Since(start),
	)
}
