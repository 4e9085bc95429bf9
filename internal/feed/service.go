// Package feed turns feed requests into syndication documents: it serves
// fresh cache entries, regenerates stale ones through the external tools,
// and falls back to the last good copy when regeneration fails.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"calfeed/internal/cache"
	"calfeed/internal/extract"
	appLog "calfeed/internal/log"
	"calfeed/internal/model"
	"calfeed/internal/pipeline"
)

// Status tells how a body was obtained.
type Status string

const (
	StatusFresh  Status = "fresh"  // regenerated for this request
	StatusCached Status = "cached" // cache entry within its TTL
	StatusStale  Status = "stale"  // regeneration failed, annotated old copy
)

// Result is a successfully served feed.
type Result struct {
	Body   []byte
	Status Status
}

// Resolver maps a target id to its sources. *catalog.Catalog satisfies it.
type Resolver interface {
	Resolve(id string) (model.ResolvedTarget, error)
}

// Runner runs external tools. *pipeline.Executor satisfies it.
type Runner interface {
	extract.Runner
	Pipe(ctx context.Context, first, second pipeline.Command) (pipeline.Outcome, error)
}

// Recorder receives orchestration events. *metrics.Metrics satisfies it.
type Recorder interface {
	FeedResult(status string)
	CacheWriteFailed()
	FeedItems(target string, n int)
}

type nopRecorder struct{}

func (nopRecorder) FeedResult(string)     {}
func (nopRecorder) CacheWriteFailed()     {}
func (nopRecorder) FeedItems(string, int) {}

// Options configures a Service.
type Options struct {
	MaxHours      int
	ExtractorPath string
	FormatterPath string
	DebugKey      string
	Recorder      Recorder
	Now           func() time.Time
}

// Service is the feed orchestrator. It holds no per-request state and is
// safe for concurrent use.
type Service struct {
	resolver   Resolver
	store      *cache.Store
	runner     Runner
	aggregator *extract.Aggregator
	opts       Options
	group      singleflight.Group
}

// NewService wires a Service.
func NewService(resolver Resolver, store *cache.Store, runner Runner, opts Options) *Service {
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		resolver:   resolver,
		store:      store,
		runner:     runner,
		aggregator: extract.NewAggregator(runner, opts.ExtractorPath),
		opts:       opts,
	}
}

// Serve answers one request. debugToken is the caller-presented debug key;
// it only affects the comment added to stale copies.
//
// Bad requests, unknown targets and broken target definitions are returned
// as errors without touching the cache. Regeneration failures fall back to
// any existing cache entry; an *UpstreamError is returned only when there is
// none.
func (s *Service) Serve(ctx context.Context, req model.FeedRequest, debugToken string) (Result, error) {
	res, err := s.serve(ctx, req, debugToken)
	if err != nil {
		s.opts.Recorder.FeedResult("error")
		return Result{}, err
	}
	s.opts.Recorder.FeedResult(string(res.Status))
	return res, nil
}

func (s *Service) serve(ctx context.Context, req model.FeedRequest, debugToken string) (Result, error) {
	if err := req.Validate(s.opts.MaxHours); err != nil {
		return Result{}, err
	}

	target, err := s.resolver.Resolve(req.Target)
	if err != nil {
		return Result{}, err
	}

	if s.store.IsFresh(target.ID, req.Hours, target.CacheTTL) {
		body, err := s.store.Read(target.ID, req.Hours)
		if err == nil {
			appLog.Debug("serving cached feed", "target", target.ID, "hours", req.Hours)
			return Result{Body: body, Status: StatusCached}, nil
		}
		// Removed between stat and read; regenerate.
		appLog.Warn("fresh cache entry unreadable", "target", target.ID, "hours", req.Hours, "err", err)
	}

	body, err := s.regenerateShared(ctx, target, req.Hours)
	if err == nil {
		return Result{Body: body, Status: StatusFresh}, nil
	}

	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return Result{}, err
	}
	return s.fallback(target, req.Hours, err, debugToken)
}

// regenerateShared coalesces concurrent regenerations of the same key.
// The shared run is detached from any single caller's cancellation.
func (s *Service) regenerateShared(ctx context.Context, target model.ResolvedTarget, hours int) ([]byte, error) {
	key := s.store.Key(target.ID, hours)
	v, err, shared := s.group.Do(key, func() (any, error) {
		return s.regenerate(context.WithoutCancel(ctx), target, hours)
	})
	if shared {
		appLog.Debug("joined in-flight regeneration", "target", target.ID, "hours", hours)
	}
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *Service) regenerate(ctx context.Context, target model.ResolvedTarget, hours int) ([]byte, error) {
	start := time.Now()

	candidate, err := s.produce(ctx, target, hours)
	if err != nil {
		return nil, err
	}

	if err := Validate(candidate); err != nil {
		return nil, &UpstreamError{Target: target.ID, Stage: StageValidate, Err: err}
	}
	if n, err := CountItems(candidate); err != nil {
		appLog.Warn("generated document is not a recognised feed", "target", target.ID, "err", err)
	} else {
		s.opts.Recorder.FeedItems(target.ID, n)
		appLog.Debug("generated feed", "target", target.ID, "items", n)
	}

	body := Stamp(candidate, s.opts.Now())
	if err := s.store.Write(target.ID, hours, body); err != nil {
		s.opts.Recorder.CacheWriteFailed()
		appLog.Error("cache write failed", err, "target", target.ID, "hours", hours)
	}

	appLog.Info("feed regenerated",
		"target", target.ID,
		"hours", hours,
		"sources", len(target.Sources),
		"bytes", len(body),
		"duration", time.Since(start),
	)
	return body, nil
}

// produce runs the tools. A single source streams straight from the
// extractor into the formatter; a group is aggregated first and then
// formatted in one run.
func (s *Service) produce(ctx context.Context, target model.ResolvedTarget, hours int) ([]byte, error) {
	format := FormatCommand(s.opts.FormatterPath, target.Feed)

	if target.Group == nil && len(target.Sources) == 1 {
		first := extract.Command(s.opts.ExtractorPath, target.Sources[0], hours)
		out, err := s.runner.Pipe(ctx, first, format)
		if err != nil {
			return nil, &UpstreamError{Target: target.ID, Stage: pipeStage(err, first), Err: err}
		}
		return out.Stdout, nil
	}

	combined, err := s.aggregator.Extract(ctx, target.Sources, hours)
	if err != nil {
		return nil, &UpstreamError{Target: target.ID, Stage: StageExtract, Err: err}
	}
	if combined == nil {
		combined = []byte{}
	}
	out, err := s.runner.Run(ctx, format, combined)
	if err != nil {
		return nil, &UpstreamError{Target: target.ID, Stage: StageFormat, Err: err}
	}
	return out.Stdout, nil
}

// pipeStage tells which side of a pipe failed.
func pipeStage(err error, first pipeline.Command) string {
	var (
		se *pipeline.StartError
		ee *pipeline.ExitError
		te *pipeline.TimeoutError
	)
	var name string
	switch {
	case errors.As(err, &se):
		name = se.Command
	case errors.As(err, &ee):
		name = ee.Command
	case errors.As(err, &te):
		name = te.Command
	default:
		return StageExtract
	}
	if name == first.String() {
		return StageExtract
	}
	return StageFormat
}

func (s *Service) fallback(target model.ResolvedTarget, hours int, cause error, debugToken string) (Result, error) {
	stale, err := s.store.Read(target.ID, hours)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			appLog.Error("reading stale cache entry failed", err, "target", target.ID, "hours", hours)
		}
		appLog.Error("regeneration failed, no cached copy", cause, "target", target.ID, "hours", hours)
		return Result{}, cause
	}

	age, _ := s.store.Age(target.ID, hours)
	appLog.Warn("regeneration failed, serving stale copy",
		"target", target.ID,
		"hours", hours,
		"age", age,
		"err", cause,
	)
	return Result{Body: Annotate(stale, cause, debugToken, s.opts.DebugKey), Status: StatusStale}, nil
}

// Warm serves req and discards the body, so an expired entry is
// regenerated before anyone asks for it.
func (s *Service) Warm(ctx context.Context, req model.FeedRequest) (Status, error) {
	res, err := s.Serve(ctx, req, "")
	if err != nil {
		return "", fmt.Errorf("warm %s/%dh: %w", req.Target, req.Hours, err)
	}
	return res.Status, nil
}
