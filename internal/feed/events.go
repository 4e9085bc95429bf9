package feed

import (
	"context"
	"sort"
	"time"

	"calfeed/internal/ics"
	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

// Events is the expanded view of a target's calendars over a window.
type Events struct {
	Target      string
	Timezone    *time.Location
	RangeStart  time.Time
	RangeEnd    time.Time
	Occurrences []model.Occurrence
	// Unreadable lists sources whose output could not be parsed.
	Unreadable []string
}

// Events extracts every source of the requested target and expands the
// result into occurrences in the target's timezone. Nothing is cached and
// there is no stale fallback: an extraction failure is returned as an
// *UpstreamError.
func (s *Service) Events(ctx context.Context, req model.FeedRequest) (Events, error) {
	if err := req.Validate(s.opts.MaxHours); err != nil {
		return Events{}, err
	}
	target, err := s.resolver.Resolve(req.Target)
	if err != nil {
		return Events{}, err
	}

	loc := time.UTC
	if target.Feed.Timezone != "" {
		l, err := time.LoadLocation(target.Feed.Timezone)
		if err != nil {
			appLog.Warn("unknown timezone, using UTC", "target", target.ID, "timezone", target.Feed.Timezone)
		} else {
			loc = l
		}
	}

	now := s.opts.Now().In(loc)
	out := Events{
		Target:      target.ID,
		Timezone:    loc,
		RangeStart:  now,
		RangeEnd:    now.Add(time.Duration(req.Hours) * time.Hour),
		Occurrences: []model.Occurrence{},
	}

	for _, src := range target.Sources {
		body, err := s.aggregator.Extract(ctx, []model.SourceSpec{src}, req.Hours)
		if err != nil {
			return Events{}, &UpstreamError{Target: target.ID, Stage: StageExtract, Err: err}
		}
		sum, err := ics.Summarize(body, out.RangeStart, out.RangeEnd, loc)
		if err != nil {
			appLog.Warn("could not parse extraction output", "target", target.ID, "source", src.ID, "err", err)
			out.Unreadable = append(out.Unreadable, src.ID)
			continue
		}
		for _, occ := range sum.Occurrences {
			occ.SourceID = src.ID
			out.Occurrences = append(out.Occurrences, occ)
		}
	}

	sort.SliceStable(out.Occurrences, func(i, j int) bool {
		return out.Occurrences[i].Start.Before(out.Occurrences[j].Start)
	})
	return out, nil
}
