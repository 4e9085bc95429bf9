// Package extract pulls calendar-interchange data out of CalDAV servers by
// running the extraction tool once per source.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"calfeed/internal/ics"
	appLog "calfeed/internal/log"
	"calfeed/internal/model"
	"calfeed/internal/pipeline"
)

// ToolName labels extraction runs in logs, errors and metrics.
const ToolName = "extract"

// separator goes between member outputs of a group.
var separator = []byte("\n\n")

// Runner runs a single command. *pipeline.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, c pipeline.Command, stdin []byte) (pipeline.Outcome, error)
}

// MemberError wraps the failure of one source during aggregation.
type MemberError struct {
	Source string
	Err    error
}

func (e *MemberError) Error() string {
	return fmt.Sprintf("source %q: %v", e.Source, e.Err)
}

func (e *MemberError) Unwrap() error { return e.Err }

// ExtractionArgs builds the argument vector for one source covering
// now .. now+hours.
func ExtractionArgs(src model.SourceSpec, hours int) []string {
	return []string{
		"--caldav-url", src.Endpoint.CalDAVURL,
		"--caldav-username", src.Credentials.Username,
		"--caldav-password", src.Credentials.Password,
		"--calendar-url", src.Endpoint.CalendarURL,
		"select",
		"--start=now",
		"--end=+" + strconv.Itoa(hours) + "hours",
		"print-ical",
	}
}

// Command is the extraction invocation for src.
func Command(path string, src model.SourceSpec, hours int) pipeline.Command {
	return pipeline.Command{Name: ToolName, Path: path, Args: ExtractionArgs(src, hours)}
}

// Aggregator combines the extraction output of one or more sources.
type Aggregator struct {
	runner Runner
	path   string
	now    func() time.Time
}

// NewAggregator returns an Aggregator running the extraction tool at path.
func NewAggregator(runner Runner, path string) *Aggregator {
	return &Aggregator{runner: runner, path: path, now: time.Now}
}

// Extract runs the extraction tool for every source in order. A single
// source's output is returned unchanged. Several outputs are joined with a
// blank line; outputs that are empty or whitespace only are left out. The
// first failing source aborts the whole call.
func (a *Aggregator) Extract(ctx context.Context, sources []model.SourceSpec, hours int) ([]byte, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: no sources", model.ErrBadRequest)
	}

	if len(sources) == 1 {
		return a.extractOne(ctx, sources[0], hours)
	}

	var combined []byte
	for _, src := range sources {
		out, err := a.extractOne(ctx, src, hours)
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(out)) == 0 {
			appLog.Debug("source returned no data", "source", src.ID)
			continue
		}
		if len(combined) > 0 {
			combined = append(combined, separator...)
		}
		combined = append(combined, out...)
	}
	return combined, nil
}

func (a *Aggregator) extractOne(ctx context.Context, src model.SourceSpec, hours int) ([]byte, error) {
	appLog.Debug("extracting source",
		"source", src.ID,
		"caldav_url", appLog.RedactURL(src.Endpoint.CalDAVURL),
		"hours", hours,
	)

	out, err := a.runner.Run(ctx, Command(a.path, src, hours), nil)
	if err != nil {
		return nil, &MemberError{Source: src.ID, Err: err}
	}
	if appLog.Enabled(appLog.LevelDebug) {
		a.describe(src, hours, out.Stdout)
	}
	return out.Stdout, nil
}

// describe logs what a source returned. Parse problems are only logged.
func (a *Aggregator) describe(src model.SourceSpec, hours int, body []byte) {
	loc := time.UTC
	if src.Feed.Timezone != "" {
		if l, err := time.LoadLocation(src.Feed.Timezone); err == nil {
			loc = l
		}
	}
	start := a.now()
	s, err := ics.Summarize(body, start, start.Add(time.Duration(hours)*time.Hour), loc)
	if err != nil {
		appLog.Debug("could not inspect extraction output", "source", src.ID, "err", err, "bytes", len(body))
		return
	}
	appLog.Debug("extraction output",
		"source", src.ID,
		"bytes", len(body),
		"calendars", s.Calendars,
		"events", s.Events,
		"occurrences", len(s.Occurrences),
	)
}
