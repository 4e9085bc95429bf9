package ics

import (
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

// maxOccurrencesPerEvent caps expansion of a single recurring event.
const maxOccurrencesPerEvent = 5000

// Summary describes one calendar-interchange document.
type Summary struct {
	Calendars   int
	Failed      int
	Events      int
	Occurrences []model.Occurrence
}

// Summarize parses body and expands its events into occurrences overlapping
// [start, end], converted to loc. It is used for diagnostics only; the
// document itself is passed on unchanged.
func Summarize(body []byte, start, end time.Time, loc *time.Location) (Summary, error) {
	if loc == nil {
		loc = time.Local
	}
	events, calendars, failed, err := ParseEvents(body)
	if err != nil {
		return Summary{Failed: failed}, err
	}

	s := Summary{Calendars: calendars, Failed: failed}

	overrides := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.Recurrence != nil {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		s.Events++
	}
	for _, ev := range events {
		if ev.Recurrence != nil {
			continue
		}
		s.Occurrences = append(s.Occurrences, expandEvent(ev, overrides[ev.UID], start, end, loc)...)
	}

	sort.SliceStable(s.Occurrences, func(i, j int) bool {
		return s.Occurrences[i].Start.Before(s.Occurrences[j].Start)
	})
	return s, nil
}

func expandEvent(ev ParsedEvent, overrides []ParsedEvent, start, end time.Time, loc *time.Location) []model.Occurrence {
	if ev.RawRRule == "" {
		if !overlaps(ev.Start, ev.End, start, end) {
			return nil
		}
		return []model.Occurrence{occurrence(applyOverride(ev, overrides, ev.Start), loc)}
	}

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Debug("skipping event with unparsable RRULE", "uid", ev.UID, "err", err)
		return nil
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Instances starting up to one duration before the window still overlap it.
	dur := max(ev.End.Sub(ev.Start), 0)
	times := set.Between(start.Add(-dur).In(ev.Start.Location()), end.In(ev.Start.Location()), true)
	if len(times) > maxOccurrencesPerEvent {
		appLog.Debug("truncating recurring event", "uid", ev.UID, "occurrences", len(times))
		times = times[:maxOccurrencesPerEvent]
	}

	out := make([]model.Occurrence, 0, len(times))
	for _, t := range times {
		inst := ev
		inst.Start = t
		inst.End = t.Add(dur)
		inst = applyOverride(inst, overrides, t)
		if !overlaps(inst.Start, inst.End, start, end) {
			continue
		}
		out = append(out, occurrence(inst, loc))
	}
	return out
}

// applyOverride returns the override whose RECURRENCE-ID equals at, or ev.
func applyOverride(ev ParsedEvent, overrides []ParsedEvent, at time.Time) ParsedEvent {
	for _, o := range overrides {
		if o.Recurrence != nil && o.Recurrence.Equal(at) {
			return o
		}
	}
	return ev
}

func occurrence(ev ParsedEvent, loc *time.Location) model.Occurrence {
	start := ev.Start.In(loc)
	return model.Occurrence{
		UID:         ev.UID,
		InstanceKey: start.Format(time.RFC3339Nano),
		Summary:     ev.Summary,
		Location:    ev.Location,
		AllDay:      ev.AllDay,
		Start:       start,
		End:         ev.End.In(loc),
	}
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aEnd.Before(bStart) && !bEnd.Before(aStart)
}
