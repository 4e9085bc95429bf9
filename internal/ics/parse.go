package ics

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

const beginCalendar = "BEGIN:VCALENDAR"

// ParsedEvent is the normalized representation of a VEVENT. Recurrence
// expansion operates on this type.
type ParsedEvent struct {
	UID string
	Seq int

	Summary  string
	Location string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID, if this VEVENT overrides one instance
}

// SplitCalendars cuts a stream of concatenated VCALENDAR documents (as
// produced by aggregating several extraction runs) into single documents.
// Text before the first BEGIN:VCALENDAR is dropped.
func SplitCalendars(body []byte) [][]byte {
	marker := []byte(beginCalendar)
	var out [][]byte
	for {
		i := bytes.Index(body, marker)
		if i == -1 {
			return out
		}
		body = body[i:]
		next := bytes.Index(body[len(marker):], marker)
		if next == -1 {
			return append(out, body)
		}
		out = append(out, body[:len(marker)+next])
		body = body[len(marker)+next:]
	}
}

// ParseEvents parses every VCALENDAR block in body. Blocks that fail to
// parse are skipped and counted in failed; VEVENTs without UID are skipped.
func ParseEvents(body []byte) (events []ParsedEvent, calendars, failed int, err error) {
	blocks := SplitCalendars(body)
	if len(blocks) == 0 {
		if len(bytes.TrimSpace(body)) == 0 {
			return nil, 0, 0, nil
		}
		return nil, 0, 0, errors.New("no VCALENDAR block found")
	}

	for _, block := range blocks {
		cal, perr := ical.ParseCalendar(bytes.NewReader(block))
		if perr != nil {
			failed++
			err = perr
			continue
		}
		calendars++
		for _, ve := range cal.Events() {
			if ev, ok := parseVEvent(ve); ok {
				events = append(events, ev)
			}
		}
	}
	if calendars > 0 {
		err = nil
	}
	return events, calendars, failed, err
}

func parseVEvent(ve *ical.VEvent) (ParsedEvent, bool) {
	var out ParsedEvent

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return out, false
	}
	out.UID = uid.Value

	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			out.Seq = n
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	out.Start, _ = ve.GetStartAt()
	out.End, _ = ve.GetEndAt()
	if out.End.IsZero() {
		out.End = out.Start
	}

	// VALUE=DATE or a value without a time part is an all-day event.
	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		if vs := p.ICalParameters["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			out.AllDay = true
		}
		if !strings.Contains(p.Value, "T") {
			out.AllDay = true
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		if t, err := parseICSTime(p.Value); err == nil {
			out.Recurrence = &t
		}
	}

	return out, true
}

// parseICSTime parses a basic DATE / DATE-TIME / UTC DATE-TIME value. It is
// used where the parameter context (TZID) is not available.
func parseICSTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, time.Local)
	default:
		return time.ParseInLocation("20060102", v, time.Local)
	}
}
