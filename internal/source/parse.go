package source

import (
	"bytes"
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"calwatch/internal/types"
)

// occurrenceCap bounds recurrence expansion per VEVENT so a malformed
// RRULE cannot blow up a cycle.
const occurrenceCap = 1000

// parsedEvent is the intermediate representation of a VEVENT before
// recurrence expansion.
type parsedEvent struct {
	uid     string
	summary string

	start  time.Time
	end    time.Time
	allDay bool

	rawRRule   string
	exDates    []time.Time
	recurrence *time.Time // RECURRENCE-ID, set on override instances
}

// parseCalendar parses an ICS payload into parsedEvents. Individual
// malformed VEVENTs are skipped; the payload as a whole must parse.
func parseCalendar(body []byte) ([]parsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty calendar body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	events := make([]parsedEvent, 0, len(cal.Events()))
	for _, ve := range cal.Events() {
		ev, perr := parseVEvent(ve)
		if perr != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func parseVEvent(ve *ical.VEvent) (parsedEvent, error) {
	var out parsedEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.uid = uidProp.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.summary = p.Value
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, err
	}
	out.start = start
	if end, err := ve.GetEndAt(); err == nil {
		out.end = end
	}

	// All-day events carry VALUE=DATE or a bare YYYYMMDD DTSTART.
	if dtStart := ve.GetProperty(ical.ComponentPropertyDtStart); dtStart != nil {
		if params := dtStart.ICalParameters; params != nil {
			if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
				out.allDay = true
			}
		}
		if !strings.Contains(dtStart.Value, "T") {
			out.allDay = true
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.rawRRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part); err == nil {
				out.exDates = append(out.exDates, t)
			}
		}
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		if t, err := parseICSTime(p.Value); err == nil {
			out.recurrence = &t
		}
	}

	return out, nil
}

// parseICSTime parses the basic ICS date/date-time forms used by EXDATE
// and RECURRENCE-ID values.
func parseICSTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, time.UTC)
	}
	return time.ParseInLocation("20060102", v, time.UTC)
}

// expandEvents turns parsedEvents into concrete domain events with starts
// inside [rangeStart, rangeEnd]. Recurring events are expanded via their
// RRULE with EXDATEs and RECURRENCE-ID overrides applied. All-day events
// are dropped: they have no meaningful start checkpoint.
func expandEvents(calendarKey string, events []parsedEvent, rangeStart, rangeEnd time.Time) []types.Event {
	base := make([]parsedEvent, 0, len(events))
	overridesByUID := make(map[string][]parsedEvent)
	for _, ev := range events {
		if ev.recurrence != nil {
			overridesByUID[ev.uid] = append(overridesByUID[ev.uid], ev)
			continue
		}
		base = append(base, ev)
	}

	var out []types.Event
	for _, ev := range base {
		if ev.allDay {
			continue
		}
		if ev.rawRRule == "" {
			if ev.start.Before(rangeStart) || ev.start.After(rangeEnd) {
				continue
			}
			out = append(out, makeEvent(calendarKey, ev, ev.start, ev.end))
			continue
		}
		out = append(out, expandRecurring(calendarKey, ev, overridesByUID[ev.uid], rangeStart, rangeEnd)...)
	}
	return out
}

func expandRecurring(calendarKey string, ev parsedEvent, overrides []parsedEvent, rangeStart, rangeEnd time.Time) []types.Event {
	r, err := rrule.StrToRRule(ev.rawRRule)
	if err != nil {
		return nil
	}
	r.DTStart(ev.start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.exDates {
		set.ExDate(ex.In(ev.start.Location()))
	}

	occStarts := set.Between(rangeStart.In(ev.start.Location()), rangeEnd.In(ev.start.Location()), true)
	if len(occStarts) > occurrenceCap {
		occStarts = occStarts[:occurrenceCap]
	}

	duration := ev.end.Sub(ev.start)

	out := make([]types.Event, 0, len(occStarts))
	for _, occStart := range occStarts {
		occEnd := occStart.Add(duration)
		occEv := ev
		if o, ok := overrideFor(overrides, occStart); ok {
			occEv = o
			occStart = o.start
			occEnd = o.end
		}
		out = append(out, makeEvent(calendarKey, occEv, occStart, occEnd))
	}
	return out
}

// overrideFor finds the override VEVENT whose RECURRENCE-ID matches the
// occurrence start.
func overrideFor(overrides []parsedEvent, occStart time.Time) (parsedEvent, bool) {
	for _, ov := range overrides {
		if ov.recurrence != nil && ov.recurrence.In(occStart.Location()).Equal(occStart) {
			return ov, true
		}
	}
	return parsedEvent{}, false
}

func makeEvent(calendarKey string, ev parsedEvent, start, end time.Time) types.Event {
	return types.Event{
		ID:          calendarKey + "/" + ev.uid,
		CalendarKey: calendarKey,
		Title:       ev.summary,
		StartTime:   start.UTC(),
		EndTime:     end.UTC(),
	}
}
