// Package ical turns raw iCalendar payloads into normalized snapshots.
package ical

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	ics "github.com/emersion/go-ical"
	"github.com/rs/zerolog/log"

	"calwatch/internal/domain"
)

// ErrEmptyCalendar is returned when a payload yields no parseable event.
var ErrEmptyCalendar = errors.New("ical: no parseable events in calendar")

// Warning records a non-fatal problem encountered while parsing a feed.
type Warning struct {
	UID     string
	Message string
}

// descNoise strips parenthesised export artifacts from descriptions.
// Feed generators tend to append "(Exported: ...)" style groups that
// change on every export and carry no information.
var descNoise = regexp.MustCompile(`\(.*\)`)

// Parse decodes raw ICS bytes into a snapshot for the given source.
//
// A malformed VEVENT is skipped with a warning rather than failing the
// whole parse. Duplicate UIDs within one feed resolve last-write-wins,
// also with a warning. If not a single valid event can be recovered the
// parse fails with ErrEmptyCalendar.
func Parse(sourceID string, raw []byte) (*domain.Snapshot, []Warning, error) {
	if len(raw) == 0 {
		return nil, nil, fmt.Errorf("ical: empty payload: %w", ErrEmptyCalendar)
	}

	dec := ics.NewDecoder(bytes.NewReader(raw))

	var warnings []Warning
	byUID := make(map[string]int)
	events := make([]domain.Event, 0)

	for {
		cal, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			if len(events) > 0 {
				// Trailing garbage after a valid calendar: keep what we have.
				warnings = append(warnings, Warning{Message: fmt.Sprintf("decode stopped early: %v", err)})
				break
			}
			return nil, warnings, fmt.Errorf("ical: decode calendar: %w", err)
		}

		for _, comp := range cal.Children {
			if comp.Name != ics.CompEvent {
				continue
			}

			ev, err := parseEvent(comp)
			if err != nil {
				warnings = append(warnings, Warning{UID: rawUID(comp), Message: err.Error()})
				continue
			}

			if prev, ok := byUID[ev.UID()]; ok {
				// Last-write-wins on duplicate UIDs inside one feed.
				warnings = append(warnings, Warning{
					UID:     ev.UID(),
					Message: "duplicate UID, keeping the later occurrence",
				})
				events[prev] = ev
				continue
			}

			byUID[ev.UID()] = len(events)
			events = append(events, ev)
		}
	}

	if len(events) == 0 {
		return nil, warnings, ErrEmptyCalendar
	}

	sortEvents(events)

	return &domain.Snapshot{
		SourceID:  sourceID,
		FetchedAt: time.Now().UTC(),
		Events:    events,
	}, warnings, nil
}

// LogWarnings emits parse warnings through the standard logger with the
// source attached.
func LogWarnings(sourceName string, warnings []Warning) {
	for _, w := range warnings {
		log.Warn().
			Str("source", sourceName).
			Str("uid", w.UID).
			Msg("calendar parse: " + w.Message)
	}
}

func parseEvent(comp *ics.Component) (domain.Event, error) {
	var ev domain.Event

	if p := comp.Props.Get(ics.PropSummary); p != nil {
		ev.Summary = strings.TrimSpace(p.Value)
	}
	if p := comp.Props.Get(ics.PropDescription); p != nil {
		ev.Description = strings.TrimSpace(descNoise.ReplaceAllString(p.Value, ""))
	}
	if p := comp.Props.Get(ics.PropLocation); p != nil {
		ev.Location = strings.TrimSpace(p.Value)
	}

	startProp := comp.Props.Get(ics.PropDateTimeStart)
	if startProp == nil {
		return ev, errors.New("missing DTSTART")
	}

	ev.AllDay = isDateOnly(startProp)
	ev.Timezone = startProp.Params.Get(ics.ParamTimezoneID)

	start, err := startProp.DateTime(time.UTC)
	if err != nil {
		return ev, fmt.Errorf("invalid DTSTART: %w", err)
	}

	var end time.Time
	if endProp := comp.Props.Get(ics.PropDateTimeEnd); endProp != nil {
		end, err = endProp.DateTime(time.UTC)
		if err != nil {
			return ev, fmt.Errorf("invalid DTEND: %w", err)
		}
	}

	if ev.AllDay {
		// Canonical all-day span: [00:00, 24:00) UTC per covered date,
		// regardless of how the feed encoded the date. DTEND on all-day
		// events is exclusive per RFC 5545.
		ev.Start = startOfDayUTC(start)
		if end.IsZero() || !end.After(start) {
			ev.End = ev.Start.Add(24 * time.Hour)
		} else {
			ev.End = startOfDayUTC(end)
		}
	} else {
		ev.Start = start.UTC()
		if end.IsZero() {
			ev.End = ev.Start
		} else {
			ev.End = end.UTC()
		}
	}

	if p := comp.Props.Get(ics.PropRecurrenceRule); p != nil {
		ev.RecurrenceRule = p.Value
	}

	if uid := rawUID(comp); uid != "" {
		ev.Identity = domain.ExplicitIdentity(uid)
	} else {
		ev.Identity = domain.DerivedIdentity(ev.Start, ev.Summary)
	}

	return ev, nil
}

func rawUID(comp *ics.Component) string {
	if p := comp.Props.Get(ics.PropUID); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}

// isDateOnly reports whether a DTSTART/DTEND property carries a date
// without a time component, either via VALUE=DATE or its value shape.
func isDateOnly(p *ics.Prop) bool {
	if strings.EqualFold(p.Params.Get(ics.ParamValue), string(ics.ValueDate)) {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func startOfDayUTC(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func sortEvents(events []domain.Event) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Start.Equal(events[j].Start) {
			return events[i].Start.Before(events[j].Start)
		}
		return events[i].UID() < events[j].UID()
	})
}
