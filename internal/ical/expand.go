package ical

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/teambition/rrule-go"

	"calwatch/internal/domain"
)

// maxOccurrencesPerEvent caps recurrence expansion so a pathological
// RRULE cannot blow up a summary request.
const maxOccurrencesPerEvent = 1000

// Occurrence is a single concrete instance of an event inside a display
// window, converted to the requested timezone.
type Occurrence struct {
	Event domain.Event
	Start time.Time
	End   time.Time
}

// Occurrences expands the snapshot's events into concrete instances
// overlapping [from, to), converted into loc. Non-recurring events pass
// through unchanged; recurring events are expanded via their RRULE.
// Expansion is display-only; diffing always operates on the events as
// the feed delivered them.
func Occurrences(snap *domain.Snapshot, from, to time.Time, loc *time.Location) []Occurrence {
	if loc == nil {
		loc = time.UTC
	}

	var out []Occurrence
	for i := range snap.Events {
		ev := &snap.Events[i]
		if ev.RecurrenceRule == "" {
			if overlaps(ev.Start, ev.End, from, to) {
				out = append(out, Occurrence{Event: *ev, Start: ev.Start.In(loc), End: ev.End.In(loc)})
			}
			continue
		}
		out = append(out, expandRecurring(ev, from, to, loc)...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func expandRecurring(ev *domain.Event, from, to time.Time, loc *time.Location) []Occurrence {
	r, err := rrule.StrToRRule(ev.RecurrenceRule)
	if err != nil {
		log.Warn().
			Str("uid", ev.UID()).
			Str("rrule", ev.RecurrenceRule).
			Err(err).
			Msg("skipping unparseable recurrence rule")
		return nil
	}
	r.DTStart(ev.Start)

	// Between is inclusive at both ends; trim occurrences landing exactly
	// on `to` so the window stays half-open like the non-recurring path.
	starts := r.Between(from, to, true)
	for len(starts) > 0 && !starts[len(starts)-1].Before(to) {
		starts = starts[:len(starts)-1]
	}
	if len(starts) > maxOccurrencesPerEvent {
		log.Warn().
			Str("uid", ev.UID()).
			Int("cap", maxOccurrencesPerEvent).
			Msg("recurrence expansion truncated")
		starts = starts[:maxOccurrencesPerEvent]
	}

	duration := ev.End.Sub(ev.Start)
	out := make([]Occurrence, 0, len(starts))
	for _, start := range starts {
		out = append(out, Occurrence{
			Event: *ev,
			Start: start.In(loc),
			End:   start.Add(duration).In(loc),
		})
	}
	return out
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}
