// Package caldav fetches events from CalDAV collections for sources
// configured with type "caldav". The client is read-only: calwatch
// observes calendars, it never writes to them.
package caldav

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/rs/zerolog/log"

	"calwatch/internal/domain"
)

// Window is how far ahead of now a CalDAV query reaches. CalDAV has no
// notion of "the whole feed", so the snapshot covers a rolling window.
const Window = 90 * 24 * time.Hour

type Client struct {
	source domain.Source
	client *caldav.Client
}

func NewClient(source domain.Source) *Client {
	return &Client{source: source}
}

// connect lazily establishes the CalDAV session.
func (c *Client) connect() (*caldav.Client, error) {
	if c.client != nil {
		return c.client, nil
	}

	httpClient := &http.Client{
		Transport: &basicAuthTransport{
			username: c.source.Username,
			password: c.source.Password,
		},
		Timeout: 30 * time.Second,
	}

	client, err := caldav.NewClient(httpClient, c.source.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to CalDAV: %w", err)
	}

	c.client = client
	return client, nil
}

type basicAuthTransport struct {
	username string
	password string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	return http.DefaultTransport.RoundTrip(req)
}

// Snapshot queries the collection for events in [now, now+Window) and
// returns them as a normalized snapshot.
func (c *Client) Snapshot(ctx context.Context) (*domain.Snapshot, error) {
	client, err := c.connect()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	query := &caldav.CalendarQuery{
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{
				{
					Name:  "VEVENT",
					Start: now,
					End:   now.Add(Window),
				},
			},
		},
	}

	objects, err := client.QueryCalendar(ctx, c.source.URL, query)
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}

	return &domain.Snapshot{
		SourceID:  c.source.ID(),
		FetchedAt: now,
		Events:    eventsFromObjects(c.source.DisplayName(), objects),
	}, nil
}

// eventsFromObjects normalizes queried objects into sorted events.
// Malformed objects are skipped with a warning, never failing the whole
// query; duplicate UIDs resolve last-write-wins with a warning, the same
// policy the ICS parser applies.
func eventsFromObjects(sourceName string, objects []caldav.CalendarObject) []domain.Event {
	byUID := make(map[string]int)
	events := make([]domain.Event, 0, len(objects))
	for i := range objects {
		ev, err := parseCalendarObject(&objects[i])
		if err != nil {
			log.Warn().
				Str("source", sourceName).
				Str("object", objects[i].Path).
				Err(err).
				Msg("skipping malformed calendar object")
			continue
		}
		if prev, ok := byUID[ev.UID()]; ok {
			log.Warn().
				Str("source", sourceName).
				Str("uid", ev.UID()).
				Msg("duplicate UID, keeping the later occurrence")
			events[prev] = ev
			continue
		}
		byUID[ev.UID()] = len(events)
		events = append(events, ev)
	}

	sort.Slice(events, func(i, j int) bool {
		if !events[i].Start.Equal(events[j].Start) {
			return events[i].Start.Before(events[j].Start)
		}
		return events[i].UID() < events[j].UID()
	})
	return events
}

// parseCalendarObject converts the first VEVENT of a CalDAV object into
// a normalized event.
func parseCalendarObject(obj *caldav.CalendarObject) (domain.Event, error) {
	var ev domain.Event

	if obj.Data == nil {
		return ev, fmt.Errorf("no data in calendar object")
	}

	for _, comp := range obj.Data.Children {
		if comp.Name != ical.CompEvent {
			continue
		}

		if prop := comp.Props.Get(ical.PropSummary); prop != nil {
			ev.Summary = prop.Value
		}
		if prop := comp.Props.Get(ical.PropDescription); prop != nil {
			ev.Description = prop.Value
		}
		if prop := comp.Props.Get(ical.PropLocation); prop != nil {
			ev.Location = prop.Value
		}
		if prop := comp.Props.Get(ical.PropRecurrenceRule); prop != nil {
			ev.RecurrenceRule = prop.Value
		}

		if prop := comp.Props.Get(ical.PropDateTimeStart); prop != nil {
			if t, err := prop.DateTime(time.UTC); err == nil {
				ev.Start = t.UTC()
			}
			if valueType := prop.Params.Get(ical.ParamValue); valueType == string(ical.ValueDate) {
				ev.AllDay = true
			}
			ev.Timezone = prop.Params.Get(ical.ParamTimezoneID)
		}
		if prop := comp.Props.Get(ical.PropDateTimeEnd); prop != nil {
			if t, err := prop.DateTime(time.UTC); err == nil {
				ev.End = t.UTC()
			}
		}

		if ev.Start.IsZero() {
			return ev, fmt.Errorf("event without DTSTART")
		}
		if ev.End.IsZero() {
			if ev.AllDay {
				ev.End = ev.Start.Add(24 * time.Hour)
			} else {
				ev.End = ev.Start
			}
		}

		if prop := comp.Props.Get(ical.PropUID); prop != nil && prop.Value != "" {
			ev.Identity = domain.ExplicitIdentity(prop.Value)
		} else {
			ev.Identity = domain.DerivedIdentity(ev.Start, ev.Summary)
		}

		return ev, nil
	}

	return ev, fmt.Errorf("no VEVENT in calendar object")
}
