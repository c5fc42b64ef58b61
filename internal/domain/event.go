package domain

import (
	"time"

	"github.com/google/uuid"
)

// Namespace for derived event identities. Generated once, never changed:
// derived UIDs must stay stable across releases or every re-parse would
// look like a full calendar replacement.
var nsDerivedEvent = uuid.MustParse("2f1a7cf6-9b3d-4e0d-8c47-5f1d27a9b0e4")

// Identity is the key used to match an event across snapshots.
// Explicit identities come from the feed's own UID property and can be
// trusted. Derived identities are a deterministic fallback computed from
// (start, summary); two genuinely distinct events sharing both values
// will collide, which is an accepted limitation.
type Identity struct {
	UID     string `json:"uid"`
	Derived bool   `json:"derived,omitempty"`
}

// ExplicitIdentity wraps a UID taken from the source feed.
func ExplicitIdentity(uid string) Identity {
	return Identity{UID: uid}
}

// DerivedIdentity computes a stable fallback identity for an event that
// has no UID. The same start and summary always produce the same UID.
func DerivedIdentity(start time.Time, summary string) Identity {
	seed := start.UTC().Format(time.RFC3339) + "\x00" + summary
	return Identity{
		UID:     uuid.NewSHA1(nsDerivedEvent, []byte(seed)).String(),
		Derived: true,
	}
}

// Event is one normalized calendar entry.
// Start and End are always UTC; Timezone keeps the feed's original TZID
// for display purposes only and never participates in comparisons.
type Event struct {
	Identity    Identity  `json:"identity"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Timezone    string    `json:"timezone,omitempty"`
	AllDay      bool      `json:"all_day,omitempty"`

	// RecurrenceRule is the raw RRULE string, if any. It is kept for
	// display-time expansion and is not part of the diffed field set.
	RecurrenceRule string `json:"recurrence_rule,omitempty"`
}

// UID returns the identity key of the event.
func (e *Event) UID() string {
	return e.Identity.UID
}

// FormatTime returns the event time span for display.
func (e *Event) FormatTime() string {
	if e.AllDay {
		return e.Start.Format("02.01.2006") + " (all day)"
	}
	if e.End.IsZero() || e.End.Equal(e.Start) {
		return e.Start.Format("02.01.2006 15:04")
	}
	return e.Start.Format("02.01.2006 15:04") + "–" + e.End.Format("15:04")
}

// DisplayStart returns the start time in the event's original timezone
// when it is known, otherwise UTC.
func (e *Event) DisplayStart() time.Time {
	if e.Timezone == "" {
		return e.Start
	}
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return e.Start
	}
	return e.Start.In(loc)
}

// Snapshot is the complete set of events for one source at one poll time.
// Events are sorted by start time; UIDs are unique within a snapshot.
type Snapshot struct {
	SourceID  string    `json:"source_id"`
	FetchedAt time.Time `json:"fetched_at"`
	Events    []Event   `json:"events"`
}

// ByUID builds an identity index over the snapshot's events.
func (s *Snapshot) ByUID() map[string]*Event {
	idx := make(map[string]*Event, len(s.Events))
	for i := range s.Events {
		idx[s.Events[i].UID()] = &s.Events[i]
	}
	return idx
}
