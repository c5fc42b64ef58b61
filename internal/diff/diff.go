// Package diff compares two snapshots of the same calendar source and
// produces the minimal set of semantic changes between them. It is pure:
// it borrows both snapshots and returns freshly allocated changes.
package diff

import (
	"sort"
	"time"

	"calwatch/internal/domain"
)

// Diff compares old against new by event identity. old may be nil (first
// poll of a source), in which case every event in new is reported as
// added; suppressing that initial burst from notification is the
// scheduler's policy, not a diff concern.
//
// The returned order is fixed: removed events first (ascending start),
// then added (ascending start), then modified (ascending start of the
// new instance). Event order inside the snapshots is irrelevant.
func Diff(old, new *domain.Snapshot) []domain.Change {
	var removed, added, modified []domain.Change

	var oldIdx map[string]*domain.Event
	if old != nil {
		oldIdx = old.ByUID()
	}
	newIdx := new.ByUID()

	for uid, oldEv := range oldIdx {
		if _, ok := newIdx[uid]; !ok {
			removed = append(removed, domain.Change{Kind: domain.ChangeRemoved, Old: oldEv})
		}
	}

	for i := range new.Events {
		newEv := &new.Events[i]
		oldEv, ok := oldIdx[newEv.UID()]
		if !ok {
			added = append(added, domain.Change{Kind: domain.ChangeAdded, New: newEv})
			continue
		}
		fields := changedFields(oldEv, newEv)
		if len(fields) > 0 {
			modified = append(modified, domain.Change{
				Kind:   domain.ChangeModified,
				Old:    oldEv,
				New:    newEv,
				Fields: fields,
			})
		}
	}

	// UID tie-break keeps the order stable when starts collide; the
	// removed group in particular is filled from map iteration.
	sort.Slice(removed, func(i, j int) bool { return eventLess(removed[i].Old, removed[j].Old) })
	sort.Slice(added, func(i, j int) bool { return eventLess(added[i].New, added[j].New) })
	sort.Slice(modified, func(i, j int) bool { return eventLess(modified[i].New, modified[j].New) })

	changes := make([]domain.Change, 0, len(removed)+len(added)+len(modified))
	changes = append(changes, removed...)
	changes = append(changes, added...)
	changes = append(changes, modified...)
	return changes
}

func eventLess(a, b *domain.Event) bool {
	if !a.Start.Equal(b.Start) {
		return a.Start.Before(b.Start)
	}
	return a.UID() < b.UID()
}

// changedFields compares two events with the same identity and returns
// the exact set of differing fields. Timestamps compare at whole-second
// precision; all-day events compare by calendar date so that timezone
// representation artifacts never surface as modifications.
func changedFields(old, new *domain.Event) []domain.Field {
	var fields []domain.Field

	if old.AllDay != new.AllDay {
		// A flip between timed and all-day changes both endpoints.
		fields = append(fields, domain.FieldStart, domain.FieldEnd)
	} else {
		if !sameInstant(old.Start, new.Start, old.AllDay) {
			fields = append(fields, domain.FieldStart)
		}
		if !sameInstant(old.End, new.End, old.AllDay) {
			fields = append(fields, domain.FieldEnd)
		}
	}

	if old.Summary != new.Summary {
		fields = append(fields, domain.FieldSummary)
	}
	if old.Location != new.Location {
		fields = append(fields, domain.FieldLocation)
	}

	return fields
}

func sameInstant(a, b time.Time, allDay bool) bool {
	if allDay {
		ay, am, ad := a.UTC().Date()
		by, bm, bd := b.UTC().Date()
		return ay == by && am == bm && ad == bd
	}
	return a.Truncate(time.Second).Equal(b.Truncate(time.Second))
}
