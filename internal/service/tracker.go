// Package service orchestrates the per-tick pipeline:
// fetch -> parse -> diff -> persist -> journal -> notify.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"calwatch/internal/clients/caldav"
	"calwatch/internal/diff"
	"calwatch/internal/domain"
	"calwatch/internal/ical"
	"calwatch/internal/store"
)

// ByteFetcher retrieves raw calendar bytes for a URL.
type ByteFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// SnapshotStore persists the last-known snapshot per source.
type SnapshotStore interface {
	Load(sourceID string) (*domain.Snapshot, error)
	Save(sourceID string, snap *domain.Snapshot) error
}

// Journal records applied changes and poll state. Journal failures are
// never fatal to a tick.
type Journal interface {
	RecordChanges(sourceID string, changes []domain.Change) error
	TouchSource(sourceID, name string, at time.Time, eventCount int) error
}

// Notifier delivers formatted change notifications. Best-effort and
// fire-and-forget: delivery failure never rolls back persisted state.
type Notifier interface {
	Notify(sourceName string, changes []domain.Change)
}

// Tracker runs the polling pipeline for tracked sources. Ticks for the
// same source are strictly sequential; different sources never block
// each other.
type Tracker struct {
	fetcher   ByteFetcher
	snapshots SnapshotStore
	journal   Journal
	notifier  Notifier

	caldavClients map[string]*caldav.Client

	mu        sync.Mutex
	tickLocks map[string]*sync.Mutex
}

func NewTracker(fetcher ByteFetcher, snapshots SnapshotStore, journal Journal, sources []domain.Source) *Tracker {
	clients := make(map[string]*caldav.Client)
	for _, src := range sources {
		if src.Type == domain.SourceCalDAV {
			clients[src.ID()] = caldav.NewClient(src)
		}
	}
	return &Tracker{
		fetcher:       fetcher,
		snapshots:     snapshots,
		journal:       journal,
		caldavClients: clients,
		tickLocks:     make(map[string]*sync.Mutex),
	}
}

// SetNotifier wires the notification sink. The tracker works without
// one (changes are still diffed, persisted and journaled).
func (t *Tracker) SetNotifier(n Notifier) {
	t.notifier = n
}

// RunTick executes one full pipeline pass for a source. All errors are
// contained to this tick: the caller logs them and waits for the next
// scheduled tick.
func (t *Tracker) RunTick(ctx context.Context, src domain.Source) error {
	lock := t.tickLockFor(src.ID())
	lock.Lock()
	defer lock.Unlock()

	snap, err := t.snapshot(ctx, src)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	prior, err := t.snapshots.Load(src.ID())
	if err != nil {
		if !errors.Is(err, store.ErrCorrupt) {
			return fmt.Errorf("load prior snapshot: %w", err)
		}
		// Corrupted history degrades to "no prior state"; tracking
		// must go on even if that costs one notification cycle.
		log.Error().
			Str("source", src.DisplayName()).
			Err(err).
			Msg("discarding unreadable snapshot, treating source as new")
		prior = nil
	}

	changes := diff.Diff(prior, snap)
	firstRun := prior == nil

	if len(changes) > 0 || firstRun {
		if err := t.snapshots.Save(src.ID(), snap); err != nil {
			// Without a durable baseline a notification would repeat
			// after restart, so this tick stays silent.
			return fmt.Errorf("persist snapshot: %w", err)
		}

		if t.journal != nil && !firstRun {
			if err := t.journal.RecordChanges(src.ID(), changes); err != nil {
				log.Warn().Str("source", src.DisplayName()).Err(err).Msg("journal write failed")
			}
		}
	}

	if t.journal != nil {
		if err := t.journal.TouchSource(src.ID(), src.DisplayName(), snap.FetchedAt, len(snap.Events)); err != nil {
			log.Warn().Str("source", src.DisplayName()).Err(err).Msg("journal poll update failed")
		}
	}

	if firstRun {
		log.Info().
			Str("source", src.DisplayName()).
			Int("events", len(snap.Events)).
			Msg("first poll, notification suppressed")
		return nil
	}

	if len(changes) == 0 {
		log.Debug().Str("source", src.DisplayName()).Msg("no changes")
		return nil
	}

	log.Info().
		Str("source", src.DisplayName()).
		Int("changes", len(changes)).
		Msg("calendar changed")

	if t.notifier != nil {
		t.notifier.Notify(src.DisplayName(), changes)
	}
	return nil
}

// snapshot acquires the current state of a source either via plain ICS
// fetch+parse or a CalDAV query.
func (t *Tracker) snapshot(ctx context.Context, src domain.Source) (*domain.Snapshot, error) {
	if src.Type == domain.SourceCalDAV {
		client, ok := t.caldavClients[src.ID()]
		if !ok {
			return nil, fmt.Errorf("no caldav client for source %q", src.DisplayName())
		}
		return client.Snapshot(ctx)
	}

	raw, err := t.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		return nil, err
	}

	snap, warnings, err := ical.Parse(src.ID(), raw)
	ical.LogWarnings(src.DisplayName(), warnings)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (t *Tracker) tickLockFor(sourceID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.tickLocks[sourceID]
	if !ok {
		lock = &sync.Mutex{}
		t.tickLocks[sourceID] = lock
	}
	return lock
}
