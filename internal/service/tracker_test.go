package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calwatch/internal/domain"
)

const icsHeader = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//calwatch//test//EN\r\n"

func icsPayload(events ...string) []byte {
	var sb strings.Builder
	sb.WriteString(icsHeader)
	for _, ev := range events {
		sb.WriteString(ev)
	}
	sb.WriteString("END:VCALENDAR\r\n")
	return []byte(sb.String())
}

func vevent(uid, summary, start string) string {
	return "BEGIN:VEVENT\r\n" +
		"UID:" + uid + "\r\n" +
		"SUMMARY:" + summary + "\r\n" +
		"DTSTART:" + start + "\r\n" +
		"DTEND:" + start[:9] + "235900Z\r\n" +
		"END:VEVENT\r\n"
}

type fakeFetcher struct {
	payload []byte
	err     error
	calls   int
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.calls++
	return f.payload, f.err
}

type fakeStore struct {
	snapshots map[string]*domain.Snapshot
	loadErr   error
	saveErr   error
	saves     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{snapshots: make(map[string]*domain.Snapshot)}
}

func (s *fakeStore) Load(sourceID string) (*domain.Snapshot, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.snapshots[sourceID], nil
}

func (s *fakeStore) Save(sourceID string, snap *domain.Snapshot) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.snapshots[sourceID] = snap
	return nil
}

type fakeJournal struct {
	recorded [][]domain.Change
	touches  int
	err      error
}

func (j *fakeJournal) RecordChanges(sourceID string, changes []domain.Change) error {
	if j.err != nil {
		return j.err
	}
	j.recorded = append(j.recorded, changes)
	return nil
}

func (j *fakeJournal) TouchSource(sourceID, name string, at time.Time, eventCount int) error {
	j.touches++
	return j.err
}

type fakeNotifier struct {
	calls []notification
}

type notification struct {
	source  string
	changes []domain.Change
}

func (n *fakeNotifier) Notify(sourceName string, changes []domain.Change) {
	n.calls = append(n.calls, notification{source: sourceName, changes: changes})
}

func testSource() domain.Source {
	return domain.Source{
		Name:     "Work",
		URL:      "https://example.com/work.ics",
		Type:     domain.SourceICS,
		CronExpr: "*/15 * * * *",
		Timezone: time.UTC,
	}
}

func newTestTracker(fetcher *fakeFetcher, snaps *fakeStore, journal *fakeJournal) (*Tracker, *fakeNotifier) {
	tr := NewTracker(fetcher, snaps, journal, []domain.Source{testSource()})
	notifier := &fakeNotifier{}
	tr.SetNotifier(notifier)
	return tr, notifier
}

func TestFirstPollPersistsWithoutNotifying(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{payload: icsPayload(
		vevent("a@x", "Standup", "20260901T090000Z"),
		vevent("b@x", "Planning", "20260901T110000Z"),
		vevent("c@x", "Retro", "20260901T150000Z"),
	)}
	snaps := newFakeStore()
	journal := &fakeJournal{}
	tr, notifier := newTestTracker(fetcher, snaps, journal)

	src := testSource()
	require.NoError(t, tr.RunTick(context.Background(), src))

	saved := snaps.snapshots[src.ID()]
	require.NotNil(t, saved)
	assert.Len(t, saved.Events, 3)

	assert.Empty(t, notifier.calls, "baseline poll must not notify")
	assert.Empty(t, journal.recorded, "baseline poll must not journal changes")
	assert.Equal(t, 1, journal.touches)
}

func TestModificationNotifies(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{payload: icsPayload(vevent("a@x", "Standup", "20260901T090000Z"))}
	snaps := newFakeStore()
	journal := &fakeJournal{}
	tr, notifier := newTestTracker(fetcher, snaps, journal)

	src := testSource()
	require.NoError(t, tr.RunTick(context.Background(), src))

	// Second poll: the event moved an hour later.
	fetcher.payload = icsPayload(vevent("a@x", "Standup", "20260901T100000Z"))
	require.NoError(t, tr.RunTick(context.Background(), src))

	require.Len(t, notifier.calls, 1)
	assert.Equal(t, "Work", notifier.calls[0].source)
	require.Len(t, notifier.calls[0].changes, 1)
	ch := notifier.calls[0].changes[0]
	assert.Equal(t, domain.ChangeModified, ch.Kind)
	assert.Contains(t, ch.Fields, domain.FieldStart)

	require.Len(t, journal.recorded, 1)
	assert.Equal(t, 2, snaps.saves)
}

func TestUnchangedFeedStaysSilent(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{payload: icsPayload(vevent("a@x", "Standup", "20260901T090000Z"))}
	snaps := newFakeStore()
	journal := &fakeJournal{}
	tr, notifier := newTestTracker(fetcher, snaps, journal)

	src := testSource()
	require.NoError(t, tr.RunTick(context.Background(), src))
	require.NoError(t, tr.RunTick(context.Background(), src))

	assert.Empty(t, notifier.calls)
	assert.Equal(t, 1, snaps.saves, "unchanged snapshot is not rewritten")
	assert.Equal(t, 2, journal.touches)
}

func TestPersistFailureSuppressesNotification(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{payload: icsPayload(vevent("a@x", "Standup", "20260901T090000Z"))}
	snaps := newFakeStore()
	journal := &fakeJournal{}
	tr, notifier := newTestTracker(fetcher, snaps, journal)

	src := testSource()
	require.NoError(t, tr.RunTick(context.Background(), src))

	fetcher.payload = icsPayload(vevent("a@x", "Standup", "20260901T100000Z"))
	snaps.saveErr = errors.New("disk full")

	err := tr.RunTick(context.Background(), src)
	require.Error(t, err)
	assert.Empty(t, notifier.calls, "unpersisted changes must not be announced")
}

func TestFetchFailureFailsTick(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	snaps := newFakeStore()
	tr, notifier := newTestTracker(fetcher, snaps, &fakeJournal{})

	err := tr.RunTick(context.Background(), testSource())
	require.Error(t, err)
	assert.Empty(t, notifier.calls)
	assert.Equal(t, 0, snaps.saves)
}

func TestEmptyFeedFailsTickAndKeepsState(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{payload: icsPayload(vevent("a@x", "Standup", "20260901T090000Z"))}
	snaps := newFakeStore()
	tr, notifier := newTestTracker(fetcher, snaps, &fakeJournal{})

	src := testSource()
	require.NoError(t, tr.RunTick(context.Background(), src))

	// Feed goes empty: likely a source-side outage, not 1..N removals.
	fetcher.payload = icsPayload()
	err := tr.RunTick(context.Background(), src)
	require.Error(t, err)

	assert.Empty(t, notifier.calls)
	saved := snaps.snapshots[src.ID()]
	require.NotNil(t, saved)
	assert.Len(t, saved.Events, 1, "prior snapshot survives an empty poll")
}

func TestCancelledContextStopsTick(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{payload: icsPayload(vevent("a@x", "Standup", "20260901T090000Z"))}
	snaps := newFakeStore()
	tr, _ := newTestTracker(fetcher, snaps, &fakeJournal{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tr.RunTick(ctx, testSource())
	require.Error(t, err)
	assert.Equal(t, 0, snaps.saves)
}

func TestJournalFailureDoesNotBlockNotification(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{payload: icsPayload(vevent("a@x", "Standup", "20260901T090000Z"))}
	snaps := newFakeStore()
	journal := &fakeJournal{}
	tr, notifier := newTestTracker(fetcher, snaps, journal)

	src := testSource()
	require.NoError(t, tr.RunTick(context.Background(), src))

	journal.err = errors.New("database is locked")
	fetcher.payload = icsPayload(vevent("a@x", "Standup", "20260901T100000Z"))

	require.NoError(t, tr.RunTick(context.Background(), src))
	assert.Len(t, notifier.calls, 1)
}
