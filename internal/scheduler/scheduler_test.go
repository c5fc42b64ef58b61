package scheduler

import (
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSchedule(t *testing.T, expr string) cron.Schedule {
	t.Helper()
	schedule, err := cron.ParseStandard(expr)
	require.NoError(t, err)
	return schedule
}

func TestNextWakeEvaluatesInSourceTimezone(t *testing.T) {
	t.Parallel()

	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	// Daily at 08:00 source-local time.
	schedule := mustSchedule(t, "0 8 * * *")

	// 05:00 UTC in July is 07:00 in Berlin (CEST), so the next firing
	// is one hour away, not three.
	now := time.Date(2026, 7, 10, 5, 0, 0, 0, time.UTC)
	next := nextWake(schedule, berlin, now)

	assert.Equal(t, time.Hour, next.Sub(now))
	assert.Equal(t, 8, next.In(berlin).Hour())
}

func TestNextWakeNilTimezoneDefaultsToUTC(t *testing.T) {
	t.Parallel()

	schedule := mustSchedule(t, "30 * * * *")
	now := time.Date(2026, 7, 10, 5, 10, 0, 0, time.UTC)

	next := nextWake(schedule, nil, now)
	assert.Equal(t, time.Date(2026, 7, 10, 5, 30, 0, 0, time.UTC), next.UTC())
}

func TestNextWakeEveryNMinutes(t *testing.T) {
	t.Parallel()

	schedule := mustSchedule(t, "*/15 * * * *")
	now := time.Date(2026, 7, 10, 5, 7, 0, 0, time.UTC)

	first := nextWake(schedule, time.UTC, now)
	second := nextWake(schedule, time.UTC, first)

	assert.Equal(t, time.Date(2026, 7, 10, 5, 15, 0, 0, time.UTC), first)
	assert.Equal(t, 15*time.Minute, second.Sub(first))
}

// Around a DST transition the schedule keeps firing at the local wall
// time; the recomputed wake-up must always land strictly after now.
func TestNextWakeAcrossDSTTransition(t *testing.T) {
	t.Parallel()

	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	schedule := mustSchedule(t, "0 8 * * *")

	// The night Europe switches to summer time (2026-03-29).
	now := time.Date(2026, 3, 28, 23, 0, 0, 0, time.UTC)
	next := nextWake(schedule, berlin, now)

	assert.True(t, next.After(now))
	assert.Equal(t, 8, next.In(berlin).Hour())
	assert.Equal(t, 29, next.In(berlin).Day())
}
