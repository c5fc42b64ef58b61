// Package scheduler drives periodic polling of tracked sources. Every
// source gets its own loop goroutine so one slow or failing feed never
// delays the others.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"calwatch/internal/domain"
	"calwatch/internal/service"
)

type Scheduler struct {
	sources []domain.Source
	tracker *service.Tracker
	wg      sync.WaitGroup
}

func New(tracker *service.Tracker, sources []domain.Source) *Scheduler {
	return &Scheduler{
		sources: sources,
		tracker: tracker,
	}
}

// Start launches one polling loop per source and returns. Loops exit
// when ctx is cancelled; Stop waits for them.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, src := range s.sources {
		schedule, err := cron.ParseStandard(src.CronExpr)
		if err != nil {
			// Config validation should have caught this.
			return fmt.Errorf("parse cron expression %q for source %q: %w", src.CronExpr, src.DisplayName(), err)
		}

		s.wg.Add(1)
		go func(src domain.Source, schedule cron.Schedule) {
			defer s.wg.Done()
			s.runSource(ctx, src, schedule)
		}(src, schedule)
	}

	log.Info().Int("sources", len(s.sources)).Msg("scheduler started")
	return nil
}

// Stop blocks until all source loops have exited.
func (s *Scheduler) Stop() {
	s.wg.Wait()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runSource(ctx context.Context, src domain.Source, schedule cron.Schedule) {
	// One refresh at startup so state is current before the first cron
	// tick; the first-ever poll of a source stays unnotified either way.
	s.tick(ctx, src)

	for {
		next := nextWake(schedule, src.Timezone, time.Now())
		log.Debug().
			Str("source", src.DisplayName()).
			Time("next", next).
			Msg("waiting for next tick")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Str("source", src.DisplayName()).Msg("source loop cancelled")
			return
		case <-timer.C:
			s.tick(ctx, src)
		}
	}
}

// tick runs one pipeline pass. All per-tick failures end here as
// warnings: the loop always survives to the next scheduled wake.
func (s *Scheduler) tick(ctx context.Context, src domain.Source) {
	if ctx.Err() != nil {
		return
	}
	if err := s.tracker.RunTick(ctx, src); err != nil {
		log.Warn().
			Str("source", src.DisplayName()).
			Err(err).
			Msg("tick failed, waiting for the next one")
	}
}

// nextWake computes the next cron firing after now, evaluated in the
// source's timezone. Recomputed fresh each iteration; there is no
// stored cursor to drift.
func nextWake(schedule cron.Schedule, tz *time.Location, now time.Time) time.Time {
	if tz == nil {
		tz = time.UTC
	}
	return schedule.Next(now.In(tz))
}
