package analytics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"studymate-backend/internal/metrics"
	"studymate-backend/internal/models"
)

// TerminalNotifier publishes the single terminal message for an ended
// session before its channel is torn down.
type TerminalNotifier interface {
	PublishSessionEnded(ended models.SessionEnded)
}

// Archiver persists the terminal snapshot of an ended session. Durability is
// a collaborator concern; failures are logged, never retried on the hot path.
type Archiver interface {
	Archive(ctx context.Context, summary models.SessionSummary) error
}

// TagInvalidator drops cached views of the entities an ended session touched.
type TagInvalidator interface {
	InvalidateTag(ctx context.Context, tag string) (int, error)
}

// Sweeper drives the idle lifecycle on a fixed period: stale active sessions
// turn idle, stale idle sessions end, ended sessions get their terminal
// broadcast and archive exactly once.
type Sweeper struct {
	store       *Store
	processor   *Processor
	notifier    TerminalNotifier
	archiver    Archiver
	invalidator TagInvalidator
	interval    time.Duration
	threshold   time.Duration
	log         zerolog.Logger

	stop chan struct{}
	done chan struct{}
}

func NewSweeper(store *Store, processor *Processor, notifier TerminalNotifier, archiver Archiver,
	invalidator TagInvalidator, interval, threshold time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:       store,
		processor:   processor,
		notifier:    notifier,
		archiver:    archiver,
		invalidator: invalidator,
		interval:    interval,
		threshold:   threshold,
		log:         log,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	go s.run()
}

// Stop cancels the sweep loop and waits for the in-flight pass to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *Sweeper) sweep(now time.Time) {
	ended := s.store.SweepIdle(s.threshold, now)
	metrics.ActiveSessions.Set(float64(s.store.Count()))

	for _, state := range ended {
		s.finalize(state)
	}
}

// finalize runs the teardown sequence for one ended session: release the
// worker, drop the session's cached views, broadcast the terminal message,
// archive the summary.
func (s *Sweeper) finalize(state models.SessionState) {
	s.processor.Release(state.ID)

	if s.invalidator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		for _, tag := range []string{models.SessionTag(state.ID), models.UserTag(state.UserID)} {
			if _, err := s.invalidator.InvalidateTag(ctx, tag); err != nil {
				s.log.Warn().Err(err).Str("tag", tag).Msg("cache invalidation for swept session failed")
			}
		}
		cancel()
	}

	summary := SummaryOf(state)
	if s.notifier != nil {
		s.notifier.PublishSessionEnded(models.SessionEnded{
			SessionID: state.ID,
			Summary:   &summary,
		})
	}

	if s.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.archiver.Archive(ctx, summary); err != nil {
			s.log.Error().Err(err).Str("session_id", state.ID).Msg("failed to archive ended session")
		}
		cancel()
	}

	s.log.Info().
		Str("session_id", state.ID).
		Int64("active_seconds", state.ActiveSeconds).
		Float64("focus_score", state.Metrics.FocusScore).
		Msg("session ended by idle sweep")
}

// SummaryOf builds the archived snapshot from a terminal session state.
func SummaryOf(state models.SessionState) models.SessionSummary {
	endedAt := state.LastActivityAt
	if state.EndedAt != nil {
		endedAt = *state.EndedAt
	}
	return models.SessionSummary{
		SessionID:       state.ID,
		UserID:          state.UserID,
		SubjectID:       state.SubjectID,
		StartedAt:       state.StartedAt,
		EndedAt:         endedAt,
		ActiveSeconds:   state.ActiveSeconds,
		FocusScore:      state.Metrics.FocusScore,
		Pace:            state.Metrics.Pace,
		Efficiency:      state.Metrics.Efficiency,
		ProgressPercent: state.ProgressPercent,
	}
}
