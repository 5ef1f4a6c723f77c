// Package services – TickService
//
// This file implements the tick orchestrator: the periodic, lease-guarded
// pass that scans preferences, detects due ones, claims occurrences in the
// ledger, enqueues delivery tasks, advances each preference's due pointer,
// and reaps stale unattempted occurrences.
//
// One tick is one serialized pass under the "tick" lease. When the lease
// is held the whole invocation is a no-op (ErrTickInProgress): a skipped
// tick is corrected by the next one, because the due-window lookahead
// absorbs small scheduling jitter. Per-preference failures are logged and
// counted but never abort the loop over the rest of the batch.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-reminder-backend/internal/domain"
	"github.com/tbourn/go-reminder-backend/internal/repo"
	"github.com/tbourn/go-reminder-backend/internal/schedule"
)

const (
	// tickLeaseName is the shared lease guarding orchestrator passes.
	tickLeaseName = "tick"
	// KeyLastTickAt is the KV key holding the RFC3339 timestamp of the
	// most recent successful tick.
	KeyLastTickAt = "last_tick_at"
)

// DeliveryQueue is the task-queue capability the orchestrator enqueues
// delivery work onto. The runner behind it guarantees at-least-once
// invocation but not ordering or exclusivity across retries.
type DeliveryQueue interface {
	// Enqueue schedules one delivery task for (userID, bucketKey).
	Enqueue(userID, bucketKey string) error
}

// TickSummary reports what one orchestrator pass did.
type TickSummary struct {
	Due         int           `json:"due"`
	Dispatched  int           `json:"dispatched"`
	Duplicates  int           `json:"duplicates"`
	Backfilled  int           `json:"backfilled"`
	StaleFailed int64         `json:"stale_failed"`
	Duration    time.Duration `json:"duration"`
}

// TickService runs the periodic scan-insert-advance loop. It owns the due
// pointer of every preference: NextDueAt is mutated only inside the
// lease-guarded pass, so no concurrent-writer hazard exists there.
type TickService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Queue receives one delivery task per freshly inserted occurrence.
	Queue DeliveryQueue

	// LeaseTTL is how long the tick lease is held at most; it should be
	// slightly shorter than the external trigger interval (e.g. 55s for a
	// one-minute cadence).
	LeaseTTL time.Duration
	// Lookahead widens the due scan to now+Lookahead so preferences coming
	// due during the tick's own execution are caught deterministically.
	Lookahead time.Duration
	// StaleAfter is the grace period before a queued, never-claimed
	// occurrence is reaped as failed.
	StaleAfter time.Duration

	// Now returns the current instant; tests inject a fixed clock.
	Now func() time.Time
	// Log receives the tick summary and per-occurrence decisions.
	Log zerolog.Logger
}

// NewTickService constructs a TickService with production defaults.
func NewTickService(db *gorm.DB, queue DeliveryQueue, log zerolog.Logger) *TickService {
	return &TickService{
		DB:         db,
		Queue:      queue,
		LeaseTTL:   55 * time.Second,
		Lookahead:  30 * time.Second,
		StaleAfter: 2 * time.Minute,
		Now:        func() time.Time { return time.Now().UTC() },
		Log:        log.With().Str("component", "tick").Logger(),
	}
}

// Run executes one orchestrator pass. It returns ErrTickInProgress when
// the tick lease is held elsewhere; any other error means the pass could
// not complete (the lease is still released).
func (s *TickService) Run(ctx context.Context) (*TickSummary, error) {
	start := time.Now()
	now := s.Now()
	owner := uuid.NewString()

	if err := repo.AcquireLease(ctx, s.DB, tickLeaseName, owner, s.LeaseTTL, now); err != nil {
		if errors.Is(err, repo.ErrLeaseHeld) {
			tickRuns.WithLabelValues("lock_busy").Inc()
			s.Log.Info().Msg("tick skipped: lease held")
			return nil, ErrTickInProgress
		}
		tickRuns.WithLabelValues("error").Inc()
		return nil, err
	}
	// The lease is released on every path, error paths included. Release
	// must survive a canceled request context.
	defer func() {
		if err := repo.ReleaseLease(context.WithoutCancel(ctx), s.DB, tickLeaseName, owner); err != nil {
			s.Log.Warn().Err(err).Msg("release tick lease")
		}
	}()

	sum := &TickSummary{}

	// 1) Reap queued occurrences that were never claimed within the grace
	// window. Bounds how long a lost delivery task stays invisible.
	reaped, err := repo.ReapStaleOccurrences(ctx, s.DB, now.Add(-s.StaleAfter), now)
	if err != nil {
		s.Log.Error().Err(err).Msg("stale reap failed")
	}
	sum.StaleFailed = reaped
	if reaped > 0 {
		tickEvents.WithLabelValues("stale_failed").Add(float64(reaped))
		s.Log.Warn().Int64("count", reaped).Msg("stale queued occurrences failed")
	}

	// 2) Backfill due pointers for newly created or newly enabled
	// preferences.
	missing, err := repo.ListPreferencesMissingNextDue(ctx, s.DB)
	if err != nil {
		s.Log.Error().Err(err).Msg("backfill scan failed")
	}
	for i := range missing {
		pref := &missing[i]
		next, ok := schedule.NextDue(pref, now)
		if !ok {
			s.Log.Debug().Str("user_id", pref.UserID).Str("cadence", string(pref.Cadence)).
				Msg("preference unschedulable, backfill skipped")
			continue
		}
		if err := repo.UpdateNextDue(ctx, s.DB, pref.ID, &next); err != nil {
			s.Log.Error().Err(err).Str("user_id", pref.UserID).Msg("backfill write failed")
			continue
		}
		sum.Backfilled++
		tickEvents.WithLabelValues("backfilled").Inc()
	}

	// 3) Due scan within the lookahead window.
	due, err := repo.ListDuePreferences(ctx, s.DB, now.Add(s.Lookahead))
	if err != nil {
		tickRuns.WithLabelValues("error").Inc()
		return sum, err
	}

	// 4) Claim, enqueue, and advance. One preference's failure never
	// blocks the rest of the batch.
	for i := range due {
		pref := &due[i]
		sum.Due++
		s.dispatchOne(ctx, pref, now, sum)
	}

	sum.Duration = time.Since(start)

	// Shared bookkeeping for dashboards; best effort.
	if err := repo.SetKV(ctx, s.DB, KeyLastTickAt, now.Format(time.RFC3339), now); err != nil {
		s.Log.Warn().Err(err).Msg("record last tick")
	}

	tickRuns.WithLabelValues("ok").Inc()
	tickDuration.Observe(sum.Duration.Seconds())
	s.Log.Info().
		Int("due", sum.Due).
		Int("dispatched", sum.Dispatched).
		Int("duplicates", sum.Duplicates).
		Int("backfilled", sum.Backfilled).
		Int64("stale_failed", sum.StaleFailed).
		Dur("duration", sum.Duration).
		Msg("tick complete")
	return sum, nil
}

// dispatchOne inserts the ledger row for one due preference, enqueues its
// delivery task, and advances the due pointer. The pointer advances on
// every path, duplicate and error paths included, so a transient failure
// never causes an infinite repeat of the same due time.
func (s *TickService) dispatchOne(ctx context.Context, pref *domain.NotificationPreference, now time.Time, sum *TickSummary) {
	dueAt := *pref.NextDueAt
	key := schedule.BucketKey(pref, dueAt)
	lg := s.Log.With().Str("user_id", pref.UserID).Str("bucket_key", key).Logger()

	_, err := repo.CreateOccurrence(ctx, s.DB, pref.UserID, key, dueAt)
	switch {
	case err == nil:
		if qerr := s.Queue.Enqueue(pref.UserID, key); qerr != nil {
			// The row stays queued; the stale reaper converts it to an
			// observable failure if nothing ever picks it up.
			lg.Error().Err(qerr).Msg("enqueue delivery task failed")
		} else {
			sum.Dispatched++
			tickEvents.WithLabelValues("dispatched").Inc()
			lg.Info().Time("due_at", dueAt).Msg("occurrence dispatched")
		}
	case errors.Is(err, repo.ErrDuplicate):
		sum.Duplicates++
		tickEvents.WithLabelValues("duplicate").Inc()
		lg.Info().Msg("occurrence already claimed, duplicate skip")
	default:
		lg.Error().Err(err).Msg("occurrence insert failed")
	}

	// Advance the due pointer evaluated at "now", whether or not dispatch
	// succeeded. Unschedulable preferences get their pointer cleared; the
	// backfill picks them up again if they become schedulable.
	if next, ok := schedule.NextDue(pref, now); ok {
		if err := repo.UpdateNextDue(ctx, s.DB, pref.ID, &next); err != nil {
			lg.Error().Err(err).Msg("advance due pointer failed")
		}
	} else {
		if err := repo.UpdateNextDue(ctx, s.DB, pref.ID, nil); err != nil {
			lg.Error().Err(err).Msg("clear due pointer failed")
		}
	}
}

// LastTickAt reads the shared "last successful tick" timestamp. A zero
// time with nil error means no tick has completed yet.
func LastTickAt(ctx context.Context, db *gorm.DB) (time.Time, error) {
	raw, err := repo.GetKV(ctx, db, KeyLastTickAt)
	if errors.Is(err, repo.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, raw)
}
