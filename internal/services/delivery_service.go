// Package services – DeliveryService
//
// This file implements the delivery executor: the per-occurrence task that
// claims the single attempt, loads the target's delivery endpoints,
// invokes the fan-out sender, and records the outcome in the ledger.
//
// The executor is re-invoked by an at-least-once task runner, so
// idempotency is a correctness requirement, not an optimization. The
// claimed_at write is the linearization point: it strictly precedes any
// side-effecting delivery call, and every re-entry re-checks status and
// claimed_at before acting. Once an attempt was claimed the engine never
// re-attempts the send, trading possible under-delivery for a hard
// guarantee against double-notifying a user.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-reminder-backend/internal/domain"
	"github.com/tbourn/go-reminder-backend/internal/push"
	"github.com/tbourn/go-reminder-backend/internal/repo"
)

// The fixed reminder payload. Content personalization is out of scope for
// the engine; what matters here is that every occurrence sends the same,
// predictable message.
const (
	reminderTitle = "Mood check-in"
	reminderBody  = "How are you feeling right now? Take a minute to log it."
)

// DeliveryService executes one delivery attempt per claimed occurrence.
type DeliveryService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Sender fans the payload out to the user's registered endpoints.
	Sender push.Sender

	// Now returns the current instant; tests inject a fixed clock.
	Now func() time.Time
	// Log receives per-occurrence outcome decisions.
	Log zerolog.Logger
}

// NewDeliveryService constructs a DeliveryService.
func NewDeliveryService(db *gorm.DB, sender push.Sender, log zerolog.Logger) *DeliveryService {
	return &DeliveryService{
		DB:     db,
		Sender: sender,
		Now:    func() time.Time { return time.Now().UTC() },
		Log:    log.With().Str("component", "delivery").Logger(),
	}
}

// Deliver runs one delivery task for the occurrence identified by
// (userID, bucketKey). A nil return means the task is consumed; an error
// asks the runner to redeliver (safe: every entry path is idempotent).
func (s *DeliveryService) Deliver(ctx context.Context, userID, bucketKey string) error {
	now := s.Now()
	lg := s.Log.With().Str("user_id", userID).Str("bucket_key", bucketKey).Logger()

	occ, err := repo.GetOccurrence(ctx, s.DB, userID, bucketKey)
	if errors.Is(err, repo.ErrNotFound) {
		// The orchestrator inserts before enqueuing, so this path should be
		// unreachable; consume the task rather than retry forever.
		lg.Error().Msg("occurrence missing for delivery task")
		return nil
	}
	if err != nil {
		return err
	}

	// Re-delivery of an already finished task is a no-op.
	if occ.Terminal() {
		lg.Debug().Str("status", string(occ.Status)).Msg("occurrence already terminal, no-op")
		return nil
	}

	// A prior attempt started but never finished (process died between the
	// claim and the terminal write). Never re-attempt a claimed send.
	if occ.ClaimedAt != nil {
		s.finish(ctx, lg, occ.ID, repo.OccurrenceOutcome{
			Status:        domain.StatusSkipped,
			FailureReason: reason(domain.ReasonAlreadyAttempted),
		}, now)
		return nil
	}

	won, err := repo.ClaimOccurrence(ctx, s.DB, occ.ID, now)
	if err != nil {
		return err
	}
	if !won {
		// A concurrent execution claimed the attempt between our read and
		// write; that execution owns the outcome.
		lg.Info().Msg("claim lost to concurrent execution")
		return nil
	}

	if _, err := repo.GetUser(ctx, s.DB, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.finish(ctx, lg, occ.ID, repo.OccurrenceOutcome{
				Status:        domain.StatusFailed,
				FailureReason: reason(domain.ReasonUserMissing),
			}, now)
			return nil
		}
		// The claim stands; a re-entry resolves to already_attempted. That
		// is the intended trade: no second send once an attempt began.
		return err
	}

	subs, err := repo.ListSubscriptions(ctx, s.DB, userID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		s.finish(ctx, lg, occ.ID, repo.OccurrenceOutcome{
			Status:        domain.StatusFailed,
			FailureReason: reason(domain.ReasonNoSubscriptions),
		}, now)
		return nil
	}

	rep, err := s.Sender.Send(ctx, userID, push.Message{
		Title: reminderTitle,
		Body:  reminderBody,
		Data:  map[string]string{"kind": "reminder", "bucket": bucketKey},
	})
	if err != nil {
		// The fan-out never started (subscription load or payload encode
		// failed before any endpoint was attempted).
		s.finish(ctx, lg, occ.ID, repo.OccurrenceOutcome{
			Status:          domain.StatusFailed,
			FailureReason:   reason(domain.ReasonAllFailed),
			DevicesTargeted: len(subs),
			DevicesFailed:   len(subs),
		}, now)
		lg.Error().Err(err).Msg("fan-out call failed")
		return nil
	}

	out := repo.OccurrenceOutcome{
		DevicesTargeted:  rep.Targeted(),
		DevicesSucceeded: rep.Succeeded,
		DevicesFailed:    rep.Failed + rep.Expired,
	}
	if rep.Succeeded > 0 {
		out.Status = domain.StatusSent
	} else {
		out.Status = domain.StatusFailed
		if rep.Expired == rep.Targeted() {
			out.FailureReason = reason(domain.ReasonAllExpired)
		} else {
			out.FailureReason = reason(domain.ReasonAllFailed)
		}
	}
	s.finish(ctx, lg, occ.ID, out, now)

	if out.Status == domain.StatusSent {
		// Advisory bookkeeping, deliberately separate from the ledger
		// write: a crash in between leaves a sent row with a stale
		// last_sent_at, which is acceptable because nothing deduplicates
		// on it.
		if err := repo.UpdateLastSent(ctx, s.DB, userID, now); err != nil {
			lg.Warn().Err(err).Msg("update last_sent_at")
		}
	}
	return nil
}

// finish writes the terminal outcome and records it in logs and metrics.
func (s *DeliveryService) finish(ctx context.Context, lg zerolog.Logger, id string, out repo.OccurrenceOutcome, now time.Time) {
	done, err := repo.CompleteOccurrence(ctx, s.DB, id, out, now)
	if err != nil {
		lg.Error().Err(err).Msg("write terminal outcome failed")
		return
	}
	if !done {
		// Another writer finalized first; the ledger keeps their outcome.
		lg.Info().Msg("terminal outcome already recorded elsewhere")
		return
	}
	deliveryOutcomes.WithLabelValues(string(out.Status)).Inc()
	ev := lg.Info().Str("status", string(out.Status)).
		Int("devices_targeted", out.DevicesTargeted).
		Int("devices_succeeded", out.DevicesSucceeded).
		Int("devices_failed", out.DevicesFailed)
	if out.FailureReason != nil {
		ev = ev.Str("failure_reason", *out.FailureReason)
	}
	ev.Msg("occurrence finished")
}

// reason returns a pointer to a failure-reason constant.
func reason(r string) *string { return &r }
