// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// occurrence ledger.
//
// The ledger carries the engine's two synchronization primitives:
//
//   - CreateOccurrence relies on the (user_id, bucket_key) unique index;
//     a violation is reported as ErrDuplicate, which callers treat as a
//     normal dedup skip, not an error.
//   - ClaimOccurrence and CompleteOccurrence are conditional updates
//     (claimed_at IS NULL, status = 'queued' respectively) so that exactly
//     one writer can win each transition regardless of concurrency.
//
// Error semantics:
//   - ErrNotFound when a requested row does not exist.
//   - ErrDuplicate on unique-index violation during insert.
//   - Raw gorm errors otherwise.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-reminder-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates that a ledger row already exists for the given
// (user_id, bucket_key) pair.
var ErrDuplicate = errors.New("duplicate")

// isUniqueViolation reports whether err is a unique-constraint violation.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations,
// so string matching supplements gorm.ErrDuplicatedKey.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key value")
}

// CreateOccurrence inserts a queued ledger row for (userID, bucketKey) due
// at dueAt, and returns ErrDuplicate on unique violation. The duplicate
// path is the dedup barrier: it means another tick (or a concurrent
// orchestrator replica) already owns this occurrence.
func CreateOccurrence(ctx context.Context, db *gorm.DB, userID, bucketKey string, dueAt time.Time) (*domain.Occurrence, error) {
	occ := &domain.Occurrence{
		ID:        uuid.NewString(),
		UserID:    userID,
		BucketKey: bucketKey,
		DueAt:     dueAt.UTC(),
		Status:    domain.StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(occ).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return occ, nil
}

// GetOccurrence fetches a ledger row by its (userID, bucketKey) identity,
// or ErrNotFound if missing.
func GetOccurrence(ctx context.Context, db *gorm.DB, userID, bucketKey string) (*domain.Occurrence, error) {
	var occ domain.Occurrence
	err := db.WithContext(ctx).
		Where("user_id = ? AND bucket_key = ?", userID, bucketKey).
		First(&occ).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &occ, nil
}

// ClaimOccurrence sets claimed_at on the row iff it has never been claimed.
// It returns true when this caller won the claim. A false return with nil
// error means another executor already holds (or held) the attempt.
//
// This first-write-wins update is the linearization point that makes
// concurrent duplicate executions resolve deterministically.
func ClaimOccurrence(ctx context.Context, db *gorm.DB, id string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Occurrence{}).
		Where("id = ? AND claimed_at IS NULL", id).
		Updates(map[string]any{
			"claimed_at": now.UTC(),
			"updated_at": now.UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// OccurrenceOutcome carries the terminal state written by CompleteOccurrence.
type OccurrenceOutcome struct {
	Status           domain.OccurrenceStatus
	FailureReason    *string
	DevicesTargeted  int
	DevicesSucceeded int
	DevicesFailed    int
}

// CompleteOccurrence transitions a queued row to a terminal status. The
// update is guarded on status = 'queued' so a row completes at most once;
// it returns true when this caller performed the transition.
func CompleteOccurrence(ctx context.Context, db *gorm.DB, id string, out OccurrenceOutcome, now time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Occurrence{}).
		Where("id = ? AND status = ?", id, domain.StatusQueued).
		Updates(map[string]any{
			"status":            out.Status,
			"failure_reason":    out.FailureReason,
			"devices_targeted":  out.DevicesTargeted,
			"devices_succeeded": out.DevicesSucceeded,
			"devices_failed":    out.DevicesFailed,
			"completed_at":      now.UTC(),
			"updated_at":        now.UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReapStaleOccurrences forces every queued, never-claimed row whose due
// time is older than cutoff to a terminal failure with reason
// "stale_queued". It returns how many rows were reaped.
func ReapStaleOccurrences(ctx context.Context, db *gorm.DB, cutoff, now time.Time) (int64, error) {
	reason := domain.ReasonStaleQueued
	res := db.WithContext(ctx).
		Model(&domain.Occurrence{}).
		Where("status = ? AND claimed_at IS NULL AND due_at < ?", domain.StatusQueued, cutoff.UTC()).
		Updates(map[string]any{
			"status":         domain.StatusFailed,
			"failure_reason": reason,
			"completed_at":   now.UTC(),
			"updated_at":     now.UTC(),
		})
	return res.RowsAffected, res.Error
}

// OccurrenceFilter narrows ledger queries for the operational API.
// Zero values mean "no filter".
type OccurrenceFilter struct {
	UserID string
	Status domain.OccurrenceStatus
}

// CountOccurrences returns the total number of ledger rows matching f.
func CountOccurrences(ctx context.Context, db *gorm.DB, f OccurrenceFilter) (int64, error) {
	var total int64
	err := occurrenceQuery(db.WithContext(ctx), f).Count(&total).Error
	return total, err
}

// ListOccurrencesPage returns a page of ledger rows matching f, most
// recently due first. The caller computes offset and limit.
func ListOccurrencesPage(ctx context.Context, db *gorm.DB, f OccurrenceFilter, offset, limit int) ([]domain.Occurrence, error) {
	var out []domain.Occurrence
	err := occurrenceQuery(db.WithContext(ctx), f).
		Order("due_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// occurrenceQuery composes the shared WHERE clause for ledger queries.
func occurrenceQuery(db *gorm.DB, f OccurrenceFilter) *gorm.DB {
	q := db.Model(&domain.Occurrence{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	return q
}
