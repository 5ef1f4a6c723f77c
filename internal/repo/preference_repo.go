// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for notification
// preferences.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Functions:
//
//   - GetPreferenceByUser(ctx, db, userID) -> *domain.NotificationPreference, error
//     Fetches the single preference row of a user, or ErrNotFound.
//
//   - ListPreferencesMissingNextDue(ctx, db) -> []domain.NotificationPreference, error
//     Returns enabled preferences whose due pointer has never been
//     computed (newly created or newly re-enabled ones).
//
//   - ListDuePreferences(ctx, db, horizon) -> []domain.NotificationPreference, error
//     Returns enabled preferences of non-disabled owners whose due
//     pointer falls inside the lookahead horizon.
//
//   - UpdateNextDue(ctx, db, id, next) -> error
//     Persists the recomputed due pointer (nil clears it).
//
//   - UpdateLastSent(ctx, db, userID, at) -> error
//     Advisory bookkeeping written after a confirmed successful delivery.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-reminder-backend/internal/domain"
)

// GetPreferenceByUser fetches the preference row owned by userID, or
// ErrNotFound if the user has none.
func GetPreferenceByUser(ctx context.Context, db *gorm.DB, userID string) (*domain.NotificationPreference, error) {
	var pref domain.NotificationPreference
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pref, nil
}

// ListPreferencesMissingNextDue returns every enabled preference whose
// next_due_at is NULL. The orchestrator backfills these each tick so that
// newly created or newly enabled preferences join the schedule.
func ListPreferencesMissingNextDue(ctx context.Context, db *gorm.DB) ([]domain.NotificationPreference, error) {
	var out []domain.NotificationPreference
	err := db.WithContext(ctx).
		Where("enabled = ? AND next_due_at IS NULL", true).
		Find(&out).Error
	return out, err
}

// ListDuePreferences returns enabled preferences, belonging to non-disabled
// owners, whose next_due_at falls at or before horizon. The horizon is
// "now + lookahead": preferences coming due during the tick's own execution
// are caught deterministically instead of racing the clock.
func ListDuePreferences(ctx context.Context, db *gorm.DB, horizon time.Time) ([]domain.NotificationPreference, error) {
	var out []domain.NotificationPreference
	err := db.WithContext(ctx).
		Joins("JOIN users ON users.id = notification_preferences.user_id AND users.disabled = ? AND users.deleted_at IS NULL", false).
		Where("notification_preferences.enabled = ?", true).
		Where("notification_preferences.next_due_at IS NOT NULL AND notification_preferences.next_due_at <= ?", horizon.UTC()).
		Order("notification_preferences.next_due_at asc").
		Find(&out).Error
	return out, err
}

// UpdateNextDue persists a recomputed due pointer for the preference row.
// Passing nil clears the pointer (the preference became unschedulable).
func UpdateNextDue(ctx context.Context, db *gorm.DB, id string, next *time.Time) error {
	if next != nil {
		u := next.UTC()
		next = &u
	}
	return db.WithContext(ctx).
		Model(&domain.NotificationPreference{}).
		Where("id = ?", id).
		Update("next_due_at", next).Error
}

// UpdateLastSent records the instant of a confirmed successful delivery on
// the user's preference row. The write is advisory and intentionally not
// atomic with the ledger's terminal transition.
func UpdateLastSent(ctx context.Context, db *gorm.DB, userID string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.NotificationPreference{}).
		Where("user_id = ?", userID).
		Update("last_sent_at", at.UTC()).Error
}
