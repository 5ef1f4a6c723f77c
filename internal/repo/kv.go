// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the shared key-value table used for
// process-wide bookkeeping, such as the timestamp of the most recent
// successful tick. Values live in the database so every replica observes
// the same state.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-reminder-backend/internal/domain"
)

// GetKV returns the value stored under key, or ErrNotFound.
func GetKV(ctx context.Context, db *gorm.DB, key string) (string, error) {
	var entry domain.KVEntry
	err := db.WithContext(ctx).Where("key = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return entry.Value, nil
}

// SetKV upserts key to value.
func SetKV(ctx context.Context, db *gorm.DB, key, value string, now time.Time) error {
	entry := &domain.KVEntry{Key: key, Value: value, UpdatedAt: now.UTC()}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(entry).Error
}
