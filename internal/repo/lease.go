// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the named lease lock used to
// mutually exclude tick orchestrator passes across replicas.
//
// The lease needs no lock manager: acquisition is an insert-if-absent on
// the primary key, falling back to a conditional update that takes over a
// lease whose expiry has passed. Release deletes the row only when the
// caller still owns it, so a slow holder cannot release a lease that was
// already taken over.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-reminder-backend/internal/domain"
)

// ErrLeaseHeld indicates the named lease is currently owned by another
// holder and has not expired.
var ErrLeaseHeld = errors.New("lease held")

// AcquireLease obtains the named lease for owner until now+ttl. It returns
// ErrLeaseHeld when another owner holds an unexpired lease.
func AcquireLease(ctx context.Context, db *gorm.DB, name, owner string, ttl time.Duration, now time.Time) error {
	lease := &domain.SchedulerLease{
		Name:      name,
		Owner:     owner,
		ExpiresAt: now.Add(ttl).UTC(),
		CreatedAt: now.UTC(),
	}
	err := db.WithContext(ctx).Create(lease).Error
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return err
	}

	// Row exists: take it over only if the previous lease expired.
	res := db.WithContext(ctx).
		Model(&domain.SchedulerLease{}).
		Where("name = ? AND expires_at <= ?", name, now.UTC()).
		Updates(map[string]any{
			"owner":      owner,
			"expires_at": now.Add(ttl).UTC(),
			"updated_at": now.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// ReleaseLease gives up the named lease if owner still holds it. Releasing
// a lease that expired and was taken over is a harmless no-op.
func ReleaseLease(ctx context.Context, db *gorm.DB, name, owner string) error {
	return db.WithContext(ctx).
		Where("name = ? AND owner = ?", name, owner).
		Delete(&domain.SchedulerLease{}).Error
}
