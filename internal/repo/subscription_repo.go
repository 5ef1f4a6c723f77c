// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for users and
// their push subscriptions (delivery endpoints).
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-reminder-backend/internal/domain"
)

// GetUser fetches a user by ID, or ErrNotFound if missing.
func GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	var u domain.User
	err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateSubscription registers a delivery endpoint for userID. The endpoint
// is globally unique; re-registering one returns ErrDuplicate.
func CreateSubscription(ctx context.Context, db *gorm.DB, userID, endpoint, p256dh, auth string) (*domain.PushSubscription, error) {
	sub := &domain.PushSubscription{
		ID:        uuid.NewString(),
		UserID:    userID,
		Endpoint:  endpoint,
		P256dh:    p256dh,
		Auth:      auth,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(sub).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return sub, nil
}

// ListSubscriptions returns every registered endpoint of userID, oldest
// first. An empty slice means the user has nowhere to be notified.
func ListSubscriptions(ctx context.Context, db *gorm.DB, userID string) ([]domain.PushSubscription, error) {
	var out []domain.PushSubscription
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// DeleteSubscriptionByEndpoint deregisters an endpoint (soft delete). Used
// by the fan-out sender when the transport reports the endpoint expired.
// Deleting an already-removed endpoint is a no-op.
func DeleteSubscriptionByEndpoint(ctx context.Context, db *gorm.DB, endpoint string) error {
	return db.WithContext(ctx).
		Where("endpoint = ?", endpoint).
		Delete(&domain.PushSubscription{}).Error
}
