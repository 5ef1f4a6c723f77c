// Package domain defines the persistence models for users, notification
// preferences, push subscriptions, and the occurrence ledger. These types
// are mapped with GORM and form the core data layer of the reminder engine.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// User is the owner of a notification preference and a set of push
// subscriptions. The reminder engine only cares about identity and the
// disabled flag; profile data lives outside this service.
//
// Fields:
//   - ID: stable identifier assigned by the account system (char(36)).
//   - Disabled: suspended/deactivated accounts are excluded from the due scan.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - DeletedAt: soft deletion marker (retains row for audit/history).
type User struct {
	ID        string         `json:"id"       gorm:"type:char(36);primaryKey"`
	Disabled  bool           `json:"disabled" gorm:"not null;default:false"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"        gorm:"index"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// NotificationPreference describes when a user wants to be reminded.
// There is exactly one preference row per user (enforced by unique index).
//
// All cadence arithmetic is performed in the preference's IANA zone;
// NextDueAt and LastSentAt are always stored in UTC.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - UserID: owner of the preference; one row per user.
//   - Enabled: disabled preferences never produce occurrences.
//   - Cadence: recurrence family ("hourly", "daily", "weekly").
//   - DailyTime: local time of day as "HH:MM"; required for daily/weekly.
//   - WeeklyDay: weekday 0=Sunday..6=Saturday; required for weekly.
//   - Timezone: IANA zone id (e.g. "America/Chicago").
//   - TestOverrideSeconds: when set, the preference is due every N seconds
//     regardless of cadence; used for operational pipeline verification.
//   - NextDueAt: next occurrence's due instant (UTC); nil until first
//     computed. Once set it is always advanced past "now" on evaluation,
//     even when dispatch failed or was a duplicate.
//   - LastSentAt: advisory bookkeeping, updated only after a confirmed
//     successful delivery. Never used for dedup.
type NotificationPreference struct {
	ID                  string         `json:"id"        gorm:"type:char(36);primaryKey"`
	UserID              string         `json:"user_id"   gorm:"type:char(36);not null;uniqueIndex:ux_pref_user"`
	Enabled             bool           `json:"enabled"   gorm:"not null;default:false"`
	Cadence             Cadence        `json:"cadence"   gorm:"type:varchar(16);not null"`
	DailyTime           *string        `json:"daily_time,omitempty" gorm:"type:varchar(5)"`
	WeeklyDay           *int           `json:"weekly_day,omitempty"`
	Timezone            string         `json:"timezone"  gorm:"type:varchar(64);not null;default:'UTC'"`
	TestOverrideSeconds *int           `json:"test_override_seconds,omitempty"`
	NextDueAt           *time.Time     `json:"next_due_at,omitempty" gorm:"index"`
	LastSentAt          *time.Time     `json:"last_sent_at,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	DeletedAt           gorm.DeletedAt `json:"-" gorm:"index"`

	// User is the owning account. Preferences are cascade-deleted with it.
	User User `json:"-" gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for NotificationPreference.
func (NotificationPreference) TableName() string { return "notification_preferences" }

// PushSubscription is one registered delivery endpoint of a user (a browser
// or device push registration). The fan-out sender targets every
// subscription of the user and deregisters the ones the transport reports
// as expired.
type PushSubscription struct {
	ID        string         `json:"id"       gorm:"type:char(36);primaryKey"`
	UserID    string         `json:"user_id"  gorm:"type:char(36);not null;index:idx_sub_user"`
	Endpoint  string         `json:"endpoint" gorm:"type:varchar(512);not null;uniqueIndex:ux_sub_endpoint"`
	P256dh    string         `json:"-"        gorm:"type:text;not null"`
	Auth      string         `json:"-"        gorm:"type:text;not null"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for PushSubscription.
func (PushSubscription) TableName() string { return "push_subscriptions" }

// Occurrence is one ledger row: the durable record of a single due instance
// of a preference's cadence. The (user_id, bucket_key) pair is unique; that
// unique index is the idempotency barrier guaranteeing at most one attempt
// claim per occurrence across processes and replicas.
//
// Lifecycle: created by the tick orchestrator in StatusQueued, then moved
// exactly once to a terminal status (sent, failed, or skipped) by the
// delivery executor, or to failed by the orchestrator's stale reaper when
// never claimed in time. Terminal rows are never mutated again.
type Occurrence struct {
	ID        string `json:"id"         gorm:"type:char(36);primaryKey"`
	UserID    string `json:"user_id"    gorm:"type:char(36);not null;uniqueIndex:ux_occurrence_user_bucket,priority:1"`
	BucketKey string `json:"bucket_key" gorm:"type:varchar(64);not null;uniqueIndex:ux_occurrence_user_bucket,priority:2"`

	// DueAt is the occurrence's due instant (UTC). ClaimedAt is set exactly
	// once, at the first execution attempt; the claim write strictly
	// precedes any side-effecting delivery call. CompletedAt is written
	// together with the terminal status.
	DueAt       time.Time  `json:"due_at" gorm:"not null;index"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Status        OccurrenceStatus `json:"status" gorm:"type:varchar(16);not null;default:'queued';index"`
	FailureReason *string          `json:"failure_reason,omitempty" gorm:"type:varchar(64)"`

	DevicesTargeted  int `json:"devices_targeted"  gorm:"not null;default:0"`
	DevicesSucceeded int `json:"devices_succeeded" gorm:"not null;default:0"`
	DevicesFailed    int `json:"devices_failed"    gorm:"not null;default:0"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Occurrence.
func (Occurrence) TableName() string { return "occurrences" }

// Terminal reports whether the occurrence has reached a final status and
// must not be mutated again.
func (o *Occurrence) Terminal() bool {
	switch o.Status {
	case StatusSent, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// SchedulerLease is a named lock row with an owner and an expiry. The tick
// orchestrator holds the "tick" lease while it runs; any replica may take
// over a lease whose expiry has passed. Acquisition relies on the primary
// key for insert-if-absent and a conditional update for expired takeover.
type SchedulerLease struct {
	Name      string    `json:"name"  gorm:"type:varchar(64);primaryKey"`
	Owner     string    `json:"owner" gorm:"type:char(36);not null"`
	ExpiresAt time.Time `json:"expires_at" gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for SchedulerLease.
func (SchedulerLease) TableName() string { return "scheduler_leases" }

// KVEntry is a row in the shared key-value table used for process-wide
// bookkeeping (currently the "last successful tick" timestamp). Going
// through the database instead of process memory keeps every replica's
// view consistent.
type KVEntry struct {
	Key       string    `json:"key"   gorm:"type:varchar(64);primaryKey"`
	Value     string    `json:"value" gorm:"type:text;not null"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for KVEntry.
func (KVEntry) TableName() string { return "kv_entries" }
