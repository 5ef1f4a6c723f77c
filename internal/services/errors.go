// Package services implements the reminder engine's business logic: the
// tick orchestrator and the delivery executor. This file centralizes
// service-level error values so that they can be consistently returned by
// service methods and checked by callers.
//
// These errors are intended for internal use by the service layer;
// translation into HTTP status codes is performed at the handler layer.
package services

import "errors"

var (
	// ErrTickInProgress is returned when the tick lease is held by another
	// orchestrator pass. The tick is skipped, never queued: the next
	// external trigger corrects for it.
	ErrTickInProgress = errors.New("tick already in progress")
)
