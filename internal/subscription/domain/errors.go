package domain

import "errors"

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrEntitlementNotFound  = errors.New("entitlement_not_found")
	ErrAlreadySubscribed    = errors.New("subscription_already_exists")
	ErrInvalidPeriod        = errors.New("invalid_period")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrNoServices           = errors.New("no_services")
	ErrPeriodLocked         = errors.New("period_locked")
	ErrCancellationElapsed  = errors.New("cancellation_period_elapsed")
	ErrVersionConflict      = errors.New("version_conflict")
)
