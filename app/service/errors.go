package service

import "errors"

var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrChargeNotFound        = errors.New("charge not found")
	ErrChargeAlreadyExists   = errors.New("charge already exists")
	ErrOrderNotFound         = errors.New("order not found")
	ErrOrganizationNotFound  = errors.New("organization not found")
	ErrInvalidStatus         = errors.New("invalid status")
	ErrManualConfirmDisabled = errors.New("manual confirmation is not enabled for this organization")
	ErrWebhookRejected       = errors.New("webhook rejected")
	ErrSubscriptionConflict  = errors.New("subscription state changed concurrently")
)
