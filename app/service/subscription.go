package service

import (
	"context"
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/types"
)

// CreateSubscriptionCheckout creates the PIX charge that, once paid,
// activates or renews the organization's subscription. It is a thin wrapper
// over CreateCharge with the subscription subject fixed.
func (s *BillingService) CreateSubscriptionCheckout(ctx context.Context, req *types.SubscriptionCheckoutRequest) (*entity.Charge, error) {
	return s.CreateCharge(ctx, &types.CreateChargeRequest{
		RequestID:      req.RequestID,
		SubjectType:    types.SubjectTypeSubscription,
		SubjectID:      req.OrganizationID,
		OrganizationID: req.OrganizationID,
		PlanKey:        req.PlanKey,
		AmountCents:    req.AmountCents,
		PayerDocument:  req.PayerDocument,
		Description:    "Subscription " + req.PlanKey,
		Provider:       req.Provider,
	})
}

func (s *BillingService) GetSubscription(ctx context.Context, orgID string) (*entity.Organization, error) {
	org, err := s.orgRepo.FindByID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, ErrOrganizationNotFound
	}
	return org, nil
}

// OverrideSubscription is the support escape hatch. The caller names the
// status it believes is current; if a webhook changed it underneath, the
// write is refused instead of silently clobbering.
func (s *BillingService) OverrideSubscription(ctx context.Context, req *types.SubscriptionOverrideRequest) (*entity.Organization, error) {
	org, err := s.orgRepo.FindByID(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, ErrOrganizationNotFound
	}

	var renewsUntil *time.Time
	if req.RenewsUntil != "" {
		parsed, err := time.Parse(time.RFC3339, req.RenewsUntil)
		if err != nil {
			return nil, ErrInvalidRequest
		}
		utc := parsed.UTC()
		renewsUntil = &utc
	}

	now := s.now().UTC()
	applied, err := s.orgRepo.OverrideSubscription(
		ctx,
		req.OrganizationID,
		req.ExpectedStatus,
		req.Status,
		normalizeOptionalString(req.PlanKey),
		renewsUntil,
		now,
	)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrSubscriptionConflict
	}

	s.appendEvent(ctx, &entity.ChargeEvent{
		OrganizationID: &req.OrganizationID,
		EventType:      "subscription_override",
		NewStatus:      0,
		Source:         stringPtr(types.PaidSourceManual),
		Actor:          normalizeOptionalString(req.Actor),
		CreatedAt:      now,
	})

	refreshed, err := s.orgRepo.FindByID(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	if refreshed == nil {
		return nil, ErrOrganizationNotFound
	}
	return refreshed, nil
}
