package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/repository"
	"github.com/vibast-solutions/ms-go-billing/app/types"
)

// dispatch runs the side effects of a terminal transition. It is only ever
// called by the transition winner, and every effect below is idempotent on
// its own, so a crash between the status write and this call is repaired by
// the batch jobs without double-applying anything.
func (s *BillingService) dispatch(ctx context.Context, charge *entity.Charge, oldStatus, newStatus int32, now time.Time) {
	_ = oldStatus

	switch charge.SubjectType {
	case types.SubjectTypeOrder:
		if newStatus == int32(types.ChargeStatusPaid) {
			s.applyOrderPaid(ctx, charge, now)
		}
	case types.SubjectTypeSubscription:
		s.applySubscriptionOutcome(ctx, charge, newStatus, now)
	default:
		s.logger.WithFields(map[string]interface{}{
			"charge_id":    charge.ID,
			"subject_type": charge.SubjectType,
		}).Warn("Terminal charge has unknown subject type")
	}
}

// applyOrderPaid releases the order to the kitchen. The released_at marker in
// the order store is the exactly-once guard; the HTTP notification to the
// kitchen screen is queued on the charge row and delivered by the batch job.
func (s *BillingService) applyOrderPaid(ctx context.Context, charge *entity.Charge, now time.Time) {
	released, err := s.orderRepo.MarkReleased(ctx, charge.SubjectID, charge.ID, now)
	if err != nil {
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"charge_id": charge.ID,
			"order_id":  charge.SubjectID,
		}).Error("Failed to mark order released")
		// The charge stays paid. The release job retries through the
		// pending delivery row below.
	}
	if err == nil && !released {
		s.logger.WithFields(map[string]interface{}{
			"charge_id": charge.ID,
			"order_id":  charge.SubjectID,
		}).Info("Order already released")
		return
	}

	charge.ReleaseStatus = entity.ReleaseDeliveryPending
	charge.ReleaseAttempts = 0
	charge.ReleaseNextAt = &now
	charge.ReleaseLastErr = nil
	charge.UpdatedAt = now
	if err := s.chargeRepo.UpdateRelease(ctx, charge); err != nil {
		s.logger.WithError(err).WithField("charge_id", charge.ID).Error("Failed to queue order release notification")
		return
	}

	s.appendEvent(ctx, &entity.ChargeEvent{
		ChargeID:       &charge.ID,
		OrganizationID: &charge.OrganizationID,
		EventType:      "order_released",
		NewStatus:      charge.Status,
		CreatedAt:      now,
	})
}

// applySubscriptionOutcome reacts to a terminal status on a subscription
// charge. Paid activates or renews; a provider cancel cancels the
// subscription. Rejected and expired checkouts leave the organization
// untouched: the charge event is the audit trail and the owner starts a new
// checkout, so an abandoned attempt never demotes a paid-up organization.
// Past_due is reached only when renews_until lapses, never from here.
func (s *BillingService) applySubscriptionOutcome(ctx context.Context, charge *entity.Charge, newStatus int32, now time.Time) {
	switch types.ChargeStatus(newStatus) {
	case types.ChargeStatusPaid:
		s.applySubscriptionPaid(ctx, charge, now)
	case types.ChargeStatusCancelled:
		s.lapseSubscription(ctx, charge, types.SubscriptionStatusCancelled, now)
	}
}

func (s *BillingService) applySubscriptionPaid(ctx context.Context, charge *entity.Charge, now time.Time) {
	org, err := s.orgRepo.FindByID(ctx, charge.OrganizationID)
	if err != nil {
		s.logger.WithError(err).WithField("organization_id", charge.OrganizationID).Error("Failed to load organization for paid subscription charge")
		return
	}
	if org == nil {
		s.logger.WithField("organization_id", charge.OrganizationID).Error("Paid subscription charge references missing organization")
		return
	}

	if org.SubscriptionStatus == types.SubscriptionStatusActive {
		s.renewSubscription(ctx, charge, org, now)
		return
	}
	s.activateSubscription(ctx, charge, org, now)
}

func (s *BillingService) renewSubscription(ctx context.Context, charge *entity.Charge, org *entity.Organization, now time.Time) {
	applied, err := s.orgRepo.ExtendRenewsUntil(ctx, org.ID, s.billingCfg.SubscriptionPeriodDays, now)
	if err != nil {
		s.logger.WithError(err).WithField("organization_id", org.ID).Error("Failed to extend subscription horizon")
		return
	}
	if !applied {
		return
	}
	s.appendEvent(ctx, &entity.ChargeEvent{
		ChargeID:       &charge.ID,
		OrganizationID: &org.ID,
		EventType:      "subscription_renewed",
		NewStatus:      charge.Status,
		CreatedAt:      now,
	})
}

func (s *BillingService) activateSubscription(ctx context.Context, charge *entity.Charge, org *entity.Organization, now time.Time) {
	planKey := ""
	if charge.PlanKey != nil {
		planKey = *charge.PlanKey
	} else if org.PlanKey != nil {
		planKey = *org.PlanKey
	}

	// Grace is part of the purchased horizon: a charge paid on the last day
	// still buys a full period plus the grace window.
	renewsUntil := now.AddDate(0, 0, s.billingCfg.SubscriptionPeriodDays+s.billingCfg.GraceDays)

	applied, err := s.orgRepo.ActivateSubscription(ctx, org.ID, planKey, charge.ProviderRef, renewsUntil, now)
	if err != nil {
		s.logger.WithError(err).WithField("organization_id", org.ID).Error("Failed to activate subscription")
		return
	}
	if !applied {
		// Another paid signal activated first; treat this one as a renewal
		// so the payment is never swallowed.
		s.renewSubscription(ctx, charge, org, now)
		return
	}

	s.appendEvent(ctx, &entity.ChargeEvent{
		ChargeID:       &charge.ID,
		OrganizationID: &org.ID,
		EventType:      "subscription_activated",
		NewStatus:      charge.Status,
		CreatedAt:      now,
	})

	s.grantReferralBonus(ctx, charge, org, planKey, now)
}

// grantReferralBonus credits the referrer exactly once per referred
// organization. The unique grant row is the guard; if crediting the days
// fails after the grant lands, the settle job finishes the second half.
func (s *BillingService) grantReferralBonus(ctx context.Context, charge *entity.Charge, org *entity.Organization, planKey string, now time.Time) {
	if org.ReferredByID == nil || planKey == "" {
		return
	}

	grant := &entity.ReferralGrant{
		ReferrerOrgID: *org.ReferredByID,
		ReferredOrgID: org.ID,
		BonusDays:     int32(s.billingCfg.ReferralBonusDays),
		CreatedAt:     now,
	}
	if err := s.grantRepo.Create(ctx, grant); err != nil {
		if err == repository.ErrGrantAlreadyExists {
			return
		}
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"referrer_org_id": *org.ReferredByID,
			"referred_org_id": org.ID,
		}).Error("Failed to record referral grant")
		return
	}

	s.appendEvent(ctx, &entity.ChargeEvent{
		ChargeID:       &charge.ID,
		OrganizationID: org.ReferredByID,
		EventType:      "referral_bonus_granted",
		NewStatus:      charge.Status,
		CreatedAt:      now,
	})

	s.settleReferralGrant(ctx, grant, now)
}

func (s *BillingService) settleReferralGrant(ctx context.Context, grant *entity.ReferralGrant, now time.Time) {
	applied, err := s.orgRepo.ExtendRenewsUntil(ctx, grant.ReferrerOrgID, int(grant.BonusDays), now)
	if err != nil {
		s.logger.WithError(err).WithField("referrer_org_id", grant.ReferrerOrgID).Warn("Failed to credit referral bonus, leaving grant unsettled")
		return
	}
	if !applied {
		s.logger.WithField("referrer_org_id", grant.ReferrerOrgID).Warn("Referrer organization not found for bonus credit")
		return
	}

	settled, err := s.grantRepo.MarkApplied(ctx, grant.ID, now)
	if err != nil {
		s.logger.WithError(err).WithField("grant_id", grant.ID).Warn("Failed to mark referral grant applied")
		return
	}
	if settled {
		grant.AppliedAt = &now
		s.appendEvent(ctx, &entity.ChargeEvent{
			OrganizationID: &grant.ReferrerOrgID,
			EventType:      "referral_bonus_settled",
			NewStatus:      0,
			CreatedAt:      now,
		})
	}
}

func (s *BillingService) lapseSubscription(ctx context.Context, charge *entity.Charge, status string, now time.Time) {
	applied, err := s.orgRepo.MarkSubscriptionLapsed(ctx, charge.OrganizationID, status, now)
	if err != nil {
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"organization_id": charge.OrganizationID,
			"status":          status,
		}).Error("Failed to lapse subscription")
		return
	}
	if !applied {
		return
	}
	s.appendEvent(ctx, &entity.ChargeEvent{
		ChargeID:       &charge.ID,
		OrganizationID: &charge.OrganizationID,
		EventType:      "subscription_" + status,
		NewStatus:      charge.Status,
		CreatedAt:      now,
	})
}

type kitchenReleasePayload struct {
	OrderID        string `json:"order_id"`
	OrganizationID string `json:"organization_id"`
	ChargeID       uint64 `json:"charge_id"`
	AmountCents    int64  `json:"amount_cents"`
	PaidAt         string `json:"paid_at"`
}

// deliverRelease sends one kitchen notification attempt and records the
// outcome on the charge's delivery columns.
func (s *BillingService) deliverRelease(ctx context.Context, charge *entity.Charge, now time.Time) error {
	// Re-assert the released marker first. It is a no-op when already set
	// and repairs the case where the marker write failed at transition time.
	if _, err := s.orderRepo.MarkReleased(ctx, charge.SubjectID, charge.ID, now); err != nil {
		return s.recordReleaseFailure(ctx, charge, err.Error(), now)
	}

	if s.billingCfg.KitchenReleaseURL == "" {
		return s.recordReleaseFailure(ctx, charge, "kitchen release url is not configured", now)
	}

	payload := kitchenReleasePayload{
		OrderID:        charge.SubjectID,
		OrganizationID: charge.OrganizationID,
		ChargeID:       charge.ID,
		AmountCents:    charge.AmountCents,
		PaidAt:         charge.UpdatedAt.UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return s.recordReleaseFailure(ctx, charge, err.Error(), now)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.billingCfg.KitchenReleaseURL, bytes.NewReader(body))
	if err != nil {
		return s.recordReleaseFailure(ctx, charge, err.Error(), now)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.appAPIKey != "" {
		req.Header.Set("X-API-Key", s.appAPIKey)
	}

	resp, err := s.releaseHTTP.Do(req)
	if err != nil {
		return s.recordReleaseFailure(ctx, charge, err.Error(), now)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return s.recordReleaseFailure(ctx, charge, fmt.Sprintf("kitchen returned status %d", resp.StatusCode), now)
	}

	charge.ReleaseStatus = entity.ReleaseDeliverySuccess
	charge.ReleaseNextAt = nil
	charge.ReleaseLastErr = nil
	charge.UpdatedAt = now
	if err := s.chargeRepo.UpdateRelease(ctx, charge); err != nil {
		return err
	}

	s.appendEvent(ctx, &entity.ChargeEvent{
		ChargeID:       &charge.ID,
		OrganizationID: &charge.OrganizationID,
		EventType:      "release_dispatched",
		NewStatus:      charge.Status,
		CreatedAt:      now,
	})
	return nil
}

func (s *BillingService) recordReleaseFailure(ctx context.Context, charge *entity.Charge, reason string, now time.Time) error {
	reason = truncate(reason, 1024)
	charge.ReleaseAttempts++
	charge.ReleaseLastErr = &reason
	charge.UpdatedAt = now

	maxAttempts := s.billingCfg.ReleaseMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if charge.ReleaseAttempts >= maxAttempts {
		charge.ReleaseStatus = entity.ReleaseDeliveryFailed
		charge.ReleaseNextAt = nil
	} else {
		retryIn := s.billingCfg.ReleaseRetryInterval
		if retryIn <= 0 {
			retryIn = 5 * time.Minute
		}
		nextAt := now.Add(retryIn)
		charge.ReleaseNextAt = &nextAt
	}

	s.logger.WithFields(map[string]interface{}{
		"charge_id": charge.ID,
		"order_id":  charge.SubjectID,
		"attempts":  charge.ReleaseAttempts,
		"reason":    reason,
	}).Warn("Kitchen release notification failed")

	s.appendEvent(ctx, &entity.ChargeEvent{
		ChargeID:       &charge.ID,
		OrganizationID: &charge.OrganizationID,
		EventType:      "release_dispatch_failed",
		NewStatus:      charge.Status,
		PayloadJSON:    &reason,
		CreatedAt:      now,
	})

	return s.chargeRepo.UpdateRelease(ctx, charge)
}
