package service

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/types"
)

// OnWebhook ingests a provider notification. Parsing and signature checks
// happen in the adapter; everything after that funnels through transition,
// so a webhook racing a poll or a manual confirm still produces exactly one
// status change.
func (s *BillingService) OnWebhook(ctx context.Context, providerSlug string, payload []byte, headers http.Header) (*entity.Charge, error) {
	providerCode := types.ParseProviderSlug(providerSlug)
	providerClient, err := s.providerReg.Get(int32(providerCode))
	if err != nil {
		return nil, err
	}

	event, err := providerClient.ParseWebhook(payload, headers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWebhookRejected, err)
	}

	charge, err := s.findWebhookCharge(ctx, int32(providerCode), event.ProviderRef, event.SubjectHint)
	if err != nil {
		return nil, err
	}
	if charge == nil {
		s.logger.WithFields(map[string]interface{}{
			"provider":     providerClient.Name(),
			"provider_ref": event.ProviderRef,
			"subject_hint": event.SubjectHint,
		}).Warn("Webhook did not match any charge")
		s.appendEvent(ctx, &entity.ChargeEvent{
			EventType:       "webhook_unmatched",
			Source:          stringPtr(types.PaidSourceWebhook),
			ProviderEventID: normalizeOptionalString(event.ProviderEventID),
			CreatedAt:       s.now().UTC(),
		})
		return nil, ErrChargeNotFound
	}

	rawPayload := truncate(string(payload), 16384)
	_, err = s.transition(ctx, charge, event.ReportedStatus, types.PaidSourceWebhook, nil, &rawPayload, transitionDetail{
		rawStatus:       event.RawStatus,
		providerEventID: event.ProviderEventID,
	})
	if err != nil {
		return nil, err
	}
	return charge, nil
}

func (s *BillingService) findWebhookCharge(ctx context.Context, providerCode int32, providerRef, subjectHint string) (*entity.Charge, error) {
	if providerRef != "" {
		charge, err := s.chargeRepo.FindByProviderRef(ctx, providerCode, providerRef)
		if err != nil {
			return nil, err
		}
		if charge != nil {
			return charge, nil
		}
	}
	if subjectHint == "" {
		return nil, nil
	}
	return s.chargeRepo.FindAwaitingBySubject(ctx, providerCode, subjectHint, []int32{
		int32(types.ChargeStatusCreated),
		int32(types.ChargeStatusAwaiting),
	})
}

// OnPoll refreshes a single charge from the provider. The expiry deadline is
// checked before asking the provider, so an expired charge can never flip to
// paid through this path. Provider read failures leave the stored state
// untouched.
func (s *BillingService) OnPoll(ctx context.Context, chargeID uint64) (*entity.Charge, error) {
	charge, err := s.chargeRepo.FindByID(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if charge == nil {
		return nil, ErrChargeNotFound
	}

	if types.ChargeStatus(charge.Status).Terminal() {
		return charge, nil
	}

	expired, err := s.expireIfDue(ctx, charge)
	if err != nil {
		return nil, err
	}
	if expired {
		return charge, nil
	}

	if charge.ProviderRef == nil {
		return charge, nil
	}

	providerClient, err := s.providerReg.Get(charge.Provider)
	if err != nil {
		return nil, err
	}

	reported, err := providerClient.QueryStatus(ctx, *charge.ProviderRef)
	if err != nil {
		s.logger.WithError(err).WithField("charge_id", charge.ID).Warn("Provider status query failed")
		return charge, nil
	}

	if _, err := s.transition(ctx, charge, reported, types.PaidSourcePoll, nil, nil, transitionDetail{}); err != nil {
		return nil, err
	}
	return charge, nil
}

// OnManualConfirm records an operator-attested payment. Only order charges
// for organizations in manual confirmation mode are eligible, and the actor
// is kept on the charge for audit.
func (s *BillingService) OnManualConfirm(ctx context.Context, chargeID uint64, actor string) (*entity.Charge, error) {
	if normalizeOptionalString(actor) == nil {
		return nil, ErrInvalidRequest
	}

	charge, err := s.chargeRepo.FindByID(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if charge == nil {
		return nil, ErrChargeNotFound
	}

	if charge.SubjectType != types.SubjectTypeOrder {
		return nil, ErrManualConfirmDisabled
	}

	org, err := s.orgRepo.FindByID(ctx, charge.OrganizationID)
	if err != nil {
		return nil, err
	}
	if org == nil || org.ConfirmationMode != types.ConfirmationModeManual {
		return nil, ErrManualConfirmDisabled
	}

	expired, err := s.expireIfDue(ctx, charge)
	if err != nil {
		return nil, err
	}
	if expired || types.ChargeStatus(charge.Status).Terminal() {
		return nil, ErrInvalidStatus
	}

	applied, err := s.transition(ctx, charge, int32(types.ChargeStatusPaid), types.PaidSourceManual, &actor, nil, transitionDetail{})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrInvalidStatus
	}
	return charge, nil
}

// AwaitTerminal polls until the charge reaches a terminal status, the expiry
// deadline passes, or the context is cancelled. The last observed charge is
// always returned.
func (s *BillingService) AwaitTerminal(ctx context.Context, chargeID uint64) (*entity.Charge, error) {
	charge, err := s.chargeRepo.FindByID(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if charge == nil {
		return nil, ErrChargeNotFound
	}

	deadline := s.now().UTC().Add(s.chargeTTL())
	if charge.ExpiresAt != nil {
		deadline = *charge.ExpiresAt
	}

	for {
		charge, err = s.OnPoll(ctx, chargeID)
		if err != nil {
			return charge, err
		}
		if types.ChargeStatus(charge.Status).Terminal() {
			return charge, nil
		}
		if !s.now().UTC().Before(deadline) {
			return charge, nil
		}
		if err := ctx.Err(); err != nil {
			return charge, err
		}
		s.sleep(s.pollInterval())
	}
}

// expireIfDue applies the synthetic expired transition when the deadline has
// passed. Expiry observed on read beats whatever a provider might still say.
func (s *BillingService) expireIfDue(ctx context.Context, charge *entity.Charge) (bool, error) {
	if types.ChargeStatus(charge.Status).Terminal() {
		return false, nil
	}
	if charge.ExpiresAt == nil || s.now().UTC().Before(*charge.ExpiresAt) {
		return false, nil
	}
	return s.transition(ctx, charge, int32(types.ChargeStatusExpired), types.PaidSourcePoll, nil, nil, transitionDetail{})
}

type transitionDetail struct {
	rawStatus       string
	providerEventID string
}

// transition is the single funnel for status changes. The conditional update
// in the store decides the winner; only the winning caller runs side effects,
// so effects fire exactly once no matter how many reporters race.
func (s *BillingService) transition(
	ctx context.Context,
	charge *entity.Charge,
	reported int32,
	source string,
	actor *string,
	rawPayload *string,
	detail transitionDetail,
) (bool, error) {
	target := types.ChargeStatus(reported)
	now := s.now().UTC()

	if !target.Terminal() {
		// Unknown or non-terminal reports never advance a charge and never
		// default to paid.
		s.logger.WithFields(map[string]interface{}{
			"charge_id":  charge.ID,
			"raw_status": detail.rawStatus,
			"source":     source,
		}).Info("Dropping report without a mappable terminal status")
		s.appendEvent(ctx, &entity.ChargeEvent{
			ChargeID:        &charge.ID,
			OrganizationID:  &charge.OrganizationID,
			EventType:       "unknown_status_dropped",
			OldStatus:       int32Ptr(charge.Status),
			NewStatus:       charge.Status,
			Source:          &source,
			ProviderEventID: normalizeOptionalString(detail.providerEventID),
			PayloadJSON:     normalizeOptionalString(detail.rawStatus),
			CreatedAt:       now,
		})
		return false, nil
	}

	if current := types.ChargeStatus(charge.Status); current.Terminal() {
		if current != target {
			s.logger.WithFields(map[string]interface{}{
				"charge_id": charge.ID,
				"stored":    current.String(),
				"reported":  target.String(),
				"source":    source,
			}).Warn("Conflicting terminal status reported for settled charge")
			s.appendEvent(ctx, &entity.ChargeEvent{
				ChargeID:        &charge.ID,
				OrganizationID:  &charge.OrganizationID,
				EventType:       "reconcile_anomaly",
				OldStatus:       int32Ptr(charge.Status),
				NewStatus:       reported,
				Source:          &source,
				ProviderEventID: normalizeOptionalString(detail.providerEventID),
				CreatedAt:       now,
			})
		}
		return false, nil
	}

	applied, err := s.chargeRepo.TransitionStatus(
		ctx,
		charge.ID,
		[]int32{int32(types.ChargeStatusCreated), int32(types.ChargeStatusAwaiting)},
		reported,
		&source,
		actor,
		rawPayload,
		now,
	)
	if err != nil {
		return false, err
	}
	if !applied {
		// Lost the race to another reporter. Refresh so the caller sees the
		// authoritative state and log when the two terminals disagree.
		refreshed, findErr := s.chargeRepo.FindByID(ctx, charge.ID)
		if findErr == nil && refreshed != nil {
			*charge = *refreshed
			if stored := types.ChargeStatus(charge.Status); stored.Terminal() && stored != target {
				s.appendEvent(ctx, &entity.ChargeEvent{
					ChargeID:        &charge.ID,
					OrganizationID:  &charge.OrganizationID,
					EventType:       "reconcile_anomaly",
					OldStatus:       int32Ptr(charge.Status),
					NewStatus:       reported,
					Source:          &source,
					ProviderEventID: normalizeOptionalString(detail.providerEventID),
					CreatedAt:       now,
				})
			}
		}
		return false, nil
	}

	oldStatus := charge.Status
	charge.Status = reported
	charge.UpdatedAt = now
	if target == types.ChargeStatusPaid {
		charge.PaidSource = &source
		charge.PaidActor = actor
	}
	if rawPayload != nil {
		charge.RawPayload = rawPayload
	}

	s.appendEvent(ctx, &entity.ChargeEvent{
		ChargeID:        &charge.ID,
		OrganizationID:  &charge.OrganizationID,
		EventType:       "charge_" + target.String(),
		OldStatus:       int32Ptr(oldStatus),
		NewStatus:       reported,
		Source:          &source,
		Actor:           actor,
		ProviderEventID: normalizeOptionalString(detail.providerEventID),
		CreatedAt:       now,
	})

	s.dispatch(ctx, charge, oldStatus, reported, now)
	return true, nil
}
