package service

import (
	"context"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/types"
)

// RunExpireAwaitingBatch applies the synthetic expired transition to charges
// whose deadline has passed, including rows stuck in created because the
// process died before the provider call finished. Returns how many charges
// were expired.
func (s *BillingService) RunExpireAwaitingBatch(ctx context.Context) (int, error) {
	now := s.now().UTC()
	limit := s.batchSize()

	awaiting, err := s.chargeRepo.ListExpiredAwaiting(ctx, int32(types.ChargeStatusAwaiting), now, limit)
	if err != nil {
		return 0, err
	}

	staleCreated, err := s.chargeRepo.ListStaleCreated(ctx, int32(types.ChargeStatusCreated), now.Add(-s.chargeTTL()), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	var firstErr error
	for _, charge := range append(awaiting, staleCreated...) {
		applied, err := s.transition(ctx, charge, int32(types.ChargeStatusExpired), types.PaidSourcePoll, nil, nil, transitionDetail{})
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		if applied {
			expired++
		}
	}
	return expired, firstErr
}

// RunReconcileBatch re-queries the provider for awaiting charges that have
// not been touched recently, catching webhooks that were lost in transit.
// Returns how many charges reached a terminal status.
func (s *BillingService) RunReconcileBatch(ctx context.Context) (int, error) {
	staleBefore := s.now().UTC().Add(-s.billingCfg.ReconcileStaleAfter)

	charges, err := s.chargeRepo.ListAwaitingForReconcile(ctx, int32(types.ChargeStatusAwaiting), staleBefore, s.batchSize())
	if err != nil {
		return 0, err
	}

	settled := 0
	var firstErr error
	for _, charge := range charges {
		expired, err := s.expireIfDue(ctx, charge)
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		if expired {
			settled++
			continue
		}
		if charge.ProviderRef == nil {
			continue
		}

		providerClient, err := s.providerReg.Get(charge.Provider)
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}

		reported, err := providerClient.QueryStatus(ctx, *charge.ProviderRef)
		if err != nil {
			s.logger.WithError(err).WithField("charge_id", charge.ID).Warn("Reconcile status query failed")
			firstErr = keepFirstErr(firstErr, err)
			continue
		}

		applied, err := s.transition(ctx, charge, reported, types.PaidSourcePoll, nil, nil, transitionDetail{})
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		if applied {
			settled++
		}
	}
	return settled, firstErr
}

// RunDispatchReleasesBatch delivers queued kitchen notifications whose retry
// time has come. Returns how many deliveries succeeded.
func (s *BillingService) RunDispatchReleasesBatch(ctx context.Context) (int, error) {
	now := s.now().UTC()

	charges, err := s.chargeRepo.ListDueReleases(ctx, now, s.batchSize())
	if err != nil {
		return 0, err
	}

	delivered := 0
	var firstErr error
	for _, charge := range charges {
		if err := s.deliverRelease(ctx, charge, s.now().UTC()); err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		if charge.ReleaseStatus == entity.ReleaseDeliverySuccess {
			delivered++
		}
	}
	return delivered, firstErr
}

// RunSettleReferralBonusBatch finishes referral grants whose bonus credit
// did not land at grant time. Returns how many grants were settled.
func (s *BillingService) RunSettleReferralBonusBatch(ctx context.Context) (int, error) {
	grants, err := s.grantRepo.ListUnapplied(ctx, s.batchSize())
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, grant := range grants {
		s.settleReferralGrant(ctx, grant, s.now().UTC())
		if grant.AppliedAt != nil {
			settled++
		}
	}
	return settled, nil
}

func keepFirstErr(current, candidate error) error {
	if current != nil {
		return current
	}
	return candidate
}
