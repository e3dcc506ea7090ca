package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/types"
)

func TestSubscriptionPaidActivatesWithGrace(t *testing.T) {
	deps := newTestDeps()
	seedOrg(deps, "org-1", types.SubscriptionStatusTrial, types.ConfirmationModeAutomatic)
	charge := seedAwaitingCharge(deps, 1, types.SubjectTypeSubscription, "org-1", "org-1", "mp-123")
	plan := "pro"
	charge.PlanKey = &plan
	svc := newBillingServiceForTest(t, deps)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	applied, err := svc.transition(context.Background(), charge, int32(types.ChargeStatusPaid), types.PaidSourceWebhook, nil, nil, transitionDetail{})
	if err != nil || !applied {
		t.Fatalf("transition failed: applied=%v err=%v", applied, err)
	}

	org, _ := deps.orgRepo.FindByID(context.Background(), "org-1")
	if org.SubscriptionStatus != types.SubscriptionStatusActive {
		t.Fatalf("expected active subscription, got %s", org.SubscriptionStatus)
	}
	if org.PlanKey == nil || *org.PlanKey != "pro" {
		t.Fatalf("expected plan pro, got %v", org.PlanKey)
	}
	wantRenews := base.AddDate(0, 0, 33)
	if org.RenewsUntil == nil || !org.RenewsUntil.Equal(wantRenews) {
		t.Fatalf("expected renews_until %v (period plus grace), got %v", wantRenews, org.RenewsUntil)
	}
	if activated := deps.eventRepo.byType("subscription_activated"); len(activated) != 1 {
		t.Fatalf("expected one subscription_activated event, got %d", len(activated))
	}
}

func TestSubscriptionPaidRenewalNeverRegresses(t *testing.T) {
	deps := newTestDeps()
	org := seedOrg(deps, "org-1", types.SubscriptionStatusActive, types.ConfirmationModeAutomatic)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	existing := base.AddDate(0, 0, 12)
	org.RenewsUntil = &existing
	charge := seedAwaitingCharge(deps, 1, types.SubjectTypeSubscription, "org-1", "org-1", "mp-123")
	svc := newBillingServiceForTest(t, deps)
	svc.now = func() time.Time { return base }

	applied, err := svc.transition(context.Background(), charge, int32(types.ChargeStatusPaid), types.PaidSourceWebhook, nil, nil, transitionDetail{})
	if err != nil || !applied {
		t.Fatalf("transition failed: applied=%v err=%v", applied, err)
	}

	updated, _ := deps.orgRepo.FindByID(context.Background(), "org-1")
	wantRenews := existing.AddDate(0, 0, 30)
	if updated.RenewsUntil == nil || !updated.RenewsUntil.Equal(wantRenews) {
		t.Fatalf("expected horizon extended from existing renews_until to %v, got %v", wantRenews, updated.RenewsUntil)
	}
	if renewed := deps.eventRepo.byType("subscription_renewed"); len(renewed) != 1 {
		t.Fatalf("expected one subscription_renewed event, got %d", len(renewed))
	}
}

func TestReferralBonusGrantedAndSettledExactlyOnce(t *testing.T) {
	deps := newTestDeps()
	referrer := seedOrg(deps, "org-ref", types.SubscriptionStatusActive, types.ConfirmationModeAutomatic)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	referrerRenews := base.AddDate(0, 0, 20)
	referrer.RenewsUntil = &referrerRenews

	referred := seedOrg(deps, "org-1", types.SubscriptionStatusTrial, types.ConfirmationModeAutomatic)
	referredBy := "org-ref"
	referred.ReferredByID = &referredBy

	charge := seedAwaitingCharge(deps, 1, types.SubjectTypeSubscription, "org-1", "org-1", "mp-123")
	plan := "pro"
	charge.PlanKey = &plan
	svc := newBillingServiceForTest(t, deps)
	svc.now = func() time.Time { return base }

	applied, err := svc.transition(context.Background(), charge, int32(types.ChargeStatusPaid), types.PaidSourceWebhook, nil, nil, transitionDetail{})
	if err != nil || !applied {
		t.Fatalf("transition failed: applied=%v err=%v", applied, err)
	}

	if len(deps.grantRepo.grants) != 1 {
		t.Fatalf("expected one referral grant, got %d", len(deps.grantRepo.grants))
	}
	grant := deps.grantRepo.grants[0]
	if grant.AppliedAt == nil {
		t.Fatal("expected grant settled immediately")
	}

	updatedReferrer, _ := deps.orgRepo.FindByID(context.Background(), "org-ref")
	wantRenews := referrerRenews.AddDate(0, 0, 30)
	if updatedReferrer.RenewsUntil == nil || !updatedReferrer.RenewsUntil.Equal(wantRenews) {
		t.Fatalf("expected referrer horizon %v, got %v", wantRenews, updatedReferrer.RenewsUntil)
	}

	// A later renewal by the referred organization must not grant again.
	charge2 := seedAwaitingCharge(deps, 2, types.SubjectTypeSubscription, "org-1", "org-1", "mp-124")
	charge2.PlanKey = &plan
	applied, err = svc.transition(context.Background(), charge2, int32(types.ChargeStatusPaid), types.PaidSourceWebhook, nil, nil, transitionDetail{})
	if err != nil || !applied {
		t.Fatalf("second transition failed: applied=%v err=%v", applied, err)
	}
	if len(deps.grantRepo.grants) != 1 {
		t.Fatalf("expected referral grant to stay unique, got %d", len(deps.grantRepo.grants))
	}
}

func TestSubscriptionRejectedLeavesOrganizationUntouched(t *testing.T) {
	deps := newTestDeps()
	org := seedOrg(deps, "org-1", types.SubscriptionStatusActive, types.ConfirmationModeAutomatic)
	ref := "preapproval-1"
	org.ProviderSubscriptionRef = &ref
	charge := seedAwaitingCharge(deps, 1, types.SubjectTypeSubscription, "org-1", "org-1", "mp-123")
	svc := newBillingServiceForTest(t, deps)

	applied, err := svc.transition(context.Background(), charge, int32(types.ChargeStatusRejected), types.PaidSourceWebhook, nil, nil, transitionDetail{})
	if err != nil || !applied {
		t.Fatalf("transition failed: applied=%v err=%v", applied, err)
	}

	stored, _ := deps.orgRepo.FindByID(context.Background(), "org-1")
	if stored.SubscriptionStatus != types.SubscriptionStatusActive {
		t.Fatalf("expected subscription to stay active, got %s", stored.SubscriptionStatus)
	}
	if stored.ProviderSubscriptionRef == nil || *stored.ProviderSubscriptionRef != "preapproval-1" {
		t.Fatalf("expected provider subscription ref untouched, got %v", stored.ProviderSubscriptionRef)
	}
}

func TestExpiredCheckoutKeepsPaidUpOrganizationActive(t *testing.T) {
	deps := newTestDeps()
	org := seedOrg(deps, "org-1", types.SubscriptionStatusActive, types.ConfirmationModeAutomatic)
	renews := time.Now().UTC().AddDate(0, 0, 20)
	org.RenewsUntil = &renews

	// Abandoned plan-change checkout: awaiting charge whose deadline passed.
	charge := seedAwaitingCharge(deps, 1, types.SubjectTypeSubscription, "org-1", "org-1", "mp-123")
	past := time.Now().UTC().Add(-time.Minute)
	charge.ExpiresAt = &past
	svc := newBillingServiceForTest(t, deps)

	expired, err := svc.RunExpireAwaitingBatch(context.Background())
	if err != nil {
		t.Fatalf("expire batch failed: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected one expired charge, got %d", expired)
	}

	stored, _ := deps.orgRepo.FindByID(context.Background(), "org-1")
	if stored.SubscriptionStatus != types.SubscriptionStatusActive {
		t.Fatalf("expected paid-up org to stay active, got %s", stored.SubscriptionStatus)
	}
	if stored.RenewsUntil == nil || !stored.RenewsUntil.Equal(renews) {
		t.Fatalf("expected renewal horizon untouched, got %v", stored.RenewsUntil)
	}

	storedCharge, _ := deps.chargeRepo.FindByID(context.Background(), 1)
	if storedCharge.Status != int32(types.ChargeStatusExpired) {
		t.Fatalf("expected charge expired, got %d", storedCharge.Status)
	}
}

func TestSubscriptionCancelledCancels(t *testing.T) {
	deps := newTestDeps()
	seedOrg(deps, "org-1", types.SubscriptionStatusActive, types.ConfirmationModeAutomatic)
	charge := seedAwaitingCharge(deps, 1, types.SubjectTypeSubscription, "org-1", "org-1", "mp-123")
	svc := newBillingServiceForTest(t, deps)

	applied, err := svc.transition(context.Background(), charge, int32(types.ChargeStatusCancelled), types.PaidSourceWebhook, nil, nil, transitionDetail{})
	if err != nil || !applied {
		t.Fatalf("transition failed: applied=%v err=%v", applied, err)
	}

	org, _ := deps.orgRepo.FindByID(context.Background(), "org-1")
	if org.SubscriptionStatus != types.SubscriptionStatusCancelled {
		t.Fatalf("expected cancelled subscription, got %s", org.SubscriptionStatus)
	}
}

func TestRunDispatchReleasesBatchDeliversToKitchen(t *testing.T) {
	deps := newTestDeps()
	seedOrg(deps, "org-1", types.SubscriptionStatusActive, types.ConfirmationModeAutomatic)
	seedOrder(deps, "order-1", "org-1", 4500)
	charge := seedAwaitingCharge(deps, 1, types.SubjectTypeOrder, "order-1", "org-1", "mp-123")
	charge.Status = int32(types.ChargeStatusPaid)
	charge.ReleaseStatus = entity.ReleaseDeliveryPending
	nextAt := time.Now().UTC().Add(-time.Second)
	charge.ReleaseNextAt = &nextAt

	received := 0
	kitchen := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "billing-app-key" {
			t.Fatalf("expected app api key header, got %q", r.Header.Get("X-API-Key"))
		}
		received++
		w.WriteHeader(http.StatusOK)
	}))
	defer kitchen.Close()

	svc := newBillingServiceForTest(t, deps)
	svc.billingCfg.KitchenReleaseURL = kitchen.URL

	delivered, err := svc.RunDispatchReleasesBatch(context.Background())
	if err != nil {
		t.Fatalf("dispatch releases batch failed: %v", err)
	}
	if delivered != 1 || received != 1 {
		t.Fatalf("expected one delivery, delivered=%d received=%d", delivered, received)
	}

	stored, _ := deps.chargeRepo.FindByID(context.Background(), 1)
	if stored.ReleaseStatus != entity.ReleaseDeliverySuccess {
		t.Fatalf("expected release success status, got %d", stored.ReleaseStatus)
	}

	order, _ := deps.orderRepo.FindByID(context.Background(), "order-1")
	if order.ReleasedAt == nil {
		t.Fatal("expected released marker set during delivery")
	}
}

func TestRunDispatchReleasesBatchRetriesOnFailure(t *testing.T) {
	deps := newTestDeps()
	seedOrg(deps, "org-1", types.SubscriptionStatusActive, types.ConfirmationModeAutomatic)
	seedOrder(deps, "order-1", "org-1", 4500)
	charge := seedAwaitingCharge(deps, 1, types.SubjectTypeOrder, "order-1", "org-1", "mp-123")
	charge.Status = int32(types.ChargeStatusPaid)
	charge.ReleaseStatus = entity.ReleaseDeliveryPending
	nextAt := time.Now().UTC().Add(-time.Second)
	charge.ReleaseNextAt = &nextAt

	kitchen := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer kitchen.Close()

	svc := newBillingServiceForTest(t, deps)
	svc.billingCfg.KitchenReleaseURL = kitchen.URL

	if _, err := svc.RunDispatchReleasesBatch(context.Background()); err != nil {
		t.Fatalf("dispatch releases batch failed: %v", err)
	}

	stored, _ := deps.chargeRepo.FindByID(context.Background(), 1)
	if stored.ReleaseStatus != entity.ReleaseDeliveryPending {
		t.Fatalf("expected delivery still pending, got %d", stored.ReleaseStatus)
	}
	if stored.ReleaseAttempts != 1 {
		t.Fatalf("expected one attempt recorded, got %d", stored.ReleaseAttempts)
	}
	if stored.ReleaseNextAt == nil || !stored.ReleaseNextAt.After(time.Now().UTC()) {
		t.Fatalf("expected retry scheduled in the future, got %v", stored.ReleaseNextAt)
	}

	// The charge itself never reverts.
	if stored.Status != int32(types.ChargeStatusPaid) {
		t.Fatalf("expected charge to stay paid, got %d", stored.Status)
	}
}

func TestRunDispatchReleasesBatchExhaustsAttempts(t *testing.T) {
	deps := newTestDeps()
	seedOrg(deps, "org-1", types.SubscriptionStatusActive, types.ConfirmationModeAutomatic)
	seedOrder(deps, "order-1", "org-1", 4500)
	charge := seedAwaitingCharge(deps, 1, types.SubjectTypeOrder, "order-1", "org-1", "mp-123")
	charge.Status = int32(types.ChargeStatusPaid)
	charge.ReleaseStatus = entity.ReleaseDeliveryPending
	charge.ReleaseAttempts = 2
	nextAt := time.Now().UTC().Add(-time.Second)
	charge.ReleaseNextAt = &nextAt

	kitchen := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer kitchen.Close()

	svc := newBillingServiceForTest(t, deps)
	svc.billingCfg.KitchenReleaseURL = kitchen.URL

	if _, err := svc.RunDispatchReleasesBatch(context.Background()); err != nil {
		t.Fatalf("dispatch releases batch failed: %v", err)
	}

	stored, _ := deps.chargeRepo.FindByID(context.Background(), 1)
	if stored.ReleaseStatus != entity.ReleaseDeliveryFailed {
		t.Fatalf("expected failed delivery after max attempts, got %d", stored.ReleaseStatus)
	}
	if stored.ReleaseNextAt != nil {
		t.Fatal("expected no further retry scheduled")
	}
}

func TestRunSettleReferralBonusBatch(t *testing.T) {
	deps := newTestDeps()
	referrer := seedOrg(deps, "org-ref", types.SubscriptionStatusActive, types.ConfirmationModeAutomatic)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	referrerRenews := base.AddDate(0, 0, 5)
	referrer.RenewsUntil = &referrerRenews

	deps.grantRepo.grants = append(deps.grantRepo.grants, &entity.ReferralGrant{
		ID:            1,
		ReferrerOrgID: "org-ref",
		ReferredOrgID: "org-1",
		BonusDays:     30,
		CreatedAt:     base,
	})
	deps.grantRepo.nextID = 1

	svc := newBillingServiceForTest(t, deps)
	svc.now = func() time.Time { return base }

	settled, err := svc.RunSettleReferralBonusBatch(context.Background())
	if err != nil {
		t.Fatalf("settle batch failed: %v", err)
	}
	if settled != 1 {
		t.Fatalf("expected one settled grant, got %d", settled)
	}
	if deps.grantRepo.grants[0].AppliedAt == nil {
		t.Fatal("expected grant marked applied")
	}

	org, _ := deps.orgRepo.FindByID(context.Background(), "org-ref")
	wantRenews := referrerRenews.AddDate(0, 0, 30)
	if org.RenewsUntil == nil || !org.RenewsUntil.Equal(wantRenews) {
		t.Fatalf("expected referrer horizon %v, got %v", wantRenews, org.RenewsUntil)
	}
}

func TestRunExpireAwaitingBatchMarksExpired(t *testing.T) {
	deps := newTestDeps()
	seedOrg(deps, "org-1", types.SubscriptionStatusActive, types.ConfirmationModeAutomatic)
	charge := seedAwaitingCharge(deps, 1, types.SubjectTypeOrder, "order-1", "org-1", "mp-123")
	past := time.Now().UTC().Add(-time.Minute)
	charge.ExpiresAt = &past
	svc := newBillingServiceForTest(t, deps)

	expired, err := svc.RunExpireAwaitingBatch(context.Background())
	if err != nil {
		t.Fatalf("expire batch failed: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected one expired charge, got %d", expired)
	}

	stored, _ := deps.chargeRepo.FindByID(context.Background(), 1)
	if stored.Status != int32(types.ChargeStatusExpired) {
		t.Fatalf("expected expired status, got %d", stored.Status)
	}
}

func TestRunExpireAwaitingBatchSweepsStaleCreated(t *testing.T) {
	deps := newTestDeps()
	seedOrg(deps, "org-1", types.SubscriptionStatusActive, types.ConfirmationModeAutomatic)
	charge := seedAwaitingCharge(deps, 1, types.SubjectTypeOrder, "order-1", "org-1", "mp-123")
	charge.Status = int32(types.ChargeStatusCreated)
	charge.ProviderRef = nil
	charge.ExpiresAt = nil
	charge.CreatedAt = time.Now().UTC().Add(-time.Hour)
	svc := newBillingServiceForTest(t, deps)

	expired, err := svc.RunExpireAwaitingBatch(context.Background())
	if err != nil {
		t.Fatalf("expire batch failed: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected stale created charge expired, got %d", expired)
	}
}

func TestRunReconcileBatchAppliesProviderStatus(t *testing.T) {
	deps := newTestDeps()
	seedOrg(deps, "org-1", types.SubscriptionStatusActive, types.ConfirmationModeAutomatic)
	seedOrder(deps, "order-1", "org-1", 4500)
	charge := seedAwaitingCharge(deps, 1, types.SubjectTypeOrder, "order-1", "org-1", "mp-123")
	charge.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	deps.provider.queryStatus = int32(types.ChargeStatusPaid)
	svc := newBillingServiceForTest(t, deps)

	settled, err := svc.RunReconcileBatch(context.Background())
	if err != nil {
		t.Fatalf("reconcile batch failed: %v", err)
	}
	if settled != 1 {
		t.Fatalf("expected one settled charge, got %d", settled)
	}

	stored, _ := deps.chargeRepo.FindByID(context.Background(), 1)
	if stored.Status != int32(types.ChargeStatusPaid) {
		t.Fatalf("expected paid after reconcile, got %d", stored.Status)
	}

	order, _ := deps.orderRepo.FindByID(context.Background(), "order-1")
	if order.ReleasedAt == nil {
		t.Fatal("expected order released by reconcile path")
	}
}
