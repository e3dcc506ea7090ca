package mapper

import (
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/types"
)

func ChargeToAPI(charge *entity.Charge) *types.Charge {
	if charge == nil {
		return nil
	}

	return &types.Charge{
		ID:             charge.ID,
		RequestID:      charge.RequestID,
		SubjectType:    charge.SubjectType,
		SubjectID:      charge.SubjectID,
		OrganizationID: charge.OrganizationID,
		PlanKey:        derefString(charge.PlanKey),
		Provider:       types.ProviderType(charge.Provider).String(),
		ProviderRef:    derefString(charge.ProviderRef),
		AmountCents:    charge.AmountCents,
		Status:         types.ChargeStatus(charge.Status).String(),
		PixCopyPaste:   derefString(charge.PixCopyPaste),
		QRImage:        derefString(charge.QRImageBase64),
		PaidSource:     derefString(charge.PaidSource),
		PaidActor:      derefString(charge.PaidActor),
		ExpiresAt:      formatTimePtr(charge.ExpiresAt),
		CreatedAt:      charge.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      charge.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func SubscriptionToAPI(org *entity.Organization) *types.Subscription {
	if org == nil {
		return nil
	}

	return &types.Subscription{
		OrganizationID:          org.ID,
		Status:                  org.SubscriptionStatus,
		PlanKey:                 derefString(org.PlanKey),
		RenewsUntil:             formatTimePtr(org.RenewsUntil),
		ProviderSubscriptionRef: derefString(org.ProviderSubscriptionRef),
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func formatTimePtr(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.UTC().Format(time.RFC3339)
}
