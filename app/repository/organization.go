package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
)

var ErrOrganizationNotFound = errors.New("organization not found")

// OrganizationRepository owns only the subscription fields on the shared
// organization table. Every status write is conditional so webhook, admin
// override and renewal paths cannot clobber each other.
type OrganizationRepository struct {
	db DBTX
}

func NewOrganizationRepository(db DBTX) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

const organizationColumns = `id, name, subscription_status, plan_key, renews_until,
	provider_subscription_ref, referred_by_id, confirmation_mode, created_at, updated_at`

func (r *OrganizationRepository) FindByID(ctx context.Context, id string) (*entity.Organization, error) {
	query := `SELECT ` + organizationColumns + ` FROM organizations WHERE id = ?`

	org := &entity.Organization{}
	if err := scanOrganization(r.db.QueryRowContext(ctx, query, id), org); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return org, nil
}

// ActivateSubscription flips a non-active organization to active with the
// new plan, ref and horizon.
func (r *OrganizationRepository) ActivateSubscription(
	ctx context.Context,
	orgID string,
	planKey string,
	providerRef *string,
	renewsUntil time.Time,
	now time.Time,
) (bool, error) {
	query := `
		UPDATE organizations SET
			subscription_status = ?,
			plan_key = ?,
			provider_subscription_ref = ?,
			renews_until = ?,
			updated_at = ?
		WHERE id = ? AND subscription_status <> ?
	`

	result, err := r.db.ExecContext(ctx, query,
		"active",
		planKey,
		nullableStringValue(providerRef),
		renewsUntil,
		now,
		orgID,
		"active",
	)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ExtendRenewsUntil advances the horizon by periodDays from the greater of
// now and the stored renews_until. Computing inside the UPDATE keeps
// concurrent renewals and bonus grants from losing each other's progress.
func (r *OrganizationRepository) ExtendRenewsUntil(ctx context.Context, orgID string, periodDays int, now time.Time) (bool, error) {
	query := `
		UPDATE organizations SET
			renews_until = DATE_ADD(GREATEST(IFNULL(renews_until, ?), ?), INTERVAL ? DAY),
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, now, now, periodDays, now, orgID)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// MarkSubscriptionLapsed records a provider-reported cancel or pause. The
// plan key is kept so the UI can still show the last active plan.
func (r *OrganizationRepository) MarkSubscriptionLapsed(ctx context.Context, orgID string, status string, now time.Time) (bool, error) {
	query := `
		UPDATE organizations SET
			subscription_status = ?,
			provider_subscription_ref = NULL,
			updated_at = ?
		WHERE id = ? AND subscription_status IN (?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query, status, now, orgID, "trial", "active", "past_due")
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// OverrideSubscription is the support-initiated direct write. It still goes
// through the conditional-update discipline: the caller states the status
// it believes is current and loses the race if a webhook got there first.
func (r *OrganizationRepository) OverrideSubscription(
	ctx context.Context,
	orgID string,
	expectedStatus string,
	status string,
	planKey *string,
	renewsUntil *time.Time,
	now time.Time,
) (bool, error) {
	query := `
		UPDATE organizations SET
			subscription_status = ?,
			plan_key = COALESCE(?, plan_key),
			renews_until = COALESCE(?, renews_until),
			updated_at = ?
		WHERE id = ? AND subscription_status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		status,
		nullableStringValue(planKey),
		nullableTimeValue(renewsUntil),
		now,
		orgID,
		expectedStatus,
	)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func scanOrganization(scan rowScanner, org *entity.Organization) error {
	var planKey sql.NullString
	var renewsUntil sql.NullTime
	var providerRef sql.NullString
	var referredBy sql.NullString

	err := scan.Scan(
		&org.ID,
		&org.Name,
		&org.SubscriptionStatus,
		&planKey,
		&renewsUntil,
		&providerRef,
		&referredBy,
		&org.ConfirmationMode,
		&org.CreatedAt,
		&org.UpdatedAt,
	)
	if err != nil {
		return err
	}

	org.PlanKey = stringPtrFromNull(planKey)
	org.RenewsUntil = timePtrFromNull(renewsUntil)
	org.ProviderSubscriptionRef = stringPtrFromNull(providerRef)
	org.ReferredByID = stringPtrFromNull(referredBy)
	org.ConfirmationMode = strings.ToLower(strings.TrimSpace(org.ConfirmationMode))

	return nil
}
