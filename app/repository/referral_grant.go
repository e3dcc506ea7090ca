package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
)

var ErrGrantAlreadyExists = errors.New("referral grant already exists")

// ReferralGrantRepository relies on the unique (referrer_org_id,
// referred_org_id) constraint: the insert either lands once or fails with a
// duplicate, which is the whole idempotency mechanism.
type ReferralGrantRepository struct {
	db DBTX
}

func NewReferralGrantRepository(db DBTX) *ReferralGrantRepository {
	return &ReferralGrantRepository{db: db}
}

func (r *ReferralGrantRepository) Create(ctx context.Context, grant *entity.ReferralGrant) error {
	query := `
		INSERT INTO referral_grants (referrer_org_id, referred_org_id, bonus_days, applied_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		grant.ReferrerOrgID,
		grant.ReferredOrgID,
		grant.BonusDays,
		nullableTimeValue(grant.AppliedAt),
		grant.CreatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrGrantAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	grant.ID = uint64(id)
	return nil
}

func (r *ReferralGrantRepository) ListUnapplied(ctx context.Context, limit int32) ([]*entity.ReferralGrant, error) {
	query := `
		SELECT id, referrer_org_id, referred_org_id, bonus_days, applied_at, created_at
		FROM referral_grants
		WHERE applied_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	grants := make([]*entity.ReferralGrant, 0)
	for rows.Next() {
		item := &entity.ReferralGrant{}
		if err := scanReferralGrant(rows, item); err != nil {
			return nil, err
		}
		grants = append(grants, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return grants, nil
}

// MarkApplied settles the grant at most once.
func (r *ReferralGrantRepository) MarkApplied(ctx context.Context, id uint64, now time.Time) (bool, error) {
	query := `UPDATE referral_grants SET applied_at = ? WHERE id = ? AND applied_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, now, id)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func scanReferralGrant(scan rowScanner, grant *entity.ReferralGrant) error {
	var appliedAt sql.NullTime
	err := scan.Scan(
		&grant.ID,
		&grant.ReferrerOrgID,
		&grant.ReferredOrgID,
		&grant.BonusDays,
		&appliedAt,
		&grant.CreatedAt,
	)
	if err != nil {
		return err
	}
	grant.AppliedAt = timePtrFromNull(appliedAt)
	return nil
}
