package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
)

var ErrOrderNotFound = errors.New("order not found")

// OrderRepository touches the order collaborator's table only to read
// totals and to set the released-to-kitchen marker.
type OrderRepository struct {
	db DBTX
}

func NewOrderRepository(db DBTX) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) FindByID(ctx context.Context, id string) (*entity.Order, error) {
	query := `
		SELECT id, organization_id, total_cents, released_at, released_charge_id, created_at, updated_at
		FROM orders
		WHERE id = ?
	`

	order := &entity.Order{}
	var releasedAt sql.NullTime
	var releasedChargeID sql.NullInt64

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&order.ID,
		&order.OrganizationID,
		&order.TotalCents,
		&releasedAt,
		&releasedChargeID,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	order.ReleasedAt = timePtrFromNull(releasedAt)
	order.ReleasedChargeID = uint64PtrFromNull(releasedChargeID)

	return order, nil
}

// MarkReleased sets the marker at most once; a second call for the same
// order is a no-op regardless of which charge triggered it.
func (r *OrderRepository) MarkReleased(ctx context.Context, orderID string, chargeID uint64, now time.Time) (bool, error) {
	query := `
		UPDATE orders SET
			released_at = ?,
			released_charge_id = ?,
			updated_at = ?
		WHERE id = ? AND released_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, now, chargeID, now, orderID)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
