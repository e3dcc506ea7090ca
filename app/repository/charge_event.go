package repository

import (
	"context"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
)

// ChargeEventRepository is the append-only activation/anomaly log.
type ChargeEventRepository struct {
	db DBTX
}

func NewChargeEventRepository(db DBTX) *ChargeEventRepository {
	return &ChargeEventRepository{db: db}
}

func (r *ChargeEventRepository) Create(ctx context.Context, event *entity.ChargeEvent) error {
	query := `
		INSERT INTO charge_events (
			charge_id, organization_id, event_type, old_status, new_status,
			source, actor, provider_event_id, payload_json, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableUint64Value(event.ChargeID),
		nullableStringValue(event.OrganizationID),
		event.EventType,
		nullableInt32Value(event.OldStatus),
		event.NewStatus,
		nullableStringValue(event.Source),
		nullableStringValue(event.Actor),
		nullableStringValue(event.ProviderEventID),
		nullableStringValue(event.PayloadJSON),
		event.CreatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = uint64(id)
	return nil
}
