package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
)

var (
	ErrChargeNotFound      = errors.New("charge not found")
	ErrChargeAlreadyExists = errors.New("charge already exists")
)

const chargeColumns = `id, request_id, subject_type, subject_id, organization_id, plan_key,
	provider, provider_ref, idempotency_key,
	amount_cents, payer_document, description, status,
	pix_copy_paste, qr_image_base64, raw_payload,
	paid_source, paid_actor, expires_at,
	release_status, release_attempts, release_next_at, release_last_error,
	created_at, updated_at`

type ChargeRepository struct {
	db DBTX
}

func NewChargeRepository(db DBTX) *ChargeRepository {
	return &ChargeRepository{db: db}
}

func (r *ChargeRepository) Create(ctx context.Context, charge *entity.Charge) error {
	query := `
		INSERT INTO charges (
			request_id, subject_type, subject_id, organization_id, plan_key,
			provider, provider_ref, idempotency_key,
			amount_cents, payer_document, description, status,
			pix_copy_paste, qr_image_base64, raw_payload,
			paid_source, paid_actor, expires_at,
			release_status, release_attempts, release_next_at, release_last_error,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		charge.RequestID,
		charge.SubjectType,
		charge.SubjectID,
		charge.OrganizationID,
		nullableStringValue(charge.PlanKey),
		charge.Provider,
		nullableStringValue(charge.ProviderRef),
		charge.IdempotencyKey,
		charge.AmountCents,
		charge.PayerDocument,
		charge.Description,
		charge.Status,
		nullableStringValue(charge.PixCopyPaste),
		nullableStringValue(charge.QRImageBase64),
		nullableStringValue(charge.RawPayload),
		nullableStringValue(charge.PaidSource),
		nullableStringValue(charge.PaidActor),
		nullableTimeValue(charge.ExpiresAt),
		charge.ReleaseStatus,
		charge.ReleaseAttempts,
		nullableTimeValue(charge.ReleaseNextAt),
		nullableStringValue(charge.ReleaseLastErr),
		charge.CreatedAt,
		charge.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrChargeAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	charge.ID = uint64(id)
	return nil
}

// PromoteToAwaiting writes the provider handle onto a freshly created
// charge. Conditional on the row still being in created state.
func (r *ChargeRepository) PromoteToAwaiting(ctx context.Context, charge *entity.Charge, createdStatus, awaitingStatus int32) (bool, error) {
	query := `
		UPDATE charges SET
			provider_ref = ?,
			pix_copy_paste = ?,
			qr_image_base64 = ?,
			raw_payload = ?,
			expires_at = ?,
			status = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableStringValue(charge.ProviderRef),
		nullableStringValue(charge.PixCopyPaste),
		nullableStringValue(charge.QRImageBase64),
		nullableStringValue(charge.RawPayload),
		nullableTimeValue(charge.ExpiresAt),
		awaitingStatus,
		charge.UpdatedAt,
		charge.ID,
		createdStatus,
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

// TransitionStatus is the compare-and-swap every status change funnels
// through: the write only lands if the stored status is still one of the
// expected prior statuses. Concurrent reporters racing to the same terminal
// status get exactly one true result.
func (r *ChargeRepository) TransitionStatus(
	ctx context.Context,
	id uint64,
	from []int32,
	to int32,
	source *string,
	actor *string,
	rawPayload *string,
	now time.Time,
) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("expected prior statuses are required")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	query := `
		UPDATE charges SET
			status = ?,
			paid_source = COALESCE(?, paid_source),
			paid_actor = COALESCE(?, paid_actor),
			raw_payload = COALESCE(?, raw_payload),
			updated_at = ?
		WHERE id = ? AND status IN (` + placeholders + `)
	`

	args := make([]interface{}, 0, 6+len(from))
	args = append(args,
		to,
		nullableStringValue(source),
		nullableStringValue(actor),
		nullableStringValue(rawPayload),
		now,
		id,
	)
	for _, s := range from {
		args = append(args, s)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// UpdateRelease persists only the order-release delivery columns.
func (r *ChargeRepository) UpdateRelease(ctx context.Context, charge *entity.Charge) error {
	query := `
		UPDATE charges SET
			release_status = ?,
			release_attempts = ?,
			release_next_at = ?,
			release_last_error = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		charge.ReleaseStatus,
		charge.ReleaseAttempts,
		nullableTimeValue(charge.ReleaseNextAt),
		nullableStringValue(charge.ReleaseLastErr),
		charge.UpdatedAt,
		charge.ID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrChargeNotFound
	}
	return nil
}

func (r *ChargeRepository) FindByID(ctx context.Context, id uint64) (*entity.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE id = ?`

	charge := &entity.Charge{}
	if err := scanCharge(r.db.QueryRowContext(ctx, query, id), charge); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return charge, nil
}

func (r *ChargeRepository) FindByRequestID(ctx context.Context, requestID string) (*entity.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE request_id = ? LIMIT 1`

	charge := &entity.Charge{}
	if err := scanCharge(r.db.QueryRowContext(ctx, query, requestID), charge); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return charge, nil
}

func (r *ChargeRepository) FindByProviderRef(ctx context.Context, provider int32, providerRef string) (*entity.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE provider = ? AND provider_ref = ? LIMIT 1`

	charge := &entity.Charge{}
	if err := scanCharge(r.db.QueryRowContext(ctx, query, provider, providerRef), charge); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return charge, nil
}

// FindAwaitingBySubject is the subject_hint fallback for providers that do
// not echo the provider ref in their webhook.
func (r *ChargeRepository) FindAwaitingBySubject(ctx context.Context, provider int32, subjectID string, awaitingStatuses []int32) (*entity.Charge, error) {
	if len(awaitingStatuses) == 0 {
		return nil, errors.New("awaiting statuses are required")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(awaitingStatuses)), ", ")
	query := `SELECT ` + chargeColumns + ` FROM charges
		WHERE provider = ? AND subject_id = ? AND status IN (` + placeholders + `)
		ORDER BY id DESC LIMIT 1`

	args := make([]interface{}, 0, 2+len(awaitingStatuses))
	args = append(args, provider, subjectID)
	for _, s := range awaitingStatuses {
		args = append(args, s)
	}

	charge := &entity.Charge{}
	if err := scanCharge(r.db.QueryRowContext(ctx, query, args...), charge); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return charge, nil
}

func (r *ChargeRepository) ListExpiredAwaiting(ctx context.Context, awaitingStatus int32, now time.Time, limit int32) ([]*entity.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at ASC LIMIT ?`

	return r.list(ctx, query, awaitingStatus, now, limit)
}

// ListStaleCreated picks up rows stuck in created state because the process
// died between the insert and the provider call.
func (r *ChargeRepository) ListStaleCreated(ctx context.Context, createdStatus int32, cutoff time.Time, limit int32) ([]*entity.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges
		WHERE status = ? AND created_at <= ?
		ORDER BY created_at ASC LIMIT ?`

	return r.list(ctx, query, createdStatus, cutoff, limit)
}

func (r *ChargeRepository) ListAwaitingForReconcile(ctx context.Context, awaitingStatus int32, before time.Time, limit int32) ([]*entity.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges
		WHERE status = ? AND provider_ref IS NOT NULL AND updated_at <= ?
		ORDER BY updated_at ASC LIMIT ?`

	return r.list(ctx, query, awaitingStatus, before, limit)
}

func (r *ChargeRepository) ListDueReleases(ctx context.Context, now time.Time, limit int32) ([]*entity.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges
		WHERE release_status = ?
		  AND release_next_at IS NOT NULL
		  AND release_next_at <= ?
		ORDER BY release_next_at ASC LIMIT ?`

	return r.list(ctx, query, entity.ReleaseDeliveryPending, now, limit)
}

func (r *ChargeRepository) list(ctx context.Context, query string, args ...interface{}) ([]*entity.Charge, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	charges := make([]*entity.Charge, 0)
	for rows.Next() {
		item := &entity.Charge{}
		if err := scanCharge(rows, item); err != nil {
			return nil, err
		}
		charges = append(charges, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return charges, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCharge(scan rowScanner, charge *entity.Charge) error {
	var planKey sql.NullString
	var providerRef sql.NullString
	var pixCopyPaste sql.NullString
	var qrImage sql.NullString
	var rawPayload sql.NullString
	var paidSource sql.NullString
	var paidActor sql.NullString
	var expiresAt sql.NullTime
	var releaseNextAt sql.NullTime
	var releaseLastErr sql.NullString

	err := scan.Scan(
		&charge.ID,
		&charge.RequestID,
		&charge.SubjectType,
		&charge.SubjectID,
		&charge.OrganizationID,
		&planKey,
		&charge.Provider,
		&providerRef,
		&charge.IdempotencyKey,
		&charge.AmountCents,
		&charge.PayerDocument,
		&charge.Description,
		&charge.Status,
		&pixCopyPaste,
		&qrImage,
		&rawPayload,
		&paidSource,
		&paidActor,
		&expiresAt,
		&charge.ReleaseStatus,
		&charge.ReleaseAttempts,
		&releaseNextAt,
		&releaseLastErr,
		&charge.CreatedAt,
		&charge.UpdatedAt,
	)
	if err != nil {
		return err
	}

	charge.PlanKey = stringPtrFromNull(planKey)
	charge.ProviderRef = stringPtrFromNull(providerRef)
	charge.PixCopyPaste = stringPtrFromNull(pixCopyPaste)
	charge.QRImageBase64 = stringPtrFromNull(qrImage)
	charge.RawPayload = stringPtrFromNull(rawPayload)
	charge.PaidSource = stringPtrFromNull(paidSource)
	charge.PaidActor = stringPtrFromNull(paidActor)
	charge.ExpiresAt = timePtrFromNull(expiresAt)
	charge.ReleaseNextAt = timePtrFromNull(releaseNextAt)
	charge.ReleaseLastErr = stringPtrFromNull(releaseLastErr)

	return nil
}
