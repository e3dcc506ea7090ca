package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
	"github.com/vibast-solutions/ms-go-billing/app/provider"
	"github.com/vibast-solutions/ms-go-billing/app/repository"
	"github.com/vibast-solutions/ms-go-billing/app/types"
	"github.com/vibast-solutions/ms-go-billing/config"
)

const (
	defaultBatchSize  = int32(100)
	defaultChargeTTL  = 10 * time.Minute
	defaultPollPeriod = 5 * time.Second
)

type chargeRepository interface {
	Create(ctx context.Context, charge *entity.Charge) error
	PromoteToAwaiting(ctx context.Context, charge *entity.Charge, createdStatus, awaitingStatus int32) (bool, error)
	TransitionStatus(ctx context.Context, id uint64, from []int32, to int32, source, actor, rawPayload *string, now time.Time) (bool, error)
	UpdateRelease(ctx context.Context, charge *entity.Charge) error
	FindByID(ctx context.Context, id uint64) (*entity.Charge, error)
	FindByRequestID(ctx context.Context, requestID string) (*entity.Charge, error)
	FindByProviderRef(ctx context.Context, provider int32, providerRef string) (*entity.Charge, error)
	FindAwaitingBySubject(ctx context.Context, provider int32, subjectID string, awaitingStatuses []int32) (*entity.Charge, error)
	ListExpiredAwaiting(ctx context.Context, awaitingStatus int32, now time.Time, limit int32) ([]*entity.Charge, error)
	ListStaleCreated(ctx context.Context, createdStatus int32, cutoff time.Time, limit int32) ([]*entity.Charge, error)
	ListAwaitingForReconcile(ctx context.Context, awaitingStatus int32, before time.Time, limit int32) ([]*entity.Charge, error)
	ListDueReleases(ctx context.Context, now time.Time, limit int32) ([]*entity.Charge, error)
}

type organizationRepository interface {
	FindByID(ctx context.Context, id string) (*entity.Organization, error)
	ActivateSubscription(ctx context.Context, orgID, planKey string, providerRef *string, renewsUntil, now time.Time) (bool, error)
	ExtendRenewsUntil(ctx context.Context, orgID string, periodDays int, now time.Time) (bool, error)
	MarkSubscriptionLapsed(ctx context.Context, orgID, status string, now time.Time) (bool, error)
	OverrideSubscription(ctx context.Context, orgID, expectedStatus, status string, planKey *string, renewsUntil *time.Time, now time.Time) (bool, error)
}

type orderRepository interface {
	FindByID(ctx context.Context, id string) (*entity.Order, error)
	MarkReleased(ctx context.Context, orderID string, chargeID uint64, now time.Time) (bool, error)
}

type referralGrantRepository interface {
	Create(ctx context.Context, grant *entity.ReferralGrant) error
	ListUnapplied(ctx context.Context, limit int32) ([]*entity.ReferralGrant, error)
	MarkApplied(ctx context.Context, id uint64, now time.Time) (bool, error)
}

type chargeEventRepository interface {
	Create(ctx context.Context, event *entity.ChargeEvent) error
}

type BillingService struct {
	chargeRepo  chargeRepository
	orgRepo     organizationRepository
	orderRepo   orderRepository
	grantRepo   referralGrantRepository
	eventRepo   chargeEventRepository
	providerReg *provider.Registry
	billingCfg  config.BillingConfig
	appAPIKey   string
	releaseHTTP *http.Client
	logger      logrus.FieldLogger

	// Injected for tests; real timers are never reached in unit tests.
	now   func() time.Time
	sleep func(time.Duration)
}

func NewBillingService(
	chargeRepo chargeRepository,
	orgRepo organizationRepository,
	orderRepo orderRepository,
	grantRepo referralGrantRepository,
	eventRepo chargeEventRepository,
	providerReg *provider.Registry,
	billingCfg config.BillingConfig,
	appAPIKey string,
) *BillingService {
	timeout := billingCfg.ReleaseHTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &BillingService{
		chargeRepo:  chargeRepo,
		orgRepo:     orgRepo,
		orderRepo:   orderRepo,
		grantRepo:   grantRepo,
		eventRepo:   eventRepo,
		providerReg: providerReg,
		billingCfg:  billingCfg,
		appAPIKey:   strings.TrimSpace(appAPIKey),
		releaseHTTP: &http.Client{Timeout: timeout},
		logger:      factory.NewModuleLogger("billing-service"),
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// CreateCharge creates the durable record first and only then asks the
// provider, so a timed-out create can be retried without producing a second
// real-world charge: the provider call carries the charge's UUID as the
// idempotency key.
func (s *BillingService) CreateCharge(ctx context.Context, req *types.CreateChargeRequest) (*entity.Charge, error) {
	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" {
		return nil, ErrInvalidRequest
	}

	existing, err := s.chargeRepo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	providerCode := types.ParseProviderSlug(req.Provider)
	if providerCode == types.ProviderTypeUnspecified {
		providerCode = types.ParseProviderSlug(s.billingCfg.DefaultProvider)
	}
	providerClient, err := s.providerReg.Get(int32(providerCode))
	if err != nil {
		return nil, err
	}

	if req.SubjectType == types.SubjectTypeOrder {
		order, err := s.orderRepo.FindByID(ctx, req.SubjectID)
		if err != nil {
			return nil, err
		}
		if order == nil {
			return nil, ErrOrderNotFound
		}
		if order.TotalCents > 0 && order.TotalCents != req.AmountCents {
			return nil, fmt.Errorf("%w: amount does not match order total", ErrInvalidRequest)
		}
	}

	org, err := s.orgRepo.FindByID(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, ErrOrganizationNotFound
	}

	if req.SubjectType == types.SubjectTypeSubscription && org.ProviderSubscriptionRef != nil {
		// At most one active preapproval per organization: replace the old
		// one at the provider before anything can activate locally.
		if canceller, ok := providerClient.(provider.SubscriptionCanceller); ok {
			if err := canceller.CancelSubscription(ctx, *org.ProviderSubscriptionRef); err != nil {
				return nil, err
			}
		}
	}

	now := s.now().UTC()
	charge := &entity.Charge{
		RequestID:      requestID,
		SubjectType:    req.SubjectType,
		SubjectID:      req.SubjectID,
		OrganizationID: req.OrganizationID,
		PlanKey:        normalizeOptionalString(req.PlanKey),
		Provider:       int32(providerCode),
		IdempotencyKey: uuid.NewString(),
		AmountCents:    req.AmountCents,
		PayerDocument:  req.PayerDocument,
		Description:    req.Description,
		Status:         int32(types.ChargeStatusCreated),
		ReleaseStatus:  entity.ReleaseDeliveryNone,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.chargeRepo.Create(ctx, charge); err != nil {
		if errors.Is(err, repository.ErrChargeAlreadyExists) {
			return nil, ErrChargeAlreadyExists
		}
		return nil, err
	}

	s.appendEvent(ctx, &entity.ChargeEvent{
		ChargeID:       &charge.ID,
		OrganizationID: &charge.OrganizationID,
		EventType:      "charge_created",
		NewStatus:      charge.Status,
		CreatedAt:      now,
	})

	handle, err := providerClient.CreateCharge(ctx, &provider.CreateInput{
		IdempotencyKey: charge.IdempotencyKey,
		SubjectType:    charge.SubjectType,
		SubjectID:      charge.SubjectID,
		OrganizationID: charge.OrganizationID,
		AmountCents:    charge.AmountCents,
		PayerDocument:  charge.PayerDocument,
		Description:    charge.Description,
		ExpiresIn:      s.chargeTTL(),
	})
	if err != nil {
		failedAt := s.now().UTC()
		reason := truncate(err.Error(), 1024)
		_, transitionErr := s.chargeRepo.TransitionStatus(
			ctx,
			charge.ID,
			[]int32{int32(types.ChargeStatusCreated)},
			int32(types.ChargeStatusRejected),
			nil,
			nil,
			&reason,
			failedAt,
		)
		if transitionErr != nil {
			s.logger.WithError(transitionErr).WithField("charge_id", charge.ID).Error("Failed to mark charge rejected after provider error")
		}
		s.appendEvent(ctx, &entity.ChargeEvent{
			ChargeID:       &charge.ID,
			OrganizationID: &charge.OrganizationID,
			EventType:      "charge_create_failed",
			OldStatus:      int32Ptr(int32(types.ChargeStatusCreated)),
			NewStatus:      int32(types.ChargeStatusRejected),
			PayloadJSON:    &reason,
			CreatedAt:      failedAt,
		})
		return nil, err
	}

	promotedAt := s.now().UTC()
	charge.ProviderRef = normalizeOptionalString(handle.ProviderRef)
	charge.PixCopyPaste = normalizeOptionalString(handle.PixCopyPaste)
	charge.QRImageBase64 = normalizeOptionalString(handle.QRImageBase64)
	charge.RawPayload = normalizeOptionalString(handle.RawPayload)
	if handle.ExpiresAt != nil {
		charge.ExpiresAt = handle.ExpiresAt
	} else {
		expiresAt := promotedAt.Add(s.chargeTTL())
		charge.ExpiresAt = &expiresAt
	}
	charge.UpdatedAt = promotedAt

	promoted, err := s.chargeRepo.PromoteToAwaiting(ctx, charge, int32(types.ChargeStatusCreated), int32(types.ChargeStatusAwaiting))
	if err != nil {
		return nil, err
	}
	if promoted {
		charge.Status = int32(types.ChargeStatusAwaiting)
		s.appendEvent(ctx, &entity.ChargeEvent{
			ChargeID:       &charge.ID,
			OrganizationID: &charge.OrganizationID,
			EventType:      "charge_awaiting",
			OldStatus:      int32Ptr(int32(types.ChargeStatusCreated)),
			NewStatus:      charge.Status,
			CreatedAt:      promotedAt,
		})
	} else if refreshed, err := s.chargeRepo.FindByID(ctx, charge.ID); err == nil && refreshed != nil {
		charge = refreshed
	}

	return charge, nil
}

func (s *BillingService) GetCharge(ctx context.Context, id uint64) (*entity.Charge, error) {
	charge, err := s.chargeRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if charge == nil {
		return nil, ErrChargeNotFound
	}
	return charge, nil
}

func (s *BillingService) appendEvent(ctx context.Context, event *entity.ChargeEvent) {
	if err := s.eventRepo.Create(ctx, event); err != nil {
		s.logger.WithError(err).WithField("event_type", event.EventType).Warn("Failed to append charge event")
	}
}

func (s *BillingService) chargeTTL() time.Duration {
	if s.billingCfg.ChargeTTL > 0 {
		return s.billingCfg.ChargeTTL
	}
	return defaultChargeTTL
}

func (s *BillingService) pollInterval() time.Duration {
	if s.billingCfg.PollInterval > 0 {
		return s.billingCfg.PollInterval
	}
	return defaultPollPeriod
}

func (s *BillingService) batchSize() int32 {
	if s.billingCfg.JobBatchSize > 0 {
		return s.billingCfg.JobBatchSize
	}
	return defaultBatchSize
}

func normalizeOptionalString(v string) *string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func int32Ptr(v int32) *int32 {
	return &v
}

func stringPtr(v string) *string {
	return &v
}

// truncate cuts on a rune boundary so a clipped payload stays valid UTF-8
// for the utf8mb4 columns it lands in.
func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
