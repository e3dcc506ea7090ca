package service

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/provider"
	"github.com/vibast-solutions/ms-go-billing/app/repository"
	"github.com/vibast-solutions/ms-go-billing/app/types"
	"github.com/vibast-solutions/ms-go-billing/config"
)

type serviceChargeRepo struct {
	charges map[uint64]*entity.Charge
	nextID  uint64
}

func newServiceChargeRepo() *serviceChargeRepo {
	return &serviceChargeRepo{
		charges: map[uint64]*entity.Charge{},
		nextID:  1,
	}
}

func (r *serviceChargeRepo) Create(_ context.Context, charge *entity.Charge) error {
	for _, item := range r.charges {
		if item.RequestID == charge.RequestID {
			return repository.ErrChargeAlreadyExists
		}
	}
	id := r.nextID
	r.nextID++
	copyItem := *charge
	copyItem.ID = id
	r.charges[id] = &copyItem
	charge.ID = id
	return nil
}

func (r *serviceChargeRepo) PromoteToAwaiting(_ context.Context, charge *entity.Charge, createdStatus, awaitingStatus int32) (bool, error) {
	item, ok := r.charges[charge.ID]
	if !ok || item.Status != createdStatus {
		return false, nil
	}
	item.ProviderRef = charge.ProviderRef
	item.PixCopyPaste = charge.PixCopyPaste
	item.QRImageBase64 = charge.QRImageBase64
	item.RawPayload = charge.RawPayload
	item.ExpiresAt = charge.ExpiresAt
	item.Status = awaitingStatus
	item.UpdatedAt = charge.UpdatedAt
	return true, nil
}

func (r *serviceChargeRepo) TransitionStatus(_ context.Context, id uint64, from []int32, to int32, source, actor, rawPayload *string, now time.Time) (bool, error) {
	item, ok := r.charges[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, s := range from {
		if item.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	item.Status = to
	if source != nil && item.PaidSource == nil {
		item.PaidSource = source
	}
	if actor != nil && item.PaidActor == nil {
		item.PaidActor = actor
	}
	if rawPayload != nil {
		item.RawPayload = rawPayload
	}
	item.UpdatedAt = now
	return true, nil
}

func (r *serviceChargeRepo) UpdateRelease(_ context.Context, charge *entity.Charge) error {
	item, ok := r.charges[charge.ID]
	if !ok {
		return repository.ErrChargeNotFound
	}
	item.ReleaseStatus = charge.ReleaseStatus
	item.ReleaseAttempts = charge.ReleaseAttempts
	item.ReleaseNextAt = charge.ReleaseNextAt
	item.ReleaseLastErr = charge.ReleaseLastErr
	item.UpdatedAt = charge.UpdatedAt
	return nil
}

func (r *serviceChargeRepo) FindByID(_ context.Context, id uint64) (*entity.Charge, error) {
	item, ok := r.charges[id]
	if !ok {
		return nil, nil
	}
	copyItem := *item
	return &copyItem, nil
}

func (r *serviceChargeRepo) FindByRequestID(_ context.Context, requestID string) (*entity.Charge, error) {
	for _, item := range r.charges {
		if item.RequestID == requestID {
			copyItem := *item
			return &copyItem, nil
		}
	}
	return nil, nil
}

func (r *serviceChargeRepo) FindByProviderRef(_ context.Context, providerCode int32, providerRef string) (*entity.Charge, error) {
	for _, item := range r.charges {
		if item.Provider == providerCode && item.ProviderRef != nil && *item.ProviderRef == providerRef {
			copyItem := *item
			return &copyItem, nil
		}
	}
	return nil, nil
}

func (r *serviceChargeRepo) FindAwaitingBySubject(_ context.Context, providerCode int32, subjectID string, awaitingStatuses []int32) (*entity.Charge, error) {
	var found *entity.Charge
	for _, item := range r.charges {
		if item.Provider != providerCode || item.SubjectID != subjectID {
			continue
		}
		for _, s := range awaitingStatuses {
			if item.Status == s && (found == nil || item.ID > found.ID) {
				found = item
			}
		}
	}
	if found == nil {
		return nil, nil
	}
	copyItem := *found
	return &copyItem, nil
}

func (r *serviceChargeRepo) ListExpiredAwaiting(_ context.Context, awaitingStatus int32, now time.Time, limit int32) ([]*entity.Charge, error) {
	items := make([]*entity.Charge, 0)
	for _, item := range r.charges {
		if item.Status == awaitingStatus && item.ExpiresAt != nil && !item.ExpiresAt.After(now) {
			copyItem := *item
			items = append(items, &copyItem)
		}
	}
	return limitCharges(items, limit), nil
}

func (r *serviceChargeRepo) ListStaleCreated(_ context.Context, createdStatus int32, cutoff time.Time, limit int32) ([]*entity.Charge, error) {
	items := make([]*entity.Charge, 0)
	for _, item := range r.charges {
		if item.Status == createdStatus && !item.CreatedAt.After(cutoff) {
			copyItem := *item
			items = append(items, &copyItem)
		}
	}
	return limitCharges(items, limit), nil
}

func (r *serviceChargeRepo) ListAwaitingForReconcile(_ context.Context, awaitingStatus int32, before time.Time, limit int32) ([]*entity.Charge, error) {
	items := make([]*entity.Charge, 0)
	for _, item := range r.charges {
		if item.Status == awaitingStatus && item.ProviderRef != nil && !item.UpdatedAt.After(before) {
			copyItem := *item
			items = append(items, &copyItem)
		}
	}
	return limitCharges(items, limit), nil
}

func (r *serviceChargeRepo) ListDueReleases(_ context.Context, now time.Time, limit int32) ([]*entity.Charge, error) {
	items := make([]*entity.Charge, 0)
	for _, item := range r.charges {
		if item.ReleaseStatus == entity.ReleaseDeliveryPending && item.ReleaseNextAt != nil && !item.ReleaseNextAt.After(now) {
			copyItem := *item
			items = append(items, &copyItem)
		}
	}
	return limitCharges(items, limit), nil
}

func limitCharges(items []*entity.Charge, limit int32) []*entity.Charge {
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if limit <= 0 || int(limit) >= len(items) {
		return items
	}
	return items[:limit]
}

type serviceOrgRepo struct {
	orgs map[string]*entity.Organization
}

func newServiceOrgRepo() *serviceOrgRepo {
	return &serviceOrgRepo{orgs: map[string]*entity.Organization{}}
}

func (r *serviceOrgRepo) FindByID(_ context.Context, id string) (*entity.Organization, error) {
	item, ok := r.orgs[id]
	if !ok {
		return nil, nil
	}
	copyItem := *item
	return &copyItem, nil
}

func (r *serviceOrgRepo) ActivateSubscription(_ context.Context, orgID, planKey string, providerRef *string, renewsUntil, now time.Time) (bool, error) {
	item, ok := r.orgs[orgID]
	if !ok || item.SubscriptionStatus == types.SubscriptionStatusActive {
		return false, nil
	}
	item.SubscriptionStatus = types.SubscriptionStatusActive
	item.PlanKey = &planKey
	item.ProviderSubscriptionRef = providerRef
	item.RenewsUntil = &renewsUntil
	item.UpdatedAt = now
	return true, nil
}

func (r *serviceOrgRepo) ExtendRenewsUntil(_ context.Context, orgID string, periodDays int, now time.Time) (bool, error) {
	item, ok := r.orgs[orgID]
	if !ok {
		return false, nil
	}
	base := now
	if item.RenewsUntil != nil && item.RenewsUntil.After(now) {
		base = *item.RenewsUntil
	}
	extended := base.AddDate(0, 0, periodDays)
	item.RenewsUntil = &extended
	item.UpdatedAt = now
	return true, nil
}

func (r *serviceOrgRepo) MarkSubscriptionLapsed(_ context.Context, orgID, status string, now time.Time) (bool, error) {
	item, ok := r.orgs[orgID]
	if !ok {
		return false, nil
	}
	switch item.SubscriptionStatus {
	case types.SubscriptionStatusTrial, types.SubscriptionStatusActive, types.SubscriptionStatusPastDue:
	default:
		return false, nil
	}
	item.SubscriptionStatus = status
	item.ProviderSubscriptionRef = nil
	item.UpdatedAt = now
	return true, nil
}

func (r *serviceOrgRepo) OverrideSubscription(_ context.Context, orgID, expectedStatus, status string, planKey *string, renewsUntil *time.Time, now time.Time) (bool, error) {
	item, ok := r.orgs[orgID]
	if !ok || item.SubscriptionStatus != expectedStatus {
		return false, nil
	}
	item.SubscriptionStatus = status
	if planKey != nil {
		item.PlanKey = planKey
	}
	if renewsUntil != nil {
		item.RenewsUntil = renewsUntil
	}
	item.UpdatedAt = now
	return true, nil
}

type serviceOrderRepo struct {
	orders map[string]*entity.Order
}

func newServiceOrderRepo() *serviceOrderRepo {
	return &serviceOrderRepo{orders: map[string]*entity.Order{}}
}

func (r *serviceOrderRepo) FindByID(_ context.Context, id string) (*entity.Order, error) {
	item, ok := r.orders[id]
	if !ok {
		return nil, nil
	}
	copyItem := *item
	return &copyItem, nil
}

func (r *serviceOrderRepo) MarkReleased(_ context.Context, orderID string, chargeID uint64, now time.Time) (bool, error) {
	item, ok := r.orders[orderID]
	if !ok {
		return false, nil
	}
	if item.ReleasedAt != nil {
		return false, nil
	}
	item.ReleasedAt = &now
	item.ReleasedChargeID = &chargeID
	return true, nil
}

type serviceGrantRepo struct {
	grants []*entity.ReferralGrant
	nextID uint64
}

func (r *serviceGrantRepo) Create(_ context.Context, grant *entity.ReferralGrant) error {
	for _, item := range r.grants {
		if item.ReferrerOrgID == grant.ReferrerOrgID && item.ReferredOrgID == grant.ReferredOrgID {
			return repository.ErrGrantAlreadyExists
		}
	}
	r.nextID++
	copyItem := *grant
	copyItem.ID = r.nextID
	r.grants = append(r.grants, &copyItem)
	grant.ID = r.nextID
	return nil
}

func (r *serviceGrantRepo) ListUnapplied(_ context.Context, limit int32) ([]*entity.ReferralGrant, error) {
	items := make([]*entity.ReferralGrant, 0)
	for _, item := range r.grants {
		if item.AppliedAt == nil {
			copyItem := *item
			items = append(items, &copyItem)
		}
	}
	if limit > 0 && int(limit) < len(items) {
		items = items[:limit]
	}
	return items, nil
}

func (r *serviceGrantRepo) MarkApplied(_ context.Context, id uint64, now time.Time) (bool, error) {
	for _, item := range r.grants {
		if item.ID == id && item.AppliedAt == nil {
			item.AppliedAt = &now
			return true, nil
		}
	}
	return false, nil
}

type serviceEventRepo struct {
	events []*entity.ChargeEvent
}

func (r *serviceEventRepo) Create(_ context.Context, event *entity.ChargeEvent) error {
	copyItem := *event
	r.events = append(r.events, &copyItem)
	return nil
}

func (r *serviceEventRepo) byType(eventType string) []*entity.ChargeEvent {
	matched := make([]*entity.ChargeEvent, 0)
	for _, item := range r.events {
		if item.EventType == eventType {
			matched = append(matched, item)
		}
	}
	return matched
}

type serviceProvider struct {
	code        int32
	handle      *provider.ChargeHandle
	createErr   error
	queryStatus int32
	queryErr    error
	webhookEvt  *provider.WebhookEvent
	webhookErr  error
	createCalls int
	queryCalls  int
}

func (p *serviceProvider) Code() int32 {
	if p.code != 0 {
		return p.code
	}
	return int32(types.ProviderTypeMercadoPago)
}

func (p *serviceProvider) Name() string {
	return "Mercado Pago"
}

func (p *serviceProvider) CreateCharge(context.Context, *provider.CreateInput) (*provider.ChargeHandle, error) {
	p.createCalls++
	if p.createErr != nil {
		return nil, p.createErr
	}
	if p.handle != nil {
		return p.handle, nil
	}
	return &provider.ChargeHandle{
		ProviderRef:   "mp-123",
		PixCopyPaste:  "00020126pixcopypaste",
		QRImageBase64: "aW1hZ2U=",
		RawPayload:    `{"id":"mp-123"}`,
	}, nil
}

func (p *serviceProvider) QueryStatus(context.Context, string) (int32, error) {
	p.queryCalls++
	if p.queryErr != nil {
		return 0, p.queryErr
	}
	return p.queryStatus, nil
}

func (p *serviceProvider) ParseWebhook([]byte, http.Header) (*provider.WebhookEvent, error) {
	if p.webhookErr != nil {
		return nil, p.webhookErr
	}
	if p.webhookEvt != nil {
		return p.webhookEvt, nil
	}
	return nil, provider.ErrUnrecognizedPayload
}

type testDeps struct {
	chargeRepo *serviceChargeRepo
	orgRepo    *serviceOrgRepo
	orderRepo  *serviceOrderRepo
	grantRepo  *serviceGrantRepo
	eventRepo  *serviceEventRepo
	provider   *serviceProvider
}

func newBillingServiceForTest(t *testing.T, deps *testDeps) *BillingService {
	t.Helper()
	svc := NewBillingService(
		deps.chargeRepo,
		deps.orgRepo,
		deps.orderRepo,
		deps.grantRepo,
		deps.eventRepo,
		provider.NewRegistry(deps.provider),
		config.BillingConfig{
			DefaultProvider:        "mercadopago",
			ChargeTTL:              10 * time.Minute,
			PollInterval:           time.Second,
			SubscriptionPeriodDays: 30,
			GraceDays:              3,
			ReferralBonusDays:      30,
			ReleaseMaxAttempts:     3,
			ReleaseRetryInterval:   time.Minute,
			ReleaseHTTPTimeout:     time.Second,
			ReconcileStaleAfter:    time.Minute,
			JobBatchSize:           100,
		},
		"billing-app-key",
	)
	svc.sleep = func(time.Duration) {}
	return svc
}

func newTestDeps() *testDeps {
	return &testDeps{
		chargeRepo: newServiceChargeRepo(),
		orgRepo:    newServiceOrgRepo(),
		orderRepo:  newServiceOrderRepo(),
		grantRepo:  &serviceGrantRepo{},
		eventRepo:  &serviceEventRepo{},
		provider:   &serviceProvider{},
	}
}

func seedOrg(deps *testDeps, id, status, mode string) *entity.Organization {
	org := &entity.Organization{
		ID:                 id,
		Name:               "Test Restaurant",
		SubscriptionStatus: status,
		ConfirmationMode:   mode,
	}
	deps.orgRepo.orgs[id] = org
	return org
}

func seedOrder(deps *testDeps, id, orgID string, totalCents int64) *entity.Order {
	order := &entity.Order{ID: id, OrganizationID: orgID, TotalCents: totalCents}
	deps.orderRepo.orders[id] = order
	return order
}

func TestCreateChargeIdempotentByRequestID(t *testing.T) {
	deps := newTestDeps()
	seedOrg(deps, "org-1", types.SubscriptionStatusActive, types.ConfirmationModeAutomatic)
	seedOrder(deps, "order-1", "org-1", 4500)
	svc := newBillingServiceForTest(t, deps)

	req := &types.CreateChargeRequest{
		RequestID:      "req-1",
		SubjectType:    types.SubjectTypeOrder,
		SubjectID:      "order-1",
		OrganizationID: "org-1",
		AmountCents:    4500,
		PayerDocument:  "12345678901",
		Description:    "Pedido #42",
	}

	first, err := svc.CreateCharge(context.Background(), req)
	if err != nil {
		t.Fatalf("create charge failed: %v", err)
	}
	if first.Status != int32(types.ChargeStatusAwaiting) {
		t.Fatalf("expected awaiting status, got %d", first.Status)
	}
	if first.PixCopyPaste == nil || *first.PixCopyPaste == "" {
		t.Fatal("expected pix copy-paste code on created charge")
	}

	second, err := svc.CreateCharge(context.Background(), req)
	if err != nil {
		t.Fatalf("second create charge failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same charge id for replayed request, first=%d second=%d", first.ID, second.ID)
	}
	if deps.provider.createCalls != 1 {
		t.Fatalf("expected one provider create call, got %d", deps.provider.createCalls)
	}
}

func TestCreateChargeProviderFailureMarksRejected(t *testing.T) {
	deps := newTestDeps()
	seedOrg(deps, "org-1", types.SubscriptionStatusActive, types.ConfirmationModeAutomatic)
	seedOrder(deps, "order-1", "org-1", 4500)
	deps.provider.createErr = provider.ErrProviderUnavailable
	svc := newBillingServiceForTest(t, deps)

	_, err := svc.CreateCharge(context.Background(), &types.CreateChargeRequest{
		RequestID:      "req-1",
		SubjectType:    types.SubjectTypeOrder,
		SubjectID:      "order-1",
		OrganizationID: "org-1",
		AmountCents:    4500,
		PayerDocument:  "12345678901",
	})
	if !errors.Is(err, provider.ErrProviderUnavailable) {
		t.Fatalf("expected provider error, got %v", err)
	}

	stored, _ := deps.chargeRepo.FindByRequestID(context.Background(), "req-1")
	if stored == nil {
		t.Fatal("expected durable charge record despite provider failure")
	}
	if stored.Status != int32(types.ChargeStatusRejected) {
		t.Fatalf("expected rejected status after provider failure, got %d", stored.Status)
	}
}

func TestCreateChargeAmountMismatchRejected(t *testing.T) {
	deps := newTestDeps()
	seedOrg(deps, "org-1", types.SubscriptionStatusActive, types.ConfirmationModeAutomatic)
	seedOrder(deps, "order-1", "org-1", 5000)
	svc := newBillingServiceForTest(t, deps)

	_, err := svc.CreateCharge(context.Background(), &types.CreateChargeRequest{
		RequestID:      "req-1",
		SubjectType:    types.SubjectTypeOrder,
		SubjectID:      "order-1",
		OrganizationID: "org-1",
		AmountCents:    4500,
		PayerDocument:  "12345678901",
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for amount mismatch, got %v", err)
	}
}

func TestCreateChargeUnknownOrderRejected(t *testing.T) {
	deps := newTestDeps()
	seedOrg(deps, "org-1", types.SubscriptionStatusActive, types.ConfirmationModeAutomatic)
	svc := newBillingServiceForTest(t, deps)

	_, err := svc.CreateCharge(context.Background(), &types.CreateChargeRequest{
		RequestID:      "req-1",
		SubjectType:    types.SubjectTypeOrder,
		SubjectID:      "missing-order",
		OrganizationID: "org-1",
		AmountCents:    4500,
		PayerDocument:  "12345678901",
	})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCreateChargeUnknownOrganizationRejected(t *testing.T) {
	deps := newTestDeps()
	seedOrder(deps, "order-1", "org-1", 4500)
	svc := newBillingServiceForTest(t, deps)

	_, err := svc.CreateCharge(context.Background(), &types.CreateChargeRequest{
		RequestID:      "req-1",
		SubjectType:    types.SubjectTypeOrder,
		SubjectID:      "order-1",
		OrganizationID: "org-1",
		AmountCents:    4500,
		PayerDocument:  "12345678901",
	})
	if !errors.Is(err, ErrOrganizationNotFound) {
		t.Fatalf("expected ErrOrganizationNotFound, got %v", err)
	}
}

func TestCreateChargeEmptyRequestIDRejected(t *testing.T) {
	deps := newTestDeps()
	svc := newBillingServiceForTest(t, deps)

	_, err := svc.CreateCharge(context.Background(), &types.CreateChargeRequest{
		SubjectType:    types.SubjectTypeOrder,
		SubjectID:      "order-1",
		OrganizationID: "org-1",
		AmountCents:    4500,
		PayerDocument:  "12345678901",
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	if got := truncate("pagamento", 4); got != "paga" {
		t.Fatalf("expected paga, got %q", got)
	}
	if got := truncate("curto", 100); got != "curto" {
		t.Fatalf("expected input unchanged, got %q", got)
	}

	// "Efí" is 4 bytes; a 3-byte cut would split the í.
	got := truncate("Efí", 3)
	if got != "Ef" {
		t.Fatalf("expected cut before the split rune, got %q", got)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("expected valid utf-8 after truncation, got %q", got)
	}

	if got := truncate("ééé", 1); got != "" {
		t.Fatalf("expected empty string when no rune fits, got %q", got)
	}
}
