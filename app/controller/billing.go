package controller

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
	"github.com/vibast-solutions/ms-go-billing/app/mapper"
	"github.com/vibast-solutions/ms-go-billing/app/provider"
	"github.com/vibast-solutions/ms-go-billing/app/service"
	"github.com/vibast-solutions/ms-go-billing/app/types"
)

type billingService interface {
	CreateCharge(ctx context.Context, req *types.CreateChargeRequest) (*entity.Charge, error)
	GetCharge(ctx context.Context, id uint64) (*entity.Charge, error)
	OnPoll(ctx context.Context, chargeID uint64) (*entity.Charge, error)
	AwaitTerminal(ctx context.Context, chargeID uint64) (*entity.Charge, error)
	OnManualConfirm(ctx context.Context, chargeID uint64, actor string) (*entity.Charge, error)
	OnWebhook(ctx context.Context, providerSlug string, payload []byte, headers http.Header) (*entity.Charge, error)
	CreateSubscriptionCheckout(ctx context.Context, req *types.SubscriptionCheckoutRequest) (*entity.Charge, error)
	GetSubscription(ctx context.Context, orgID string) (*entity.Organization, error)
	OverrideSubscription(ctx context.Context, req *types.SubscriptionOverrideRequest) (*entity.Organization, error)
}

type BillingController struct {
	service billingService
	logger  logrus.FieldLogger
}

func NewBillingController(service billingService) *BillingController {
	return &BillingController{
		service: service,
		logger:  factory.NewModuleLogger("billing-controller"),
	}
}

func (c *BillingController) Register(e *echo.Echo) {
	e.GET("/health", c.Health)

	e.POST("/charges", c.CreateCharge)
	e.GET("/charges/:id", c.GetCharge)
	e.GET("/charges/:id/status", c.GetChargeStatus)
	e.GET("/charges/:id/await", c.AwaitCharge)
	e.POST("/charges/:id/confirm", c.ManualConfirm)

	e.POST("/webhooks/providers/:provider", c.ProviderWebhook)

	e.POST("/organizations/:id/subscription/checkout", c.SubscriptionCheckout)
	e.GET("/organizations/:id/subscription", c.GetSubscription)
	e.POST("/organizations/:id/subscription/override", c.OverrideSubscription)
}

func (c *BillingController) Health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, types.HealthResponse{Status: "ok"})
}

func (c *BillingController) CreateCharge(ctx echo.Context) error {
	req, err := types.NewCreateChargeRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	charge, err := c.service.CreateCharge(ctx.Request().Context(), req)
	if err != nil {
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Warn("Failed to create charge")
		return c.writeServiceError(ctx, err)
	}

	// A replayed request_id returns the original charge with the same body.
	return ctx.JSON(http.StatusCreated, types.ChargeEnvelopeResponse{Charge: mapper.ChargeToAPI(charge)})
}

func (c *BillingController) GetCharge(ctx echo.Context) error {
	req, err := types.NewGetChargeRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid charge id")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	charge, err := c.service.GetCharge(ctx.Request().Context(), req.ID)
	if err != nil {
		return c.writeServiceError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, types.ChargeEnvelopeResponse{Charge: mapper.ChargeToAPI(charge)})
}

// GetChargeStatus refreshes from the provider before answering, so a client
// stuck waiting on a lost webhook still converges.
func (c *BillingController) GetChargeStatus(ctx echo.Context) error {
	req, err := types.NewGetChargeRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid charge id")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	charge, err := c.service.OnPoll(ctx.Request().Context(), req.ID)
	if err != nil {
		return c.writeServiceError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, types.ChargeStatusResponse{
		ID:     charge.ID,
		Status: types.ChargeStatus(charge.Status).String(),
	})
}

// AwaitCharge is the long-poll variant of GetChargeStatus: it holds the
// request open, re-polling the provider, until the charge settles, its
// expiry passes, or the client goes away.
func (c *BillingController) AwaitCharge(ctx echo.Context) error {
	req, err := types.NewGetChargeRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid charge id")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	charge, err := c.service.AwaitTerminal(ctx.Request().Context(), req.ID)
	if err != nil {
		return c.writeServiceError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, types.ChargeEnvelopeResponse{Charge: mapper.ChargeToAPI(charge)})
}

func (c *BillingController) ManualConfirm(ctx echo.Context) error {
	req, err := types.NewManualConfirmRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	charge, err := c.service.OnManualConfirm(ctx.Request().Context(), req.ID, req.Actor)
	if err != nil {
		factory.LoggerWithContext(c.logger, ctx).WithError(err).WithField("charge_id", req.ID).Warn("Manual confirmation refused")
		return c.writeServiceError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, types.ChargeEnvelopeResponse{Charge: mapper.ChargeToAPI(charge)})
}

func (c *BillingController) ProviderWebhook(ctx echo.Context) error {
	req, err := types.NewProviderWebhookRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	_, err = c.service.OnWebhook(ctx.Request().Context(), req.Provider, req.Payload, req.Headers)
	if err != nil {
		// An unmatched charge is acknowledged so the provider stops
		// retrying; anything else is a real rejection.
		if errors.Is(err, service.ErrChargeNotFound) {
			return ctx.JSON(http.StatusOK, types.MessageResponse{Message: "ignored"})
		}
		factory.LoggerWithContext(c.logger, ctx).WithError(err).WithField("provider", req.Provider).Warn("Webhook rejected")
		return c.writeServiceError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, types.MessageResponse{Message: "accepted"})
}

func (c *BillingController) SubscriptionCheckout(ctx echo.Context) error {
	req, err := types.NewSubscriptionCheckoutRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	charge, err := c.service.CreateSubscriptionCheckout(ctx.Request().Context(), req)
	if err != nil {
		factory.LoggerWithContext(c.logger, ctx).WithError(err).WithField("organization_id", req.OrganizationID).Warn("Failed to create subscription checkout")
		return c.writeServiceError(ctx, err)
	}
	return ctx.JSON(http.StatusCreated, types.ChargeEnvelopeResponse{Charge: mapper.ChargeToAPI(charge)})
}

func (c *BillingController) GetSubscription(ctx echo.Context) error {
	orgID := ctx.Param("id")
	if orgID == "" {
		return writeError(ctx, http.StatusBadRequest, "organization id is required")
	}

	org, err := c.service.GetSubscription(ctx.Request().Context(), orgID)
	if err != nil {
		return c.writeServiceError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, types.SubscriptionEnvelopeResponse{Subscription: mapper.SubscriptionToAPI(org)})
}

func (c *BillingController) OverrideSubscription(ctx echo.Context) error {
	req, err := types.NewSubscriptionOverrideRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	org, err := c.service.OverrideSubscription(ctx.Request().Context(), req)
	if err != nil {
		factory.LoggerWithContext(c.logger, ctx).WithError(err).WithField("organization_id", req.OrganizationID).Warn("Subscription override refused")
		return c.writeServiceError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, types.SubscriptionEnvelopeResponse{Subscription: mapper.SubscriptionToAPI(org)})
}

func (c *BillingController) writeServiceError(ctx echo.Context, err error) error {
	var unsupported *provider.UnsupportedProviderError
	if errors.As(err, &unsupported) {
		return writeError(ctx, http.StatusBadRequest, unsupported.Error())
	}

	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrWebhookRejected),
		errors.Is(err, provider.ErrInvalidAmount):
		return writeError(ctx, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrChargeNotFound),
		errors.Is(err, service.ErrOrderNotFound),
		errors.Is(err, service.ErrOrganizationNotFound):
		return writeError(ctx, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrManualConfirmDisabled):
		return writeError(ctx, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrInvalidStatus),
		errors.Is(err, service.ErrChargeAlreadyExists),
		errors.Is(err, service.ErrSubscriptionConflict):
		return writeError(ctx, http.StatusConflict, err.Error())
	case errors.Is(err, provider.ErrAuthFailed),
		errors.Is(err, provider.ErrProviderUnavailable):
		return writeError(ctx, http.StatusBadGateway, "payment provider is unavailable")
	default:
		return writeError(ctx, http.StatusInternalServerError, "internal server error")
	}
}

func writeError(ctx echo.Context, status int, message string) error {
	return ctx.JSON(status, types.ErrorResponse{Error: message})
}
