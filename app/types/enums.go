package types

// ChargeStatus codes are stored as-is in the charges table. Transitions are
// monotonic: created -> awaiting -> exactly one terminal status.
type ChargeStatus int32

const (
	ChargeStatusUnspecified ChargeStatus = 0
	ChargeStatusCreated     ChargeStatus = 1
	ChargeStatusAwaiting    ChargeStatus = 2
	ChargeStatusPaid        ChargeStatus = 10
	ChargeStatusRejected    ChargeStatus = 20
	ChargeStatusExpired     ChargeStatus = 21
	ChargeStatusCancelled   ChargeStatus = 22
)

func (s ChargeStatus) String() string {
	switch s {
	case ChargeStatusCreated:
		return "created"
	case ChargeStatusAwaiting:
		return "awaiting"
	case ChargeStatusPaid:
		return "paid"
	case ChargeStatusRejected:
		return "rejected"
	case ChargeStatusExpired:
		return "expired"
	case ChargeStatusCancelled:
		return "cancelled"
	default:
		return "unspecified"
	}
}

func (s ChargeStatus) Terminal() bool {
	switch s {
	case ChargeStatusPaid, ChargeStatusRejected, ChargeStatusExpired, ChargeStatusCancelled:
		return true
	default:
		return false
	}
}

type ProviderType int32

const (
	ProviderTypeUnspecified ProviderType = 0
	ProviderTypeMercadoPago ProviderType = 1
	ProviderTypeAsaas       ProviderType = 2
	ProviderTypeEfi         ProviderType = 3
)

func (p ProviderType) String() string {
	switch p {
	case ProviderTypeMercadoPago:
		return "mercadopago"
	case ProviderTypeAsaas:
		return "asaas"
	case ProviderTypeEfi:
		return "efi"
	default:
		return "unspecified"
	}
}

// ProviderDisplayName is the human-readable name used in user-facing
// unsupported-provider messages.
func ProviderDisplayName(code int32) string {
	switch ProviderType(code) {
	case ProviderTypeMercadoPago:
		return "Mercado Pago"
	case ProviderTypeAsaas:
		return "Asaas"
	case ProviderTypeEfi:
		return "Efí"
	default:
		return "unknown provider"
	}
}

const (
	SubjectTypeOrder        = "order"
	SubjectTypeSubscription = "subscription"
)

const (
	PaidSourceWebhook = "webhook"
	PaidSourcePoll    = "poll"
	PaidSourceManual  = "manual"
)

const (
	SubscriptionStatusTrial     = "trial"
	SubscriptionStatusActive    = "active"
	SubscriptionStatusPastDue   = "past_due"
	SubscriptionStatusCancelled = "cancelled"
)

const (
	ConfirmationModeAutomatic = "automatic"
	ConfirmationModeManual    = "manual"
)
