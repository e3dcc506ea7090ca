package provider

import (
	"errors"
	"fmt"
)

var (
	ErrAuthFailed          = errors.New("provider authentication failed")
	ErrInvalidAmount       = errors.New("provider rejected the charge amount")
	ErrProviderUnavailable = errors.New("provider is unavailable")
	ErrNotFound            = errors.New("charge not found at provider")
	ErrUnrecognizedPayload = errors.New("unrecognized webhook payload")
)

// UnsupportedProviderError carries the provider's display name so callers
// can show an actionable message instead of silently no-opping.
type UnsupportedProviderError struct {
	Name string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("payment provider %s is not supported", e.Name)
}
