package provider

import (
	"errors"
	"testing"

	"github.com/vibast-solutions/ms-go-billing/app/types"
)

func TestRegistryGet(t *testing.T) {
	mp := NewMercadoPagoProvider(MercadoPagoConfig{AccessToken: "token"})
	registry := NewRegistry(mp)

	got, err := registry.Get(int32(types.ProviderTypeMercadoPago))
	if err != nil {
		t.Fatalf("expected provider, got error %v", err)
	}
	if got != mp {
		t.Fatal("expected the registered provider instance")
	}
}

func TestRegistryGetUnknownProvider(t *testing.T) {
	registry := NewRegistry(NewMercadoPagoProvider(MercadoPagoConfig{AccessToken: "token"}))

	_, err := registry.Get(int32(types.ProviderTypeAsaas))
	if err == nil {
		t.Fatal("expected error for unregistered provider")
	}

	var unsupported *UnsupportedProviderError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedProviderError, got %T", err)
	}
	if unsupported.Name != types.ProviderDisplayName(int32(types.ProviderTypeAsaas)) {
		t.Fatalf("unexpected provider name in error: %q", unsupported.Name)
	}
}
