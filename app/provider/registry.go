package provider

import "github.com/vibast-solutions/ms-go-billing/app/types"

type Registry struct {
	providers map[int32]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	items := make(map[int32]Provider, len(providers))
	for _, p := range providers {
		items[p.Code()] = p
	}
	return &Registry{providers: items}
}

func (r *Registry) Get(code int32) (Provider, error) {
	p, ok := r.providers[code]
	if !ok {
		return nil, &UnsupportedProviderError{Name: types.ProviderDisplayName(code)}
	}
	return p, nil
}
