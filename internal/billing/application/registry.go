package application

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
)

// ProviderRegistry holds the configured gateways in priority order.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers []domain.Provider
}

// NewProviderRegistry creates an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{}
}

// Register appends p. A provider with the same name is replaced in place.
func (r *ProviderRegistry) Register(p domain.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.providers {
		if existing.Name() == p.Name() {
			r.providers[i] = p
			return
		}
	}
	r.providers = append(r.providers, p)
}

// Get returns the provider registered under name.
func (r *ProviderRegistry) Get(name string) (domain.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.providers {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q is not configured", domain.ErrProviderUnavailable, name)
}

// SelectForCurrency picks the provider for a payment. A preferred provider
// must exist and support the currency; otherwise the first registered
// provider supporting it wins.
func (r *ProviderRegistry) SelectForCurrency(currency, preferred string) (domain.Provider, error) {
	currency = strings.ToUpper(currency)

	if preferred != "" {
		p, err := r.Get(preferred)
		if err != nil {
			return nil, err
		}
		if !supports(p, currency) {
			return nil, fmt.Errorf("%w: %s does not accept %s", domain.ErrProviderUnavailable, preferred, currency)
		}
		return p, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if supports(p, currency) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: no provider accepts %s", domain.ErrProviderUnavailable, currency)
}

// Describe lists provider details in priority order.
func (r *ProviderRegistry) Describe() []domain.ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ProviderInfo, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.Describe())
	}
	return out
}

// Len returns the number of registered providers.
func (r *ProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

func supports(p domain.Provider, currency string) bool {
	return slices.Contains(p.SupportedCurrencies(), currency)
}
