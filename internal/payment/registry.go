package payment

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCurrencyConflict is returned when two providers claim the same currency.
var ErrCurrencyConflict = errors.New("payment: currency claimed by more than one provider")

// Registry maps currencies and provider names to provider instances. It is
// read-only once constructed.
type Registry struct {
	byCurrency map[Currency]Provider
	byName     map[string]Provider
	order      []Provider
}

// NewRegistry validates currency ownership and builds the lookup tables.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{
		byCurrency: make(map[Currency]Provider),
		byName:     make(map[string]Provider),
	}
	for _, p := range providers {
		if p == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(p.Name()))
		if name == "" {
			return nil, errors.New("payment: provider without a name")
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("payment: provider %q registered twice", name)
		}
		currencies := p.SupportedCurrencies()
		if len(currencies) == 0 {
			return nil, fmt.Errorf("payment: provider %q declares no currencies", name)
		}
		for _, c := range currencies {
			if owner, taken := r.byCurrency[c]; taken {
				return nil, fmt.Errorf("%w: %s owned by %s and %s", ErrCurrencyConflict, c, owner.Name(), p.Name())
			}
			r.byCurrency[c] = p
		}
		r.byName[name] = p
		r.order = append(r.order, p)
	}
	return r, nil
}

// Select returns the provider owning currency.
func (r *Registry) Select(currency Currency) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.byCurrency[currency]
	return p, ok
}

// ByName returns the provider registered under name, as used in webhook paths.
func (r *Registry) ByName(name string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Providers lists registered providers in registration order.
func (r *Registry) Providers() []Provider {
	if r == nil {
		return nil
	}
	out := make([]Provider, len(r.order))
	copy(out, r.order)
	return out
}

// Ownership returns the currency to provider-name mapping.
func (r *Registry) Ownership() map[string]string {
	out := make(map[string]string)
	if r == nil {
		return out
	}
	for c, p := range r.byCurrency {
		out[string(c)] = p.Name()
	}
	return out
}

// Currencies lists every currency with an owning provider, sorted.
func (r *Registry) Currencies() []Currency {
	if r == nil {
		return nil
	}
	out := make([]Currency, 0, len(r.byCurrency))
	for c := range r.byCurrency {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
