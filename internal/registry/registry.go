// Package registry maps (provider id, capability) pairs to provider
// implementations and yields priority-ordered lists per capability.
package registry

import (
	"fmt"
	"sort"

	"github.com/bibliofeed/aggregator/internal/book"
)

// Registry is built once at startup and read-only afterwards. Priority
// order per capability is fixed at construction; reordering based on
// observed success rates is an offline operational decision.
type Registry struct {
	byID  map[string]book.Provider
	byCap map[book.Capability][]book.Provider
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byID:  make(map[string]book.Provider),
		byCap: make(map[book.Capability][]book.Provider),
	}
}

// Register adds a provider under every capability its descriptor lists.
// Registering the same id twice is a configuration error.
func (r *Registry) Register(p book.Provider) error {
	desc := p.Descriptor()
	if desc.ID == "" {
		return fmt.Errorf("provider descriptor has empty id")
	}
	if len(desc.Capabilities) == 0 {
		return fmt.Errorf("provider %s lists no capabilities", desc.ID)
	}
	if _, ok := r.byID[desc.ID]; ok {
		return fmt.Errorf("provider %s already registered", desc.ID)
	}
	r.byID[desc.ID] = p
	for _, cap := range desc.Capabilities {
		r.byCap[cap] = append(r.byCap[cap], p)
		sort.SliceStable(r.byCap[cap], func(i, j int) bool {
			return r.byCap[cap][i].Descriptor().Priority < r.byCap[cap][j].Descriptor().Priority
		})
	}
	return nil
}

// Lookup returns the provider registered under id with the capability.
func (r *Registry) Lookup(id string, cap book.Capability) (book.Provider, bool) {
	p, ok := r.byID[id]
	if !ok || !p.Descriptor().Has(cap) {
		return nil, false
	}
	return p, true
}

// ByCapability returns a priority-ordered snapshot of providers exposing
// the capability. The returned slice is a copy; callers may not mutate
// registry state through it.
func (r *Registry) ByCapability(cap book.Capability) []book.Provider {
	providers := r.byCap[cap]
	out := make([]book.Provider, len(providers))
	copy(out, providers)
	return out
}

// Resolvers returns the capability list narrowed to the Resolver contract.
func (r *Registry) Resolvers() []book.Resolver {
	var out []book.Resolver
	for _, p := range r.ByCapability(book.CapabilityResolveISBN) {
		if res, ok := p.(book.Resolver); ok {
			out = append(out, res)
		}
	}
	return out
}

// Generators returns the capability list narrowed to the Generator contract.
func (r *Registry) Generators() []book.Generator {
	var out []book.Generator
	for _, p := range r.ByCapability(book.CapabilityGenerate) {
		if gen, ok := p.(book.Generator); ok {
			out = append(out, gen)
		}
	}
	return out
}

// CoverFinders returns the capability list narrowed to CoverFinder.
func (r *Registry) CoverFinders() []book.CoverFinder {
	var out []book.CoverFinder
	for _, p := range r.ByCapability(book.CapabilityCover) {
		if cf, ok := p.(book.CoverFinder); ok {
			out = append(out, cf)
		}
	}
	return out
}
