// Package book defines the domain types and provider contracts shared by the
// orchestration and backfill components.
package book

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Capability names a kind of work a provider can perform.
type Capability string

const (
	// CapabilityGenerate produces candidate titles for a publication month.
	CapabilityGenerate Capability = "generate"
	// CapabilityResolveISBN resolves candidate title/author pairs to ISBNs.
	CapabilityResolveISBN Capability = "resolve_isbn"
	// CapabilityCover looks up cover image URLs by ISBN.
	CapabilityCover Capability = "cover"
)

// Descriptor describes one provider registration. It is immutable after the
// provider is added to the registry.
type Descriptor struct {
	ID           string
	Capabilities []Capability
	// Priority orders providers within a capability; lower wins.
	Priority int
	// Timeouts bounds a single call per capability. Missing entries fall
	// back to DefaultTimeout.
	Timeouts       map[Capability]time.Duration
	DefaultTimeout time.Duration
	// CacheTTL bounds how long cached responses stay valid.
	CacheTTL time.Duration
}

// Timeout returns the per-capability timeout, or the descriptor default.
func (d Descriptor) Timeout(cap Capability) time.Duration {
	if t, ok := d.Timeouts[cap]; ok && t > 0 {
		return t
	}
	if d.DefaultTimeout > 0 {
		return d.DefaultTimeout
	}
	return 30 * time.Second
}

// Has reports whether the descriptor lists the capability.
func (d Descriptor) Has(cap Capability) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// ServiceContext carries per-call plumbing through a provider invocation.
// It is a value object: built once per call, never mutated.
type ServiceContext struct {
	CacheNamespace string
	RateKey        string
	Timeout        time.Duration
	// Wait paces outbound requests to the provider's upstream. It runs
	// once per request, so multi-request batches stay spaced. Nil means
	// unpaced.
	Wait   func(ctx context.Context) error
	Logger *zap.Logger
}

// Pace blocks until the next upstream request may be issued.
func (s ServiceContext) Pace(ctx context.Context) error {
	if s.Wait == nil {
		return nil
	}
	return s.Wait(ctx)
}

// Candidate is an ephemeral title/author pair produced by a generation
// provider. It lives only for the duration of one backfill job.
type Candidate struct {
	Title        string
	Author       string
	Year         int
	Month        int
	Format       string
	ISBN         string
	Source       string
	Significance string
}

// Resolution ties a candidate to an ISBN found by a resolution provider.
type Resolution struct {
	Candidate Candidate
	ISBN      string
	Provider  string
}

// Cover is the result of a cover lookup.
type Cover struct {
	ISBN     string
	URL      string
	Provider string
}

// GenerateRequest asks a generation provider for candidates covering one
// publication month.
type GenerateRequest struct {
	Year          int
	Month         int
	BatchSize     int
	PromptVariant string
}
