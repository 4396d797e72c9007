package book

import (
	"context"
	"time"
)

// Provider is the minimal contract every upstream integration satisfies.
type Provider interface {
	Descriptor() Descriptor
}

// Generator produces candidate books for a publication month.
type Generator interface {
	Provider
	Generate(ctx context.Context, svc ServiceContext, req GenerateRequest) ([]Candidate, error)
}

// Resolver resolves a batch of candidates to ISBNs. One call covers the
// whole batch; callers batch aggressively because quota cost is per call.
type Resolver interface {
	Provider
	ResolveISBNs(ctx context.Context, svc ServiceContext, batch []Candidate) ([]Resolution, error)
}

// CoverFinder looks up a cover image URL for an ISBN.
type CoverFinder interface {
	Provider
	FindCover(ctx context.Context, svc ServiceContext, isbn string) (Cover, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
