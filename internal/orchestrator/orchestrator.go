// Package orchestrator coordinates provider invocations: sequential
// fallback chains for resolution and cover lookup, and concurrent fan-out
// for candidate generation. Provider-level errors are absorbed here and
// never escape to the job state machine.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bibliofeed/aggregator/internal/book"
	"github.com/bibliofeed/aggregator/internal/dedup"
	"github.com/bibliofeed/aggregator/internal/metrics"
	"github.com/bibliofeed/aggregator/internal/quota"
	"github.com/bibliofeed/aggregator/internal/registry"
)

// RateLimiter spaces calls to one upstream across instances.
type RateLimiter interface {
	Wait(ctx context.Context, rateKey string) error
}

// QuotaManager arbitrates the shared daily budget for paid calls.
type QuotaManager interface {
	Reserve(ctx context.Context, cost int64) (quota.Token, error)
	Commit(tok quota.Token)
	Release(ctx context.Context, tok quota.Token) error
}

// CallCounters tallies provider invocations per provider id.
type CallCounters map[string]int

// Merge folds other into c.
func (c CallCounters) Merge(other CallCounters) {
	for id, n := range other {
		c[id] += n
	}
}

// Options tunes fallback behavior.
type Options struct {
	// StopOnFirstSuccess ends the resolution chain at the first provider
	// that returns any resolutions. When false, later providers fill in
	// candidates the earlier ones missed.
	StopOnFirstSuccess bool
}

// Orchestrator owns the provider invocation strategies.
type Orchestrator struct {
	registry *registry.Registry
	limiter  RateLimiter
	quota    QuotaManager
	opts     Options
	logger   *zap.Logger
}

// New creates an Orchestrator over the given registry.
func New(reg *registry.Registry, limiter RateLimiter, qm QuotaManager, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry: reg,
		limiter:  limiter,
		quota:    qm,
		opts:     opts,
		logger:   logger,
	}
}

// serviceContext binds the shared limiter into the per-call context so
// every upstream request a provider issues is paced, not just the first
// of a batch.
func (o *Orchestrator) serviceContext(desc book.Descriptor, cap book.Capability) book.ServiceContext {
	rateKey := desc.ID
	return book.ServiceContext{
		CacheNamespace: desc.ID,
		RateKey:        rateKey,
		Timeout:        desc.Timeout(cap),
		Wait: func(ctx context.Context) error {
			return o.limiter.Wait(ctx, rateKey)
		},
		Logger: o.logger.Named(desc.ID),
	}
}

// GenerateResult is the join of a generation fan-out.
type GenerateResult struct {
	Candidates []book.Candidate
	// NoProviderSucceeded marks the empty-result degraded outcome; it is
	// not an error, the caller chooses the degraded path.
	NoProviderSucceeded bool
	Counters            CallCounters
}

// GenerateFanOut invokes every generation provider in parallel with
// independent timeouts, then merges and deduplicates the non-empty results
// strictly after the join. Parallel branches share no mutable state.
func (o *Orchestrator) GenerateFanOut(ctx context.Context, req book.GenerateRequest) GenerateResult {
	generators := o.registry.Generators()
	result := GenerateResult{Counters: make(CallCounters)}
	if len(generators) == 0 {
		result.NoProviderSucceeded = true
		return result
	}

	type branch struct {
		id         string
		candidates []book.Candidate
		err        error
	}
	branches := make([]branch, len(generators))

	var wg sync.WaitGroup
	for i, gen := range generators {
		wg.Add(1)
		go func(i int, gen book.Generator) {
			defer wg.Done()
			desc := gen.Descriptor()
			svc := o.serviceContext(desc, book.CapabilityGenerate)

			callCtx, cancel := context.WithTimeout(ctx, svc.Timeout)
			defer cancel()
			start := time.Now()
			candidates, err := gen.Generate(callCtx, svc, req)
			metrics.ObserveProviderCall(desc.ID, string(book.CapabilityGenerate), outcome(err), time.Since(start))
			branches[i] = branch{id: desc.ID, candidates: candidates, err: err}
		}(i, gen)
	}
	wg.Wait()

	var merged []book.Candidate
	for _, b := range branches {
		result.Counters[b.id]++
		if b.err != nil {
			o.logger.Warn("generation provider failed",
				zap.String("provider", b.id),
				zap.Bool("fatal", book.IsFatal(b.err)),
				zap.Error(b.err))
			continue
		}
		merged = append(merged, b.candidates...)
	}

	if len(merged) == 0 {
		result.NoProviderSucceeded = true
		return result
	}
	result.Candidates = dedup.Cluster(merged)
	return result
}

// ResolveResult is the outcome of a resolution fallback chain.
type ResolveResult struct {
	Resolutions []book.Resolution
	// BudgetExhausted is set when quota denial or upstream throttling
	// stopped resolution; it drives the synthetic-record degraded path.
	BudgetExhausted bool
	Counters        CallCounters
}

// ResolveFallback tries resolution providers in priority order. Each
// attempt is quota-metered (one unit per call, regardless of batch size)
// and time-boxed; every upstream request a provider issues during the
// attempt is paced through the shared limiter. Transient failures advance
// the chain; fatal failures abort only that provider; the chain itself
// never errors.
func (o *Orchestrator) ResolveFallback(ctx context.Context, batch []book.Candidate) ResolveResult {
	result := ResolveResult{Counters: make(CallCounters)}
	if len(batch) == 0 {
		return result
	}

	resolved := make(map[string]bool, len(batch))
	for _, res := range o.registry.Resolvers() {
		desc := res.Descriptor()
		svc := o.serviceContext(desc, book.CapabilityResolveISBN)

		remaining := unresolved(batch, resolved)
		if len(remaining) == 0 {
			break
		}

		tok, err := o.quota.Reserve(ctx, 1)
		if err != nil {
			// Fail-closed budget: stop the chain, let the caller degrade.
			o.logger.Info("resolution budget denied", zap.String("provider", desc.ID), zap.Error(err))
			result.BudgetExhausted = true
			break
		}

		callCtx, cancel := context.WithTimeout(ctx, svc.Timeout)
		start := time.Now()
		resolutions, err := res.ResolveISBNs(callCtx, svc, remaining)
		cancel()
		metrics.ObserveProviderCall(desc.ID, string(book.CapabilityResolveISBN), outcome(err), time.Since(start))
		result.Counters[desc.ID]++

		if err != nil {
			if relErr := o.quota.Release(ctx, tok); relErr != nil {
				o.logger.Warn("quota release failed", zap.Error(relErr))
			}
			if book.IsBudgetSignal(err) {
				result.BudgetExhausted = true
			}
			o.logger.Warn("resolution provider failed",
				zap.String("provider", desc.ID),
				zap.Bool("fatal", book.IsFatal(err)),
				zap.Error(err))
			// Transient and fatal outcomes alike move to the next provider;
			// fatal only means this provider is done for the invocation.
			continue
		}

		o.quota.Commit(tok)
		for _, r := range resolutions {
			if r.ISBN == "" {
				continue
			}
			key := dedup.Key(r.Candidate.Title, r.Candidate.Author)
			if resolved[key] {
				continue
			}
			resolved[key] = true
			result.Resolutions = append(result.Resolutions, r)
		}

		if o.opts.StopOnFirstSuccess && len(result.Resolutions) > 0 {
			break
		}
	}
	return result
}

// FindCover runs the cover lookup fallback chain for one ISBN. Cover
// endpoints are unmetered, so only rate limiting and time boxes apply.
// A miss everywhere returns (Cover{}, false).
func (o *Orchestrator) FindCover(ctx context.Context, isbn string) (book.Cover, bool, CallCounters) {
	counters := make(CallCounters)
	for _, cf := range o.registry.CoverFinders() {
		desc := cf.Descriptor()
		svc := o.serviceContext(desc, book.CapabilityCover)

		callCtx, cancel := context.WithTimeout(ctx, svc.Timeout)
		start := time.Now()
		cover, err := cf.FindCover(callCtx, svc, isbn)
		cancel()
		metrics.ObserveProviderCall(desc.ID, string(book.CapabilityCover), outcome(err), time.Since(start))
		counters[desc.ID]++

		if err != nil {
			o.logger.Debug("cover provider failed",
				zap.String("provider", desc.ID), zap.String("isbn", isbn), zap.Error(err))
			continue
		}
		return cover, true, counters
	}
	return book.Cover{}, false, counters
}

func unresolved(batch []book.Candidate, resolved map[string]bool) []book.Candidate {
	out := make([]book.Candidate, 0, len(batch))
	for _, c := range batch {
		if !resolved[dedup.Key(c.Title, c.Author)] {
			out = append(out, c)
		}
	}
	return out
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case book.IsFatal(err):
		return "fatal"
	case book.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}
