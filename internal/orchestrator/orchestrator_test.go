package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bibliofeed/aggregator/internal/book"
	"github.com/bibliofeed/aggregator/internal/quota"
	"github.com/bibliofeed/aggregator/internal/registry"
)

type fakeLimiter struct {
	mu    sync.Mutex
	waits []string
	err   error
}

func (f *fakeLimiter) Wait(_ context.Context, rateKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits = append(f.waits, rateKey)
	return f.err
}

type fakeQuota struct {
	mu       sync.Mutex
	budget   int
	reserves int
	releases int
	commits  int
}

func (f *fakeQuota) Reserve(_ context.Context, cost int64) (quota.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserves++
	if f.budget < int(cost) {
		return quota.Token{}, book.ErrQuotaExhausted
	}
	f.budget -= int(cost)
	return quota.Token{Cost: cost}, nil
}

func (f *fakeQuota) Commit(quota.Token) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
}

func (f *fakeQuota) Release(_ context.Context, tok quota.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	f.budget += int(tok.Cost)
	return nil
}

type fakeGenerator struct {
	desc       book.Descriptor
	candidates []book.Candidate
	err        error
}

func (g *fakeGenerator) Descriptor() book.Descriptor { return g.desc }

// Fakes pace once per upstream request, the way the fetch layer does for
// real providers.
func (g *fakeGenerator) Generate(ctx context.Context, svc book.ServiceContext, _ book.GenerateRequest) ([]book.Candidate, error) {
	if err := svc.Pace(ctx); err != nil {
		return nil, err
	}
	return g.candidates, g.err
}

type fakeResolver struct {
	desc        book.Descriptor
	resolutions []book.Resolution
	err         error
	calls       int
}

func (r *fakeResolver) Descriptor() book.Descriptor { return r.desc }

func (r *fakeResolver) ResolveISBNs(ctx context.Context, svc book.ServiceContext, batch []book.Candidate) ([]book.Resolution, error) {
	r.calls++
	for range batch {
		if err := svc.Pace(ctx); err != nil {
			return nil, err
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	// Resolve only candidates present in the remaining batch.
	byTitle := make(map[string]bool, len(batch))
	for _, c := range batch {
		byTitle[c.Title] = true
	}
	var out []book.Resolution
	for _, res := range r.resolutions {
		if byTitle[res.Candidate.Title] {
			out = append(out, res)
		}
	}
	return out, nil
}

type fakeCoverFinder struct {
	desc  book.Descriptor
	cover book.Cover
	err   error
}

func (c *fakeCoverFinder) Descriptor() book.Descriptor { return c.desc }

func (c *fakeCoverFinder) FindCover(ctx context.Context, svc book.ServiceContext, _ string) (book.Cover, error) {
	if err := svc.Pace(ctx); err != nil {
		return book.Cover{}, err
	}
	return c.cover, c.err
}

func descriptor(id string, priority int, caps ...book.Capability) book.Descriptor {
	return book.Descriptor{ID: id, Priority: priority, Capabilities: caps}
}

func newTestOrchestrator(t *testing.T, providers []book.Provider, budget int, opts Options) (*Orchestrator, *fakeLimiter, *fakeQuota) {
	t.Helper()
	reg := registry.New()
	for _, p := range providers {
		require.NoError(t, reg.Register(p))
	}
	limiter := &fakeLimiter{}
	qm := &fakeQuota{budget: budget}
	return New(reg, limiter, qm, opts, nil), limiter, qm
}

func TestGenerateFanOutMergesAndDeduplicates(t *testing.T) {
	t.Parallel()

	genA := &fakeGenerator{
		desc: descriptor("gen-a", 1, book.CapabilityGenerate),
		candidates: []book.Candidate{
			{Title: "The Hobbit", Author: "J.R.R. Tolkien"},
			{Title: "Dune", Author: "Frank Herbert"},
		},
	}
	genB := &fakeGenerator{
		desc: descriptor("gen-b", 2, book.CapabilityGenerate),
		candidates: []book.Candidate{
			{Title: "The Hobbit!", Author: "J. R. R. Tolkien"},
			{Title: "I, Robot", Author: "Isaac Asimov"},
		},
	}

	orch, limiter, _ := newTestOrchestrator(t, []book.Provider{genA, genB}, 0, Options{})
	result := orch.GenerateFanOut(context.Background(), book.GenerateRequest{Year: 1980, Month: 6})

	require.False(t, result.NoProviderSucceeded)
	require.Len(t, result.Candidates, 3)
	require.Equal(t, 1, result.Counters["gen-a"])
	require.Equal(t, 1, result.Counters["gen-b"])
	require.Len(t, limiter.waits, 2)
}

func TestGenerateFanOutToleratesOneFailedBranch(t *testing.T) {
	t.Parallel()

	genOK := &fakeGenerator{
		desc:       descriptor("gen-ok", 1, book.CapabilityGenerate),
		candidates: []book.Candidate{{Title: "Dune", Author: "Frank Herbert"}},
	}
	genBad := &fakeGenerator{
		desc: descriptor("gen-bad", 2, book.CapabilityGenerate),
		err:  book.ErrTimeout,
	}

	orch, _, _ := newTestOrchestrator(t, []book.Provider{genOK, genBad}, 0, Options{})
	result := orch.GenerateFanOut(context.Background(), book.GenerateRequest{})

	require.False(t, result.NoProviderSucceeded)
	require.Len(t, result.Candidates, 1)
}

func TestGenerateFanOutPacingErrorFailsBranch(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{
		desc:       descriptor("gen", 1, book.CapabilityGenerate),
		candidates: []book.Candidate{{Title: "Dune", Author: "Frank Herbert"}},
	}

	orch, limiter, _ := newTestOrchestrator(t, []book.Provider{gen}, 0, Options{})
	limiter.err = context.Canceled
	result := orch.GenerateFanOut(context.Background(), book.GenerateRequest{})

	require.True(t, result.NoProviderSucceeded)
	require.Empty(t, result.Candidates)
}

func TestGenerateFanOutAllFailedIsDegradedNotError(t *testing.T) {
	t.Parallel()

	genBad := &fakeGenerator{
		desc: descriptor("gen-bad", 1, book.CapabilityGenerate),
		err:  errors.New("upstream exploded"),
	}

	orch, _, _ := newTestOrchestrator(t, []book.Provider{genBad}, 0, Options{})
	result := orch.GenerateFanOut(context.Background(), book.GenerateRequest{})

	require.True(t, result.NoProviderSucceeded)
	require.Empty(t, result.Candidates)
}

func TestResolveFallbackLaterProviderFillsGaps(t *testing.T) {
	t.Parallel()

	batch := []book.Candidate{
		{Title: "Dune", Author: "Frank Herbert"},
		{Title: "I, Robot", Author: "Isaac Asimov"},
	}
	primary := &fakeResolver{
		desc: descriptor("primary", 1, book.CapabilityResolveISBN),
		resolutions: []book.Resolution{
			{Candidate: batch[0], ISBN: "9780441013593", Provider: "primary"},
		},
	}
	secondary := &fakeResolver{
		desc: descriptor("secondary", 2, book.CapabilityResolveISBN),
		resolutions: []book.Resolution{
			{Candidate: batch[1], ISBN: "9780553294385", Provider: "secondary"},
		},
	}

	orch, _, qm := newTestOrchestrator(t, []book.Provider{primary, secondary}, 10, Options{})
	result := orch.ResolveFallback(context.Background(), batch)

	require.False(t, result.BudgetExhausted)
	require.Len(t, result.Resolutions, 2)
	require.Equal(t, 2, qm.commits)
	require.Equal(t, 1, primary.calls)
	require.Equal(t, 1, secondary.calls)
}

func TestResolveFallbackPacesEachUpstreamRequest(t *testing.T) {
	t.Parallel()

	batch := []book.Candidate{
		{Title: "Dune", Author: "Frank Herbert"},
		{Title: "I, Robot", Author: "Isaac Asimov"},
		{Title: "Snow Crash", Author: "Neal Stephenson"},
	}
	primary := &fakeResolver{
		desc: descriptor("primary", 1, book.CapabilityResolveISBN),
		resolutions: []book.Resolution{
			{Candidate: batch[0], ISBN: "9780441013593", Provider: "primary"},
			{Candidate: batch[1], ISBN: "9780553294385", Provider: "primary"},
			{Candidate: batch[2], ISBN: "9780553380958", Provider: "primary"},
		},
	}

	orch, limiter, _ := newTestOrchestrator(t, []book.Provider{primary}, 10, Options{})
	result := orch.ResolveFallback(context.Background(), batch)

	require.Len(t, result.Resolutions, 3)
	// One limiter wait per candidate request, not one per batch.
	require.Equal(t, []string{"primary", "primary", "primary"}, limiter.waits)
}

func TestResolveFallbackStopsWhenAllResolved(t *testing.T) {
	t.Parallel()

	batch := []book.Candidate{{Title: "Dune", Author: "Frank Herbert"}}
	primary := &fakeResolver{
		desc: descriptor("primary", 1, book.CapabilityResolveISBN),
		resolutions: []book.Resolution{
			{Candidate: batch[0], ISBN: "9780441013593", Provider: "primary"},
		},
	}
	secondary := &fakeResolver{desc: descriptor("secondary", 2, book.CapabilityResolveISBN)}

	orch, _, _ := newTestOrchestrator(t, []book.Provider{primary, secondary}, 10, Options{})
	result := orch.ResolveFallback(context.Background(), batch)

	require.Len(t, result.Resolutions, 1)
	require.Zero(t, secondary.calls)
}

func TestResolveFallbackTransientErrorAdvancesChain(t *testing.T) {
	t.Parallel()

	batch := []book.Candidate{{Title: "Dune", Author: "Frank Herbert"}}
	flaky := &fakeResolver{
		desc: descriptor("flaky", 1, book.CapabilityResolveISBN),
		err:  book.ErrTimeout,
	}
	backup := &fakeResolver{
		desc: descriptor("backup", 2, book.CapabilityResolveISBN),
		resolutions: []book.Resolution{
			{Candidate: batch[0], ISBN: "9780441013593", Provider: "backup"},
		},
	}

	orch, _, qm := newTestOrchestrator(t, []book.Provider{flaky, backup}, 10, Options{})
	result := orch.ResolveFallback(context.Background(), batch)

	require.Len(t, result.Resolutions, 1)
	require.Equal(t, "backup", result.Resolutions[0].Provider)
	// The failed call's reservation went back to the pool.
	require.Equal(t, 1, qm.releases)
	require.Equal(t, 1, qm.commits)
}

func TestResolveFallbackFatalErrorSkipsOnlyThatProvider(t *testing.T) {
	t.Parallel()

	batch := []book.Candidate{{Title: "Dune", Author: "Frank Herbert"}}
	revoked := &fakeResolver{
		desc: descriptor("revoked", 1, book.CapabilityResolveISBN),
		err:  &book.AuthError{Provider: "revoked", Err: errors.New("status 401")},
	}
	backup := &fakeResolver{
		desc: descriptor("backup", 2, book.CapabilityResolveISBN),
		resolutions: []book.Resolution{
			{Candidate: batch[0], ISBN: "9780441013593", Provider: "backup"},
		},
	}

	orch, _, _ := newTestOrchestrator(t, []book.Provider{revoked, backup}, 10, Options{})
	result := orch.ResolveFallback(context.Background(), batch)

	require.False(t, result.BudgetExhausted)
	require.Len(t, result.Resolutions, 1)
	require.Equal(t, "backup", result.Resolutions[0].Provider)
}

func TestResolveFallbackQuotaDenialStopsChain(t *testing.T) {
	t.Parallel()

	batch := []book.Candidate{{Title: "Dune", Author: "Frank Herbert"}}
	primary := &fakeResolver{desc: descriptor("primary", 1, book.CapabilityResolveISBN)}
	secondary := &fakeResolver{desc: descriptor("secondary", 2, book.CapabilityResolveISBN)}

	orch, _, _ := newTestOrchestrator(t, []book.Provider{primary, secondary}, 0, Options{})
	result := orch.ResolveFallback(context.Background(), batch)

	require.True(t, result.BudgetExhausted)
	require.Empty(t, result.Resolutions)
	require.Zero(t, primary.calls)
	require.Zero(t, secondary.calls)
}

func TestResolveFallbackUpstreamThrottleMarksBudgetExhausted(t *testing.T) {
	t.Parallel()

	batch := []book.Candidate{{Title: "Dune", Author: "Frank Herbert"}}
	throttled := &fakeResolver{
		desc: descriptor("throttled", 1, book.CapabilityResolveISBN),
		err:  book.ErrRateLimited,
	}

	orch, _, qm := newTestOrchestrator(t, []book.Provider{throttled}, 10, Options{})
	result := orch.ResolveFallback(context.Background(), batch)

	require.True(t, result.BudgetExhausted)
	require.Equal(t, 1, qm.releases)
}

func TestResolveFallbackEmptyBatchIsNoOp(t *testing.T) {
	t.Parallel()

	primary := &fakeResolver{desc: descriptor("primary", 1, book.CapabilityResolveISBN)}
	orch, _, qm := newTestOrchestrator(t, []book.Provider{primary}, 10, Options{})

	result := orch.ResolveFallback(context.Background(), nil)
	require.Empty(t, result.Resolutions)
	require.Zero(t, qm.reserves)
}

func TestFindCoverFallsBackOnMiss(t *testing.T) {
	t.Parallel()

	missing := &fakeCoverFinder{
		desc: descriptor("missing", 1, book.CapabilityCover),
		err:  book.ErrNotFound,
	}
	hit := &fakeCoverFinder{
		desc:  descriptor("hit", 2, book.CapabilityCover),
		cover: book.Cover{ISBN: "9780441013593", URL: "https://covers.example/1.jpg", Provider: "hit"},
	}

	orch, _, qm := newTestOrchestrator(t, []book.Provider{missing, hit}, 0, Options{})
	cover, ok, counters := orch.FindCover(context.Background(), "9780441013593")

	require.True(t, ok)
	require.Equal(t, "hit", cover.Provider)
	require.Equal(t, 1, counters["missing"])
	require.Equal(t, 1, counters["hit"])
	// Cover lookups never touch the resolution budget.
	require.Zero(t, qm.reserves)
}

func TestFindCoverMissEverywhere(t *testing.T) {
	t.Parallel()

	missing := &fakeCoverFinder{
		desc: descriptor("missing", 1, book.CapabilityCover),
		err:  book.ErrNotFound,
	}

	orch, _, _ := newTestOrchestrator(t, []book.Provider{missing}, 0, Options{})
	_, ok, _ := orch.FindCover(context.Background(), "9780441013593")
	require.False(t, ok)
}
