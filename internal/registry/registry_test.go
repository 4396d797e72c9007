package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bibliofeed/aggregator/internal/book"
)

type stubProvider struct {
	desc book.Descriptor
}

func (p *stubProvider) Descriptor() book.Descriptor { return p.desc }

type stubResolver struct {
	stubProvider
}

func (*stubResolver) ResolveISBNs(context.Context, book.ServiceContext, []book.Candidate) ([]book.Resolution, error) {
	return nil, nil
}

func newStub(id string, priority int, caps ...book.Capability) *stubProvider {
	return &stubProvider{desc: book.Descriptor{ID: id, Priority: priority, Capabilities: caps}}
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	t.Parallel()

	reg := New()
	require.NoError(t, reg.Register(newStub("openlibrary", 1, book.CapabilityCover)))
	err := reg.Register(newStub("openlibrary", 2, book.CapabilityCover))
	require.ErrorContains(t, err, "already registered")
}

func TestRegisterRejectsEmptyDescriptor(t *testing.T) {
	t.Parallel()

	reg := New()
	require.Error(t, reg.Register(newStub("", 1, book.CapabilityCover)))
	require.Error(t, reg.Register(newStub("openlibrary", 1)))
}

func TestByCapabilityOrdersByPriority(t *testing.T) {
	t.Parallel()

	reg := New()
	require.NoError(t, reg.Register(newStub("slow", 3, book.CapabilityResolveISBN)))
	require.NoError(t, reg.Register(newStub("fast", 1, book.CapabilityResolveISBN)))
	require.NoError(t, reg.Register(newStub("mid", 2, book.CapabilityResolveISBN)))

	providers := reg.ByCapability(book.CapabilityResolveISBN)
	require.Len(t, providers, 3)
	require.Equal(t, "fast", providers[0].Descriptor().ID)
	require.Equal(t, "mid", providers[1].Descriptor().ID)
	require.Equal(t, "slow", providers[2].Descriptor().ID)
}

func TestLookupChecksCapability(t *testing.T) {
	t.Parallel()

	reg := New()
	require.NoError(t, reg.Register(newStub("openlibrary", 1, book.CapabilityCover)))

	_, ok := reg.Lookup("openlibrary", book.CapabilityCover)
	require.True(t, ok)
	_, ok = reg.Lookup("openlibrary", book.CapabilityGenerate)
	require.False(t, ok)
	_, ok = reg.Lookup("missing", book.CapabilityCover)
	require.False(t, ok)
}

func TestResolversNarrowsToContract(t *testing.T) {
	t.Parallel()

	reg := New()
	resolver := &stubResolver{stubProvider{desc: book.Descriptor{
		ID: "real", Priority: 1, Capabilities: []book.Capability{book.CapabilityResolveISBN},
	}}}
	// Claims the capability but does not implement the contract.
	require.NoError(t, reg.Register(newStub("liar", 2, book.CapabilityResolveISBN)))
	require.NoError(t, reg.Register(resolver))

	resolvers := reg.Resolvers()
	require.Len(t, resolvers, 1)
}
