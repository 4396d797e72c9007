// Package dedup clusters near-duplicate book candidates by fuzzy similarity
// over normalized title and author strings.
package dedup

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/xrash/smetrics"

	"github.com/bibliofeed/aggregator/internal/book"
)

// Threshold collapses pairs at or above this similarity into one cluster.
const Threshold = 0.6

// corpusLookups bounds how many membership checks run at once. Each check
// is I/O-bound and order-independent, so they are dispatched concurrently
// instead of looped sequentially.
const corpusLookups = 8

// CorpusChecker reports whether an equivalent record already exists in the
// stored catalog.
type CorpusChecker interface {
	ExistsSimilar(ctx context.Context, title, author string) (bool, error)
}

// Normalize lowercases, strips punctuation, and collapses whitespace so
// similarity scores ignore formatting noise.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
		// Punctuation is dropped entirely.
	}
	return strings.TrimSpace(b.String())
}

// Key builds the normalized comparison string for a candidate.
func Key(title, author string) string {
	return strings.TrimSpace(Normalize(title) + " " + Normalize(author))
}

// Similarity scores two candidates as the lower of their title and author
// Jaro-Winkler scores, so a pair clusters only when both fields agree. A
// single score over the concatenated fields lets a strong title match mask
// a different author, and vice versa. When either author is missing the
// titles decide alone.
func Similarity(a, b book.Candidate) float64 {
	title := smetrics.JaroWinkler(Normalize(a.Title), Normalize(b.Title), 0.7, 4)
	authorA, authorB := Normalize(a.Author), Normalize(b.Author)
	if authorA == "" || authorB == "" {
		return title
	}
	return math.Min(title, smetrics.JaroWinkler(authorA, authorB, 0.7, 4))
}

// Cluster collapses near-duplicates, keeping the first-seen candidate of
// each cluster. Input order is preserved for survivors, so callers that
// rank candidates by confidence get the highest-confidence survivor free.
func Cluster(candidates []book.Candidate) []book.Candidate {
	out := make([]book.Candidate, 0, len(candidates))
	for _, cand := range candidates {
		dup := false
		for _, kept := range out {
			if Similarity(cand, kept) >= Threshold {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, cand)
		}
	}
	return out
}

// FilterKnown removes candidates that already exist in the stored catalog.
// Lookups are fanned out with bounded concurrency; a lookup error fails the
// whole filter since silently keeping or dropping a candidate would skew
// the batch.
func FilterKnown(ctx context.Context, corpus CorpusChecker, candidates []book.Candidate) ([]book.Candidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	known := make([]bool, len(candidates))
	errs := make([]error, len(candidates))
	sem := make(chan struct{}, corpusLookups)

	var wg sync.WaitGroup
	for i, cand := range candidates {
		wg.Add(1)
		go func(i int, cand book.Candidate) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			exists, err := corpus.ExistsSimilar(ctx, cand.Title, cand.Author)
			known[i] = exists
			errs[i] = err
		}(i, cand)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("corpus lookup: %w", err)
		}
	}

	out := make([]book.Candidate, 0, len(candidates))
	for i, cand := range candidates {
		if !known[i] {
			out = append(out, cand)
		}
	}
	return out, nil
}
