// Package openlibrary integrates the Open Library search and covers APIs.
package openlibrary

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/bibliofeed/aggregator/internal/book"
	"github.com/bibliofeed/aggregator/internal/fetch"
)

const providerID = "openlibrary"

// Client resolves ISBNs and finds covers via Open Library.
type Client struct {
	http     *fetch.Client
	baseURL  string
	desc     book.Descriptor
	cacheTTL time.Duration
}

// Config tunes the Open Library integration.
type Config struct {
	BaseURL  string
	Priority int
	Timeout  time.Duration
	CacheTTL time.Duration
}

// New creates a Client.
func New(httpClient *fetch.Client, cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openlibrary.org"
	}
	return &Client{
		http:    httpClient,
		baseURL: cfg.BaseURL,
		desc: book.Descriptor{
			ID:             providerID,
			Capabilities:   []book.Capability{book.CapabilityResolveISBN, book.CapabilityCover},
			Priority:       cfg.Priority,
			DefaultTimeout: cfg.Timeout,
			CacheTTL:       cfg.CacheTTL,
		},
		cacheTTL: cfg.CacheTTL,
	}
}

// Descriptor implements book.Provider.
func (c *Client) Descriptor() book.Descriptor { return c.desc }

type searchResponse struct {
	Docs []struct {
		Title      string   `json:"title"`
		AuthorName []string `json:"author_name"`
		ISBN       []string `json:"isbn"`
		CoverI     int64    `json:"cover_i"`
	} `json:"docs"`
}

// ResolveISBNs answers the batch with one search per candidate. The whole
// batch is one metered call from the orchestrator's point of view.
func (c *Client) ResolveISBNs(ctx context.Context, svc book.ServiceContext, batch []book.Candidate) ([]book.Resolution, error) {
	var out []book.Resolution
	for _, cand := range batch {
		if ctx.Err() != nil {
			break
		}
		isbn, err := c.searchISBN(ctx, svc, cand)
		if err != nil {
			if book.IsBudgetSignal(err) {
				// A throttled upstream stays throttled; stop the batch. A
				// partial result is a success, an empty one propagates the
				// throttle so the caller can degrade.
				if len(out) > 0 {
					return out, nil
				}
				return nil, err
			}
			if book.IsTransient(err) {
				continue
			}
			return out, err
		}
		if isbn == "" {
			continue
		}
		out = append(out, book.Resolution{Candidate: cand, ISBN: isbn, Provider: providerID})
	}
	return out, nil
}

func (c *Client) searchISBN(ctx context.Context, svc book.ServiceContext, cand book.Candidate) (string, error) {
	q := url.Values{}
	q.Set("title", cand.Title)
	if cand.Author != "" {
		q.Set("author", cand.Author)
	}
	q.Set("fields", "title,author_name,isbn,cover_i")
	q.Set("limit", "1")
	searchURL := fmt.Sprintf("%s/search.json?%s", c.baseURL, q.Encode())

	var resp searchResponse
	if err := c.http.GetJSON(ctx, svc, searchURL, nil, c.cacheTTL, &resp); err != nil {
		return "", err
	}
	if len(resp.Docs) == 0 || len(resp.Docs[0].ISBN) == 0 {
		return "", nil
	}
	return resp.Docs[0].ISBN[0], nil
}

// FindCover returns the Open Library cover URL for an ISBN. The covers
// endpoint serves static images, so a URL can be built without a lookup;
// the search check just confirms the edition exists.
func (c *Client) FindCover(ctx context.Context, svc book.ServiceContext, isbn string) (book.Cover, error) {
	if isbn == "" {
		return book.Cover{}, book.ErrNotFound
	}
	checkURL := fmt.Sprintf("%s/isbn/%s.json", c.baseURL, url.PathEscape(isbn))
	var edition struct {
		Covers []int64 `json:"covers"`
	}
	if err := c.http.GetJSON(ctx, svc, checkURL, nil, c.cacheTTL, &edition); err != nil {
		return book.Cover{}, err
	}
	if len(edition.Covers) == 0 {
		return book.Cover{}, book.ErrNotFound
	}
	return book.Cover{
		ISBN:     isbn,
		URL:      fmt.Sprintf("https://covers.openlibrary.org/b/id/%d-L.jpg", edition.Covers[0]),
		Provider: providerID,
	}, nil
}
