// Package googlebooks integrates the Google Books volumes API.
package googlebooks

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/bibliofeed/aggregator/internal/book"
	"github.com/bibliofeed/aggregator/internal/fetch"
)

const providerID = "googlebooks"

// Client resolves ISBNs via Google Books volume search.
type Client struct {
	http     *fetch.Client
	baseURL  string
	apiKey   string
	desc     book.Descriptor
	cacheTTL time.Duration
}

// Config tunes the Google Books integration.
type Config struct {
	BaseURL  string
	APIKey   string
	Priority int
	Timeout  time.Duration
	CacheTTL time.Duration
}

// New creates a Client.
func New(httpClient *fetch.Client, cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.googleapis.com/books/v1"
	}
	return &Client{
		http:    httpClient,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
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

type volumesResponse struct {
	Items []struct {
		VolumeInfo struct {
			Title               string `json:"title"`
			IndustryIdentifiers []struct {
				Type       string `json:"type"`
				Identifier string `json:"identifier"`
			} `json:"industryIdentifiers"`
			ImageLinks struct {
				Thumbnail string `json:"thumbnail"`
			} `json:"imageLinks"`
		} `json:"volumeInfo"`
	} `json:"items"`
}

// ResolveISBNs answers the batch with one volume query per candidate.
func (c *Client) ResolveISBNs(ctx context.Context, svc book.ServiceContext, batch []book.Candidate) ([]book.Resolution, error) {
	var out []book.Resolution
	for _, cand := range batch {
		if ctx.Err() != nil {
			break
		}
		resp, err := c.volumes(ctx, svc, fmt.Sprintf("intitle:%q inauthor:%q", cand.Title, cand.Author))
		if err != nil {
			if book.IsBudgetSignal(err) {
				// Stop hammering a throttled upstream. A partial result is
				// a success, an empty one propagates the throttle so the
				// caller can degrade.
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
		isbn := firstISBN(resp)
		if isbn == "" {
			continue
		}
		out = append(out, book.Resolution{Candidate: cand, ISBN: isbn, Provider: providerID})
	}
	return out, nil
}

// FindCover looks up a volume by ISBN and returns its thumbnail link.
func (c *Client) FindCover(ctx context.Context, svc book.ServiceContext, isbn string) (book.Cover, error) {
	resp, err := c.volumes(ctx, svc, "isbn:"+isbn)
	if err != nil {
		return book.Cover{}, err
	}
	if len(resp.Items) == 0 || resp.Items[0].VolumeInfo.ImageLinks.Thumbnail == "" {
		return book.Cover{}, book.ErrNotFound
	}
	return book.Cover{
		ISBN:     isbn,
		URL:      resp.Items[0].VolumeInfo.ImageLinks.Thumbnail,
		Provider: providerID,
	}, nil
}

func (c *Client) volumes(ctx context.Context, svc book.ServiceContext, query string) (volumesResponse, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("maxResults", "1")
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}
	var resp volumesResponse
	err := c.http.GetJSON(ctx, svc, fmt.Sprintf("%s/volumes?%s", c.baseURL, q.Encode()), nil, c.cacheTTL, &resp)
	return resp, err
}

func firstISBN(resp volumesResponse) string {
	if len(resp.Items) == 0 {
		return ""
	}
	ids := resp.Items[0].VolumeInfo.IndustryIdentifiers
	// Prefer ISBN-13 over ISBN-10.
	for _, id := range ids {
		if id.Type == "ISBN_13" {
			return id.Identifier
		}
	}
	for _, id := range ids {
		if id.Type == "ISBN_10" {
			return id.Identifier
		}
	}
	return ""
}
