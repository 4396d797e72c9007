// Package bookgen generates candidate book titles for a publication month
// via a chat-completion style AI endpoint.
package bookgen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bibliofeed/aggregator/internal/book"
	"github.com/bibliofeed/aggregator/internal/fetch"
)

const providerID = "bookgen"

// Client asks the model for notable books published in one month.
type Client struct {
	http    *fetch.Client
	baseURL string
	apiKey  string
	model   string
	desc    book.Descriptor
}

// Config tunes the generation integration.
type Config struct {
	BaseURL  string
	APIKey   string
	Model    string
	Priority int
	Timeout  time.Duration
}

// New creates a Client.
func New(httpClient *fetch.Client, cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return &Client{
		http:    httpClient,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		desc: book.Descriptor{
			ID:             providerID,
			Capabilities:   []book.Capability{book.CapabilityGenerate},
			Priority:       cfg.Priority,
			DefaultTimeout: cfg.Timeout,
		},
	}
}

// Descriptor implements book.Provider.
func (c *Client) Descriptor() book.Descriptor { return c.desc }

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *format       `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type format struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type generatedList struct {
	Books []struct {
		Title        string `json:"title"`
		Author       string `json:"author"`
		Format       string `json:"format"`
		ISBN         string `json:"isbn"`
		Significance string `json:"significance"`
	} `json:"books"`
}

// Generate asks the model for up to req.BatchSize books published in the
// requested month and parses the JSON list it returns.
func (c *Client) Generate(ctx context.Context, svc book.ServiceContext, req book.GenerateRequest) ([]book.Candidate, error) {
	if c.apiKey == "" {
		return nil, &book.AuthError{Provider: providerID, Err: fmt.Errorf("api key not configured")}
	}

	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(req.PromptVariant)},
			{Role: "user", Content: userPrompt(req)},
		},
		ResponseFormat: &format{Type: "json_object"},
	}

	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	var resp chatResponse
	if err := c.http.PostJSON(ctx, svc, c.baseURL+"/chat/completions", headers, payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("bookgen: empty completion: %w", book.ErrNotFound)
	}

	var list generatedList
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &list); err != nil {
		return nil, fmt.Errorf("bookgen: parse completion: %w", err)
	}

	out := make([]book.Candidate, 0, len(list.Books))
	for _, b := range list.Books {
		if strings.TrimSpace(b.Title) == "" {
			continue
		}
		out = append(out, book.Candidate{
			Title:        strings.TrimSpace(b.Title),
			Author:       strings.TrimSpace(b.Author),
			Year:         req.Year,
			Month:        req.Month,
			Format:       b.Format,
			ISBN:         b.ISBN,
			Source:       providerID,
			Significance: b.Significance,
		})
		if len(out) >= req.BatchSize && req.BatchSize > 0 {
			break
		}
	}
	return out, nil
}

func systemPrompt(variant string) string {
	base := "You are a bibliographer. Respond with a JSON object of the form " +
		`{"books": [{"title": "...", "author": "...", "format": "...", "isbn": "...", "significance": "..."}]}. ` +
		"Only include books you are confident actually exist. Leave isbn empty when unsure."
	if variant == "obscure" {
		return base + " Favor lesser-known but notable works over bestsellers."
	}
	return base
}

func userPrompt(req book.GenerateRequest) string {
	return fmt.Sprintf(
		"List up to %d notable books first published in %s %d.",
		req.BatchSize, time.Month(req.Month).String(), req.Year)
}
