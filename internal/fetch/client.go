// Package fetch issues outbound provider calls with a shared Redis response
// cache, latency measurement, and optional raw payload archiving.
package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bibliofeed/aggregator/internal/archive"
	"github.com/bibliofeed/aggregator/internal/book"
	"github.com/bibliofeed/aggregator/internal/metrics"
)

// maxBodyBytes caps provider responses; anything larger is malformed.
const maxBodyBytes = 10 << 20

// Client is the shared outbound HTTP client for all providers.
type Client struct {
	http    *http.Client
	cache   *redis.Client
	archive archive.Store
	clock   book.Clock
	logger  *zap.Logger
}

// New creates a Client. cache may be nil to disable response caching and
// store may be nil to disable payload archiving.
func New(httpClient *http.Client, cache *redis.Client, store archive.Store, clock book.Clock, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if store == nil {
		store = archive.NoOp{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:    httpClient,
		cache:   cache,
		archive: store,
		clock:   clock,
		logger:  logger,
	}
}

// Response is the outcome of one outbound call.
type Response struct {
	Body      []byte
	Status    int
	Latency   time.Duration
	FromCache bool
}

func cacheKey(namespace, url string) string {
	sum := sha256.Sum256([]byte(url))
	return fmt.Sprintf("cache:%s:%s", namespace, hex.EncodeToString(sum[:16]))
}

// Get fetches url, consulting the per-namespace response cache first. A
// cache hit costs no upstream call. TTL <= 0 bypasses the cache entirely.
func (c *Client) Get(ctx context.Context, svc book.ServiceContext, url string, headers map[string]string, ttl time.Duration) (Response, error) {
	key := cacheKey(svc.CacheNamespace, url)
	if c.cache != nil && ttl > 0 {
		cached, err := c.cache.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			metrics.IncResponseCache(svc.CacheNamespace, true)
			return Response{Body: cached, Status: http.StatusOK, FromCache: true}, nil
		case !errors.Is(err, redis.Nil):
			// Cache trouble never blocks the call itself.
			c.logger.Warn("response cache read failed", zap.String("namespace", svc.CacheNamespace), zap.Error(err))
		}
		metrics.IncResponseCache(svc.CacheNamespace, false)
	}

	resp, err := c.do(ctx, svc, http.MethodGet, url, headers, nil)
	if err != nil {
		return resp, err
	}

	if c.cache != nil && ttl > 0 {
		if err := c.cache.Set(ctx, key, resp.Body, ttl).Err(); err != nil {
			c.logger.Warn("response cache write failed", zap.String("namespace", svc.CacheNamespace), zap.Error(err))
		}
	}
	c.archivePayload(ctx, svc, resp.Body)
	return resp, nil
}

// GetJSON fetches url and unmarshals the body into out.
func (c *Client) GetJSON(ctx context.Context, svc book.ServiceContext, url string, headers map[string]string, ttl time.Duration, out any) error {
	resp, err := c.Get(ctx, svc, url, headers, ttl)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", svc.CacheNamespace, err)
	}
	return nil
}

// PostJSON posts body as JSON and unmarshals the response into out.
// POST calls are never cached.
func (c *Client) PostJSON(ctx context.Context, svc book.ServiceContext, url string, headers map[string]string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", svc.CacheNamespace, err)
	}
	resp, err := c.do(ctx, svc, http.MethodPost, url, headers, payload)
	if err != nil {
		return err
	}
	c.archivePayload(ctx, svc, resp.Body)
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", svc.CacheNamespace, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, svc book.ServiceContext, method, url string, headers map[string]string, body []byte) (Response, error) {
	// Pacing runs before the per-request timeout starts, so limiter sleep
	// never eats into the upstream's time box.
	if err := svc.Pace(ctx); err != nil {
		return Response{}, fmt.Errorf("pace %s: %w", svc.CacheNamespace, err)
	}

	if svc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, svc.Timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := c.clock.Now()
	httpResp, err := c.http.Do(req)
	latency := c.clock.Now().Sub(start)
	if err != nil {
		if isTimeout(err) {
			return Response{Latency: latency}, fmt.Errorf("%s %s: %w", method, url, book.ErrTimeout)
		}
		return Response{Latency: latency}, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer httpResp.Body.Close() //nolint:errcheck // read side already consumed

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return Response{Status: httpResp.StatusCode, Latency: latency}, fmt.Errorf("read body: %w", err)
	}

	resp := Response{Body: data, Status: httpResp.StatusCode, Latency: latency}
	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return resp, fmt.Errorf("%s: %w", svc.CacheNamespace, book.ErrRateLimited)
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return resp, &book.AuthError{
			Provider: svc.CacheNamespace,
			Err:      fmt.Errorf("status %d", httpResp.StatusCode),
		}
	case httpResp.StatusCode == http.StatusNotFound:
		return resp, fmt.Errorf("%s %s: %w", method, url, book.ErrNotFound)
	case httpResp.StatusCode >= 400:
		return resp, fmt.Errorf("%s %s: unexpected status %d", method, url, httpResp.StatusCode)
	}
	return resp, nil
}

func (c *Client) archivePayload(ctx context.Context, svc book.ServiceContext, data []byte) {
	if len(data) == 0 {
		return
	}
	sum := sha256.Sum256(data)
	path := fmt.Sprintf("%s/%s/%s.json",
		svc.CacheNamespace,
		c.clock.Now().UTC().Format(time.DateOnly),
		hex.EncodeToString(sum[:16]))
	if _, err := c.archive.PutObject(ctx, path, "application/json", data); err != nil {
		c.logger.Warn("payload archive failed", zap.String("namespace", svc.CacheNamespace), zap.Error(err))
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
