// Package feeds holds the thin HTTP clients the ingest adapters poll. The
// per-platform scraping behind these endpoints lives elsewhere; the clients
// only depend on the normalized record shapes they return.
package feeds

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/xiangteng007/signalfuse/internal/config"
	"github.com/xiangteng007/signalfuse/internal/models"
)

// UpstreamError distinguishes retryable upstream failures (rate limits, 5xx)
// from permanent ones so jobs can surface the right class to the queue layer.
type UpstreamError struct {
	StatusCode int
	Endpoint   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.Endpoint, e.StatusCode)
}

// Retryable reports whether the outer retry policy should re-invoke the job.
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// MarketClient fetches quote ticks from the market data endpoint.
type MarketClient struct {
	client  *resty.Client
	baseURL string
}

// NewsClient fetches normalized articles.
type NewsClient struct {
	client  *resty.Client
	baseURL string
}

// SocialClient fetches normalized posts.
type SocialClient struct {
	client  *resty.Client
	baseURL string
}

func newClient(timeout time.Duration) *resty.Client {
	return resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
}

func NewMarketClient(cfg config.FeedsConfig) *MarketClient {
	return &MarketClient{
		client:  newClient(config.Duration(cfg.Timeout, 15*time.Second)),
		baseURL: strings.TrimRight(cfg.MarketURL, "/"),
	}
}

func NewNewsClient(cfg config.FeedsConfig) *NewsClient {
	return &NewsClient{
		client:  newClient(config.Duration(cfg.Timeout, 15*time.Second)),
		baseURL: strings.TrimRight(cfg.NewsURL, "/"),
	}
}

func NewSocialClient(cfg config.FeedsConfig) *SocialClient {
	return &SocialClient{
		client:  newClient(config.Duration(cfg.Timeout, 15*time.Second)),
		baseURL: strings.TrimRight(cfg.SocialURL, "/"),
	}
}

// FetchQuotes returns the latest tick for each requested symbol.
func (c *MarketClient) FetchQuotes(ctx context.Context, symbols []string) ([]models.QuoteData, error) {
	var quotes []models.QuoteData
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("symbols", strings.Join(symbols, ",")).
		SetResult(&quotes).
		Get(c.baseURL + "/v1/quotes")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quotes: %w", err)
	}
	if resp.IsError() {
		return nil, &UpstreamError{StatusCode: resp.StatusCode(), Endpoint: "market"}
	}
	return quotes, nil
}

// FetchArticles returns recent articles matching the given topics.
func (c *NewsClient) FetchArticles(ctx context.Context, topics []string, since time.Time) ([]models.NewsArticle, error) {
	var articles []models.NewsArticle
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("topics", strings.Join(topics, ",")).
		SetQueryParam("since", since.UTC().Format(time.RFC3339)).
		SetResult(&articles).
		Get(c.baseURL + "/v1/articles")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch articles: %w", err)
	}
	if resp.IsError() {
		return nil, &UpstreamError{StatusCode: resp.StatusCode(), Endpoint: "news"}
	}
	return articles, nil
}

// FetchPosts returns recent posts matching the given topics.
func (c *SocialClient) FetchPosts(ctx context.Context, topics []string, since time.Time) ([]models.SocialPost, error) {
	var posts []models.SocialPost
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("topics", strings.Join(topics, ",")).
		SetQueryParam("since", since.UTC().Format(time.RFC3339)).
		SetResult(&posts).
		Get(c.baseURL + "/v1/posts")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch posts: %w", err)
	}
	if resp.IsError() {
		return nil, &UpstreamError{StatusCode: resp.StatusCode(), Endpoint: "social"}
	}
	return posts, nil
}
