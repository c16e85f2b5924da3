// Package feed provides a client for the upstream market-data API
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bobmcallan/tidemark/internal/common"
	"github.com/bobmcallan/tidemark/internal/interfaces"
	"github.com/bobmcallan/tidemark/internal/models"
)

const (
	DefaultBaseURL      = "https://feed.example.com/api"
	DefaultTimeout      = 30 * time.Second
	DefaultRateLimit    = 10 // requests per second
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 1 * time.Second
	DefaultRetryAfter   = 5 * time.Second
	DefaultPageSize     = 1000
)

// Client implements the FeedClient interface
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter

	maxRetries   int
	retryBackoff time.Duration
	retryAfter   time.Duration
	pageSize     int
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the client-side request rate limit
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithRetries sets the bounded retry configuration for 5xx/transport errors.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithRetryAfter sets the fallback delay for 429 responses without a hint.
func WithRetryAfter(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retryAfter = d
	}
}

// WithPageSize sets the page-size limit sent upstream.
func WithPageSize(n int) ClientOption {
	return func(c *Client) {
		c.pageSize = n
	}
}

// NewClient creates a new feed client
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter:      rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:       common.NewSilentLogger(),
		maxRetries:   DefaultMaxRetries,
		retryBackoff: DefaultRetryBackoff,
		retryAfter:   DefaultRetryAfter,
		pageSize:     DefaultPageSize,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents an upstream API failure classified for the caller.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
	Exhausted  bool // bounded retries were spent before returning
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feed api error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// IsRetryable reports whether the failure class may succeed on a later
// attempt. 4xx responses other than 429 are terminal.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// pageResponse is the upstream envelope: a results array plus an optional
// opaque next-page cursor.
type pageResponse struct {
	Results []json.RawMessage `json:"results"`
	Next    string            `json:"next"`
}

// get performs one rate-limited GET with transparent 429 waits and bounded
// retry of 5xx/transport failures.
func (c *Client) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_token", c.apiKey)
	params.Set("fmt", "json")

	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())

	backoff := c.retryBackoff
	attempt := 0

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Transport/timeout failures are treated like 5xx
			c.logger.Warn().Str("endpoint", path).Int("attempt", attempt).Err(err).Msg("Feed request transport error")
			if attempt >= c.maxRetries {
				return &APIError{StatusCode: 0, Message: err.Error(), Endpoint: path, Exhausted: true}
			}
			if err := c.sleepBackoff(ctx, &backoff); err != nil {
				return err
			}
			attempt++
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			// Rate-limited: not a failure, does not consume an attempt
			delay := retryAfterHint(resp, c.retryAfter)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.logger.Debug().
				Str("endpoint", path).
				Dur("delay", delay).
				Msg("Feed rate limited, waiting")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue

		case resp.StatusCode >= 500:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			c.logger.Warn().
				Str("endpoint", path).
				Int("status", resp.StatusCode).
				Int("attempt", attempt).
				Msg("Feed server error")
			if attempt >= c.maxRetries {
				return &APIError{StatusCode: resp.StatusCode, Message: string(body), Endpoint: path, Exhausted: true}
			}
			if err := c.sleepBackoff(ctx, &backoff); err != nil {
				return err
			}
			attempt++
			continue

		case resp.StatusCode >= 400:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return &APIError{StatusCode: resp.StatusCode, Message: string(body), Endpoint: path}

		default:
			err := json.NewDecoder(resp.Body).Decode(result)
			resp.Body.Close()
			if err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return nil
		}
	}
}

// sleepBackoff sleeps for the current backoff with jitter, then doubles it.
func (c *Client) sleepBackoff(ctx context.Context, backoff *time.Duration) error {
	jitter := *backoff/2 + time.Duration(rand.Int64N(int64(*backoff)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
	}
	*backoff *= 2
	return nil
}

// retryAfterHint reads a Retry-After header (seconds or HTTP date),
// returning the fallback when absent or unparseable.
func retryAfterHint(resp *http.Response, fallback time.Duration) time.Duration {
	hint := resp.Header.Get("Retry-After")
	if hint == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(hint); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(hint); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return fallback
}

// seriesPath returns the endpoint path for a series fetch.
func seriesPath(window models.FetchWindow) string {
	switch window.Series {
	case models.SeriesIntraday:
		return fmt.Sprintf("/intraday/%s", window.EntityID)
	case models.SeriesFundamentals:
		return fmt.Sprintf("/fundamentals/%s", window.EntityID)
	case models.SeriesNews:
		return "/news"
	case models.SeriesOverview:
		return fmt.Sprintf("/overview/%s", window.EntityID)
	default:
		return fmt.Sprintf("/eod/%s", window.EntityID)
	}
}

// FetchPage fetches a single page of records for the window.
func (c *Client) FetchPage(ctx context.Context, window models.FetchWindow, cursor string) (*interfaces.Page, error) {
	if !window.Valid() {
		return nil, fmt.Errorf("invalid fetch window: from %s after to %s", window.From.Format("2006-01-02"), window.To.Format("2006-01-02"))
	}

	path := seriesPath(window)
	params := url.Values{}
	params.Set("order", "a")
	params.Set("limit", strconv.Itoa(c.pageSize))
	params.Set("from", window.From.Format("2006-01-02"))
	params.Set("to", window.To.Format("2006-01-02"))
	if window.Series == models.SeriesNews {
		params.Set("s", window.EntityID)
	}
	if window.Resolution != "" && window.Series == models.SeriesIntraday {
		params.Set("interval", window.Resolution)
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	var resp pageResponse
	if err := c.get(ctx, path, params, &resp); err != nil {
		c.logger.Warn().
			Str("entity", window.EntityID).
			Str("series", window.Series).
			Str("from", window.From.Format("2006-01-02")).
			Str("to", window.To.Format("2006-01-02")).
			Err(err).
			Msg("Feed page fetch failed")
		return nil, err
	}

	records := make([]*models.Record, 0, len(resp.Results))
	for _, raw := range resp.Results {
		rec, err := parseRecord(window, raw)
		if err != nil {
			c.logger.Debug().
				Str("entity", window.EntityID).
				Str("series", window.Series).
				Err(err).
				Msg("Skipping unparseable feed row")
			continue
		}
		records = append(records, rec)
	}

	c.logger.Debug().
		Str("entity", window.EntityID).
		Str("series", window.Series).
		Int("records", len(records)).
		Bool("more", resp.Next != "").
		Msg("Feed page fetched")

	return &interfaces.Page{Records: records, NextCursor: resp.Next}, nil
}

// FetchWindow drains all pages for the window.
func (c *Client) FetchWindow(ctx context.Context, window models.FetchWindow) ([]*models.Record, error) {
	var all []*models.Record
	cursor := ""
	for {
		page, err := c.FetchPage(ctx, window, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Records...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// symbolRow is one entry of the exchange symbol list.
type symbolRow struct {
	Code     string `json:"Code"`
	Name     string `json:"Name"`
	Exchange string `json:"Exchange"`
	Type     string `json:"Type"`
	Active   bool   `json:"Active"`
}

// ListSymbols fetches the entity catalog for an exchange.
func (c *Client) ListSymbols(ctx context.Context, exchange string) ([]*models.Entity, error) {
	path := fmt.Sprintf("/exchange-symbol-list/%s", exchange)

	var rows []symbolRow
	if err := c.get(ctx, path, nil, &rows); err != nil {
		return nil, err
	}

	now := time.Now()
	entities := make([]*models.Entity, 0, len(rows))
	for _, row := range rows {
		if row.Code == "" {
			continue
		}
		ex := row.Exchange
		if ex == "" {
			ex = exchange
		}
		entities = append(entities, &models.Entity{
			Symbol:     fmt.Sprintf("%s.%s", strings.ToUpper(row.Code), strings.ToUpper(ex)),
			Code:       strings.ToUpper(row.Code),
			Exchange:   strings.ToUpper(ex),
			Name:       row.Name,
			Active:     row.Active,
			LastSeenAt: now,
		})
	}

	return entities, nil
}

// Ensure Client implements FeedClient
var _ interfaces.FeedClient = (*Client)(nil)
