// Package vendorapi is the HTTP client for the upstream market data vendor.
//
// The client is deliberately thin: it speaks the vendor's wire format, applies
// a courtesy request limiter, and classifies failures into transient and
// permanent kinds. Retry, circuit breaking, and the per-minute call budget
// live above it.
package vendorapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"log/slog"

	"golang.org/x/time/rate"

	"github.com/quantpipe/marketdata/internal/models"
	"github.com/quantpipe/marketdata/internal/resilience"
)

const (
	defaultBaseURL = "https://api.qmdcloud.cn"

	barsEndpoint = "/v1/market/bars"
	pingEndpoint = "/v1/ping"

	// Courtesy limiter under the vendor's hard per-second cap. The
	// per-minute call budget is enforced by the collector's limiter.
	courtesyRequestsPerSecond = 10
	courtesyBurst             = 1

	requestTimeout     = 30 * time.Second
	healthCheckTimeout = 5 * time.Second
)

// BarRow is one raw bar as the vendor returns it. Prices arrive as strings
// to preserve exact decimal values.
type BarRow struct {
	Symbol       string `json:"symbol"`
	Datetime     string `json:"datetime"`
	Open         string `json:"open"`
	High         string `json:"high"`
	Low          string `json:"low"`
	Close        string `json:"close"`
	Volume       int64  `json:"volume"`
	OpenInterest *int64 `json:"open_interest,omitempty"`
	Turnover     string `json:"turnover,omitempty"`
}

// FetchRequest identifies one series range to pull from the vendor.
type FetchRequest struct {
	Symbol    string
	Exchange  models.Exchange
	Timeframe models.Timeframe
	Start     time.Time
	End       time.Time
}

// Validate checks the request parameters.
func (r *FetchRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if !r.Exchange.Valid() {
		return fmt.Errorf("unknown exchange %q", r.Exchange)
	}
	if !r.Timeframe.Valid() {
		return fmt.Errorf("unknown timeframe %q", r.Timeframe)
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("start and end are required")
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("end must be after start")
	}
	return nil
}

// Client talks to the vendor's REST API.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	apiKey     string
	logger     *slog.Logger
}

// NewClient creates a vendor client. An empty baseURL selects the production
// endpoint.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(courtesyRequestsPerSecond), courtesyBurst),
		baseURL: baseURL,
		apiKey:  apiKey,
		logger:  logger.With("component", "vendor_client"),
	}
}

// FetchBars pulls raw bars for one series range. Network and upstream 5xx
// failures come back transient; malformed requests, auth failures, and
// unparseable payloads come back permanent.
func (c *Client) FetchBars(ctx context.Context, req FetchRequest) ([]BarRow, error) {
	if err := req.Validate(); err != nil {
		return nil, resilience.Permanent("vendor_fetch", "request", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, resilience.Transient("vendor_fetch", err)
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("exchange", req.Exchange.String())
	params.Set("granularity", req.Timeframe.String())
	params.Set("start", strconv.FormatInt(req.Start.UTC().Unix(), 10))
	params.Set("end", strconv.FormatInt(req.End.UTC().Unix(), 10))

	body, err := c.get(ctx, c.baseURL+barsEndpoint+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var payload struct {
		Bars []BarRow `json:"bars"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, resilience.Permanent("vendor_fetch", "body",
			fmt.Errorf("malformed vendor payload: %w", err))
	}

	c.logger.Debug("fetched vendor bars",
		"symbol", req.Symbol,
		"timeframe", req.Timeframe.String(),
		"rows", len(payload.Bars))
	return payload.Bars, nil
}

// HealthCheck verifies the vendor endpoint is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if _, err := c.get(healthCtx, c.baseURL+pingEndpoint); err != nil {
		return err
	}
	return nil
}

// get performs one GET and classifies the outcome. 429 and 5xx are
// transient; other non-2xx statuses are permanent.
func (c *Client) get(ctx context.Context, requestURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, resilience.Permanent("vendor_request", "url", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, resilience.Transient("vendor_request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.Transient("vendor_request", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		if retryAfter > 0 {
			c.logger.Warn("vendor rate limit hit", "retry_after", retryAfter)
		}
		return nil, resilience.Transient("vendor_request",
			fmt.Errorf("rate limit exceeded: status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, resilience.Transient("vendor_request",
			fmt.Errorf("upstream error %d: %s", resp.StatusCode, truncate(body, 200)))
	case resp.StatusCode >= 400:
		return nil, resilience.Permanent("vendor_request", "status",
			fmt.Errorf("client error %d: %s", resp.StatusCode, truncate(body, 200)))
	}

	return body, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}
	return 0
}

func truncate(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
