package rest

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"upbitflow/internal/ratelimit"
)

// DefaultBaseURL is the Upbit quotation API root.
const DefaultBaseURL = "https://api.upbit.com"

// RateGate is the slice of the rate limiter the client needs.
type RateGate interface {
	AcquireBlocking(ctx context.Context, cat ratelimit.Category, timeout time.Duration) error
	OnServerRejection(cat ratelimit.Category)
}

// Client provides access to the Upbit quotation REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	gate       RateGate

	maxRetries   int
	retryBackoff time.Duration
	acquireWait  time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST API client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: time.Second,
		acquireWait:  5 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRateGate routes every request through the REST rate budget and feeds
// server 429s into its backoff.
func WithRateGate(gate RateGate) ClientOption {
	return func(c *Client) {
		c.gate = gate
	}
}
