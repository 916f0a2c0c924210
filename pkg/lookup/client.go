// Package lookup provides the HTTP client for the external device-identifier
// lookup service: batch order submission, bulk status polling, and error
// classification.
package lookup

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for lookup service calls.
var (
	lookupRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imei_lookup_requests_total",
		Help: "Total lookup service requests by action and status",
	}, []string{"action", "status"})

	lookupRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imei_lookup_request_duration_seconds",
		Help:    "Lookup service request duration in seconds by action",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"action"})

	lookupErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imei_lookup_errors_total",
		Help: "Total lookup service errors by class",
	}, []string{"class"})
)

const apiPath = "/gsmfusion_api/index.php"

// Config holds the client configuration.
type Config struct {
	// BaseURL is the service root, without the API path.
	BaseURL string

	// APIKey authenticates every call. Required.
	APIKey string

	// Username is the service account name. Required.
	Username string

	// Timeout bounds each HTTP round-trip. A timeout is treated like any
	// other transient network failure by callers.
	Timeout time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, apiKey, username string) Config {
	return Config{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		Username: username,
		Timeout:  30 * time.Second,
	}
}

// Client is the lookup service client.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new lookup client. It fails only on configuration errors;
// no network traffic happens here.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" || cfg.Username == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := log.With().Str("component", "lookup-client").Logger()

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config: cfg,
		logger: logger,
	}, nil
}

// Submit places one order per identifier in a single service call. The
// service assigns an external order id to each accepted identifier. The
// returned buckets are complete: every message the service produced lands in
// exactly one of them, and a duplicate answer is never an error unless
// forceRecheck was requested.
//
// The chunk size is the caller's concern; Submit works for any count from
// one identifier upward.
func (c *Client) Submit(ctx context.Context, identifiers []string, serviceID string, forceRecheck bool) (*SubmitResponse, error) {
	if len(identifiers) == 0 {
		return nil, ErrEmptySubmission
	}

	params := url.Values{}
	params.Set("imei", strings.Join(identifiers, ","))
	params.Set("networkId", serviceID)

	c.logger.Debug().
		Int("identifiers", len(identifiers)).
		Str("service_id", serviceID).
		Bool("force_recheck", forceRecheck).
		Msg("Submitting order batch")

	body, err := c.do(ctx, "placeorder", params)
	if err != nil {
		return nil, err
	}

	resp, err := decodeSubmitResponse(body, identifiers, forceRecheck)
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Int("accepted", len(resp.Accepted)).
		Int("duplicates", len(resp.Duplicates)).
		Int("errors", len(resp.Errors)).
		Msg("Order batch submitted")

	return resp, nil
}

// Poll fetches the current status of the given external order ids in one
// call. The service accepts a comma-joined id list of any length.
func (c *Client) Poll(ctx context.Context, orderIDs []string) ([]OrderStatus, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}

	params := url.Values{}
	params.Set("orderIds", strings.Join(orderIDs, ","))

	c.logger.Debug().
		Int("orders", len(orderIDs)).
		Msg("Polling order statuses")

	body, err := c.do(ctx, "getimeis", params)
	if err != nil {
		return nil, err
	}

	statuses, err := decodePollResponse(body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Int("returned", len(statuses)).
		Msg("Order statuses polled")

	return statuses, nil
}

// do performs one authenticated form POST and returns the raw response body.
func (c *Client) do(ctx context.Context, action string, params url.Values) ([]byte, error) {
	params.Set("apiKey", c.config.APIKey)
	params.Set("userId", c.config.Username)
	params.Set("action", action)

	start := time.Now()
	defer func() {
		lookupRequestDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
	}()

	endpoint := c.config.BaseURL + apiPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		lookupErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		lookupRequestsTotal.WithLabelValues(action, "network_error").Inc()
		c.logger.Warn().Err(err).Str("action", action).Msg("Lookup request failed")
		return nil, &ServiceError{
			Class:   ErrorClassNetwork,
			Message: "request failed",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	lookupRequestsTotal.WithLabelValues(action, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	if resp.StatusCode >= 500 {
		lookupErrorsTotal.WithLabelValues(string(ErrorClassServer)).Inc()
		return nil, &ServiceError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassServer,
			Message:    resp.Status,
		}
	}

	if resp.StatusCode >= 400 {
		lookupErrorsTotal.WithLabelValues(string(ErrorClassRejection)).Inc()
		return nil, &ServiceError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassRejection,
			Message:    resp.Status,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		lookupErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &ServiceError{
			Class:   ErrorClassNetwork,
			Message: "read response body",
			Err:     err,
		}
	}

	return body, nil
}

// Close closes the client and releases resources.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
