// Package haclient is the outbound HTTP client for inter-service calls in
// the GAIA SOA.
//
// Calls retry the primary endpoint with exponential backoff on transient
// failures, then make a single attempt against an optional HA fallback
// endpoint. Failover is suppressed while maintenance mode is active, and the
// original primary error is preserved when the fallback also fails so
// diagnosis points at the real outage.
package haclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/azraeltruthsay/gaia-sub003/maintenance"
	"github.com/azraeltruthsay/gaia-sub003/observability"
)

// Client talks to one GAIA service, optionally with an HA fallback.
type Client struct {
	ServiceName string
	BaseURL     string
	FallbackURL string

	MaxAttempts    int
	RetryBaseDelay time.Duration
	Timeout        time.Duration
	SharedDir      string

	httpClient *http.Client
	sleep      func(time.Duration) // test hook
}

// Option mutates a Client at construction.
type Option func(*Client)

// WithFallback sets the HA fallback base URL.
func WithFallback(u string) Option {
	return func(c *Client) { c.FallbackURL = u }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.Timeout = d
		c.httpClient.Timeout = d
	}
}

// WithRetries overrides attempt count and base delay.
func WithRetries(maxAttempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.MaxAttempts = maxAttempts
		c.RetryBaseDelay = baseDelay
	}
}

// New creates a client for a service. The base URL is resolved from
// endpointEnvVar when set, falling back to the docker network convention
// http://<service>:<port>.
func New(serviceName string, defaultPort int, endpointEnvVar string, opts ...Option) *Client {
	base := ""
	if endpointEnvVar != "" {
		base = os.Getenv(endpointEnvVar)
	}
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", serviceName, defaultPort)
	}

	c := &Client{
		ServiceName:    serviceName,
		BaseURL:        base,
		MaxAttempts:    3,
		RetryBaseDelay: 2 * time.Second,
		Timeout:        30 * time.Second,
		SharedDir:      os.Getenv("SHARED_DIR"),
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		sleep:          time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewCoreClient returns a client for gaia-core with the HA fallback from
// CORE_FALLBACK_ENDPOINT.
func NewCoreClient() *Client {
	return New("gaia-core", 6415, "CORE_ENDPOINT",
		WithFallback(os.Getenv("CORE_FALLBACK_ENDPOINT")))
}

// NewMCPClient returns a client for gaia-mcp with the HA fallback from
// MCP_FALLBACK_ENDPOINT.
func NewMCPClient() *Client {
	return New("gaia-mcp", 8765, "MCP_ENDPOINT",
		WithFallback(os.Getenv("MCP_FALLBACK_ENDPOINT")))
}

// NewOrchestratorClient returns a client for gaia-orchestrator (no HA pair).
func NewOrchestratorClient() *Client {
	return New("gaia-orchestrator", 6410, "ORCHESTRATOR_ENDPOINT")
}

// Get performs a GET with retry and failover.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (map[string]interface{}, error) {
	return c.call(ctx, http.MethodGet, path, params, nil)
}

// Post performs a POST with a JSON body, retry and failover.
func (c *Client) Post(ctx context.Context, path string, body interface{}) (map[string]interface{}, error) {
	return c.call(ctx, http.MethodPost, path, nil, body)
}

// Delete performs a DELETE with retry and failover.
func (c *Client) Delete(ctx context.Context, path string, params url.Values) (map[string]interface{}, error) {
	return c.call(ctx, http.MethodDelete, path, params, nil)
}

// HealthCheck reports whether the service answers /health with status healthy.
func (c *Client) HealthCheck(ctx context.Context) bool {
	result, err := c.Get(ctx, "/health", nil)
	if err != nil {
		log.Printf("HAClient: health check failed for %s: %v", c.ServiceName, err)
		return false
	}
	status, _ := result["status"].(string)
	return status == "healthy"
}

func (c *Client) call(ctx context.Context, method, path string, params url.Values, body interface{}) (map[string]interface{}, error) {
	primary := c.retryPrimary(ctx, method, path, params, body)
	if primary.result != nil {
		return primary.result, nil
	}

	// Failover fires only on a retryable failure, with a fallback configured,
	// and with maintenance mode off.
	if IsTransient(primary.err) && c.FallbackURL != "" {
		if maintenance.Active(c.SharedDir) {
			log.Printf("HAClient: maintenance mode active, suppressing failover for %s %s", method, path)
			return nil, primary.err
		}
		return c.tryFallback(ctx, method, path, params, body, primary.err)
	}
	return nil, primary.err
}

type attemptOutcome struct {
	result map[string]interface{}
	err    error
}

// retryPrimary attempts the primary URL up to MaxAttempts with exponential
// backoff on transient errors. Timeouts and non-retryable statuses surface
// immediately.
func (c *Client) retryPrimary(ctx context.Context, method, path string, params url.Values, body interface{}) attemptOutcome {
	var lastErr error
	delay := c.RetryBaseDelay

	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		result, err := c.doRequest(ctx, c.BaseURL, method, path, params, body)
		if err == nil {
			return attemptOutcome{result: result}
		}
		lastErr = err

		if !IsTransient(err) {
			return attemptOutcome{err: err}
		}
		if attempt < c.MaxAttempts {
			log.Printf("HAClient: %s %s attempt %d/%d failed (%v), retrying in %s",
				method, path, attempt, c.MaxAttempts, err, delay)
			select {
			case <-ctx.Done():
				return attemptOutcome{err: &TimeoutError{Err: ctx.Err()}}
			default:
			}
			c.sleep(delay)
			delay *= 2
		}
	}
	return attemptOutcome{err: lastErr}
}

// tryFallback makes exactly one attempt against the fallback URL. If it also
// fails, the original primary error is raised.
func (c *Client) tryFallback(ctx context.Context, method, path string, params url.Values, body interface{}, primaryErr error) (map[string]interface{}, error) {
	log.Printf("HAClient: primary %s %s failed (%v), attempting HA fallback %s",
		method, path, primaryErr, c.FallbackURL)

	result, err := c.doRequest(ctx, c.FallbackURL, method, path, params, body)
	if err != nil {
		observability.FailoverAttempts.WithLabelValues(c.ServiceName, "failed").Inc()
		log.Printf("HAClient: HA fallback also failed for %s %s (%v), raising original error",
			method, path, err)
		return nil, primaryErr
	}
	observability.FailoverAttempts.WithLabelValues(c.ServiceName, "succeeded").Inc()
	log.Printf("HAClient: HA fallback succeeded: %s %s%s", method, c.FallbackURL, path)
	return result, nil
}

func (c *Client) doRequest(ctx context.Context, base, method, path string, params url.Values, body interface{}) (map[string]interface{}, error) {
	fullURL := strings.TrimRight(base, "/") + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	} else if method == http.MethodPost {
		reader = strings.NewReader("{}")
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp.StatusCode, strings.TrimSpace(string(data)))
	}

	result := map[string]interface{}{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, &TransientError{Err: fmt.Errorf("malformed response body: %w", err)}
		}
	}
	return result, nil
}
