package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/TheMichaelB/fleetwatch/internal/config"
	"github.com/TheMichaelB/fleetwatch/internal/events"
	"github.com/TheMichaelB/fleetwatch/internal/models"
)

// HTTPClient handles REST communication with the platform API.
type HTTPClient struct {
	client    *http.Client
	baseURL   string
	userAgent string
	logger    *events.Logger

	mu    sync.RWMutex
	token string

	// Retry configuration
	maxRetries int
	retryDelay time.Duration
}

// NewHTTPClient creates an HTTP client.
func NewHTTPClient(cfg *config.APIConfig, logger *events.Logger) *HTTPClient {
	// Create transport with HTTP/2 support
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:    cfg.BaseURL,
		userAgent:  cfg.UserAgent,
		maxRetries: cfg.MaxRetries,
		retryDelay: time.Second,
		logger:     logger.WithField("component", "http_client"),
	}
}

// BaseURL returns the API root.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// SetToken sets the bearer token sent with every request.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// GetToken returns the current bearer token.
func (c *HTTPClient) GetToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// GetJSON fetches path and decodes the body into out.
func (c *HTTPClient) GetJSON(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// PostJSON sends payload as JSON and decodes the response into out. Either
// may be nil.
func (c *HTTPClient) PostJSON(ctx context.Context, path string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}
	return c.do(ctx, http.MethodPost, path, body, out)
}

// Probe issues a single unauthenticated GET against an absolute URL and
// reports whether it answered 2xx. It never retries.
func (c *HTTPClient) Probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &models.APIError{
			Code:       models.ErrCodeServerError,
			Message:    "probe failed",
			StatusCode: resp.StatusCode,
		}
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	url := c.baseURL + path

	c.logger.WithFields(map[string]interface{}{
		"method": method,
		"url":    url,
		"size":   len(body),
	}).Debug("Sending request")

	var respBody []byte
	err := c.retry(ctx, func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return permanent(fmt.Errorf("create request: %w", err))
		}

		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		if token := c.GetToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("execute request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := decodeAPIError(resp.StatusCode, data)
			if apiErr.Retryable() {
				return apiErr
			}
			return permanent(apiErr)
		}

		respBody = data
		return nil
	})
	if err != nil {
		return err
	}

	c.logger.WithFields(map[string]interface{}{
		"url":  url,
		"size": len(respBody),
	}).Debug("Received response")

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *models.APIError {
	apiErr := &models.APIError{}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
		if len(body) > 0 && len(body) < 512 {
			apiErr.Message = string(bytes.TrimSpace(body))
		}
	}
	apiErr.StatusCode = status
	if apiErr.Code == "" {
		apiErr.Code = codeForStatus(status)
	}
	return apiErr
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.ErrCodeAuth
	case status == http.StatusNotFound:
		return models.ErrCodeNotFound
	case status == http.StatusTooManyRequests:
		return models.ErrCodeRateLimit
	default:
		return models.ErrCodeServerError
	}
}

// permanentError marks a failure the retry loop must not repeat.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

// retry executes a function with exponential backoff.
func (c *HTTPClient) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay,
			}).Debug("Retrying request")

			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		if !c.isRetryableError(err) {
			var p *permanentError
			if errors.As(err, &p) {
				return p.err
			}
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryable checks if an HTTP status code is retryable.
func (c *HTTPClient) isRetryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status >= 500 && status < 600
}

// isRetryableError checks if an error is retryable. Network errors are;
// client errors and canceled contexts are not.
func (c *HTTPClient) isRetryableError(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		return c.isRetryable(apiErr.StatusCode)
	}
	return true
}
