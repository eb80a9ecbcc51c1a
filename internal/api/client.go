// Package api provides the authenticated HTTP transport shared by the REST
// and Connect command surfaces. It owns the cached bearer token and
// normalizes responses into a uniform result envelope.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"freespot/internal/core"
)

// TokenSource produces fresh access tokens; satisfied by auth.Forge.
type TokenSource interface {
	AccessToken(ctx context.Context, credential string) (core.AccessToken, error)
}

// Result is the uniform envelope for every call. HTTP-level errors (4xx,
// 5xx) are carried here rather than returned as Go errors, so a failed
// poll never aborts a caller's update cycle.
type Result struct {
	Status int
	Body   []byte
	// JSON reports whether the response content type indicated structured
	// data; callers must tolerate raw text otherwise.
	JSON bool
}

// OK reports whether the status is in the 2xx range.
func (r Result) OK() bool { return r.Status >= 200 && r.Status < 300 }

// DecodeJSON unmarshals the body into v. It fails when the response was
// not structured data.
func (r Result) DecodeJSON(v any) error {
	if !r.JSON {
		return &core.ProtocolError{What: "response is not JSON"}
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &core.ProtocolError{What: "failed to decode response", Err: err}
	}
	return nil
}

// Client is the thin authenticated transport. The token cell is
// single-writer: concurrent refresh triggers coalesce into one in-flight
// fetch via singleflight, and readers always see a complete value.
type Client struct {
	logger     *zap.Logger
	http       *http.Client
	tokens     TokenSource
	credential string

	mu    sync.RWMutex
	token core.AccessToken

	refresh singleflight.Group

	maxAttempts int
	baseDelay   time.Duration
}

func NewClient(tokens TokenSource, credential string, cfg *core.AppConfig, logger *zap.Logger) *Client {
	return &Client{
		logger:      logger,
		http:        &http.Client{Timeout: cfg.RequestTimeout},
		tokens:      tokens,
		credential:  credential,
		maxAttempts: cfg.MaxRetries,
		baseDelay:   cfg.RetryBaseDelay,
	}
}

// Token returns the cached bearer token, fetching the first one on demand.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	cached := c.token.Value
	c.mu.RUnlock()

	if cached != "" {
		return cached, nil
	}
	return c.RefreshToken(ctx)
}

// RefreshToken fetches a new token and publishes it to the cell. Concurrent
// callers share a single in-flight fetch and all receive its outcome.
func (c *Client) RefreshToken(ctx context.Context) (string, error) {
	value, err, _ := c.refresh.Do("token", func() (any, error) {
		token, err := c.tokens.AccessToken(ctx, c.credential)
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.token = token
		c.mu.Unlock()

		c.logger.Debug("Access token refreshed")
		return token.Value, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// Call performs an authenticated request. A single 401 triggers exactly one
// token refresh and one retry of the same request; a second 401 is returned
// as a failed result. Network-level failures are retried with exponential
// backoff up to the attempt ceiling, then reported as core.TransportError.
func (c *Client) Call(ctx context.Context, method, rawURL string, body []byte) (Result, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return Result{}, err
	}

	result, err := c.doWithRetry(ctx, method, rawURL, body, token)
	if err != nil {
		return Result{}, err
	}

	if result.Status == http.StatusUnauthorized {
		token, err = c.RefreshToken(ctx)
		if err != nil {
			return result, err
		}
		result, err = c.doWithRetry(ctx, method, rawURL, body, token)
		if err != nil {
			return Result{}, err
		}
	}

	return result, nil
}

func (c *Client) doWithRetry(ctx context.Context, method, rawURL string, body []byte, token string) (Result, error) {
	var lastErr error
	delay := c.baseDelay

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		result, err := c.do(ctx, method, rawURL, body, token)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		lastErr = err
		c.logger.Warn("Request failed",
			zap.String("method", method),
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < c.maxAttempts {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return Result{}, &core.TransportError{Attempts: c.maxAttempts, Err: lastErr}
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, token string) (Result, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return Result{}, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("App-Platform", "WebPlayer")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response body: %w", err)
	}

	return Result{
		Status: resp.StatusCode,
		Body:   data,
		JSON:   strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json"),
	}, nil
}
