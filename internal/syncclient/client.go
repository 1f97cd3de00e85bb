package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Options struct {
	BaseURL     string
	Credentials *Credentials
	HTTPClient  *http.Client
	UserAgent   string
	// Timeout bounds a single attempt; a timed-out attempt is retried
	// like any other transport failure.
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logf       func(format string, args ...any)
}

// Request describes one in-flight operation. The client owns it for the
// duration of the call, retries included.
type Request struct {
	Method        string
	Path          string
	Body          any
	CorrelationID string
}

/// Client performs the network calls behind sync intents: credential
// injection, linear backoff retry, and 401-triggered credential
// invalidation. Every terminal failure is a normalized *Error.
type Client struct {
	baseURL     string
	credentials *Credentials
	httpClient  *http.Client
	userAgent   string
	timeout     time.Duration
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logf        func(format string, args ...any)
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Client{
		baseURL:     baseURL,
		credentials: opts.Credentials,
		httpClient:  httpClient,
		userAgent:   strings.TrimSpace(opts.UserAgent),
		timeout:     timeout,
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		logf:        logf,
	}
}

// Do runs one request to a terminal result. Retries happen internally on
// transport failures, 5xx and 429; other 4xx are terminal immediately. The
// budget allows MaxRetries retries after the initial attempt.
func (c *Client) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	if c == nil {
		return nil, newError(CodeInvalidRequest, 0, "sync client is nil")
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		return nil, newError(CodeInvalidRequest, 0, "request method is required")
	}
	path := req.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var bodyBytes []byte
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, newError(CodeInvalidRequest, 0, fmt.Sprintf("encode request body: %v", err))
		}
		bodyBytes = encoded
	}
	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	url := c.baseURL + path
	startedAt := time.Now()

	var lastErr *Error
	for attempt := 0; ; attempt++ {
		payload, terminal, retryAfter := c.attempt(ctx, method, url, correlationID, bodyBytes)
		if terminal == nil {
			return payload, nil
		}
		if terminal.Code == CodeUnauthorized || terminal.Code == CodeClientError || terminal.Code == CodeInvalidRequest {
			return nil, terminal
		}
		lastErr = terminal
		if ctx.Err() != nil {
			return nil, lastErr
		}
		if attempt >= c.maxRetries {
			exhausted := newError(CodeRetryExhausted, lastErr.Status, fmt.Sprintf("retry budget exhausted after %d attempts", attempt+1))
			exhausted.Details = map[string]any{
				"lastCode":    string(lastErr.Code),
				"lastMessage": lastErr.Message,
				"elapsedMs":   time.Since(startedAt).Milliseconds(),
			}
			return nil, exhausted
		}
		delay := c.retryDelay(attempt+1, retryAfter)
		c.logf("sync %s %s attempt %d failed (%s), retrying in %s", method, path, attempt+1, lastErr.Code, delay)
		if err := sleepContext(ctx, delay); err != nil {
			return nil, lastErr
		}
	}
}

// attempt performs one send. A nil terminal means success; a terminal with a
// retryable code sends the caller around the loop again.
func (c *Client) attempt(ctx context.Context, method, url, correlationID string, body []byte) (json.RawMessage, *Error, string) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, method, url, reader)
	if err != nil {
		return nil, newError(CodeInvalidRequest, 0, err.Error()), ""
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("X-Correlation-Id", correlationID)
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if c.credentials != nil {
		if token, ok := c.credentials.Token(); ok {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, newError(CodeTransport, 0, err.Error()), ""
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, newError(CodeTransport, 0, readErr.Error()), ""
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return respBody, nil, ""
	}
	if resp.StatusCode == http.StatusUnauthorized {
		if c.credentials != nil {
			c.credentials.Clear()
			c.logf("sync %s %s returned 401, credentials cleared", method, url)
		}
		return nil, c.statusError(resp.StatusCode, respBody), ""
	}
	terminal := c.statusError(resp.StatusCode, respBody)
	if retryableStatus(resp.StatusCode) {
		return nil, terminal, resp.Header.Get("Retry-After")
	}
	return nil, terminal, ""
}

func (c *Client) statusError(status int, body []byte) *Error {
	message := strings.TrimSpace(string(body))
	var parsed map[string]any
	details := map[string]any{}
	if json.Unmarshal(body, &parsed) == nil {
		if m, ok := parsed["message"].(string); ok && strings.TrimSpace(m) != "" {
			message = m
		}
		if code, ok := parsed["code"].(string); ok && code != "" {
			details["serverCode"] = code
		}
	}
	if message == "" {
		message = http.StatusText(status)
	}
	err := newError(codeForStatus(status), status, message)
	if len(details) > 0 {
		err.Details = details
	}
	return err
}

// retryDelay implements linear backoff: baseDelay * attemptNumber, capped
// at maxDelay. A Retry-After header on a rate-limited response overrides
// the computed delay, still subject to the cap.
func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay * time.Duration(attempt)
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
