package syncclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogf(string, ...any) {}

func newTestClient(t *testing.T, serverURL string, creds *Credentials) *Client {
	t.Helper()
	return New(Options{
		BaseURL:     serverURL,
		Credentials: creds,
		MaxRetries:  3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Logf:        discardLogf,
	})
}

func TestDoRetriesServerErrorsThenSucceeds(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"patients":[{"id":"1"}]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	payload, err := client.Do(context.Background(), Request{Method: "GET", Path: "/patients"})
	require.NoError(t, err)
	require.EqualValues(t, 4, requests.Load(), "expected initial attempt plus 3 retries")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Contains(t, decoded, "patients")
}

func TestDoExhaustsRetryBudget(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	_, err := client.Do(context.Background(), Request{Method: "GET", Path: "/patients"})
	require.Error(t, err)

	var normalized *Error
	require.ErrorAs(t, err, &normalized)
	assert.Equal(t, CodeRetryExhausted, normalized.Code)
	assert.Equal(t, http.StatusServiceUnavailable, normalized.Status)
	assert.EqualValues(t, 4, requests.Load())
	assert.Equal(t, "server_error", normalized.Details["lastCode"])
	assert.False(t, normalized.Timestamp.IsZero())
}

func TestDoUnauthorizedClearsCredentialsWithoutRetry(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	creds := NewCredentials()
	creds.Set("stale-token")
	client := newTestClient(t, server.URL, creds)

	_, err := client.Do(context.Background(), Request{Method: "GET", Path: "/patients"})
	var normalized *Error
	require.ErrorAs(t, err, &normalized)
	assert.Equal(t, CodeUnauthorized, normalized.Code)
	assert.EqualValues(t, 1, requests.Load(), "401 must not be retried")

	_, ok := creds.Token()
	assert.False(t, ok, "credential slot must be cleared on 401")
}

func TestDoClientErrorIsTerminal(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"no such patient"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	_, err := client.Do(context.Background(), Request{Method: "GET", Path: "/patients/9"})
	var normalized *Error
	require.ErrorAs(t, err, &normalized)
	assert.Equal(t, CodeClientError, normalized.Code)
	assert.Equal(t, "no such patient", normalized.Message)
	assert.Equal(t, "not_found", normalized.Details["serverCode"])
	assert.EqualValues(t, 1, requests.Load())
}

func TestDoRetriesRateLimited(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	_, err := client.Do(context.Background(), Request{Method: "GET", Path: "/patients"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, requests.Load())
}

func TestDoInjectsCredentialAndCorrelation(t *testing.T) {
	var gotAuth, gotCorrelation string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCorrelation = r.Header.Get("X-Correlation-Id")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	creds := NewCredentials()
	creds.Set("token-123")
	client := newTestClient(t, server.URL, creds)

	_, err := client.Do(context.Background(), Request{Method: "POST", Path: "/patients", Body: map[string]any{"name": "a"}})
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-123", gotAuth)
	assert.NotEmpty(t, gotCorrelation)
}

func TestDoLinearBackoffDelays(t *testing.T) {
	client := New(Options{BaseDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond, Logf: discardLogf})
	assert.Equal(t, 100*time.Millisecond, client.retryDelay(1, ""))
	assert.Equal(t, 200*time.Millisecond, client.retryDelay(2, ""))
	assert.Equal(t, 250*time.Millisecond, client.retryDelay(3, ""), "linear backoff is capped")
	assert.Equal(t, 2*time.Second, client.retryDelay(1, "2"), "Retry-After overrides the computed delay")
}

func TestDoPerAttemptTimeoutIsRetryable(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			time.Sleep(200 * time.Millisecond)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := New(Options{
		BaseURL:    server.URL,
		Timeout:    50 * time.Millisecond,
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		Logf:       discardLogf,
	})
	_, err := client.Do(context.Background(), Request{Method: "GET", Path: "/patients"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, requests.Load())
}

func TestDoRejectsMissingMethod(t *testing.T) {
	client := New(Options{Logf: discardLogf})
	_, err := client.Do(context.Background(), Request{Path: "/patients"})
	var normalized *Error
	require.ErrorAs(t, err, &normalized)
	assert.Equal(t, CodeInvalidRequest, normalized.Code)
}
