package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// StreamFrame is one server-pushed event: an action type plus an opaque
// payload. Frames complement the pull-based intents; the receiving side
// decides how they enter the state tree.
type StreamFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type StreamOptions struct {
	URL         string
	Credentials *Credentials
	HTTPClient  *http.Client
	// Receive is invoked for every decoded frame.
	Receive   func(frame StreamFrame)
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Logf      func(format string, args ...any)
}

// Stream maintains a websocket subscription to the sync service,
// reconnecting with the same linear backoff the HTTP client uses.
type Stream struct {
	url         string
	credentials *Credentials
	httpClient  *http.Client
	receive     func(frame StreamFrame)
	baseDelay   time.Duration
	maxDelay    time.Duration
	logf        func(format string, args ...any)
}

func NewStream(opts StreamOptions) (*Stream, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, errors.New("stream url is required")
	}
	if opts.Receive == nil {
		return nil, errors.New("stream receive callback is required")
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Stream{
		url:         url,
		credentials: opts.Credentials,
		httpClient:  opts.HTTPClient,
		receive:     opts.Receive,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		logf:        logf,
	}, nil
}

// Run blocks until ctx is cancelled, reconnecting after connection loss.
func (s *Stream) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.readLoop(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		delay := s.baseDelay * time.Duration(attempt)
		if delay > s.maxDelay {
			delay = s.maxDelay
		}
		s.logf("sync stream disconnected (%v), reconnecting in %s", err, delay)
		if err := sleepContext(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *Stream) readLoop(ctx context.Context) error {
	header := http.Header{}
	if s.credentials != nil {
		if token, ok := s.credentials.Token(); ok {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
		HTTPClient: s.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var frame StreamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logf("sync stream: dropping malformed frame: %v", err)
			continue
		}
		if strings.TrimSpace(frame.Type) == "" {
			continue
		}
		s.receive(frame)
	}
}
