package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/canwork/jobescrow/internal/util"
)

// WebhookOptions configures a WebhookSink
type WebhookOptions struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
	Breaker    *BreakerConfig
	Retry      *util.RetryConfig
}

// WebhookSink POSTs each notification as JSON to a fixed URL. Server errors
// are retried; an endpoint that keeps failing trips the breaker and further
// notifications are dropped until it cools down.
type WebhookSink struct {
	url     string
	timeout time.Duration
	client  *http.Client
	breaker *Breaker
	retry   *util.RetryConfig
}

// NewWebhookSink returns a sink for opts.URL
func NewWebhookSink(opts WebhookOptions) (*WebhookSink, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Retry == nil {
		opts.Retry = util.DefaultRetryConfig()
	}
	return &WebhookSink{
		url:     opts.URL,
		timeout: opts.Timeout,
		client:  opts.HTTPClient,
		breaker: NewBreaker(opts.Breaker),
		retry:   opts.Retry,
	}, nil
}

// Breaker exposes the endpoint's circuit breaker
func (s *WebhookSink) Breaker() *Breaker {
	return s.breaker
}

func (s *WebhookSink) Notify(ctx context.Context, n Notification) error {
	if !s.breaker.Allow() {
		return ErrCircuitOpen
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	res := util.Retry(ctx, s.retry, func() error {
		return s.post(ctx, body)
	})
	if res.LastError != nil {
		s.breaker.RecordFailure()
		return fmt.Errorf("webhook after %d attempts: %w", res.Attempts, res.LastError)
	}
	s.breaker.RecordSuccess()
	return nil
}

func (s *WebhookSink) post(ctx context.Context, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return util.MarkNonRetryable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook returned %s", resp.Status)
	default:
		return util.MarkNonRetryable(fmt.Errorf("webhook returned %s", resp.Status))
	}
}
