package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sender posts formatted alert payloads, retrying transport errors and 5xx
// responses with a linear backoff.
type Sender struct {
	Client   *http.Client
	Attempts int
	Backoff  time.Duration
}

var defaultSender = &Sender{
	Client:   &http.Client{Timeout: 5 * time.Second},
	Attempts: 3,
	Backoff:  time.Second,
}

// Send delivers event to cfg.URL with the default sender.
func Send(ctx context.Context, cfg AlertConfig, event AlertEvent) error {
	return defaultSender.Send(ctx, cfg, event)
}

// Send delivers event to cfg.URL. A 4xx response is final.
func (s *Sender) Send(ctx context.Context, cfg AlertConfig, event AlertEvent) error {
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return fmt.Errorf("alert: format payload: %w", err)
	}
	attempts := s.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(time.Duration(attempt) * s.Backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("alert: %w (last error: %v)", ctx.Err(), lastErr)
			case <-t.C:
			}
		}

		status, err := s.post(ctx, cfg, body)
		switch {
		case err != nil:
			lastErr = err
		case status >= 200 && status < 300:
			return nil
		case status >= 400 && status < 500:
			return fmt.Errorf("alert: webhook rejected: HTTP %d", status)
		default:
			lastErr = fmt.Errorf("webhook server error: HTTP %d", status)
		}
	}
	return fmt.Errorf("alert: webhook failed after %d attempts: %w", attempts, lastErr)
}

func (s *Sender) post(ctx context.Context, cfg AlertConfig, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}
