package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// RequestJSON delivers a JSON payload and returns the status and body.
// Transport errors, body read errors, and 5xx responses are retried up
// to `retries` additional attempts with a fixed delay; 4xx responses
// are returned as-is since resending the same payload cannot fix them.
// The escalation notifier is the main caller, so backoff honors ctx
// cancellation instead of sleeping through a shutdown.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}

	var (
		status  int
		resp    []byte
		lastErr error
	)
	for attempt := 0; ; attempt++ {
		var retryable bool
		status, resp, retryable, lastErr = attemptJSON(ctx, client, method, url, body, headers)
		if lastErr != nil && !retryable {
			return 0, nil, lastErr
		}
		if !retryable || attempt >= retries {
			break
		}
		if err := waitRetry(ctx, retryDelay); err != nil {
			return 0, nil, err
		}
	}
	if lastErr != nil {
		return 0, nil, lastErr
	}
	return status, resp, nil
}

func attemptJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, false, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, true, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, true, err
	}
	return resp.StatusCode, payload, resp.StatusCode >= 500, nil
}

func waitRetry(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
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
