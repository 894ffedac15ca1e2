package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"barrierbot/internal/config"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 8 * time.Second
	jitterMax   = 250 * time.Millisecond
)

// CallResult carries the raw outcome of one exchange request. Attempts
// counts every wire attempt including retries.
type CallResult struct {
	Body         []byte
	HTTPStatus   int
	LatencyMS    int64
	RemainingReq string
	Attempts     int
}

// APIError is a non-2xx exchange response.
type APIError struct {
	HTTPStatus int
	Message    string
	Retryable  bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api error: status=%d retryable=%t: %s", e.HTTPStatus, e.Retryable, e.Message)
}

// Retryable reports whether the error is a transient exchange failure.
func Retryable(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Retryable
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Client is an authenticated Upbit REST client with bounded retry.
type Client struct {
	baseURL  string
	creds    Credentials
	http     *http.Client
	maxRetry int
	logger   zerolog.Logger

	// sleep is swapped out by tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds a client from runtime settings.
func NewClient(cfg config.ExchangeConfig, logger zerolog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		creds:    Credentials{AccessKey: cfg.AccessKey, SecretKey: cfg.SecretKey},
		http:     &http.Client{Timeout: timeout},
		maxRetry: cfg.MaxRetry,
		logger:   logger.With().Str("component", "exchange").Logger(),
		sleep:    sleepCtx,
	}
}

// HasCredentials reports whether authenticated calls are possible.
func (c *Client) HasCredentials() bool {
	return c.creds.Valid()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func backoffDelay(attempt int) time.Duration {
	delay := backoffBase << attempt
	if delay > backoffCap {
		delay = backoffCap
	}
	return delay + time.Duration(rand.Int63n(int64(jitterMax)))
}

// do issues one request with retry on transient failures. Non-429 4xx
// responses fail immediately; 429 and 5xx retry up to maxRetry attempts.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, authed bool) (CallResult, error) {
	var lastResult CallResult
	var lastErr error

	for attempt := 0; attempt < c.maxRetry; attempt++ {
		if attempt > 0 {
			if sleepErr := c.sleep(ctx, backoffDelay(attempt-1)); sleepErr != nil {
				return lastResult, sleepErr
			}
		}

		result, err := c.doOnce(ctx, method, path, params, authed)
		result.Attempts = attempt + 1
		if err == nil {
			return result, nil
		}
		lastResult, lastErr = result, err

		if !Retryable(err) {
			return result, err
		}
		c.logger.Warn().
			Int("attempt", attempt+1).
			Int("status", result.HTTPStatus).
			Str("path", path).
			Msg("retrying transient exchange failure")
	}

	return lastResult, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, params url.Values, authed bool) (CallResult, error) {
	endpoint := c.baseURL + path

	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		if len(params) > 0 {
			endpoint += "?" + params.Encode()
		}
	} else {
		payload := make(map[string]string, len(params))
		for key := range params {
			payload[key] = params.Get(key)
		}
		encoded, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			return CallResult{}, fmt.Errorf("encode request body: %w", marshalErr)
		}
		body = bytes.NewReader(encoded)
	}

	req, reqErr := http.NewRequestWithContext(ctx, method, endpoint, body)
	if reqErr != nil {
		return CallResult{}, fmt.Errorf("build request: %w", reqErr)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if authed {
		if !c.creds.Valid() {
			return CallResult{}, fmt.Errorf("exchange credentials missing")
		}
		token, tokenErr := authToken(c.creds, params)
		if tokenErr != nil {
			return CallResult{}, tokenErr
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, doErr := c.http.Do(req)
	latency := time.Since(start).Milliseconds()
	if doErr != nil {
		// Transport failures (timeouts, resets) are treated as transient.
		return CallResult{LatencyMS: latency}, &APIError{Message: doErr.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return CallResult{HTTPStatus: resp.StatusCode, LatencyMS: latency},
			&APIError{HTTPStatus: resp.StatusCode, Message: readErr.Error(), Retryable: true}
	}

	result := CallResult{
		Body:         raw,
		HTTPStatus:   resp.StatusCode,
		LatencyMS:    latency,
		RemainingReq: resp.Header.Get("Remaining-Req"),
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, &APIError{
			HTTPStatus: resp.StatusCode,
			Message:    strings.TrimSpace(string(raw)),
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}

	return result, nil
}

// ParseRemainingSec extracts the per-second remaining quota from the
// Remaining-Req header ("group=order; min=900; sec=29").
func ParseRemainingSec(header string) (int, bool) {
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if value, found := strings.CutPrefix(part, "sec="); found {
			n, err := strconv.Atoi(value)
			if err != nil {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}
