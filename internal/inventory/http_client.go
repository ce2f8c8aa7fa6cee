package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/cart-reservation/pkg/circuitbreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const (
	reservePath = "decrease-stock"
	releasePath = "increase-stock"

	IdempotencyHeader = "Idempotency-Key"
)

type HTTPClientConfig struct {
	BaseURL string
	// MaxAttempts per call, including the first. Defaults to 1.
	MaxAttempts int
	BaseBackoff time.Duration
	Breaker     *circuitbreaker.Breaker
	Transport   http.RoundTripper
	Logger      *zap.Logger
}

// HTTPClient talks to the storefront backend's stock endpoints:
//
//	PUT {base}/products/{id}/decrease-stock?quantity=N
//	PUT {base}/products/{id}/increase-stock?quantity=N
type HTTPClient struct {
	baseURL     string
	httpClient  *http.Client
	breaker     *circuitbreaker.Breaker
	maxAttempts int
	baseBackoff time.Duration
	logger      *zap.Logger
}

func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
		}
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		// No client timeout: each call is bounded by its context.
		httpClient:  &http.Client{Transport: otelhttp.NewTransport(transport)},
		breaker:     cfg.Breaker,
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		logger:      cfg.Logger,
	}
}

func (c *HTTPClient) Reserve(ctx context.Context, req StockRequest) error {
	return c.adjust(ctx, reservePath, req)
}

func (c *HTTPClient) Release(ctx context.Context, req StockRequest) error {
	return c.adjust(ctx, releasePath, req)
}

func (c *HTTPClient) adjust(ctx context.Context, path string, req StockRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	return c.breaker.Do(func() error {
		return c.callWithRetry(ctx, path, req)
	})
}

func (c *HTTPClient) callWithRetry(ctx context.Context, path string, req StockRequest) error {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt-1); err != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
		}

		retry, err := c.call(ctx, path, req)
		if err == nil || !retry {
			return err
		}
		lastErr = err
		c.logger.Warn("retrying inventory call",
			zap.String("path", path),
			zap.Int64("product_id", req.ProductID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return lastErr
}

// call performs one HTTP request and reports whether a failure is worth retrying.
func (c *HTTPClient) call(ctx context.Context, path string, req StockRequest) (bool, error) {
	endpoint := fmt.Sprintf("%s/products/%d/%s?%s", c.baseURL, req.ProductID, path,
		url.Values{"quantity": []string{strconv.Itoa(req.Quantity)}}.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return false, err
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(IdempotencyHeader, req.IdempotencyKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	case resp.StatusCode == http.StatusBadRequest:
		return false, decodeRejection(resp.Body, req.ProductID)
	case resp.StatusCode == http.StatusNotFound:
		return false, ErrProductNotFound
	case resp.StatusCode == http.StatusConflict:
		return false, ErrIdempotencyConflict
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("inventory returned status %s", resp.Status)
	default:
		return false, fmt.Errorf("inventory returned status %s", resp.Status)
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Available *int   `json:"available,omitempty"`
}

func decodeRejection(body io.Reader, productID int64) error {
	rejected := &StockRejectedError{ProductID: productID}
	var eb errorBody
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&eb); err == nil && eb.Available != nil {
		rejected.Available = *eb.Available
	}
	return rejected
}

func (c *HTTPClient) backoff(ctx context.Context, attempt int) error {
	exp := c.baseBackoff * time.Duration(1<<attempt)
	jitter := time.Duration(rand.Int63n(int64(exp/2) + 1))

	timer := time.NewTimer(exp + jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CountsAsSuccess is the breaker's success predicate: definitive ledger
// answers and caller cancellation do not count as failures.
func CountsAsSuccess(err error) bool {
	return err == nil || IsBusinessError(err) || errors.Is(err, context.Canceled)
}
