package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Reader looks up products for the cart handler.
type Reader interface {
	GetProduct(ctx context.Context, id int64) (Product, error)
}

type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		timeout: timeout,
	}
}

// GetProduct fetches GET {base}/products/{id}. Inactive products are rejected.
func (c *HTTPClient) GetProduct(ctx context.Context, id int64) (Product, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/products/%d", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Product{}, fmt.Errorf("build product request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Product{}, fmt.Errorf("get product %d: %w", id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Product{}, ErrProductNotFound
	case resp.StatusCode != http.StatusOK:
		return Product{}, fmt.Errorf("catalog returned status %s", resp.Status)
	}

	var p Product
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Product{}, fmt.Errorf("decode product %d: %w", id, err)
	}
	if !p.Active {
		return Product{}, ErrProductInactive
	}
	return p, nil
}
