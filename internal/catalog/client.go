// Package catalog reads the product listings the storefront sells from the
// backend REST API.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mZeeshan-IQBAL/shopme/internal/cart"
	"github.com/mZeeshan-IQBAL/shopme/pkg/httpclient"
	"github.com/mZeeshan-IQBAL/shopme/pkg/tracing"
)

const serviceName = "backend"

var tracer = tracing.Tracer("storefront/catalog")

// Client fetches product lists from the backend.
type Client struct {
	baseURL string
	http    httpclient.Doer
}

// NewClient creates a catalog client for the backend at baseURL. doer is
// normally a *httpclient.CircuitBreakerClient.
func NewClient(baseURL string, doer httpclient.Doer) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    doer,
	}
}

// ListProducts returns GET /api/products.
func (c *Client) ListProducts(ctx context.Context) ([]cart.Product, error) {
	return c.list(ctx, "/api/products")
}

// ListTopProducts returns GET /api/top-products.
func (c *Client) ListTopProducts(ctx context.Context) ([]cart.Product, error) {
	return c.list(ctx, "/api/top-products")
}

func (c *Client) list(ctx context.Context, path string) ([]cart.Product, error) {
	ctx, span := tracer.Start(ctx, "catalog.list")
	defer span.End()
	span.SetAttributes(attribute.String("backend.path", path))

	products, err := c.fetch(ctx, path)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("catalog.count", len(products)))
	return products, nil
}

func (c *Client) fetch(ctx context.Context, path string) ([]cart.Product, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, httpclient.AsAppError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpclient.AsAppError(httpclient.ParseResponseError(resp, serviceName))
	}
	defer func() { _ = resp.Body.Close() }()

	var products []cart.Product
	if err := json.NewDecoder(resp.Body).Decode(&products); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for i := range products {
		products[i] = c.resolveImage(products[i])
	}
	return products, nil
}

// resolveImage prefixes a relative img path with the backend URL. Absolute
// URLs are returned unchanged.
func (c *Client) resolveImage(p cart.Product) cart.Product {
	img := p.Attr("img")
	if img == "" || strings.HasPrefix(img, "http://") || strings.HasPrefix(img, "https://") {
		return p
	}
	if !strings.HasPrefix(img, "/") {
		img = "/" + img
	}
	p.Attributes["img"] = c.baseURL + img
	return p
}
