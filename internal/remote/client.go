// Package remote is the HTTP client for the upstream order service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"order-sync-service/internal/config"
	"order-sync-service/internal/logger"
)

var (
	ErrConflict = errors.New("remote conflict")
	ErrNotFound = errors.New("remote resource not found")
)

// HTTPError is returned for any non-2xx response other than 404 and 409.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: HTTP error, status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Order is the upstream representation of an order. Prices travel as JSON
// numbers.
type Order struct {
	ID           string     `json:"id,omitempty"`
	Timestamp    int64      `json:"timestamp"`
	LineItems    []LineItem `json:"lineItems"`
	UpdatedAt    int64      `json:"updatedAt,omitempty"`
	LastModified int64      `json:"lastModified,omitempty"`
}

// ModifiedAt is the order's modification time: updatedAt, then
// lastModified, then the creation timestamp.
func (o *Order) ModifiedAt() int64 {
	switch {
	case o.UpdatedAt != 0:
		return o.UpdatedAt
	case o.LastModified != 0:
		return o.LastModified
	default:
		return o.Timestamp
	}
}

type LineItem struct {
	ID         string  `json:"id,omitempty"`
	ProductID  string  `json:"productId"`
	Name       string  `json:"name"`
	Image      string  `json:"image,omitempty"`
	Price      float64 `json:"price"`
	Quantity   int     `json:"quantity"`
	TotalPrice float64 `json:"totalPrice"`
}

type Product struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Image string  `json:"image,omitempty"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(cfg config.RemoteConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.GetTimeout()},
	}
}

func (c *Client) Get(ctx context.Context, id string) (*Order, error) {
	var out Order
	if err := c.do(ctx, http.MethodGet, "/Orders/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	return &out, nil
}

// Create posts an order without id; the server assigns one.
func (c *Client) Create(ctx context.Context, order *Order) (*Order, error) {
	body := *order
	body.ID = ""
	var out Order
	if err := c.do(ctx, http.MethodPost, "/Orders", &body, &out); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return &out, nil
}

func (c *Client) Update(ctx context.Context, id string, order *Order) (*Order, error) {
	var out Order
	if err := c.do(ctx, http.MethodPut, "/Orders/"+url.PathEscape(id), order, &out); err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}
	return &out, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/Orders/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	return nil
}

func (c *Client) ListProducts(ctx context.Context) ([]Product, error) {
	var out []Product
	if err := c.do(ctx, http.MethodGet, "/products", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch products: %w", err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	logger.Log.Debug("Remote call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrConflict
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &HTTPError{Method: method, URL: req.URL.String(), StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
