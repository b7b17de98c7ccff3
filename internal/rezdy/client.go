package rezdy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.rezdy.com/v1"
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 8 << 20
)

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the Rezdy REST API. It holds no state besides its configuration and is
// safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		http:    httpClient,
	}
}

// Configured reports whether the client has the credentials it needs.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

func (c *Client) ListProducts(ctx context.Context, limit, offset int) (ProductPage, error) {
	var resp productsResponse
	if err := c.get(ctx, "/products", pageQuery(limit, offset), &resp); err != nil {
		return ProductPage{}, fmt.Errorf("list products: %w", err)
	}
	return ProductPage{Products: orEmpty(resp.Products), Limit: limit, Offset: offset}, nil
}

func (c *Client) GetProduct(ctx context.Context, productCode string) (Product, error) {
	var resp productResponse
	if err := c.get(ctx, "/products/"+url.PathEscape(productCode), nil, &resp); err != nil {
		return Product{}, fmt.Errorf("get product %s: %w", productCode, err)
	}
	if resp.Product == nil {
		return Product{}, fmt.Errorf("get product %s: %w", productCode, &StatusError{Status: http.StatusNotFound, Message: "product not found"})
	}
	return *resp.Product, nil
}

func (c *Client) ListCategories(ctx context.Context, limit, offset int) (CategoryPage, error) {
	var resp categoriesResponse
	if err := c.get(ctx, "/categories", pageQuery(limit, offset), &resp); err != nil {
		return CategoryPage{}, fmt.Errorf("list categories: %w", err)
	}
	return CategoryPage{Categories: orEmpty(resp.Categories), Limit: limit, Offset: offset}, nil
}

func (c *Client) ListCategoryProducts(ctx context.Context, categoryID int64, limit, offset int) (ProductPage, error) {
	var resp productsResponse
	path := "/categories/" + strconv.FormatInt(categoryID, 10) + "/products"
	if err := c.get(ctx, path, pageQuery(limit, offset), &resp); err != nil {
		return ProductPage{}, fmt.Errorf("list category %d products: %w", categoryID, err)
	}
	return ProductPage{Products: orEmpty(resp.Products), Limit: limit, Offset: offset}, nil
}

func (c *Client) ListPickups(ctx context.Context, productCode string) ([]PickupLocation, error) {
	var resp pickupsResponse
	if err := c.get(ctx, "/products/"+url.PathEscape(productCode)+"/pickups", nil, &resp); err != nil {
		return nil, fmt.Errorf("list pickups %s: %w", productCode, err)
	}
	return orEmpty(resp.PickupLocations), nil
}

func (c *Client) Availability(ctx context.Context, q AvailabilityQuery) ([]Session, error) {
	query := url.Values{}
	query.Set("productCode", q.ProductCode)
	query.Set("startTimeLocal", q.Start)
	query.Set("endTimeLocal", q.End)
	var resp sessionsResponse
	if err := c.get(ctx, "/availability", query, &resp); err != nil {
		return nil, fmt.Errorf("availability %s: %w", q.ProductCode, err)
	}
	return orEmpty(resp.Sessions), nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out statusCarrier) error {
	if c.apiKey == "" {
		return fmt.Errorf("%w: api key is not set", ErrConfiguration)
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("%w: base url: %v", ErrConfiguration, err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query == nil {
		query = url.Values{}
	}
	query.Set("apiKey", c.apiKey)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("rezdy: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// url.Error carries the full URL, including the api key.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("rezdy: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("rezdy: read %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{Status: resp.StatusCode}
		var env envelope
		if json.Unmarshal(body, &env) == nil && env.RequestStatus.Error != nil {
			statusErr.Code = env.RequestStatus.Error.ErrorCode
			statusErr.Message = env.RequestStatus.Error.ErrorMessage
		}
		return statusErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if status := out.status(); !status.Success {
		statusErr := &StatusError{Status: resp.StatusCode, Message: "request unsuccessful"}
		if status.Error != nil {
			statusErr.Code = status.Error.ErrorCode
			statusErr.Message = status.Error.ErrorMessage
		}
		return statusErr
	}
	if observe, ok := ctx.Value(headerObserverKey{}).(HeaderObserver); ok {
		observe(ctx, resp.Header)
	}
	return nil
}

// HeaderObserver sees the headers of every successful response made under its context.
type HeaderObserver func(ctx context.Context, header http.Header)

type headerObserverKey struct{}

// WithHeaderObserver returns a context whose successful requests report their response
// headers to fn.
func WithHeaderObserver(ctx context.Context, fn HeaderObserver) context.Context {
	return context.WithValue(ctx, headerObserverKey{}, fn)
}

func pageQuery(limit, offset int) url.Values {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))
	return query
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
