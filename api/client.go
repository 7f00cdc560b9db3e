package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config defines the HTTP client settings for the marketplace data API.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the off-chain data API: name details, portfolios,
// activity, cache invalidation, and USD-to-native conversion.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NameDetail is the data API's view of a single name.
type NameDetail struct {
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	Available bool      `json:"available"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PortfolioEntry is one owned name in a portfolio response.
type PortfolioEntry struct {
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ActivityEntry is one marketplace event in an activity response.
type ActivityEntry struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Actor     string    `json:"actor"`
	PriceWei  string    `json:"priceWei,omitempty"`
	TxHash    string    `json:"txHash,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// New constructs a client with sane defaults.
func New(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("api: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if c == nil {
		return fmt.Errorf("api: client not configured")
	}
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("api: request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: call %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("api: %s returned status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	return nil
}

// NameDetails fetches the current state of one name.
func (c *Client) NameDetails(ctx context.Context, label string) (*NameDetail, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, fmt.Errorf("api: label required")
	}
	var detail NameDetail
	if err := c.do(ctx, http.MethodGet, "/v1/names/"+url.PathEscape(label), nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// Portfolio fetches every name the owner currently holds.
func (c *Client) Portfolio(ctx context.Context, owner common.Address) ([]PortfolioEntry, error) {
	var entries []PortfolioEntry
	if err := c.do(ctx, http.MethodGet, "/v1/portfolio/"+owner.Hex(), nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Activity fetches the most recent marketplace events for a name.
func (c *Client) Activity(ctx context.Context, label string, limit int) ([]ActivityEntry, error) {
	path := "/v1/names/" + url.PathEscape(strings.TrimSpace(label)) + "/activity"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var entries []ActivityEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// HasName reports whether the backend already reflects the owner holding
// the label. Registration flows poll this after a reveal confirms.
func (c *Client) HasName(ctx context.Context, owner common.Address, label string) (bool, error) {
	detail, err := c.NameDetails(ctx, label)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(detail.Owner, owner.Hex()), nil
}

type invalidateRequest struct {
	Scope string `json:"scope"`
	Key   string `json:"key"`
}

// InvalidateName drops the backend's cached detail view of a name.
func (c *Client) InvalidateName(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/v1/cache/invalidate",
		invalidateRequest{Scope: "name", Key: strings.TrimSpace(name)}, nil)
}

// InvalidatePortfolio drops the backend's cached portfolio for an owner.
func (c *Client) InvalidatePortfolio(ctx context.Context, owner common.Address) error {
	return c.do(ctx, http.MethodPost, "/v1/cache/invalidate",
		invalidateRequest{Scope: "portfolio", Key: owner.Hex()}, nil)
}

// InvalidateOffers drops the backend's cached open offers for an owner.
func (c *Client) InvalidateOffers(ctx context.Context, owner common.Address) error {
	return c.do(ctx, http.MethodPost, "/v1/cache/invalidate",
		invalidateRequest{Scope: "offers", Key: owner.Hex()}, nil)
}

// Refresh force-refetches the owner's portfolio on the backend.
func (c *Client) Refresh(ctx context.Context, owner common.Address) error {
	return c.do(ctx, http.MethodPost, "/v1/portfolio/"+owner.Hex()+"/refresh", nil, nil)
}

type conversionResponse struct {
	Wei string `json:"wei"`
}

// NativeForUSD converts a USD amount into native-currency wei using the
// backend's live price feed.
func (c *Client) NativeForUSD(ctx context.Context, usd float64) (*big.Int, error) {
	if usd < 0 {
		return nil, fmt.Errorf("api: negative usd amount")
	}
	path := "/v1/prices/convert?usd=" + strconv.FormatFloat(usd, 'f', -1, 64)
	var payload conversionResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	wei, ok := new(big.Int).SetString(strings.TrimSpace(payload.Wei), 10)
	if !ok {
		return nil, fmt.Errorf("api: malformed conversion result %q", payload.Wei)
	}
	return wei, nil
}
