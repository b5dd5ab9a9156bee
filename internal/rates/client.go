// Package rates предоставляет клиент внешнего сервиса курсов криптовалют.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
)

// ErrRateUnavailable возвращается, если сервис курсов не вернул котировку для символа.
var ErrRateUnavailable = errors.New("rate unavailable")

// Валюта конвертации для всех котировок.
const quoteCurrency = "USD"

// Client инкапсулирует HTTP-взаимодействие с сервисом котировок.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *retryablehttp.Client
}

type quoteResponse struct {
	Data map[string]struct {
		Quote map[string]struct {
			Price decimal.Decimal `json:"price"`
		} `json:"quote"`
	} `json:"data"`
}

// NewClient создаёт HTTP-клиент для обращения к сервису котировок по указанному адресу.
func NewClient(baseURL, apiKey string) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.Logger = nil
	httpClient.HTTPClient.Timeout = 5 * time.Second

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// GetRate запрашивает текущий курс криптовалюты к доллару.
// Курс запрашивается только в момент создания платёжного намерения,
// после чего фиксируется и больше не перечитывается.
func (c *Client) GetRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if c == nil || c.baseURL == "" {
		return decimal.Zero, fmt.Errorf("rate client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	reqURL := fmt.Sprintf("%s/v1/cryptocurrency/quotes/latest?symbol=%s&convert=%s",
		base, url.QueryEscape(symbol), quoteCurrency)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-CMC_PRO_API_KEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: unexpected status %d", ErrRateUnavailable, resp.StatusCode)
	}

	var result quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Zero, fmt.Errorf("decode response: %w", err)
	}

	symbolData, ok := result.Data[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no data for %s", ErrRateUnavailable, symbol)
	}

	quote, ok := symbolData.Quote[quoteCurrency]
	if !ok || !quote.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no %s quote for %s", ErrRateUnavailable, quoteCurrency, symbol)
	}

	return quote.Price, nil
}
