package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/gregtusar/gaparb/pkg/models"
)

// Settings holds the options shared by every REST provider.
type Settings struct {
	BaseURL         string
	DefaultTaker    decimal.Decimal
	DefaultMaker    decimal.Decimal
	RateLimitPerSec float64
	HTTPClient      *http.Client
}

// baseClient is the plumbing shared by the REST providers: rate limiting,
// optional request signing, JSON decoding and the loaded market table.
type baseClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	auth       Signer
	validate   *validator.Validate
	logger     *logrus.Logger

	settings Settings

	mu      sync.RWMutex
	markets map[string]models.Market
	byID    map[string]string
}

func newBaseClient(name, defaultURL string, settings Settings, logger *logrus.Logger) *baseClient {
	baseURL := strings.TrimRight(settings.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultURL
	}
	httpClient := settings.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	limit := rate.Inf
	if settings.RateLimitPerSec > 0 {
		limit = rate.Limit(settings.RateLimitPerSec)
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	return &baseClient{
		name:       name,
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		validate:   validator.New(),
		logger:     logger,
		settings:   settings,
	}
}

func (c *baseClient) Name() string {
	return c.name
}

func (c *baseClient) Markets() map[string]models.Market {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.markets == nil {
		return nil
	}
	out := make(map[string]models.Market, len(c.markets))
	for k, v := range c.markets {
		out[k] = v
	}
	return out
}

func (c *baseClient) setMarkets(markets []models.Market) {
	bySymbol := make(map[string]models.Market, len(markets))
	byID := make(map[string]string, len(markets))
	for _, m := range markets {
		m.Exchange = c.name
		bySymbol[m.Symbol] = m
		byID[m.Symbol] = m.ID
	}

	c.mu.Lock()
	c.markets = bySymbol
	c.byID = byID
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"exchange": c.name,
		"markets":  len(bySymbol),
	}).Debug("Loaded markets")
}

// nativeID maps a unified symbol to the exchange's own product id.
func (c *baseClient) nativeID(symbol string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.byID == nil {
		return "", fmt.Errorf("%w: %s", ErrMarketsNotLoaded, c.name)
	}
	id, ok := c.byID[symbol]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrUnknownSymbol, symbol, c.name)
	}
	return id, nil
}

func (c *baseClient) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	if c.auth != nil {
		if err := c.auth.Sign(req); err != nil {
			return fmt.Errorf("%s: sign request: %w", c.name, err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: GET %s: %w", c.name, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: GET %s: unexpected status %d: %s", c.name, path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode %s: %w", c.name, path, err)
	}
	return nil
}

// parseDecimal treats an empty field as zero, which exchanges use for
// products without a current price.
func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
