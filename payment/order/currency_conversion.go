package order

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultRatesEndpoint = "https://open.er-api.com/v6/latest/USD"

// USD value of one unit, used when the rates endpoint has never answered.
var defaultRates = map[string]decimal.Decimal{
	"USD":  decimal.NewFromInt(1),
	"USDT": decimal.NewFromInt(1),
	"CNY":  decimal.RequireFromString("0.14"),
}

// --- Open ER API ---
type erResponse struct {
	Result string             `json:"result"`
	Rates  map[string]float64 `json:"rates"`
}

// Converter turns fiat prices into USDT. Rates are cached for ttl; a failed refresh keeps
// serving the previous rates.
type Converter struct {
	client   *http.Client
	endpoint string
	ttl      time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	rates     map[string]decimal.Decimal
	fetchedAt time.Time
}

func NewConverter(client *http.Client, endpoint string, ttl time.Duration, logger *zap.Logger) *Converter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if endpoint == "" {
		endpoint = DefaultRatesEndpoint
	}
	return &Converter{
		client:   client,
		endpoint: endpoint,
		ttl:      ttl,
		logger:   logger.Named("rates"),
		now:      time.Now,
	}
}

func (c *Converter) fetchFiatRates(ctx context.Context) (map[string]decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rates endpoint returned %s", resp.Status)
	}

	var data erResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode rates: %w", err)
	}

	rates := make(map[string]decimal.Decimal, len(data.Rates)+1)
	for k, v := range data.Rates {
		// 1 USD = v target, so 1 target = 1/v USD
		if v > 0 {
			rates[strings.ToUpper(k)] = decimal.NewFromInt(1).DivRound(decimal.NewFromFloat(v), 18)
		}
	}
	rates["USD"] = decimal.NewFromInt(1)
	rates["USDT"] = decimal.NewFromInt(1)
	return rates, nil
}

func (c *Converter) currentRates(ctx context.Context) map[string]decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rates != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.rates
	}

	fetched, err := c.fetchFiatRates(ctx)
	if err != nil {
		c.logger.Warn("failed to refresh exchange rates", zap.Error(err))
		if c.rates != nil {
			return c.rates
		}
		return defaultRates
	}
	for k, v := range defaultRates {
		if _, ok := fetched[k]; !ok {
			fetched[k] = v
		}
	}
	c.rates = fetched
	c.fetchedAt = c.now()
	return c.rates
}

// Convert converts amount between two currencies.
func (c *Converter) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return amount, nil
	}
	rates := c.currentRates(ctx)
	rA, ok1 := rates[from]
	rB, ok2 := rates[to]
	if !ok1 || !ok2 {
		return decimal.Zero, fmt.Errorf("unsupported currency %s or %s", from, to)
	}
	return amount.Mul(rA).DivRound(rB, 6), nil
}
