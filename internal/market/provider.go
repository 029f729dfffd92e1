package market

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-broker/internal/types"
)

// QuoteProvider resolves the live price of one symbol
type QuoteProvider interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

var (
	ErrProviderNotConfigured = types.Unavailable("QUOTE_PROVIDER_NOT_CONFIGURED", "MARKET_API_KEY is required")
	ErrQuoteUnavailable      = types.Unavailable("QUOTE_UNAVAILABLE", "price unavailable")
	ErrInvalidQuote          = types.Unavailable("INVALID_QUOTE", "invalid price response")
)

const twelveDataBaseURL = "https://api.twelvedata.com"

// TwelveDataProvider fetches prices from the Twelve Data /price endpoint
type TwelveDataProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewTwelveDataProvider(apiKey string, client *http.Client) *TwelveDataProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TwelveDataProvider{apiKey: apiKey, baseURL: twelveDataBaseURL, client: client}
}

type twelveDataPrice struct {
	Price   string `json:"price"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (p *TwelveDataProvider) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if p.apiKey == "" {
		return decimal.Zero, ErrProviderNotConfigured
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("apikey", p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/price?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to build quote request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Zero, ErrQuoteUnavailable.WithMessage("price unavailable for %s: %v", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, ErrQuoteUnavailable.WithMessage("price unavailable for %s: status %d", symbol, resp.StatusCode)
	}

	var body twelveDataPrice
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, ErrInvalidQuote.WithMessage("invalid price response for %s", symbol)
	}
	if body.Status == "error" {
		return decimal.Zero, ErrQuoteUnavailable.WithMessage("price unavailable for %s: %s", symbol, body.Message)
	}
	if body.Price == "" {
		return decimal.Zero, ErrInvalidQuote.WithMessage("invalid price response for %s", symbol)
	}

	price, err := decimal.NewFromString(body.Price)
	if err != nil {
		return decimal.Zero, ErrInvalidQuote.WithMessage("invalid price %q for %s", body.Price, symbol)
	}
	return price, nil
}

// SimulatedProvider is an offline venue: random latency, a success rate and
// a random walk around a reference price per symbol.
type SimulatedProvider struct {
	MinLatency  int // in milliseconds
	MaxLatency  int
	SuccessRate float64 // 0-1, probability of a quote being returned

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]decimal.Decimal
}

func NewSimulatedProvider(seed int64) *SimulatedProvider {
	return &SimulatedProvider{
		MinLatency:  5,
		MaxLatency:  40,
		SuccessRate: 0.95,
		rng:         rand.New(rand.NewSource(seed)),
		prices:      make(map[string]decimal.Decimal),
	}
}

func (p *SimulatedProvider) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	logger := log.With().
		Str("provider", "simulated").
		Str("symbol", symbol).
		Logger()

	p.mu.Lock()
	latency := p.MinLatency
	if p.MaxLatency > p.MinLatency {
		latency += p.rng.Intn(p.MaxLatency - p.MinLatency + 1)
	}
	failed := p.rng.Float64() > p.SuccessRate
	// ±2% step from the last quoted price
	step := 1 + (p.rng.Float64()*0.04 - 0.02)
	last, ok := p.prices[symbol]
	if !ok {
		last = decimal.NewFromInt(int64(10 + p.rng.Intn(990)))
	}
	next := last.Mul(decimal.NewFromFloat(step)).Round(4)
	p.mu.Unlock()

	logger.Debug().Int("latency_ms", latency).Msg("simulated network latency")
	select {
	case <-time.After(time.Duration(latency) * time.Millisecond):
	case <-ctx.Done():
		return decimal.Zero, ErrQuoteUnavailable.WithMessage("price unavailable for %s: %v", symbol, ctx.Err())
	}

	if failed {
		logger.Warn().Float64("success_rate", p.SuccessRate).Msg("simulated quote failure")
		return decimal.Zero, ErrQuoteUnavailable.WithMessage("price unavailable for %s", symbol)
	}

	p.mu.Lock()
	p.prices[symbol] = next
	p.mu.Unlock()
	return next, nil
}
