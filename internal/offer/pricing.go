package offer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2ptrade/internal/money"
)

// PriceOracle supplies market prices for MARGIN offers.
type PriceOracle interface {
	MarketPrice(ctx context.Context, currency, priceCurrency string) (decimal.Decimal, error)
}

// StaticOracle serves prices from a fixed table, e.g. configured through
// MARKET_PRICES.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticOracle creates an empty oracle.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{prices: make(map[string]decimal.Decimal)}
}

// ParseStaticPrices builds an oracle from "BTC/USD=65000,USDT/USD=1".
func ParseStaticPrices(raw string) (*StaticOracle, error) {
	o := NewStaticOracle()
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		symbol, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("market price %q: expected SYMBOL/QUOTE=PRICE", pair)
		}
		base, quote, ok := strings.Cut(strings.TrimSpace(symbol), "/")
		if !ok || base == "" || quote == "" {
			return nil, fmt.Errorf("market price %q: expected SYMBOL/QUOTE", symbol)
		}
		price, err := money.ParsePositive(value)
		if err != nil {
			return nil, fmt.Errorf("market price %q: %w", pair, err)
		}
		o.Set(base, quote, price)
	}
	return o, nil
}

func pairKey(currency, priceCurrency string) string {
	return strings.ToUpper(currency) + "/" + strings.ToUpper(priceCurrency)
}

// Set stores a price for currency quoted in priceCurrency.
func (o *StaticOracle) Set(currency, priceCurrency string, price decimal.Decimal) {
	o.mu.Lock()
	o.prices[pairKey(currency, priceCurrency)] = price
	o.mu.Unlock()
}

// MarketPrice implements PriceOracle.
func (o *StaticOracle) MarketPrice(_ context.Context, currency, priceCurrency string) (decimal.Decimal, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.prices[pairKey(currency, priceCurrency)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, pairKey(currency, priceCurrency))
	}
	return p, nil
}

var hundred = decimal.NewFromInt(100)

// resolvePrice computes FinalPrice for p.
func resolvePrice(ctx context.Context, oracle PriceOracle, currency, priceCurrency string, p Price) (decimal.Decimal, error) {
	switch p.Model {
	case PriceFixed:
		return p.Value, nil
	case PriceMargin:
		if oracle == nil {
			return decimal.Zero, ErrPriceUnavailable
		}
		market, err := oracle.MarketPrice(ctx, currency, priceCurrency)
		if err != nil {
			return decimal.Zero, err
		}
		factor := decimal.NewFromInt(1).Add(p.Value.Div(hundred))
		return market.Mul(factor).Round(money.Scale), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown price model %q", ErrValidation, p.Model)
	}
}
