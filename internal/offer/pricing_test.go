package offer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStaticPrices(t *testing.T) {
	o, err := ParseStaticPrices("BTC/USD=65000, usdt/usd=1.0001,")
	require.NoError(t, err)

	p, err := o.MarketPrice(context.Background(), "btc", "usd")
	require.NoError(t, err)
	assert.True(t, p.Equal(dec("65000")))

	p, err = o.MarketPrice(context.Background(), "USDT", "USD")
	require.NoError(t, err)
	assert.True(t, p.Equal(dec("1.0001")))

	_, err = o.MarketPrice(context.Background(), "ETH", "USD")
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestParseStaticPrices_Invalid(t *testing.T) {
	for _, in := range []string{"BTC=1", "BTC/USD", "/USD=1", "BTC/USD=-5", "BTC/USD=abc"} {
		_, err := ParseStaticPrices(in)
		assert.Error(t, err, in)
	}
}

func TestResolvePrice(t *testing.T) {
	oracle := NewStaticOracle()
	oracle.Set("BTC", "EUR", dec("50000"))
	ctx := context.Background()

	p, err := resolvePrice(ctx, oracle, "BTC", "EUR", Price{Model: PriceFixed, Value: dec("49000")})
	require.NoError(t, err)
	assert.True(t, p.Equal(dec("49000")))

	p, err = resolvePrice(ctx, oracle, "BTC", "EUR", Price{Model: PriceMargin, Value: dec("1.5")})
	require.NoError(t, err)
	assert.True(t, p.Equal(dec("50750")), "got %s", p)

	_, err = resolvePrice(ctx, nil, "BTC", "EUR", Price{Model: PriceMargin, Value: dec("1")})
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}
