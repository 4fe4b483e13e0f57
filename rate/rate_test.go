package rate

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kava-Labs/switch-api/settler"
)

func xrpSettler(t *testing.T) settler.Settler {
	t.Helper()
	s, err := settler.NewRegistry().Resolve(settler.XRPPaychan)
	require.NoError(t, err)
	return s
}

func TestConvertUSDToBaseUnits(t *testing.T) {
	source := NewStatic(map[string]decimal.Decimal{
		"XRP": decimal.NewFromFloat(0.30),
	})

	// $0.15 at $0.30/XRP is 0.5 XRP = 500,000,000 base units at scale 9.
	got, err := ConvertUSDToBaseUnits(source, xrpSettler(t), decimal.NewFromFloat(0.15))
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000_000), got)
}

func TestConvertRoundsDown(t *testing.T) {
	source := NewStatic(map[string]decimal.Decimal{
		"XRP": decimal.NewFromInt(3),
	})

	// $1 at $3/XRP = 0.333...XRP; base units floor to a whole integer.
	got, err := ConvertUSDToBaseUnits(source, xrpSettler(t), decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(333_333_333), got)
}

func TestConvertMissingRate(t *testing.T) {
	source := NewStatic(nil)

	_, err := ConvertUSDToBaseUnits(source, xrpSettler(t), decimal.NewFromInt(1))
	assert.Error(t, err)
}

func TestStaticSetPrice(t *testing.T) {
	source := NewStatic(nil)
	source.SetPrice("BTC", decimal.NewFromInt(60_000))

	price, err := source.PriceUSD("BTC")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(60_000)))
}
