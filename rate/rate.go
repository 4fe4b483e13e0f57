// Package rate defines the price-oracle contract the orchestrator uses to
// convert the global USD in-flight ceiling into settlement-asset base
// units. The live oracle is an external collaborator; this package ships
// the contract and a static in-memory source for tests and fixed-rate
// deployments.
package rate

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/Kava-Labs/switch-api/errors"
	"github.com/Kava-Labs/switch-api/settler"
)

// Source supplies the USD price of one exchange unit of an asset.
type Source interface {
	// PriceUSD returns how many USD one exchange unit of assetCode is
	// worth (e.g. assetCode "BTC" => 58000).
	PriceUSD(assetCode string) (decimal.Decimal, error)
}

// Static is a fixed in-memory rate source.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStatic creates a static source from a ticker -> USD price map.
func NewStatic(prices map[string]decimal.Decimal) *Static {
	copied := make(map[string]decimal.Decimal, len(prices))
	for code, price := range prices {
		copied[code] = price
	}
	return &Static{prices: copied}
}

// SetPrice updates or adds a price.
func (s *Static) SetPrice(assetCode string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[assetCode] = price
}

// PriceUSD implements Source.
func (s *Static) PriceUSD(assetCode string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	price, ok := s.prices[assetCode]
	if !ok || price.IsZero() {
		return decimal.Zero, errors.WrapTransient(
			fmt.Errorf("no USD price for %s: %w", assetCode, errors.ErrRateUnavailable),
			"Static", "PriceUSD", "rate lookup")
	}
	return price, nil
}

// ConvertUSDToBaseUnits converts a USD amount into the settler's asset
// base units at the current rate, rounded down to a whole number of base
// units. Fractional base units do not exist on any supported ledger.
func ConvertUSDToBaseUnits(source Source, s settler.Settler, usd decimal.Decimal) (uint64, error) {
	price, err := source.PriceUSD(s.AssetCode)
	if err != nil {
		return 0, err
	}

	baseUnits := s.BaseUnit(usd.Div(price)).Floor()
	if baseUnits.IsNegative() {
		return 0, errors.WrapInvalid(
			fmt.Errorf("negative USD amount %s: %w", usd, errors.ErrAmountMalformed),
			"rate", "ConvertUSDToBaseUnits", "amount validation")
	}
	return uint64(baseUnits.IntPart()), nil
}
