// Package settler holds per-settlement-type asset metadata and the
// process-wide settler registry.
//
// A Settler describes how one settlement mechanism denominates value: the
// asset ticker, the scale of its base unit, and conversions between
// exchange units and base units. One Settler instance exists per
// settlement type and is shared by every uplink of that type for the life
// of the process.
package settler

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/Kava-Labs/switch-api/errors"
)

// SettlementType tags the settlement mechanism backing an uplink.
type SettlementType string

const (
	// Lightning settles over Lightning Network channel balance.
	Lightning SettlementType = "lightning"
	// Machinomy settles over an Ethereum payment channel.
	Machinomy SettlementType = "machinomy"
	// XRPPaychan settles over an XRP ledger payment channel.
	XRPPaychan SettlementType = "xrp-paychan"
)

// Settler is immutable asset metadata for one settlement type.
type Settler struct {
	SettlementType SettlementType
	AssetCode      string
	AssetScale     uint8
}

// BaseUnit converts an amount in exchange units (e.g. whole BTC) to the
// asset's base unit (e.g. satoshi).
func (s Settler) BaseUnit(amount decimal.Decimal) decimal.Decimal {
	return amount.Shift(int32(s.AssetScale))
}

// FromBaseUnit converts base units back to exchange units.
func (s Settler) FromBaseUnit(amount decimal.Decimal) decimal.Decimal {
	return amount.Shift(-int32(s.AssetScale))
}

// definitions is the fixed set of supported settlement mechanisms.
var definitions = map[SettlementType]Settler{
	Lightning:  {SettlementType: Lightning, AssetCode: "BTC", AssetScale: 8},
	Machinomy:  {SettlementType: Machinomy, AssetCode: "ETH", AssetScale: 9},
	XRPPaychan: {SettlementType: XRPPaychan, AssetCode: "XRP", AssetScale: 9},
}

// Registry is a lazily-populated, never-evicted cache of Settlers keyed
// by settlement type, valid for the life of the process.
type Registry struct {
	mu       sync.Mutex
	settlers map[SettlementType]Settler
}

// NewRegistry creates an empty settler registry.
func NewRegistry() *Registry {
	return &Registry{
		settlers: make(map[SettlementType]Settler),
	}
}

// Resolve returns the Settler for the given settlement type, creating and
// caching it on first use. Unknown settlement types are invalid
// configuration.
func (r *Registry) Resolve(settlementType SettlementType) (Settler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.settlers[settlementType]; ok {
		return s, nil
	}

	def, ok := definitions[settlementType]
	if !ok {
		return Settler{}, errors.WrapInvalid(
			fmt.Errorf("unknown settlement type %q: %w", settlementType, errors.ErrInvalidConfig),
			"Registry", "Resolve", "settler lookup")
	}

	r.settlers[settlementType] = def
	return def, nil
}
