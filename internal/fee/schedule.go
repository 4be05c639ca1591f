package fee

import (
	"fmt"

	"github.com/holiman/uint256"
)

// maxPremiumPercent bounds the configured premium.
const maxPremiumPercent = 1000

// Schedule is the fixed part of the fee configuration.
type Schedule struct {
	WrapperOverheadGas     uint64
	CoordinatorOverheadGas uint64
	PremiumPercent         uint64
	FlatFee                *uint256.Int
}

// Validate rejects schedules that cannot produce sensible prices.
func (s Schedule) Validate() error {
	if s.PremiumPercent > maxPremiumPercent {
		return fmt.Errorf("premium percent %d exceeds %d", s.PremiumPercent, maxPremiumPercent)
	}
	return nil
}

// Parameters combines the schedule with the per-request and market inputs.
func (s Schedule) Parameters(gasLimit uint64, gasPriceWei, weiPerUnitToken *uint256.Int) Parameters {
	flat := s.FlatFee
	if flat == nil {
		flat = new(uint256.Int)
	}
	return Parameters{
		GasLimit:               uint256.NewInt(gasLimit),
		WrapperOverheadGas:     uint256.NewInt(s.WrapperOverheadGas),
		CoordinatorOverheadGas: uint256.NewInt(s.CoordinatorOverheadGas),
		GasPriceWei:            gasPriceWei,
		WeiPerUnitToken:        weiPerUnitToken,
		PremiumPercent:         uint256.NewInt(s.PremiumPercent),
		FlatFee:                flat,
	}
}

// Price is shorthand for Calculate(s.Parameters(...)).
func (s Schedule) Price(gasLimit uint64, gasPriceWei, weiPerUnitToken *uint256.Int) (*uint256.Int, error) {
	return Calculate(s.Parameters(gasLimit, gasPriceWei, weiPerUnitToken))
}
