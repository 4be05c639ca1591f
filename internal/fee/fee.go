// Package fee computes the token-denominated price of a randomness request.
//
// The formula mirrors the direct-funding wrapper's gas price calculation:
//
//	totalGas    = gasLimit + wrapperOverheadGas + coordinatorOverheadGas
//	baseFee     = (1e18 * gasPriceWei * totalGas) / weiPerUnitToken
//	withPremium = (baseFee * (100 + premiumPercent)) / 100
//	fee         = withPremium + flatFee
//
// Each division truncates and the multiplications happen before the divisions.
// Reordering the steps changes results.
package fee

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	// ErrPrecondition marks fee schedule failures that indicate misconfiguration.
	ErrPrecondition = errors.New("fee precondition violated")

	ErrArithmeticOverflow   = fmt.Errorf("%w: arithmetic overflow", ErrPrecondition)
	ErrDivisionByZeroConfig = fmt.Errorf("%w: wei per unit token is zero", ErrPrecondition)
)

// OneToken is one whole 18-decimal token in its smallest unit.
var OneToken = uint256.NewInt(1_000_000_000_000_000_000)

var hundred = uint256.NewInt(100)

// Parameters holds the inputs of one fee calculation. Nil fields count as zero.
type Parameters struct {
	GasLimit               *uint256.Int
	WrapperOverheadGas     *uint256.Int
	CoordinatorOverheadGas *uint256.Int
	GasPriceWei            *uint256.Int
	WeiPerUnitToken        *uint256.Int
	PremiumPercent         *uint256.Int
	FlatFee                *uint256.Int
}

// Calculate returns the fee for p. It never mutates p.
func Calculate(p Parameters) (*uint256.Int, error) {
	if p.WeiPerUnitToken == nil || p.WeiPerUnitToken.IsZero() {
		return nil, ErrDivisionByZeroConfig
	}

	totalGas, err := add(orZero(p.GasLimit), orZero(p.WrapperOverheadGas))
	if err != nil {
		return nil, err
	}
	if totalGas, err = add(totalGas, orZero(p.CoordinatorOverheadGas)); err != nil {
		return nil, err
	}

	baseFee, err := mul(OneToken, orZero(p.GasPriceWei))
	if err != nil {
		return nil, err
	}
	if baseFee, err = mul(baseFee, totalGas); err != nil {
		return nil, err
	}
	baseFee = new(uint256.Int).Div(baseFee, p.WeiPerUnitToken)

	multiplier, err := add(hundred, orZero(p.PremiumPercent))
	if err != nil {
		return nil, err
	}
	withPremium, err := mul(baseFee, multiplier)
	if err != nil {
		return nil, err
	}
	withPremium.Div(withPremium, hundred)

	return add(withPremium, orZero(p.FlatFee))
}

func add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return z, nil
}

func mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return z, nil
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
